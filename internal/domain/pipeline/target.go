package pipeline

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// TargetWriter is the write side of the migration target. Snapshot and
// Restore exist so the backup manager can capture and reinstate target state;
// the concrete storage behind a target name is an external collaborator.
type TargetWriter interface {
	Write(ctx context.Context, target string, rows []map[string]interface{}) (int, error)
	Snapshot(ctx context.Context, target string) ([]map[string]interface{}, error)
	Restore(ctx context.Context, target string, rows []map[string]interface{}) (int, error)
}

// MemoryTarget is an in-memory TargetWriter used in tests and sandboxed runs.
type MemoryTarget struct {
	mu   sync.RWMutex
	data map[string][]map[string]interface{}
}

func NewMemoryTarget() *MemoryTarget {
	return &MemoryTarget{data: make(map[string][]map[string]interface{})}
}

func (t *MemoryTarget) Write(_ context.Context, target string, rows []map[string]interface{}) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, row := range rows {
		t.data[target] = append(t.data[target], cloneRow(row))
	}
	return len(rows), nil
}

func (t *MemoryTarget) Snapshot(_ context.Context, target string) ([]map[string]interface{}, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rows := make([]map[string]interface{}, 0, len(t.data[target]))
	for _, row := range t.data[target] {
		rows = append(rows, cloneRow(row))
	}
	return rows, nil
}

func (t *MemoryTarget) Restore(_ context.Context, target string, rows []map[string]interface{}) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	replaced := make([]map[string]interface{}, 0, len(rows))
	for _, row := range rows {
		replaced = append(replaced, cloneRow(row))
	}
	t.data[target] = replaced
	return len(rows), nil
}

// Rows returns the current contents of a target. Test helper.
func (t *MemoryTarget) Rows(target string) []map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rows := make([]map[string]interface{}, 0, len(t.data[target]))
	for _, row := range t.data[target] {
		rows = append(rows, cloneRow(row))
	}
	return rows
}

func cloneRow(row map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// snapshotAdapter bridges the backup manager's pipeline-keyed snapshot
// contract onto the target writer, resolving the pipeline's target name first.
type snapshotAdapter struct{ svc *Service }

func (a snapshotAdapter) Export(ctx context.Context, pipelineID uuid.UUID) ([]map[string]interface{}, error) {
	p, err := a.svc.repo.GetByID(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	return a.svc.target.Snapshot(ctx, p.Target)
}

func (a snapshotAdapter) Restore(ctx context.Context, pipelineID uuid.UUID, records []map[string]interface{}) (int, error) {
	p, err := a.svc.repo.GetByID(ctx, pipelineID)
	if err != nil {
		return 0, err
	}
	return a.svc.target.Restore(ctx, p.Target, records)
}
