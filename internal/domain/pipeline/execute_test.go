package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ehr/migration/internal/domain/progress"
	"github.com/ehr/migration/internal/platform/connector"
)

// slowTarget delays every write so tests can observe a pipeline mid-flight.
type slowTarget struct {
	*MemoryTarget
	delay time.Duration
}

func (t *slowTarget) Write(ctx context.Context, target string, rows []map[string]interface{}) (int, error) {
	select {
	case <-time.After(t.delay):
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	return t.MemoryTarget.Write(ctx, target, rows)
}

func waitForStatus(t *testing.T, env *testEnv, p *Pipeline, status string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pr, err := env.svc.Progress(context.Background(), p.ID)
		if err == nil && pr.Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	pr, _ := env.svc.Progress(context.Background(), p.ID)
	t.Fatalf("pipeline never reached status %s (currently %+v)", status, pr)
}

func TestExecutePipeline_EndToEnd(t *testing.T) {
	env := newTestEnv(t, residentRows(), nil, 0)
	p := env.createPipeline(t)

	result, err := env.svc.ExecutePipeline(context.Background(), p.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}

	if result.RecordsImported != 4 {
		t.Errorf("expected 4 records imported, got %d", result.RecordsImported)
	}
	if result.RecordsSkipped != 1 {
		t.Errorf("expected 1 record skipped, got %d", result.RecordsSkipped)
	}
	found := false
	for _, e := range result.Errors {
		if e.Row == 4 && e.Field == "nhs_number" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a row error for row 4's missing identifier, got %+v", result.Errors)
	}

	stored, err := env.svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.Status != progress.StatusCompleted {
		t.Errorf("expected status completed, got %s", stored.Status)
	}
	if stored.LastResult == nil || stored.LastResult.RecordsImported != 4 {
		t.Errorf("expected last result persisted, got %+v", stored.LastResult)
	}
	if stored.Quality.PostTransform == nil {
		t.Error("expected a post-transform quality report")
	}

	pr, err := env.svc.Progress(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if pr.Percent != 100 || pr.Status != progress.StatusCompleted {
		t.Errorf("expected completed at 100%%, got %s at %d%%", pr.Status, pr.Percent)
	}

	rows := env.target.Rows("residents")
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows written to target, got %d", len(rows))
	}
	// UK day-first parsing: 15/03/1940 is the 15th of March.
	if rows[0]["date_of_birth"] != "1940-03-15" {
		t.Errorf("expected normalized date 1940-03-15, got %v", rows[0]["date_of_birth"])
	}

	backups, err := env.svc.Backups().ListBackups(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(backups) != 1 || !backups[0].Verified {
		t.Errorf("expected one verified backup, got %+v", backups)
	}
}

func TestExecutePipeline_AlreadyRunning(t *testing.T) {
	target := &slowTarget{MemoryTarget: NewMemoryTarget(), delay: 300 * time.Millisecond}
	env := newTestEnv(t, residentRows(), target, 0)
	p := env.createPipeline(t)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := env.svc.ExecutePipeline(context.Background(), p.ID, ExecuteOptions{}); err != nil {
			t.Errorf("first execution failed: %v", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := env.svc.ExecutePipeline(context.Background(), p.ID, ExecuteOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning on the second call, got %v", err)
	}
	wg.Wait()
}

func TestExecutePipeline_DryRun(t *testing.T) {
	env := newTestEnv(t, residentRows(), nil, 0)
	p := env.createPipeline(t)

	result, err := env.svc.ExecutePipeline(context.Background(), p.ID, ExecuteOptions{DryRun: true})
	if err != nil {
		t.Fatalf("ExecutePipeline dry run: %v", err)
	}
	if result.RecordsImported != 4 || result.RecordsSkipped != 1 {
		t.Errorf("dry run counts wrong: %+v", result)
	}
	if rows := env.target.Rows("residents"); len(rows) != 0 {
		t.Errorf("dry run must not write to the target, found %d rows", len(rows))
	}
	backups, _ := env.svc.Backups().ListBackups(context.Background(), p.ID)
	if len(backups) != 0 {
		t.Errorf("dry run must not take a backup, found %d", len(backups))
	}
}

func TestExecutePipeline_PhaseTimeout(t *testing.T) {
	target := &slowTarget{MemoryTarget: NewMemoryTarget(), delay: time.Second}
	env := newTestEnv(t, residentRows(), target, 50*time.Millisecond)
	p := env.createPipeline(t)

	_, err := env.svc.ExecutePipeline(context.Background(), p.ID, ExecuteOptions{})
	var timeoutErr *PhaseTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected PhaseTimeoutError, got %v", err)
	}
	if timeoutErr.Phase != PhaseTransform {
		t.Errorf("expected the transform phase to time out, got %s", timeoutErr.Phase)
	}

	stored, _ := env.svc.Get(context.Background(), p.ID)
	if stored.Status != progress.StatusFailed {
		t.Errorf("expected status failed after timeout, got %s", stored.Status)
	}
	pr, _ := env.svc.Progress(context.Background(), p.ID)
	if pr.LastError == "" {
		t.Error("expected the timeout recorded on the progress row")
	}
}

func TestExecutePipeline_SourceFailureLeavesPartialState(t *testing.T) {
	env := newTestEnv(t, residentRows(), nil, 0)
	p := env.createPipeline(t)
	env.source.FailAfter = 2

	_, err := env.svc.ExecutePipeline(context.Background(), p.ID, ExecuteOptions{})
	if err == nil {
		t.Fatal("expected a failing source read to fail the pipeline")
	}
	stored, _ := env.svc.Get(context.Background(), p.ID)
	if stored.Status != progress.StatusFailed {
		t.Errorf("expected status failed, got %s", stored.Status)
	}
	// No automatic rollback: the backup taken in phase one is still there.
	backups, _ := env.svc.Backups().ListBackups(context.Background(), p.ID)
	if len(backups) != 1 {
		t.Errorf("expected the backup to survive the failure, got %d", len(backups))
	}
}

func TestPauseResume_NoPhaseRunsTwice(t *testing.T) {
	env := newTestEnv(t, residentRows(), nil, 0)
	p := env.createPipeline(t)

	done := make(chan struct{})
	var result *ImportResult
	var execErr error
	go func() {
		defer close(done)
		result, execErr = env.svc.ExecutePipeline(context.Background(), p.ID, ExecuteOptions{PauseOnErrors: true})
	}()

	// The fixture contains one bad row, so pause-on-errors parks the
	// execution at the boundary after transform.
	waitForStatus(t, env, p, progress.StatusPaused)

	if err := env.svc.Pause(context.Background(), p.ID); err == nil {
		t.Error("expected pausing an already-paused pipeline to error")
	}
	if err := env.svc.Resume(context.Background(), p.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline stuck after resume")
	}
	if execErr != nil {
		t.Fatalf("execution failed: %v", execErr)
	}
	if result.RecordsImported != 4 {
		t.Errorf("expected 4 imported after resume, got %d", result.RecordsImported)
	}

	// Transform ran exactly once: the target holds one copy of each record.
	if rows := env.target.Rows("residents"); len(rows) != 4 {
		t.Errorf("expected 4 rows (no phase re-entered), got %d", len(rows))
	}
	backups, _ := env.svc.Backups().ListBackups(context.Background(), p.ID)
	if len(backups) != 1 {
		t.Errorf("expected exactly one backup (no phase re-entered), got %d", len(backups))
	}
	pr, _ := env.svc.Progress(context.Background(), p.ID)
	if pr.Status != progress.StatusCompleted {
		t.Errorf("expected terminal status completed, got %s", pr.Status)
	}
}

func TestPauseResume_InvalidTransitions(t *testing.T) {
	env := newTestEnv(t, residentRows(), nil, 0)
	p := env.createPipeline(t)

	if err := env.svc.Pause(context.Background(), p.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition pausing an idle pipeline, got %v", err)
	}
	if err := env.svc.Resume(context.Background(), p.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition resuming an idle pipeline, got %v", err)
	}
}

func TestRollback_WithoutBackup(t *testing.T) {
	env := newTestEnv(t, residentRows(), nil, 0)
	p := env.createPipeline(t)

	if _, err := env.svc.Rollback(context.Background(), p.ID); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestRollback_RestoresPreMigrationState(t *testing.T) {
	env := newTestEnv(t, residentRows(), nil, 0)
	p := env.createPipeline(t)

	// Target holds legacy state before the migration runs.
	preExisting := []map[string]interface{}{{"nhs_number": "9434765919", "last_name": "Davies-Old"}}
	if _, err := env.target.Write(context.Background(), "residents", preExisting); err != nil {
		t.Fatalf("seed target: %v", err)
	}

	if _, err := env.svc.ExecutePipeline(context.Background(), p.ID, ExecuteOptions{}); err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}
	if rows := env.target.Rows("residents"); len(rows) != 5 {
		t.Fatalf("expected 1 pre-existing + 4 migrated rows, got %d", len(rows))
	}

	restored, err := env.svc.Rollback(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if restored != 1 {
		t.Errorf("expected 1 record restored, got %d", restored)
	}

	rows := env.target.Rows("residents")
	if len(rows) != 1 || rows[0]["last_name"] != "Davies-Old" {
		t.Errorf("target not restored to pre-migration state: %+v", rows)
	}
	stored, _ := env.svc.Get(context.Background(), p.ID)
	if stored.Status != progress.StatusRolledBack {
		t.Errorf("expected status rolled_back, got %s", stored.Status)
	}
}

func TestExecutePipeline_DuplicateIdentifiers(t *testing.T) {
	rows := []connector.Row{
		{"NHSNumber": "9434765919", "Forename": "Edith", "Surname": "Davies", "DOB": "15/03/1940"},
		{"NHSNumber": "9434765919", "Forename": "Edith", "Surname": "Davies", "DOB": "15/03/1940"},
	}

	env := newTestEnv(t, rows, nil, 0)
	p := env.createPipeline(t)
	result, err := env.svc.ExecutePipeline(context.Background(), p.ID, ExecuteOptions{})
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}
	if result.RecordsImported != 1 || result.RecordsSkipped != 1 {
		t.Errorf("expected duplicate skipped with an error, got %+v", result)
	}
	if len(result.Errors) == 0 {
		t.Error("expected a row error for the duplicate")
	}

	env2 := newTestEnv(t, rows, nil, 0)
	p2 := env2.createPipeline(t)
	result2, err := env2.svc.ExecutePipeline(context.Background(), p2.ID, ExecuteOptions{AutoResolveConflicts: true})
	if err != nil {
		t.Fatalf("ExecutePipeline: %v", err)
	}
	if result2.RecordsImported != 1 || result2.RecordsSkipped != 1 {
		t.Errorf("expected duplicate auto-resolved, got %+v", result2)
	}
	if len(result2.Errors) != 0 {
		t.Errorf("auto-resolve should downgrade duplicates to warnings, got %+v", result2.Errors)
	}
}
