package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/migration/internal/platform/events"
)

// Tracker records migration progress and fans out progress_updated events.
// All writes go through here so the percent invariant holds everywhere.
type Tracker struct {
	repo   Repository
	pub    events.Publisher
	logger zerolog.Logger
}

func NewTracker(repo Repository, pub events.Publisher, logger zerolog.Logger) *Tracker {
	return &Tracker{repo: repo, pub: pub, logger: logger.With().Str("component", "progress").Logger()}
}

// Init creates the progress row for a pipeline in the preparing state.
func (t *Tracker) Init(ctx context.Context, pipelineID uuid.UUID, totalSteps int) (*MigrationProgress, error) {
	if totalSteps < 0 {
		return nil, fmt.Errorf("init progress: total steps must not be negative, got %d", totalSteps)
	}
	p := &MigrationProgress{
		PipelineID:  pipelineID,
		Status:      StatusPreparing,
		CurrentStep: 0,
		TotalSteps:  totalSteps,
		Percent:     PercentOf(0, totalSteps),
		Message:     "migration prepared",
		StartedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := t.repo.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("init progress: %w", err)
	}
	t.publish(ctx, p)
	return p, nil
}

// Update moves a pipeline's progress to the given step and phase. Percent is
// recomputed from the step counts on every call.
func (t *Tracker) Update(ctx context.Context, pipelineID uuid.UUID, status, phase string, currentStep int, message string) (*MigrationProgress, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("update progress: invalid status %q", status)
	}
	p, err := t.repo.GetByPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("update progress: %w", err)
	}
	if currentStep < 0 {
		currentStep = 0
	}
	if p.TotalSteps > 0 && currentStep > p.TotalSteps {
		currentStep = p.TotalSteps
	}

	p.Status = status
	p.Phase = phase
	p.CurrentStep = currentStep
	p.Percent = PercentOf(currentStep, p.TotalSteps)
	p.Message = message
	p.UpdatedAt = time.Now().UTC()
	if status != StatusFailed {
		p.LastError = ""
	}

	if err := t.repo.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("update progress: %w", err)
	}

	t.logger.Info().
		Str("pipeline_id", pipelineID.String()).
		Str("status", status).
		Str("phase", phase).
		Int("percent", p.Percent).
		Msg(message)
	t.publish(ctx, p)
	return p, nil
}

// Fail marks a pipeline failed and records the error text.
func (t *Tracker) Fail(ctx context.Context, pipelineID uuid.UUID, phase string, cause error) (*MigrationProgress, error) {
	p, err := t.repo.GetByPipeline(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("fail progress: %w", err)
	}
	p.Status = StatusFailed
	p.Phase = phase
	p.Message = "migration failed"
	p.LastError = cause.Error()
	p.UpdatedAt = time.Now().UTC()

	if err := t.repo.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("fail progress: %w", err)
	}

	t.logger.Error().
		Str("pipeline_id", pipelineID.String()).
		Str("phase", phase).
		Err(cause).
		Msg("migration failed")
	t.publish(ctx, p)
	return p, nil
}

// Get returns the current progress for a pipeline.
func (t *Tracker) Get(ctx context.Context, pipelineID uuid.UUID) (*MigrationProgress, error) {
	return t.repo.GetByPipeline(ctx, pipelineID)
}

// ListByStatus returns progress rows in the given status, newest first.
func (t *Tracker) ListByStatus(ctx context.Context, status string) ([]*MigrationProgress, error) {
	if !ValidStatus(status) {
		return nil, fmt.Errorf("list progress: invalid status %q", status)
	}
	return t.repo.ListByStatus(ctx, status)
}

func (t *Tracker) publish(ctx context.Context, p *MigrationProgress) {
	_ = t.pub.Publish(ctx, events.Event{
		Type:       events.TypeProgressUpdated,
		PipelineID: p.PipelineID,
		Timestamp:  p.UpdatedAt,
		Data: map[string]interface{}{
			"status":       p.Status,
			"phase":        p.Phase,
			"current_step": p.CurrentStep,
			"total_steps":  p.TotalSteps,
			"percent":      p.Percent,
			"message":      p.Message,
		},
	})
}
