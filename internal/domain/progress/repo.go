package progress

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrProgressNotFound is returned when no progress row exists for a pipeline.
var ErrProgressNotFound = errors.New("progress not found for pipeline")

// Repository persists per-pipeline progress state.
type Repository interface {
	Upsert(ctx context.Context, p *MigrationProgress) error
	GetByPipeline(ctx context.Context, pipelineID uuid.UUID) (*MigrationProgress, error)
	ListByStatus(ctx context.Context, status string) ([]*MigrationProgress, error)
}
