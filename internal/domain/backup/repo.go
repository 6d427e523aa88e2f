package backup

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists backup metadata. Snapshot payloads live in the
// ArchiveStore; the repository only tracks where they are and whether they
// passed verification.
type Repository interface {
	Create(ctx context.Context, rec *BackupRecord) error
	MarkVerified(ctx context.Context, id uuid.UUID) error
	LatestVerified(ctx context.Context, pipelineID uuid.UUID) (*BackupRecord, error)
	ListByPipeline(ctx context.Context, pipelineID uuid.UUID) ([]*BackupRecord, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
