package pipeline

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists pipeline definitions. Status is denormalized onto the
// pipeline row so dashboards can query by it without joining progress.
type Repository interface {
	Create(ctx context.Context, p *Pipeline) error
	GetByID(ctx context.Context, id uuid.UUID) (*Pipeline, error)
	Update(ctx context.Context, p *Pipeline) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
	List(ctx context.Context, limit, offset int) ([]*Pipeline, int, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Pipeline, int, error)
}
