package progress

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/migration/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type progressRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &progressRepoPG{pool: pool}
}

func (r *progressRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const progressCols = `pipeline_id, status, phase, current_step, total_steps, percent,
	message, last_error, started_at, updated_at`

func (r *progressRepoPG) scanRow(row pgx.Row) (*MigrationProgress, error) {
	var p MigrationProgress
	err := row.Scan(&p.PipelineID, &p.Status, &p.Phase, &p.CurrentStep, &p.TotalSteps, &p.Percent,
		&p.Message, &p.LastError, &p.StartedAt, &p.UpdatedAt)
	return &p, err
}

func (r *progressRepoPG) Upsert(ctx context.Context, p *MigrationProgress) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO migration_progress (pipeline_id, status, phase, current_step, total_steps,
			percent, message, last_error, started_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (pipeline_id) DO UPDATE SET
			status=$2, phase=$3, current_step=$4, total_steps=$5,
			percent=$6, message=$7, last_error=$8, updated_at=NOW()`,
		p.PipelineID, p.Status, p.Phase, p.CurrentStep, p.TotalSteps,
		p.Percent, p.Message, p.LastError, p.StartedAt)
	return err
}

func (r *progressRepoPG) GetByPipeline(ctx context.Context, pipelineID uuid.UUID) (*MigrationProgress, error) {
	p, err := r.scanRow(r.conn(ctx).QueryRow(ctx,
		`SELECT `+progressCols+` FROM migration_progress WHERE pipeline_id = $1`, pipelineID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProgressNotFound
	}
	return p, err
}

func (r *progressRepoPG) ListByStatus(ctx context.Context, status string) ([]*MigrationProgress, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+progressCols+` FROM migration_progress WHERE status = $1 ORDER BY updated_at DESC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*MigrationProgress
	for rows.Next() {
		p, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}
