package pipeline

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

type pipelineRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &pipelineRepoPG{pool: pool}
}

func (r *pipelineRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// Composite fields (sources, analysis, strategy, rules, quality, preferences,
// last_result) are stored as JSONB; pgx round-trips them through encoding/json.
const pipelineCols = `id, name, status, target, sources, analysis, strategy, rules,
	quality, preferences, last_result, created_at, updated_at`

func (r *pipelineRepoPG) scanRow(row pgx.Row) (*Pipeline, error) {
	var p Pipeline
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.Target, &p.Sources, &p.Analysis, &p.Strategy,
		&p.Rules, &p.Quality, &p.Preferences, &p.LastResult, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrPipelineNotFound
	}
	return &p, err
}

func (r *pipelineRepoPG) Create(ctx context.Context, p *Pipeline) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO pipeline (id, name, status, target, sources, analysis, strategy, rules,
			quality, preferences, last_result)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		p.ID, p.Name, p.Status, p.Target, p.Sources, p.Analysis, p.Strategy, p.Rules,
		p.Quality, p.Preferences, p.LastResult)
	return err
}

func (r *pipelineRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Pipeline, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+pipelineCols+` FROM pipeline WHERE id = $1`, id))
}

func (r *pipelineRepoPG) Update(ctx context.Context, p *Pipeline) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE pipeline SET name=$2, status=$3, target=$4, sources=$5, analysis=$6, strategy=$7,
			rules=$8, quality=$9, preferences=$10, last_result=$11, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.Status, p.Target, p.Sources, p.Analysis, p.Strategy,
		p.Rules, p.Quality, p.Preferences, p.LastResult)
	return err
}

func (r *pipelineRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE pipeline SET status=$2, updated_at=NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

func (r *pipelineRepoPG) List(ctx context.Context, limit, offset int) ([]*Pipeline, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM pipeline`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+pipelineCols+` FROM pipeline ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return r.collect(rows, total)
}

func (r *pipelineRepoPG) ListByStatus(ctx context.Context, status string, limit, offset int) ([]*Pipeline, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM pipeline WHERE status = $1`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+pipelineCols+` FROM pipeline WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return r.collect(rows, total)
}

func (r *pipelineRepoPG) collect(rows pgx.Rows, total int) ([]*Pipeline, int, error) {
	defer rows.Close()
	var items []*Pipeline
	for rows.Next() {
		p, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, p)
	}
	return items, total, rows.Err()
}
