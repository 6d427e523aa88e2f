package pipeline

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/migration/internal/platform/db"
)

// PGTarget is a TargetWriter backed by Postgres. Each migrated record lands as
// a JSONB row in target_record, keyed by the target name, so several pipelines
// can share one database without colliding.
type PGTarget struct{ pool *pgxpool.Pool }

func NewPGTarget(pool *pgxpool.Pool) *PGTarget {
	return &PGTarget{pool: pool}
}

func (t *PGTarget) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return t.pool
}

func (t *PGTarget) Write(ctx context.Context, target string, rows []map[string]interface{}) (int, error) {
	written := 0
	for _, row := range rows {
		_, err := t.conn(ctx).Exec(ctx, `
			INSERT INTO target_record (target, data) VALUES ($1, $2)`, target, row)
		if err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (t *PGTarget) Snapshot(ctx context.Context, target string) ([]map[string]interface{}, error) {
	rows, err := t.conn(ctx).Query(ctx, `
		SELECT data FROM target_record WHERE target = $1 ORDER BY id`, target)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []map[string]interface{}
	for rows.Next() {
		var data map[string]interface{}
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		records = append(records, data)
	}
	return records, rows.Err()
}

// Restore replaces the target's contents with the supplied rows atomically.
func (t *PGTarget) Restore(ctx context.Context, target string, rows []map[string]interface{}) (int, error) {
	restored := 0
	err := db.RunInTx(ctx, t.pool, func(ctx context.Context) error {
		if _, err := t.conn(ctx).Exec(ctx, `DELETE FROM target_record WHERE target = $1`, target); err != nil {
			return err
		}
		n, err := t.Write(ctx, target, rows)
		restored = n
		return err
	})
	if err != nil {
		return 0, err
	}
	return restored, nil
}
