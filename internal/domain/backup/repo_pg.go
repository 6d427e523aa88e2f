package backup

import (
	"context"
	"errors"
	"time"

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

type backupRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &backupRepoPG{pool: pool}
}

func (r *backupRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const backupCols = `id, pipeline_id, created_at, location, retain_until,
	compressed, encrypted, verified, checksum, record_count, size_bytes`

func (r *backupRepoPG) scanRow(row pgx.Row) (*BackupRecord, error) {
	var b BackupRecord
	err := row.Scan(&b.ID, &b.PipelineID, &b.CreatedAt, &b.Location, &b.RetainUntil,
		&b.Compressed, &b.Encrypted, &b.Verified, &b.Checksum, &b.RecordCount, &b.SizeBytes)
	return &b, err
}

func (r *backupRepoPG) Create(ctx context.Context, rec *BackupRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO backup_record (id, pipeline_id, location, retain_until,
			compressed, encrypted, verified, checksum, record_count, size_bytes)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		rec.ID, rec.PipelineID, rec.Location, rec.RetainUntil,
		rec.Compressed, rec.Encrypted, rec.Verified, rec.Checksum, rec.RecordCount, rec.SizeBytes)
	return err
}

func (r *backupRepoPG) MarkVerified(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `UPDATE backup_record SET verified = TRUE WHERE id = $1`, id)
	return err
}

func (r *backupRepoPG) LatestVerified(ctx context.Context, pipelineID uuid.UUID) (*BackupRecord, error) {
	rec, err := r.scanRow(r.conn(ctx).QueryRow(ctx, `
		SELECT `+backupCols+` FROM backup_record
		WHERE pipeline_id = $1 AND verified = TRUE
		ORDER BY created_at DESC LIMIT 1`, pipelineID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrBackupNotFound
	}
	return rec, err
}

func (r *backupRepoPG) ListByPipeline(ctx context.Context, pipelineID uuid.UUID) ([]*BackupRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+backupCols+` FROM backup_record
		WHERE pipeline_id = $1 ORDER BY created_at DESC`, pipelineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*BackupRecord
	for rows.Next() {
		rec, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *backupRepoPG) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM backup_record WHERE retain_until < $1`, now)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
