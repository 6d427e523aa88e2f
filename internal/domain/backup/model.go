package backup

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrBackupNotFound is returned when a pipeline has no verified backup to
// restore from. Rollback is refused outright in that case.
var ErrBackupNotFound = errors.New("no verified backup found for pipeline")

// BackupRecord maps to the backup_record table. A record is only usable for
// rollback once Verified is set, which happens after a successful
// write-and-read-back check of the archived snapshot.
type BackupRecord struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PipelineID  uuid.UUID `db:"pipeline_id" json:"pipeline_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	Location    string    `db:"location" json:"location"`
	RetainUntil time.Time `db:"retain_until" json:"retain_until"`
	Compressed  bool      `db:"compressed" json:"compressed"`
	Encrypted   bool      `db:"encrypted" json:"encrypted"`
	Verified    bool      `db:"verified" json:"verified"`
	Checksum    string    `db:"checksum" json:"checksum"`
	RecordCount int       `db:"record_count" json:"record_count"`
	SizeBytes   int64     `db:"size_bytes" json:"size_bytes"`
}

// Policy controls how a pipeline's backups are taken.
type Policy struct {
	Compress      bool `json:"compress"`
	Encrypt       bool `json:"encrypt"`
	RetentionDays int  `json:"retention_days"`
}

// DefaultPolicy is applied when a pipeline does not specify one.
func DefaultPolicy() Policy {
	return Policy{Compress: true, Encrypt: true, RetentionDays: 30}
}
