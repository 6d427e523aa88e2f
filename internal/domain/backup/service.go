package backup

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

// SnapshotSource exports the current state of the migration target so it can
// be archived before any rows are written.
type SnapshotSource interface {
	Export(ctx context.Context, pipelineID uuid.UUID) ([]map[string]interface{}, error)
}

// SnapshotTarget restores previously archived records, replacing whatever the
// migration wrote.
type SnapshotTarget interface {
	Restore(ctx context.Context, pipelineID uuid.UUID, records []map[string]interface{}) (int, error)
}

// Manager takes verified snapshots before a migration runs and restores them
// on rollback.
type Manager struct {
	repo    Repository
	archive ArchiveStore
	enc     *Encryptor
	source  SnapshotSource
	target  SnapshotTarget
}

func NewManager(repo Repository, archive ArchiveStore, enc *Encryptor, source SnapshotSource, target SnapshotTarget) *Manager {
	return &Manager{repo: repo, archive: archive, enc: enc, source: source, target: target}
}

// Encrypts reports whether an encryption key is configured.
func (m *Manager) Encrypts() bool { return m.enc != nil }

// CreateBackup exports the target state, archives it per the policy, then
// reads the archived payload back and checks its checksum before marking the
// record verified. An unverified backup is never eligible for rollback.
func (m *Manager) CreateBackup(ctx context.Context, pipelineID uuid.UUID, policy Policy) (*BackupRecord, error) {
	if policy.Encrypt && m.enc == nil {
		return nil, fmt.Errorf("create backup: encryption requested but no key configured")
	}
	if policy.RetentionDays <= 0 {
		policy.RetentionDays = DefaultPolicy().RetentionDays
	}

	records, err := m.source.Export(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("create backup: export snapshot: %w", err)
	}

	plain, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("create backup: encode snapshot: %w", err)
	}
	checksum := sha256.Sum256(plain)

	payload := plain
	if policy.Compress {
		payload, err = gzipBytes(payload)
		if err != nil {
			return nil, fmt.Errorf("create backup: compress: %w", err)
		}
	}
	if policy.Encrypt {
		payload, err = m.enc.Encrypt(payload)
		if err != nil {
			return nil, fmt.Errorf("create backup: %w", err)
		}
	}

	rec := &BackupRecord{
		ID:          uuid.New(),
		PipelineID:  pipelineID,
		CreatedAt:   time.Now().UTC(),
		RetainUntil: time.Now().UTC().AddDate(0, 0, policy.RetentionDays),
		Compressed:  policy.Compress,
		Encrypted:   policy.Encrypt,
		Checksum:    hex.EncodeToString(checksum[:]),
		RecordCount: len(records),
		SizeBytes:   int64(len(payload)),
	}
	rec.Location = fmt.Sprintf("backups/%s/%s.snap", pipelineID, rec.ID)

	if err := m.archive.Put(ctx, rec.Location, payload); err != nil {
		return nil, fmt.Errorf("create backup: archive write: %w", err)
	}
	if err := m.repo.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("create backup: save record: %w", err)
	}

	if err := m.verify(ctx, rec); err != nil {
		return nil, fmt.Errorf("create backup: verification failed: %w", err)
	}
	if err := m.repo.MarkVerified(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("create backup: mark verified: %w", err)
	}
	rec.Verified = true
	return rec, nil
}

// verify reads the archived payload back, reverses encryption and compression,
// and compares the checksum against what was computed at export time.
func (m *Manager) verify(ctx context.Context, rec *BackupRecord) error {
	plain, err := m.load(ctx, rec)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(plain)
	if hex.EncodeToString(sum[:]) != rec.Checksum {
		return fmt.Errorf("checksum mismatch for backup %s", rec.ID)
	}
	return nil
}

// RestoreFromBackup restores the most recent verified backup for the pipeline
// and returns the number of records restored.
func (m *Manager) RestoreFromBackup(ctx context.Context, pipelineID uuid.UUID) (int, error) {
	rec, err := m.repo.LatestVerified(ctx, pipelineID)
	if err != nil {
		return 0, err
	}

	plain, err := m.load(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("restore backup %s: %w", rec.ID, err)
	}
	sum := sha256.Sum256(plain)
	if hex.EncodeToString(sum[:]) != rec.Checksum {
		return 0, fmt.Errorf("restore backup %s: checksum mismatch", rec.ID)
	}

	var records []map[string]interface{}
	if err := json.Unmarshal(plain, &records); err != nil {
		return 0, fmt.Errorf("restore backup %s: decode snapshot: %w", rec.ID, err)
	}

	restored, err := m.target.Restore(ctx, pipelineID, records)
	if err != nil {
		return restored, fmt.Errorf("restore backup %s: %w", rec.ID, err)
	}
	return restored, nil
}

// ListBackups returns all backup records for a pipeline, newest first.
func (m *Manager) ListBackups(ctx context.Context, pipelineID uuid.UUID) ([]*BackupRecord, error) {
	return m.repo.ListByPipeline(ctx, pipelineID)
}

// PruneExpired deletes metadata for backups past their retention window.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	return m.repo.DeleteExpired(ctx, time.Now().UTC())
}

func (m *Manager) load(ctx context.Context, rec *BackupRecord) ([]byte, error) {
	payload, err := m.archive.Get(ctx, rec.Location)
	if err != nil {
		return nil, err
	}
	if rec.Encrypted {
		if m.enc == nil {
			return nil, fmt.Errorf("backup is encrypted but no key configured")
		}
		payload, err = m.enc.Decrypt(payload)
		if err != nil {
			return nil, err
		}
	}
	if rec.Compressed {
		payload, err = gunzipBytes(payload)
		if err != nil {
			return nil, err
		}
	}
	return payload, nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}
