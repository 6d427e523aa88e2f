package backup

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repository --

type mockBackupRepo struct {
	records map[uuid.UUID]*BackupRecord
}

func newMockBackupRepo() *mockBackupRepo {
	return &mockBackupRepo{records: make(map[uuid.UUID]*BackupRecord)}
}

func (m *mockBackupRepo) Create(_ context.Context, rec *BackupRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *mockBackupRepo) MarkVerified(_ context.Context, id uuid.UUID) error {
	rec, ok := m.records[id]
	if !ok {
		return errors.New("not found")
	}
	rec.Verified = true
	return nil
}

func (m *mockBackupRepo) LatestVerified(_ context.Context, pipelineID uuid.UUID) (*BackupRecord, error) {
	var latest *BackupRecord
	for _, rec := range m.records {
		if rec.PipelineID != pipelineID || !rec.Verified {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ErrBackupNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *mockBackupRepo) ListByPipeline(_ context.Context, pipelineID uuid.UUID) ([]*BackupRecord, error) {
	var items []*BackupRecord
	for _, rec := range m.records {
		if rec.PipelineID == pipelineID {
			cp := *rec
			items = append(items, &cp)
		}
	}
	return items, nil
}

func (m *mockBackupRepo) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	n := 0
	for id, rec := range m.records {
		if rec.RetainUntil.Before(now) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// -- Mock snapshot source/target --

type mockSnapshotStore struct {
	records   []map[string]interface{}
	exportErr error
	restored  []map[string]interface{}
}

func (s *mockSnapshotStore) Export(_ context.Context, _ uuid.UUID) ([]map[string]interface{}, error) {
	if s.exportErr != nil {
		return nil, s.exportErr
	}
	return s.records, nil
}

func (s *mockSnapshotStore) Restore(_ context.Context, _ uuid.UUID, records []map[string]interface{}) (int, error) {
	s.restored = records
	return len(records), nil
}

func testKey() []byte {
	key, _ := hex.DecodeString("6368616e676520746869732070617373776f726420746f206120736563726574")
	return key
}

func testManager(t *testing.T, store *mockSnapshotStore) (*Manager, *mockBackupRepo) {
	t.Helper()
	enc, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	repo := newMockBackupRepo()
	return NewManager(repo, NewMemoryArchive(), enc, store, store), repo
}

func snapshotRows() []map[string]interface{} {
	return []map[string]interface{}{
		{"nhs_number": "9434765919", "family_name": "Davies"},
		{"nhs_number": "5990128088", "family_name": "Hughes"},
	}
}

func TestCreateBackup_VerifiedRoundTrip(t *testing.T) {
	store := &mockSnapshotStore{records: snapshotRows()}
	mgr, _ := testManager(t, store)

	rec, err := mgr.CreateBackup(context.Background(), uuid.New(), DefaultPolicy())
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if !rec.Verified {
		t.Error("expected backup to be verified")
	}
	if !rec.Compressed || !rec.Encrypted {
		t.Errorf("expected compressed+encrypted, got compressed=%v encrypted=%v", rec.Compressed, rec.Encrypted)
	}
	if rec.RecordCount != 2 {
		t.Errorf("expected record count 2, got %d", rec.RecordCount)
	}
	if rec.Checksum == "" || rec.Location == "" {
		t.Error("expected checksum and location to be set")
	}
}

func TestCreateBackup_ArchivedPayloadIsNotPlaintext(t *testing.T) {
	store := &mockSnapshotStore{records: snapshotRows()}
	enc, _ := NewEncryptor(testKey())
	repo := newMockBackupRepo()
	archive := NewMemoryArchive()
	mgr := NewManager(repo, archive, enc, store, store)

	rec, err := mgr.CreateBackup(context.Background(), uuid.New(), DefaultPolicy())
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	payload, err := archive.Get(context.Background(), rec.Location)
	if err != nil {
		t.Fatalf("archive.Get: %v", err)
	}
	if bytes.Contains(payload, []byte("9434765919")) {
		t.Error("archived payload contains plaintext identifiers")
	}
}

func TestCreateBackup_EncryptWithoutKey(t *testing.T) {
	store := &mockSnapshotStore{records: snapshotRows()}
	mgr := NewManager(newMockBackupRepo(), NewMemoryArchive(), nil, store, store)

	_, err := mgr.CreateBackup(context.Background(), uuid.New(), Policy{Encrypt: true, RetentionDays: 7})
	if err == nil {
		t.Fatal("expected error when encryption is requested without a key")
	}
}

func TestRestoreFromBackup_RoundTrip(t *testing.T) {
	store := &mockSnapshotStore{records: snapshotRows()}
	mgr, _ := testManager(t, store)
	pipelineID := uuid.New()

	if _, err := mgr.CreateBackup(context.Background(), pipelineID, DefaultPolicy()); err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	restored, err := mgr.RestoreFromBackup(context.Background(), pipelineID)
	if err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	if restored != 2 {
		t.Errorf("expected 2 records restored, got %d", restored)
	}
	if len(store.restored) != 2 {
		t.Fatalf("expected 2 records handed to target, got %d", len(store.restored))
	}
	if store.restored[0]["nhs_number"] != "9434765919" {
		t.Errorf("restored record mismatch: %v", store.restored[0])
	}
}

func TestRestoreFromBackup_NoVerifiedBackup(t *testing.T) {
	store := &mockSnapshotStore{records: snapshotRows()}
	mgr, _ := testManager(t, store)

	_, err := mgr.RestoreFromBackup(context.Background(), uuid.New())
	if !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestRestoreFromBackup_PicksLatestVerified(t *testing.T) {
	store := &mockSnapshotStore{records: snapshotRows()}
	mgr, repo := testManager(t, store)
	pipelineID := uuid.New()

	first, err := mgr.CreateBackup(context.Background(), pipelineID, DefaultPolicy())
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	repo.records[first.ID].CreatedAt = time.Now().Add(-time.Hour)

	store.records = []map[string]interface{}{{"nhs_number": "4010232137", "family_name": "Okafor"}}
	if _, err := mgr.CreateBackup(context.Background(), pipelineID, DefaultPolicy()); err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}

	restored, err := mgr.RestoreFromBackup(context.Background(), pipelineID)
	if err != nil {
		t.Fatalf("RestoreFromBackup: %v", err)
	}
	if restored != 1 {
		t.Errorf("expected the newer single-record snapshot, restored %d", restored)
	}
}

func TestRestoreFromBackup_TamperedArchiveFails(t *testing.T) {
	store := &mockSnapshotStore{records: snapshotRows()}
	enc, _ := NewEncryptor(testKey())
	repo := newMockBackupRepo()
	archive := NewMemoryArchive()
	mgr := NewManager(repo, archive, enc, store, store)
	pipelineID := uuid.New()

	rec, err := mgr.CreateBackup(context.Background(), pipelineID, DefaultPolicy())
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	payload, _ := archive.Get(context.Background(), rec.Location)
	payload[len(payload)-1] ^= 0xFF
	if err := archive.Put(context.Background(), rec.Location, payload); err != nil {
		t.Fatalf("archive.Put: %v", err)
	}

	if _, err := mgr.RestoreFromBackup(context.Background(), pipelineID); err == nil {
		t.Fatal("expected restore of tampered archive to fail")
	}
}

func TestPruneExpired(t *testing.T) {
	store := &mockSnapshotStore{records: snapshotRows()}
	mgr, repo := testManager(t, store)
	pipelineID := uuid.New()

	rec, err := mgr.CreateBackup(context.Background(), pipelineID, Policy{Compress: true, RetentionDays: 30})
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	repo.records[rec.ID].RetainUntil = time.Now().Add(-time.Hour)

	n, err := mgr.PruneExpired(context.Background())
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired backup pruned, got %d", n)
	}
}

func TestFileArchive_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	archive, err := NewFileArchive(dir)
	if err != nil {
		t.Fatalf("NewFileArchive: %v", err)
	}
	ctx := context.Background()

	if err := archive.Put(ctx, "backups/p1/b1.snap", []byte("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	data, err := archive.Get(ctx, "backups/p1/b1.snap")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("unexpected payload %q", data)
	}
	if _, err := archive.Get(ctx, "backups/p1/missing.snap"); !errors.Is(err, ErrArchiveObjectNotFound) {
		t.Errorf("expected ErrArchiveObjectNotFound, got %v", err)
	}
	if _, err := archive.Get(ctx, filepath.Join("..", "escape")); err == nil {
		t.Error("expected key escaping the base dir to be rejected")
	}
	if err := archive.Delete(ctx, "backups/p1/b1.snap"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
}
