package notesync

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileCacheBackendPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	backend, err := NewFileCacheBackend(path)
	if err != nil {
		t.Fatalf("new file cache backend failed: %v", err)
	}
	rec := StorageRecord{
		DocumentID: "note-1",
		State:      []byte(`{"ops":[]}`),
		StoredAt:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := backend.PutRecord(rec); err != nil {
		t.Fatalf("put record failed: %v", err)
	}
	if err := backend.PutChainRef("note-1", "sha256-abc"); err != nil {
		t.Fatalf("put chain ref failed: %v", err)
	}

	reopened, err := NewFileCacheBackend(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.GetRecord("note-1")
	if err != nil {
		t.Fatalf("get record failed: %v", err)
	}
	if got.DocumentID != "note-1" || got.Synced {
		t.Fatalf("unexpected record after reopen: %+v", got)
	}
	ref, err := reopened.GetChainRef("note-1")
	if err != nil || ref != "sha256-abc" {
		t.Fatalf("expected chain ref sha256-abc, got %q (err=%v)", ref, err)
	}
}

func TestFileCacheBackendSkipsCorruptRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	snapshot := `{"records":{` +
		`"good":{"documentId":"good","state":"e30=","storedAt":"2025-06-01T12:00:00Z","synced":false,"syncAttempts":0},` +
		`"bad":{"documentId":""}` +
		`},"chains":{}}`
	if err := os.WriteFile(path, []byte(snapshot), 0o644); err != nil {
		t.Fatalf("write snapshot failed: %v", err)
	}
	backend, err := NewFileCacheBackend(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	records, err := backend.ListRecords()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 1 || records[0].DocumentID != "good" {
		t.Fatalf("expected only the intact record, got %+v", records)
	}
	if _, err := backend.GetRecord("bad"); !errors.Is(err, ErrCorruptRecord) {
		t.Fatalf("expected ErrCorruptRecord, got %v", err)
	}
}

func TestCacheBackendMarkSynced(t *testing.T) {
	for name, backend := range map[string]CacheBackend{
		"memory": NewMemoryCacheBackend(),
		"file":   mustFileCacheBackend(t),
	} {
		t.Run(name, func(t *testing.T) {
			if err := backend.MarkSynced("missing", "sha256-x"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound for missing record, got %v", err)
			}
			rec := StorageRecord{DocumentID: "note-1", State: []byte("{}"), StoredAt: time.Now().UTC()}
			if err := backend.PutRecord(rec); err != nil {
				t.Fatalf("put failed: %v", err)
			}
			if err := backend.MarkSynced("note-1", "sha256-x"); err != nil {
				t.Fatalf("mark synced failed: %v", err)
			}
			got, err := backend.GetRecord("note-1")
			if err != nil {
				t.Fatalf("get failed: %v", err)
			}
			if !got.Synced || got.RemoteRef != "sha256-x" {
				t.Fatalf("expected synced record with ref, got %+v", got)
			}
			unsynced, err := backend.ListUnsynced()
			if err != nil {
				t.Fatalf("list unsynced failed: %v", err)
			}
			if len(unsynced) != 0 {
				t.Fatalf("expected no unsynced records, got %+v", unsynced)
			}
		})
	}
}

func TestCacheBackendDeleteRemovesChain(t *testing.T) {
	backend := NewMemoryCacheBackend()
	rec := StorageRecord{DocumentID: "note-1", State: []byte("{}"), StoredAt: time.Now().UTC()}
	if err := backend.PutRecord(rec); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := backend.PutChainRef("note-1", "sha256-abc"); err != nil {
		t.Fatalf("put chain failed: %v", err)
	}
	if err := backend.DeleteRecord("note-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := backend.GetRecord("note-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := backend.GetChainRef("note-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected chain gone after delete, got %v", err)
	}
}

func mustFileCacheBackend(t *testing.T) CacheBackend {
	t.Helper()
	backend, err := NewFileCacheBackend(filepath.Join(t.TempDir(), "cache.json"))
	if err != nil {
		t.Fatalf("new file cache backend failed: %v", err)
	}
	return backend
}
