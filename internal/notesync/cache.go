package notesync

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// StorageRecord is the durable local copy of a document: the latest known
// serialized state plus sync bookkeeping. One record per document id.
type StorageRecord struct {
	DocumentID      string     `json:"documentId"`
	State           []byte     `json:"state"`
	StoredAt        time.Time  `json:"storedAt"`
	Synced          bool       `json:"synced"`
	SyncAttempts    int        `json:"syncAttempts"`
	LastSyncAttempt *time.Time `json:"lastSyncAttempt,omitempty"`
	RemoteRef       ContentRef `json:"remoteRef,omitempty"`
}

// CacheBackend is the transactional local store for records and per-document
// version-chain pointers. PutRecord is last-write-wins at the record level;
// finer-grained conflicts are resolved by the document log before
// serialization. Bulk loads skip corrupt entries with a warning rather than
// aborting.
type CacheBackend interface {
	PutRecord(rec StorageRecord) error
	GetRecord(documentID string) (StorageRecord, error)
	DeleteRecord(documentID string) error
	ListRecords() ([]StorageRecord, error)
	ListUnsynced() ([]StorageRecord, error)
	MarkSynced(documentID string, ref ContentRef) error
	PutChainRef(documentID string, ref ContentRef) error
	GetChainRef(documentID string) (ContentRef, error)
	Close() error
}

type memoryCacheBackend struct {
	mu      sync.Mutex
	records map[string]StorageRecord
	chains  map[string]ContentRef
}

func NewMemoryCacheBackend() CacheBackend {
	return &memoryCacheBackend{
		records: map[string]StorageRecord{},
		chains:  map[string]ContentRef{},
	}
}

func (b *memoryCacheBackend) PutRecord(rec StorageRecord) error {
	if rec.DocumentID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.records[rec.DocumentID] = cloneRecord(rec)
	return nil
}

func (b *memoryCacheBackend) GetRecord(documentID string) (StorageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[documentID]
	if !ok {
		return StorageRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (b *memoryCacheBackend) DeleteRecord(documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, documentID)
	delete(b.chains, documentID)
	return nil
}

func (b *memoryCacheBackend) ListRecords() ([]StorageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StorageRecord, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, cloneRecord(rec))
	}
	sortRecords(out)
	return out, nil
}

func (b *memoryCacheBackend) ListUnsynced() ([]StorageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []StorageRecord{}
	for _, rec := range b.records {
		if !rec.Synced {
			out = append(out, cloneRecord(rec))
		}
	}
	sortRecords(out)
	return out, nil
}

func (b *memoryCacheBackend) MarkSynced(documentID string, ref ContentRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.records[documentID]
	if !ok {
		return ErrNotFound
	}
	rec.Synced = true
	rec.RemoteRef = ref
	b.records[documentID] = rec
	return nil
}

func (b *memoryCacheBackend) PutChainRef(documentID string, ref ContentRef) error {
	if documentID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chains[documentID] = ref
	return nil
}

func (b *memoryCacheBackend) GetChainRef(documentID string) (ContentRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.chains[documentID]
	if !ok {
		return "", ErrNotFound
	}
	return ref, nil
}

func (b *memoryCacheBackend) Close() error {
	return nil
}

// fileCacheBackend persists the cache as a single JSON snapshot written
// atomically (tmp + rename). Records are stored raw so one corrupt entry can
// be skipped without losing the rest.
type fileCacheBackend struct {
	mu      sync.Mutex
	path    string
	records map[string]json.RawMessage
	chains  map[string]ContentRef
}

type fileCacheSnapshot struct {
	Records map[string]json.RawMessage `json:"records"`
	Chains  map[string]ContentRef      `json:"chains"`
}

func NewFileCacheBackend(path string) (CacheBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	b := &fileCacheBackend{
		path:    path,
		records: map[string]json.RawMessage{},
		chains:  map[string]ContentRef{},
	}
	if err := b.load(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *fileCacheBackend) load() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileCacheSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if snapshot.Records != nil {
		b.records = snapshot.Records
	}
	if snapshot.Chains != nil {
		b.chains = snapshot.Chains
	}
	return nil
}

func (b *fileCacheBackend) saveLocked() error {
	snapshot := fileCacheSnapshot{Records: b.records, Chains: b.chains}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *fileCacheBackend) decodeLocked(documentID string) (StorageRecord, error) {
	raw, ok := b.records[documentID]
	if !ok {
		return StorageRecord{}, ErrNotFound
	}
	var rec StorageRecord
	if err := json.Unmarshal(raw, &rec); err != nil || rec.DocumentID == "" {
		return StorageRecord{}, ErrCorruptRecord
	}
	return rec, nil
}

func (b *fileCacheBackend) PutRecord(rec StorageRecord) error {
	if rec.DocumentID == "" {
		return ErrInvalidInput
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	previous, existed := b.records[rec.DocumentID]
	b.records[rec.DocumentID] = raw
	if err := b.saveLocked(); err != nil {
		if existed {
			b.records[rec.DocumentID] = previous
		} else {
			delete(b.records, rec.DocumentID)
		}
		return err
	}
	return nil
}

func (b *fileCacheBackend) GetRecord(documentID string) (StorageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decodeLocked(documentID)
}

func (b *fileCacheBackend) DeleteRecord(documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.records, documentID)
	delete(b.chains, documentID)
	return b.saveLocked()
}

func (b *fileCacheBackend) ListRecords() ([]StorageRecord, error) {
	return b.list(false)
}

func (b *fileCacheBackend) ListUnsynced() ([]StorageRecord, error) {
	return b.list(true)
}

func (b *fileCacheBackend) list(unsyncedOnly bool) ([]StorageRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []StorageRecord{}
	for documentID := range b.records {
		rec, err := b.decodeLocked(documentID)
		if err != nil {
			log.Printf("notesync: skipping corrupt cache record %s: %v", documentID, err)
			continue
		}
		if unsyncedOnly && rec.Synced {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (b *fileCacheBackend) MarkSynced(documentID string, ref ContentRef) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, err := b.decodeLocked(documentID)
	if err != nil {
		return err
	}
	rec.Synced = true
	rec.RemoteRef = ref
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	b.records[documentID] = raw
	return b.saveLocked()
}

func (b *fileCacheBackend) PutChainRef(documentID string, ref ContentRef) error {
	if documentID == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chains[documentID] = ref
	return b.saveLocked()
}

func (b *fileCacheBackend) GetChainRef(documentID string) (ContentRef, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ref, ok := b.chains[documentID]
	if !ok {
		return "", ErrNotFound
	}
	return ref, nil
}

func (b *fileCacheBackend) Close() error {
	return nil
}

func cloneRecord(rec StorageRecord) StorageRecord {
	out := rec
	out.State = append([]byte(nil), rec.State...)
	if rec.LastSyncAttempt != nil {
		at := *rec.LastSyncAttempt
		out.LastSyncAttempt = &at
	}
	return out
}

func sortRecords(records []StorageRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].DocumentID < records[j].DocumentID
	})
}
