package notesync

import (
	"encoding/json"
	"log"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	boltRecordsBucket = []byte("records")
	boltChainsBucket  = []byte("chains")
	boltQueueBucket   = []byte("queue")
	boltQueueKey      = []byte("snapshot")
)

// BoltCacheBackend stores records and chain pointers in a bbolt file. Every
// operation runs in its own transaction, so a crash never leaves a record
// half-written.
type BoltCacheBackend struct {
	db *bolt.DB
}

func NewBoltCacheBackend(path string) (*BoltCacheBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltRecordsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(boltChainsBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltCacheBackend{db: db}, nil
}

func (b *BoltCacheBackend) PutRecord(rec StorageRecord) error {
	if rec.DocumentID == "" {
		return ErrInvalidInput
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltRecordsBucket).Put([]byte(rec.DocumentID), raw)
	})
}

func (b *BoltCacheBackend) GetRecord(documentID string) (StorageRecord, error) {
	var rec StorageRecord
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltRecordsBucket).Get([]byte(documentID))
		if raw == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(raw, &rec); err != nil || rec.DocumentID == "" {
			return ErrCorruptRecord
		}
		return nil
	})
	if err != nil {
		return StorageRecord{}, err
	}
	return rec, nil
}

func (b *BoltCacheBackend) DeleteRecord(documentID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(boltRecordsBucket).Delete([]byte(documentID)); err != nil {
			return err
		}
		return tx.Bucket(boltChainsBucket).Delete([]byte(documentID))
	})
}

func (b *BoltCacheBackend) ListRecords() ([]StorageRecord, error) {
	return b.list(false)
}

func (b *BoltCacheBackend) ListUnsynced() ([]StorageRecord, error) {
	return b.list(true)
}

func (b *BoltCacheBackend) list(unsyncedOnly bool) ([]StorageRecord, error) {
	out := []StorageRecord{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltRecordsBucket).ForEach(func(k, v []byte) error {
			var rec StorageRecord
			if err := json.Unmarshal(v, &rec); err != nil || rec.DocumentID == "" {
				log.Printf("notesync: skipping corrupt cache record %s: %v", string(k), ErrCorruptRecord)
				return nil
			}
			if unsyncedOnly && rec.Synced {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (b *BoltCacheBackend) MarkSynced(documentID string, ref ContentRef) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(boltRecordsBucket)
		raw := bucket.Get([]byte(documentID))
		if raw == nil {
			return ErrNotFound
		}
		var rec StorageRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return ErrCorruptRecord
		}
		rec.Synced = true
		rec.RemoteRef = ref
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(documentID), updated)
	})
}

func (b *BoltCacheBackend) PutChainRef(documentID string, ref ContentRef) error {
	if documentID == "" {
		return ErrInvalidInput
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltChainsBucket).Put([]byte(documentID), []byte(ref))
	})
}

func (b *BoltCacheBackend) GetChainRef(documentID string) (ContentRef, error) {
	var ref ContentRef
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltChainsBucket).Get([]byte(documentID))
		if raw == nil {
			return ErrNotFound
		}
		ref = ContentRef(raw)
		return nil
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

func (b *BoltCacheBackend) Close() error {
	return b.db.Close()
}

// BoltQueueBackend persists the queue snapshot in a bbolt file. It can share
// the file with a BoltCacheBackend only through a shared *bolt.DB, so the
// factory opens separate files per concern.
type BoltQueueBackend struct {
	db *bolt.DB
}

func NewBoltQueueBackend(path string) (*BoltQueueBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltQueueBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltQueueBackend{db: db}, nil
}

func (b *BoltQueueBackend) SaveOperations(ops []QueuedOperation) error {
	data, err := encodeQueueSnapshot(ops)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltQueueBucket).Put(boltQueueKey, data)
	})
}

func (b *BoltQueueBackend) LoadOperations() ([]QueuedOperation, error) {
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(boltQueueBucket).Get(boltQueueKey)
		if raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeQueueSnapshot(data)
}

func (b *BoltQueueBackend) Close() error {
	return b.db.Close()
}
