package notesync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresRecordsTableName = "notesync_records"
	postgresChainsTableName  = "notesync_chains"
	postgresQueueTableName   = "notesync_queue"
	postgresQueueKey         = "default"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresCacheBackend keeps records and chain pointers in Postgres. The
// record payload is stored as the JSON snapshot plus a synced column so
// ListUnsynced stays a single indexed query.
type PostgresCacheBackend struct {
	dsn          string
	recordsTable string
	chainsTable  string
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresCacheBackend(dsn string) (*PostgresCacheBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresCacheBackend{
		dsn:          dsn,
		recordsTable: postgresRecordsTableName,
		chainsTable:  postgresChainsTableName,
		openDB:       sql.Open,
	}, nil
}

func (b *PostgresCacheBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createRecordsQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				synced BOOLEAN NOT NULL DEFAULT FALSE,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.recordsTable))
		if _, err := db.ExecContext(ctx, createRecordsQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		createChainsQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				document_id TEXT PRIMARY KEY,
				chain_ref TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.chainsTable))
		if _, err := db.ExecContext(ctx, createChainsQuery); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresCacheBackend) PutRecord(rec StorageRecord) error {
	if rec.DocumentID == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, payload, synced, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET payload = EXCLUDED.payload, synced = EXCLUDED.synced, updated_at = NOW()`,
		postgresQuoteIdentifier(b.recordsTable))
	_, err = b.db.ExecContext(ctx, query, rec.DocumentID, string(payload), rec.Synced)
	return err
}

func (b *PostgresCacheBackend) GetRecord(documentID string) (StorageRecord, error) {
	if err := b.ensureReady(); err != nil {
		return StorageRecord{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE document_id = $1", postgresQuoteIdentifier(b.recordsTable))
	var payload string
	err := b.db.QueryRowContext(ctx, query, documentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return StorageRecord{}, ErrNotFound
	}
	if err != nil {
		return StorageRecord{}, err
	}
	var rec StorageRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil || rec.DocumentID == "" {
		return StorageRecord{}, ErrCorruptRecord
	}
	return rec, nil
}

func (b *PostgresCacheBackend) DeleteRecord(documentID string) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	deleteRecordQuery := fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", postgresQuoteIdentifier(b.recordsTable))
	if _, err := b.db.ExecContext(ctx, deleteRecordQuery, documentID); err != nil {
		return err
	}
	deleteChainQuery := fmt.Sprintf("DELETE FROM %s WHERE document_id = $1", postgresQuoteIdentifier(b.chainsTable))
	_, err := b.db.ExecContext(ctx, deleteChainQuery, documentID)
	return err
}

func (b *PostgresCacheBackend) ListRecords() ([]StorageRecord, error) {
	return b.list("")
}

func (b *PostgresCacheBackend) ListUnsynced() ([]StorageRecord, error) {
	return b.list("WHERE NOT synced")
}

func (b *PostgresCacheBackend) list(filter string) ([]StorageRecord, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT document_id, payload FROM %s %s", postgresQuoteIdentifier(b.recordsTable), filter)
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []StorageRecord{}
	for rows.Next() {
		var documentID, payload string
		if scanErr := rows.Scan(&documentID, &payload); scanErr != nil {
			continue
		}
		var rec StorageRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil || rec.DocumentID == "" {
			log.Printf("notesync: skipping corrupt cache record %s: %v", documentID, ErrCorruptRecord)
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (b *PostgresCacheBackend) MarkSynced(documentID string, ref ContentRef) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	selectQuery := fmt.Sprintf("SELECT payload FROM %s WHERE document_id = $1 FOR UPDATE", postgresQuoteIdentifier(b.recordsTable))
	var payload string
	err = tx.QueryRowContext(ctx, selectQuery, documentID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var rec StorageRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return ErrCorruptRecord
	}
	rec.Synced = true
	rec.RemoteRef = ref
	updated, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	updateQuery := fmt.Sprintf(
		"UPDATE %s SET payload = $2, synced = TRUE, updated_at = NOW() WHERE document_id = $1",
		postgresQuoteIdentifier(b.recordsTable))
	if _, err := tx.ExecContext(ctx, updateQuery, documentID, string(updated)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (b *PostgresCacheBackend) PutChainRef(documentID string, ref ContentRef) error {
	if documentID == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (document_id, chain_ref, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (document_id)
		DO UPDATE SET chain_ref = EXCLUDED.chain_ref, updated_at = NOW()`,
		postgresQuoteIdentifier(b.chainsTable))
	_, err := b.db.ExecContext(ctx, query, documentID, string(ref))
	return err
}

func (b *PostgresCacheBackend) GetChainRef(documentID string) (ContentRef, error) {
	if err := b.ensureReady(); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT chain_ref FROM %s WHERE document_id = $1", postgresQuoteIdentifier(b.chainsTable))
	var ref string
	err := b.db.QueryRowContext(ctx, query, documentID).Scan(&ref)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return ContentRef(ref), nil
}

func (b *PostgresCacheBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// PostgresQueueBackend stores the whole queue snapshot in a single keyed row,
// which preserves the in-memory drain order exactly.
type PostgresQueueBackend struct {
	dsn       string
	tableName string
	queueKey  string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueueBackend(dsn string) (*PostgresQueueBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresQueueBackend{
		dsn:       dsn,
		tableName: postgresQueueTableName,
		queueKey:  postgresQueueKey,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresQueueBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				queue_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresQueueBackend) SaveOperations(ops []QueuedOperation) error {
	if err := b.ensureReady(); err != nil {
		return err
	}
	data, err := encodeQueueSnapshot(ops)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (queue_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`,
		postgresQuoteIdentifier(b.tableName))
	_, err = b.db.ExecContext(ctx, query, b.queueKey, string(data))
	return err
}

func (b *PostgresQueueBackend) LoadOperations() ([]QueuedOperation, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE queue_key = $1", postgresQuoteIdentifier(b.tableName))
	var snapshot string
	err := b.db.QueryRowContext(ctx, query, b.queueKey).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return []QueuedOperation{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeQueueSnapshot([]byte(snapshot))
}

func (b *PostgresQueueBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
