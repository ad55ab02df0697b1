package notesync

import (
	"context"
	"errors"
	"strings"
	"time"
)

type OrchestratorOptions struct {
	Cache  CacheBackend
	Remote RemoteStore
	Queue  *OperationQueue
	Clock  Clock
	// Online gates remote attempts; a nil func means always online.
	Online func() bool
}

// HybridStorageOrchestrator coordinates the durable local cache with the
// content-addressed remote. Writes always land locally first; the remote copy
// is opportunistic and falls back to the offline queue.
type HybridStorageOrchestrator struct {
	cache  CacheBackend
	remote RemoteStore
	queue  *OperationQueue
	clock  Clock
	online func() bool
}

// StoreResult reports where a stored note ended up.
type StoreResult struct {
	RemoteRef        ContentRef
	PersistedLocally bool
	Queued           bool
}

// NoteSummary is one row of the local inventory.
type NoteSummary struct {
	DocumentID string     `json:"documentId"`
	Synced     bool       `json:"synced"`
	StoredAt   time.Time  `json:"storedAt"`
	RemoteRef  ContentRef `json:"remoteRef,omitempty"`
}

func NewHybridStorageOrchestrator(opts OrchestratorOptions) (*HybridStorageOrchestrator, error) {
	if opts.Cache == nil || opts.Remote == nil || opts.Queue == nil {
		return nil, ErrInvalidInput
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &HybridStorageOrchestrator{
		cache:  opts.Cache,
		remote: opts.Remote,
		queue:  opts.Queue,
		clock:  clock,
		online: opts.Online,
	}, nil
}

func (o *HybridStorageOrchestrator) isOnline() bool {
	return o.online == nil || o.online()
}

// StoreNote persists the serialized state locally, then uploads when the
// remote is reachable and provisioned. A failed or skipped upload marks the
// record unsynced and enqueues a save operation; remote errors never surface
// to the caller once the local write succeeded.
func (o *HybridStorageOrchestrator) StoreNote(ctx context.Context, documentID string, state []byte) (StoreResult, error) {
	if strings.TrimSpace(documentID) == "" || len(state) == 0 {
		return StoreResult{}, ErrInvalidInput
	}
	rec := StorageRecord{
		DocumentID: documentID,
		State:      append([]byte(nil), state...),
		StoredAt:   o.clock.Now(),
	}
	// Carry over the attempt bookkeeping accumulated by earlier retries.
	if existing, err := o.cache.GetRecord(documentID); err == nil {
		rec.SyncAttempts = existing.SyncAttempts
		rec.LastSyncAttempt = existing.LastSyncAttempt
	}
	if err := o.cache.PutRecord(rec); err != nil {
		return StoreResult{}, err
	}
	result := StoreResult{PersistedLocally: true}

	if o.isOnline() && o.remote.Ready(ctx) {
		ref, err := o.remote.Upload(ctx, state)
		if err == nil {
			if err := o.cache.MarkSynced(documentID, ref); err != nil {
				return result, err
			}
			result.RemoteRef = ref
			return result, nil
		}
	}

	now := o.clock.Now()
	rec.SyncAttempts++
	rec.LastSyncAttempt = &now
	if err := o.cache.PutRecord(rec); err != nil {
		return result, err
	}
	if !o.queue.Contains(OpSave, documentID) {
		op := QueuedOperation{
			Type:     OpSave,
			Priority: PriorityNormal,
			Payload:  marshalOperationPayload(operationPayload{DocumentID: documentID}),
		}
		if err := o.queue.Enqueue(op); err != nil {
			return result, err
		}
	}
	result.Queued = true
	return result, nil
}

// RetrieveNote returns the serialized state for a document. When online it
// prefers the remote copy and refreshes the cache with it; a remote miss or a
// transient failure falls back to the cached record. knownRef overrides the
// record's remote ref when non-empty.
func (o *HybridStorageOrchestrator) RetrieveNote(ctx context.Context, documentID string, knownRef ContentRef) ([]byte, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, ErrInvalidInput
	}
	rec, cacheErr := o.cache.GetRecord(documentID)

	ref := knownRef
	if ref == "" && cacheErr == nil {
		ref = rec.RemoteRef
	}
	if ref != "" && o.isOnline() {
		data, err := o.remote.Retrieve(ctx, ref)
		if err == nil {
			refreshed := StorageRecord{
				DocumentID: documentID,
				State:      data,
				StoredAt:   o.clock.Now(),
				Synced:     true,
				RemoteRef:  ref,
			}
			if cacheErr == nil {
				refreshed.SyncAttempts = rec.SyncAttempts
				refreshed.LastSyncAttempt = rec.LastSyncAttempt
			}
			if putErr := o.cache.PutRecord(refreshed); putErr != nil {
				return data, putErr
			}
			return data, nil
		}
		if cacheErr != nil {
			return nil, err
		}
	}
	if cacheErr != nil {
		return nil, cacheErr
	}
	return append([]byte(nil), rec.State...), nil
}

// DeleteNote removes the local record. The remote object is immutable and
// stays; while offline a delete operation is queued so any server-side
// bookkeeping catches up on reconnect.
func (o *HybridStorageOrchestrator) DeleteNote(ctx context.Context, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return ErrInvalidInput
	}
	if err := o.cache.DeleteRecord(documentID); err != nil {
		return err
	}
	if !o.isOnline() && !o.queue.Contains(OpDelete, documentID) {
		op := QueuedOperation{
			Type:     OpDelete,
			Priority: PriorityHigh,
			Payload:  marshalOperationPayload(operationPayload{DocumentID: documentID}),
		}
		return o.queue.Enqueue(op)
	}
	return nil
}

// ListNotes returns the local inventory in deterministic order.
func (o *HybridStorageOrchestrator) ListNotes() ([]NoteSummary, error) {
	records, err := o.cache.ListRecords()
	if err != nil {
		return nil, err
	}
	out := make([]NoteSummary, 0, len(records))
	for _, rec := range records {
		out = append(out, NoteSummary{
			DocumentID: rec.DocumentID,
			Synced:     rec.Synced,
			StoredAt:   rec.StoredAt,
			RemoteRef:  rec.RemoteRef,
		})
	}
	return out, nil
}

// SyncRecord uploads the cached state for one document and marks it synced.
// This is the executor behind queued save operations.
func (o *HybridStorageOrchestrator) SyncRecord(ctx context.Context, documentID string) error {
	rec, err := o.cache.GetRecord(documentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Deleted since it was queued; nothing left to sync.
			return nil
		}
		return err
	}
	if rec.Synced {
		return nil
	}
	ref, err := o.remote.Upload(ctx, rec.State)
	if err != nil {
		now := o.clock.Now()
		rec.SyncAttempts++
		rec.LastSyncAttempt = &now
		_ = o.cache.PutRecord(rec)
		return err
	}
	return o.cache.MarkSynced(documentID, ref)
}

// Reconcile re-uploads every unsynced record that has no queued save already
// covering it, then drains the queue. Called on reconnect.
func (o *HybridStorageOrchestrator) Reconcile(ctx context.Context) {
	if !o.isOnline() {
		return
	}
	unsynced, err := o.cache.ListUnsynced()
	if err == nil {
		for _, rec := range unsynced {
			if ctx.Err() != nil {
				return
			}
			if o.queue.Contains(OpSave, rec.DocumentID) {
				continue
			}
			_ = o.SyncRecord(ctx, rec.DocumentID)
		}
	}
	o.queue.ProcessQueue(ctx)
}
