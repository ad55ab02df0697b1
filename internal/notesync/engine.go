package notesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Options struct {
	// DeviceID identifies this replica in produced deltas. Defaults to a
	// random id.
	DeviceID string

	// CacheDSN and QueueDSN select persistence backends by scheme. Ignored
	// when CacheBackend or QueueBackend is set directly.
	CacheDSN     string
	QueueDSN     string
	CacheBackend CacheBackend
	QueueBackend QueueBackend

	Remote RemoteStore
	Clock  Clock

	Probe         ProbeFunc
	ProbeInterval time.Duration
	// DisableMonitor turns off connectivity tracking; the engine then
	// behaves as permanently online.
	DisableMonitor bool

	BaseRetryDelay    time.Duration
	BackoffMultiplier float64
	MaxRetries        int
	// OnOperationDropped fires when a queued operation exhausts its retries.
	OnOperationDropped func(op QueuedOperation, err error)

	AutosaveDelay     time.Duration
	AutosaveHighDelay time.Duration
}

// EngineStatus is the live snapshot served by the status endpoint.
type EngineStatus struct {
	DeviceID     string    `json:"deviceId"`
	Connectivity ConnState `json:"-"`
	State        string    `json:"state"`
	QueueDepth   int       `json:"queueDepth"`
	Unsynced     int       `json:"unsynced"`
}

// Engine is the top-level handle: documents, local cache, offline queue,
// connectivity and version history behind one API.
type Engine struct {
	deviceID string
	clock    Clock

	docs     *DocumentStore
	cache    CacheBackend
	remote   RemoteStore
	queue    *OperationQueue
	orch     *HybridStorageOrchestrator
	versions *VersionHistoryEngine
	autosave *AutosaveCoordinator
	monitor  *ConnectivityMonitor
	sub      *Subscription

	mu           sync.Mutex
	shareHandler OperationHandler

	closeOnce sync.Once
}

func New(opts Options) (*Engine, error) {
	if opts.Remote == nil {
		return nil, ErrInvalidInput
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	deviceID := opts.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	cache := opts.CacheBackend
	if cache == nil {
		built, err := BuildCacheBackendFromDSN(opts.CacheDSN)
		if err != nil {
			return nil, err
		}
		cache = built
	}
	if cache == nil {
		cache = NewMemoryCacheBackend()
	}
	queueBackend := opts.QueueBackend
	if queueBackend == nil {
		built, err := BuildQueueBackendFromDSN(opts.QueueDSN)
		if err != nil {
			return nil, err
		}
		queueBackend = built
	}
	if queueBackend == nil {
		queueBackend = NewMemoryQueueBackend()
	}

	e := &Engine{
		deviceID: deviceID,
		clock:    clock,
		docs:     NewDocumentStore(deviceID, clock),
		cache:    cache,
		remote:   opts.Remote,
	}

	if !opts.DisableMonitor {
		probe := opts.Probe
		if probe == nil {
			probe = func(ctx context.Context) error {
				if !opts.Remote.Ready(ctx) {
					return ErrRemoteUnavailable
				}
				return nil
			}
		}
		e.monitor = NewConnectivityMonitor(MonitorOptions{
			Probe:    probe,
			Interval: opts.ProbeInterval,
			Clock:    clock,
		})
	}

	queue, err := NewOperationQueue(QueueOptions{
		Backend:           queueBackend,
		Clock:             clock,
		BaseDelay:         opts.BaseRetryDelay,
		BackoffMultiplier: opts.BackoffMultiplier,
		DefaultMaxRetries: opts.MaxRetries,
		Online:            e.Online,
		OnFailure:         opts.OnOperationDropped,
	})
	if err != nil {
		return nil, err
	}
	e.queue = queue

	orch, err := NewHybridStorageOrchestrator(OrchestratorOptions{
		Cache:  cache,
		Remote: opts.Remote,
		Queue:  queue,
		Clock:  clock,
		Online: e.Online,
	})
	if err != nil {
		return nil, err
	}
	e.orch = orch

	versions, err := NewVersionHistoryEngine(VersionEngineOptions{
		Cache:  cache,
		Remote: opts.Remote,
		Clock:  clock,
	})
	if err != nil {
		return nil, err
	}
	e.versions = versions

	autosave, err := NewAutosaveCoordinator(AutosaveOptions{
		Save:      e.saveDocument,
		Clock:     clock,
		Delay:     opts.AutosaveDelay,
		HighDelay: opts.AutosaveHighDelay,
	})
	if err != nil {
		return nil, err
	}
	e.autosave = autosave

	queue.RegisterHandler(OpSave, func(ctx context.Context, op QueuedOperation) error {
		return orch.SyncRecord(ctx, payloadDocumentID(op.Payload))
	})
	queue.RegisterHandler(OpDelete, func(ctx context.Context, op QueuedOperation) error {
		// Remote objects are immutable; the local record is already gone.
		return nil
	})
	queue.RegisterHandler(OpShare, func(ctx context.Context, op QueuedOperation) error {
		e.mu.Lock()
		handler := e.shareHandler
		e.mu.Unlock()
		if handler == nil {
			return fmt.Errorf("%w: sharing", ErrNotProvisioned)
		}
		return handler(ctx, op)
	})
	queue.RegisterHandler(OpVersion, func(ctx context.Context, op QueuedOperation) error {
		return e.createQueuedVersion(ctx, op)
	})

	if e.monitor != nil {
		e.sub = e.monitor.Subscribe(func(t ConnTransition) {
			if t.Current == StateOnline {
				go e.orch.Reconcile(context.Background())
			}
		})
		e.monitor.Start()
	}
	if e.Online() {
		go e.orch.Reconcile(context.Background())
	}
	return e, nil
}

// Online reports whether the remote is currently considered reachable. With
// the monitor disabled the engine is always online.
func (e *Engine) Online() bool {
	if e.monitor == nil {
		return true
	}
	return e.monitor.Online()
}

// SetShareHandler installs the executor for queued share operations.
func (e *Engine) SetShareHandler(handler OperationHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.shareHandler = handler
}

// SaveNote replaces the note's text and persists the resulting state
// local-first.
func (e *Engine) SaveNote(ctx context.Context, documentID, text string) (StoreResult, error) {
	doc := e.docs.Create(documentID)
	e.docs.SetText(doc, text)
	return e.orch.StoreNote(ctx, documentID, e.docs.Serialize(doc))
}

// GetNote returns the note's current text, refreshing from the remote when
// reachable. Retrieved state is merged into the live instance, never swapped
// in: a pending unsaved edit survives the read.
func (e *Engine) GetNote(ctx context.Context, documentID string) (string, error) {
	state, err := e.orch.RetrieveNote(ctx, documentID, "")
	if err != nil {
		return "", err
	}
	doc, err := e.docs.Get(documentID)
	if errors.Is(err, ErrNotFound) {
		doc, err = e.docs.Load(documentID, state)
	} else if err == nil {
		err = e.docs.ApplyDelta(documentID, Delta(state))
	}
	if err != nil {
		return "", err
	}
	return e.docs.Text(doc), nil
}

// DeleteNote drops the note locally and releases its live instance.
func (e *Engine) DeleteNote(ctx context.Context, documentID string) error {
	if err := e.orch.DeleteNote(ctx, documentID); err != nil {
		return err
	}
	e.docs.Destroy(documentID)
	return nil
}

// ListNotes returns the local inventory.
func (e *Engine) ListNotes() ([]NoteSummary, error) {
	return e.orch.ListNotes()
}

// ApplyRemoteDelta merges a delta produced by another replica and schedules a
// save for the merged state.
func (e *Engine) ApplyRemoteDelta(documentID string, delta Delta) error {
	if err := e.docs.ApplyDelta(documentID, delta); err != nil {
		return err
	}
	e.autosave.Schedule(documentID, SaveNormal)
	return nil
}

// DiffSince returns the delta a peer at the given vector is missing.
func (e *Engine) DiffSince(documentID string, vector StateVector) (Delta, error) {
	doc, err := e.docs.Get(documentID)
	if err != nil {
		return nil, err
	}
	return e.docs.DiffSince(doc, vector), nil
}

// Vector returns the note's current state vector.
func (e *Engine) Vector(documentID string) (StateVector, error) {
	doc, err := e.docs.Get(documentID)
	if err != nil {
		return nil, err
	}
	return e.docs.Vector(doc), nil
}

// UpdateNote replaces the live text without persisting and leans on the
// autosave debounce to flush it.
func (e *Engine) UpdateNote(documentID, text string, priority SavePriority) {
	doc := e.docs.Create(documentID)
	e.docs.SetText(doc, text)
	e.autosave.Schedule(documentID, priority)
}

// ScheduleAutosave debounces a save for the note.
func (e *Engine) ScheduleAutosave(documentID string, priority SavePriority) {
	e.autosave.Schedule(documentID, priority)
}

// ForceSave flushes any pending autosave immediately.
func (e *Engine) ForceSave(ctx context.Context, documentID string) error {
	return e.autosave.ForceSave(ctx, documentID)
}

// saveDocument is the autosave executor: serialize the live instance and
// store it. A note with no live instance has nothing to save.
func (e *Engine) saveDocument(ctx context.Context, documentID string) error {
	doc, err := e.docs.Get(documentID)
	if err != nil {
		return nil
	}
	_, err = e.orch.StoreNote(ctx, documentID, e.docs.Serialize(doc))
	return err
}

// CreateVersion appends a version for the note. While offline the request is
// queued instead; queued reports which path was taken.
func (e *Engine) CreateVersion(ctx context.Context, documentID, description string) (entry VersionEntry, queued bool, err error) {
	doc, err := e.docs.Get(documentID)
	if err != nil {
		return VersionEntry{}, false, err
	}
	if !e.Online() {
		op := QueuedOperation{
			Type:     OpVersion,
			Priority: PriorityLow,
			Payload:  marshalOperationPayload(operationPayload{DocumentID: documentID, Description: description}),
		}
		if err := e.queue.Enqueue(op); err != nil {
			return VersionEntry{}, false, err
		}
		return VersionEntry{}, true, nil
	}
	entry, err = e.versions.CreateVersion(ctx, documentID, e.docs.Serialize(doc), e.docs.Text(doc), description)
	return entry, false, err
}

// createQueuedVersion executes a deferred version request against the current
// cached state.
func (e *Engine) createQueuedVersion(ctx context.Context, op QueuedOperation) error {
	documentID := payloadDocumentID(op.Payload)
	rec, err := e.cache.GetRecord(documentID)
	if err != nil {
		return err
	}
	stateLog, err := DecodeMergeLog(rec.State)
	if err != nil {
		return err
	}
	var payload operationPayload
	_ = unmarshalOperationPayload(op.Payload, &payload)
	_, err = e.versions.CreateVersion(ctx, documentID, rec.State, stateLog.Text(), payload.Description)
	return err
}

// GetVersionHistory lists the note's versions oldest first.
func (e *Engine) GetVersionHistory(ctx context.Context, documentID string) ([]VersionEntry, error) {
	return e.versions.GetVersionHistory(ctx, documentID)
}

// RestoreVersion brings an old version's content back as the current state
// and records the restore as a new version. History is never rewritten.
func (e *Engine) RestoreVersion(ctx context.Context, documentID string, version int) (VersionEntry, error) {
	state, text, err := e.versions.RestoreVersion(ctx, documentID, version)
	if err != nil {
		return VersionEntry{}, err
	}
	if _, err := e.docs.Load(documentID, state); err != nil {
		return VersionEntry{}, err
	}
	if _, err := e.orch.StoreNote(ctx, documentID, state); err != nil {
		return VersionEntry{}, err
	}
	return e.versions.CreateRestoredVersion(ctx, documentID, state, text, version)
}

// CompareVersions reports the line delta between two versions.
func (e *Engine) CompareVersions(ctx context.Context, documentID string, from, to int) (VersionDiff, error) {
	return e.versions.CompareVersions(ctx, documentID, from, to)
}

// ProcessQueue drains the offline queue if online.
func (e *Engine) ProcessQueue(ctx context.Context) {
	e.queue.ProcessQueue(ctx)
}

// Reconcile re-uploads unsynced records and drains the queue.
func (e *Engine) Reconcile(ctx context.Context) {
	e.orch.Reconcile(ctx)
}

// SignalReachable forwards an environment reachability hint to the monitor.
func (e *Engine) SignalReachable() {
	if e.monitor != nil {
		e.monitor.SignalReachable()
	}
}

// SignalOffline forwards an environment network-lost signal to the monitor.
func (e *Engine) SignalOffline() {
	if e.monitor != nil {
		e.monitor.SignalOffline()
	}
}

// SubscribeConnectivity registers a connectivity transition callback.
func (e *Engine) SubscribeConnectivity(fn func(ConnTransition)) *Subscription {
	if e.monitor == nil {
		return &Subscription{cancel: func() {}}
	}
	return e.monitor.Subscribe(fn)
}

// Status snapshots connectivity, queue depth and unsynced record count.
func (e *Engine) Status() EngineStatus {
	state := StateOnline
	if e.monitor != nil {
		state = e.monitor.State()
	}
	unsynced := 0
	if records, err := e.cache.ListUnsynced(); err == nil {
		unsynced = len(records)
	}
	return EngineStatus{
		DeviceID:     e.deviceID,
		Connectivity: state,
		State:        state.String(),
		QueueDepth:   e.queue.Len(),
		Unsynced:     unsynced,
	}
}

// Close shuts down timers, the monitor and the persistence backends.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.autosave.Close()
		if e.sub != nil {
			e.sub.Cancel()
		}
		if e.monitor != nil {
			e.monitor.Close()
		}
		if queueErr := e.queue.Close(); queueErr != nil {
			err = queueErr
		}
		if cacheErr := e.cache.Close(); cacheErr != nil && err == nil {
			err = cacheErr
		}
	})
	return err
}
