package notesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// OpType names the remote effect a queued operation performs.
type OpType string

const (
	OpSave    OpType = "save"
	OpDelete  OpType = "delete"
	OpShare   OpType = "share"
	OpVersion OpType = "version"
)

// Priority orders queued operations: critical drains first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityCritical: "critical",
	PriorityHigh:     "high",
	PriorityNormal:   "normal",
	PriorityLow:      "low",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return "normal"
}

func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for value, candidate := range priorityNames {
		if candidate == name {
			*p = value
			return nil
		}
	}
	return fmt.Errorf("%w: priority %q", ErrInvalidInput, name)
}

// QueuedOperation is one pending remote effect. Removed on success or when
// retries are exhausted.
type QueuedOperation struct {
	ID          string          `json:"id"`
	Type        OpType          `json:"type"`
	Priority    Priority        `json:"priority"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RetryCount  int             `json:"retryCount"`
	MaxRetries  int             `json:"maxRetries"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// QueueBackend persists the queue snapshot after every mutation so pending
// work survives an abrupt process exit.
type QueueBackend interface {
	SaveOperations(ops []QueuedOperation) error
	LoadOperations() ([]QueuedOperation, error)
	Close() error
}

type memoryQueueBackend struct {
	mu       sync.Mutex
	snapshot []byte
}

func NewMemoryQueueBackend() QueueBackend {
	return &memoryQueueBackend{}
}

func (b *memoryQueueBackend) SaveOperations(ops []QueuedOperation) error {
	data, err := encodeQueueSnapshot(ops)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshot = data
	return nil
}

func (b *memoryQueueBackend) LoadOperations() ([]QueuedOperation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return decodeQueueSnapshot(b.snapshot)
}

func (b *memoryQueueBackend) Close() error {
	return nil
}

type fileQueueBackend struct {
	mu   sync.Mutex
	path string
}

func NewFileQueueBackend(path string) (QueueBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &fileQueueBackend{path: path}, nil
}

func (b *fileQueueBackend) SaveOperations(ops []QueuedOperation) error {
	data, err := encodeQueueSnapshot(ops)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
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

func (b *fileQueueBackend) LoadOperations() ([]QueuedOperation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []QueuedOperation{}, nil
		}
		return nil, err
	}
	return decodeQueueSnapshot(data)
}

func (b *fileQueueBackend) Close() error {
	return nil
}

// OperationHandler executes the remote effect of one operation type.
type OperationHandler func(ctx context.Context, op QueuedOperation) error

type QueueOptions struct {
	Backend           QueueBackend
	Clock             Clock
	BaseDelay         time.Duration
	BackoffMultiplier float64
	DefaultMaxRetries int
	// Online gates draining; a nil func means always online.
	Online func() bool
	// OnFailure is invoked exactly once when an operation is dropped after
	// exhausting its retries.
	OnFailure func(op QueuedOperation, err error)
}

// OperationQueue is the persisted offline queue: priority-ordered with stable
// insertion order among equals, exponential-backoff retries, and a single
// concurrent drain.
type OperationQueue struct {
	mu         sync.Mutex
	backend    QueueBackend
	clock      Clock
	baseDelay  time.Duration
	multiplier float64
	defaultMax int
	online     func() bool
	onFailure  func(op QueuedOperation, err error)
	handlers   map[OpType]OperationHandler
	items      []QueuedOperation
	draining   bool
}

func NewOperationQueue(opts QueueOptions) (*OperationQueue, error) {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryQueueBackend()
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	multiplier := opts.BackoffMultiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	defaultMax := opts.DefaultMaxRetries
	if defaultMax <= 0 {
		defaultMax = 3
	}
	items, err := backend.LoadOperations()
	if err != nil {
		return nil, err
	}
	return &OperationQueue{
		backend:    backend,
		clock:      clock,
		baseDelay:  baseDelay,
		multiplier: multiplier,
		defaultMax: defaultMax,
		online:     opts.Online,
		onFailure:  opts.OnFailure,
		handlers:   map[OpType]OperationHandler{},
		items:      items,
	}, nil
}

// RegisterHandler installs the executor for an operation type.
func (q *OperationQueue) RegisterHandler(opType OpType, handler OperationHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[opType] = handler
}

// Enqueue inserts an operation in priority order, stable among equal
// priorities, and persists the queue.
func (q *OperationQueue) Enqueue(op QueuedOperation) error {
	if op.Type == "" {
		return ErrInvalidInput
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.defaultMax
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.clock.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	idx := len(q.items)
	for i := range q.items {
		if q.items[i].Priority > op.Priority {
			idx = i
			break
		}
	}
	q.items = append(q.items[:idx], append([]QueuedOperation{op}, q.items[idx:]...)...)
	return q.saveLocked()
}

// Len returns the number of pending operations.
func (q *OperationQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the pending operations in drain order.
func (q *OperationQueue) Snapshot() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedOperation(nil), q.items...)
}

// Contains reports whether an operation of the given type already targets the
// document.
func (q *OperationQueue) Contains(opType OpType, documentID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.items {
		if op.Type == opType && payloadDocumentID(op.Payload) == documentID {
			return true
		}
	}
	return false
}

// ProcessQueue drains ready operations in priority order. No-op while a drain
// is already running or while offline. Operations whose NextRetryAt is still
// in the future are skipped.
func (q *OperationQueue) ProcessQueue(ctx context.Context) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	if q.online != nil && !q.online() {
		q.mu.Unlock()
		return
	}
	q.draining = true
	snapshot := append([]QueuedOperation(nil), q.items...)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for _, op := range snapshot {
		if ctx.Err() != nil {
			return
		}
		if op.NextRetryAt != nil && op.NextRetryAt.After(q.clock.Now()) {
			continue
		}
		q.mu.Lock()
		handler := q.handlers[op.Type]
		q.mu.Unlock()

		var err error
		if handler == nil {
			err = fmt.Errorf("%w: no handler for %s operations", ErrNotImplemented, op.Type)
		} else {
			err = handler(ctx, op)
		}

		q.mu.Lock()
		idx := q.indexLocked(op.ID)
		if idx < 0 {
			q.mu.Unlock()
			continue
		}
		if err == nil {
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			if saveErr := q.saveLocked(); saveErr != nil {
				log.Printf("notesync: failed to persist queue: %v", saveErr)
			}
			q.mu.Unlock()
			continue
		}
		q.items[idx].RetryCount++
		if q.items[idx].RetryCount >= q.items[idx].MaxRetries {
			dropped := q.items[idx]
			q.items = append(q.items[:idx], q.items[idx+1:]...)
			if saveErr := q.saveLocked(); saveErr != nil {
				log.Printf("notesync: failed to persist queue: %v", saveErr)
			}
			q.mu.Unlock()
			exhausted := fmt.Errorf("%w: %s %s: %v", ErrRetryExhausted, dropped.Type, dropped.ID, err)
			log.Printf("notesync: %v", exhausted)
			if q.onFailure != nil {
				q.onFailure(dropped, exhausted)
			}
			continue
		}
		next := q.clock.Now().Add(q.retryDelay(q.items[idx].RetryCount))
		q.items[idx].NextRetryAt = &next
		if saveErr := q.saveLocked(); saveErr != nil {
			log.Printf("notesync: failed to persist queue: %v", saveErr)
		}
		q.mu.Unlock()
	}
}

// retryDelay computes baseDelay * multiplier^(retryCount-1).
func (q *OperationQueue) retryDelay(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	factor := math.Pow(q.multiplier, float64(retryCount-1))
	return time.Duration(float64(q.baseDelay) * factor)
}

func (q *OperationQueue) indexLocked(id string) int {
	for i := range q.items {
		if q.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (q *OperationQueue) saveLocked() error {
	return q.backend.SaveOperations(append([]QueuedOperation(nil), q.items...))
}

// Close releases the backend.
func (q *OperationQueue) Close() error {
	return q.backend.Close()
}

type operationPayload struct {
	DocumentID  string `json:"documentId"`
	Description string `json:"description,omitempty"`
}

func payloadDocumentID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var payload operationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	return payload.DocumentID
}

func marshalOperationPayload(payload operationPayload) json.RawMessage {
	data, _ := json.Marshal(payload)
	return data
}

func unmarshalOperationPayload(raw json.RawMessage, payload *operationPayload) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, payload)
}
