package notesync

import (
	"sync"
	"time"
)

// Document is a replicated, versioned note. The mergeable state lives in the
// embedded log; Version counts local serialize-worthy changes.
type Document struct {
	ID       string
	Version  int
	Created  time.Time
	Modified time.Time

	log *MergeLog
}

// DocumentStore owns one live document instance per id. Instances stay cached
// in memory until Destroy releases them.
type DocumentStore struct {
	mu    sync.Mutex
	actor string
	clock Clock
	docs  map[string]*Document
}

func NewDocumentStore(actor string, clock Clock) *DocumentStore {
	if clock == nil {
		clock = SystemClock()
	}
	return &DocumentStore{
		actor: actor,
		clock: clock,
		docs:  map[string]*Document{},
	}
}

// Create returns the document for id, creating it on first use. Idempotent.
func (s *DocumentStore) Create(id string) *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		return doc
	}
	now := s.clock.Now()
	doc := &Document{
		ID:       id,
		Created:  now,
		Modified: now,
		log:      NewMergeLog(),
	}
	s.docs[id] = doc
	return doc
}

// Get returns the cached instance or ErrNotFound.
func (s *DocumentStore) Get(id string) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return doc, nil
}

// ApplyDelta merges a remote delta into an existing document.
func (s *DocumentStore) ApplyDelta(id string, delta Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	if err := doc.log.Apply(delta); err != nil {
		return err
	}
	doc.Version++
	doc.Modified = s.clock.Now()
	return nil
}

// Serialize encodes the document state canonically. Deterministic for a given
// internal state.
func (s *DocumentStore) Serialize(doc *Document) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return doc.log.Encode()
}

// Load materializes a document from previously serialized state and caches it
// under id, replacing any existing instance.
func (s *DocumentStore) Load(id string, state []byte) (*Document, error) {
	log, err := DecodeMergeLog(state)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	doc := &Document{
		ID:       id,
		Created:  now,
		Modified: now,
		log:      log,
	}
	if existing, ok := s.docs[id]; ok {
		doc.Created = existing.Created
		doc.Version = existing.Version + 1
	}
	s.docs[id] = doc
	return doc, nil
}

// Detach materializes a document from serialized state without caching it.
// Used by version restore, which must not clobber the live instance.
func (s *DocumentStore) Detach(id string, state []byte) (*Document, error) {
	log, err := DecodeMergeLog(state)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	return &Document{
		ID:       id,
		Created:  now,
		Modified: now,
		log:      log,
	}, nil
}

// Text returns the plain-text value of a document. Only valid for
// plain-text-bearing documents.
func (s *DocumentStore) Text(doc *Document) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return doc.log.Text()
}

// SetText replaces the plain-text value, producing the delta that carries the
// change to other replicas.
func (s *DocumentStore) SetText(doc *Document, text string) Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	delta := doc.log.Produce(s.actor, text, s.clock.Now().UnixNano())
	doc.Version++
	doc.Modified = s.clock.Now()
	return delta
}

// Vector returns the document's state vector for minimal-diff exchange.
func (s *DocumentStore) Vector(doc *Document) StateVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	return doc.log.Vector()
}

// DiffSince returns the delta a peer at the given vector is missing.
func (s *DocumentStore) DiffSince(doc *Document, vector StateVector) Delta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return doc.log.DiffSince(vector)
}

// Destroy releases the cached instance. Must be called when a document is
// closed to avoid unbounded growth of the in-memory cache.
func (s *DocumentStore) Destroy(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

// Open reports whether an instance is currently cached.
func (s *DocumentStore) Open(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[id]
	return ok
}
