package notesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ChangeType classifies how much a version changed relative to its
// predecessor.
type ChangeType string

const (
	ChangeCreate    ChangeType = "create"
	ChangeMinorEdit ChangeType = "minor-edit"
	ChangeEdit      ChangeType = "edit"
	ChangeMajorEdit ChangeType = "major-edit"
	ChangeRestore   ChangeType = "restore"
)

// VersionEntry is one link in a document's version chain. Versions are
// numbered from 1 with no gaps.
type VersionEntry struct {
	Version           int        `json:"version"`
	Timestamp         time.Time  `json:"timestamp"`
	RemoteRef         ContentRef `json:"remoteRef"`
	ChangeDescription string     `json:"changeDescription,omitempty"`
	ChangeType        ChangeType `json:"changeType"`
	ContentHash       ContentRef `json:"contentHash"`
	LinesAdded        int        `json:"linesAdded"`
	LinesRemoved      int        `json:"linesRemoved"`
}

// VersionDiff summarizes the line-level difference between two versions.
type VersionDiff struct {
	From         int `json:"from"`
	To           int `json:"to"`
	LinesAdded   int `json:"linesAdded"`
	LinesRemoved int `json:"linesRemoved"`
}

// versionSnapshot is the remote object behind each version entry: the
// serialized document state plus the plain text it materializes to. The text
// is what diffs and restores read.
type versionSnapshot struct {
	DocumentID string `json:"documentId"`
	Version    int    `json:"version"`
	State      []byte `json:"state"`
	Text       string `json:"text"`
}

type versionChain struct {
	DocumentID string         `json:"documentId"`
	Entries    []VersionEntry `json:"entries"`
}

type VersionEngineOptions struct {
	Cache  CacheBackend
	Remote RemoteStore
	Clock  Clock
}

// VersionHistoryEngine keeps an append-only version chain per document. The
// chain itself lives in the remote store as an immutable object; the cache
// holds only the pointer to the latest chain object.
type VersionHistoryEngine struct {
	cache  CacheBackend
	remote RemoteStore
	clock  Clock
}

func NewVersionHistoryEngine(opts VersionEngineOptions) (*VersionHistoryEngine, error) {
	if opts.Cache == nil || opts.Remote == nil {
		return nil, ErrInvalidInput
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	return &VersionHistoryEngine{
		cache:  opts.Cache,
		remote: opts.Remote,
		clock:  clock,
	}, nil
}

func (e *VersionHistoryEngine) loadChain(ctx context.Context, documentID string) (versionChain, error) {
	ref, err := e.cache.GetChainRef(documentID)
	if errors.Is(err, ErrNotFound) {
		return versionChain{DocumentID: documentID}, nil
	}
	if err != nil {
		return versionChain{}, err
	}
	data, err := e.remote.Retrieve(ctx, ref)
	if err != nil {
		return versionChain{}, err
	}
	var chain versionChain
	if err := json.Unmarshal(data, &chain); err != nil {
		return versionChain{}, fmt.Errorf("%w: version chain for %s: %v", ErrCorruptRecord, documentID, err)
	}
	return chain, nil
}

func (e *VersionHistoryEngine) storeChain(ctx context.Context, chain versionChain) error {
	data, err := json.Marshal(chain)
	if err != nil {
		return err
	}
	ref, err := e.remote.Upload(ctx, data)
	if err != nil {
		return err
	}
	return e.cache.PutChainRef(chain.DocumentID, ref)
}

func (e *VersionHistoryEngine) snapshot(ctx context.Context, ref ContentRef) (versionSnapshot, error) {
	data, err := e.remote.Retrieve(ctx, ref)
	if err != nil {
		return versionSnapshot{}, err
	}
	var snap versionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return versionSnapshot{}, fmt.Errorf("%w: version snapshot %s: %v", ErrCorruptRecord, ref, err)
	}
	return snap, nil
}

func (e *VersionHistoryEngine) appendVersion(ctx context.Context, documentID string, state []byte, text, description string, forcedType ChangeType) (VersionEntry, error) {
	if strings.TrimSpace(documentID) == "" || len(state) == 0 {
		return VersionEntry{}, ErrInvalidInput
	}
	chain, err := e.loadChain(ctx, documentID)
	if err != nil {
		return VersionEntry{}, err
	}

	entry := VersionEntry{
		Version:           len(chain.Entries) + 1,
		Timestamp:         e.clock.Now(),
		ChangeDescription: description,
		ContentHash:       ContentAddress(state),
	}

	if len(chain.Entries) == 0 {
		entry.ChangeType = ChangeCreate
		entry.LinesAdded = lineCount(text)
	} else {
		prev := chain.Entries[len(chain.Entries)-1]
		prevSnap, err := e.snapshot(ctx, prev.RemoteRef)
		if err != nil {
			return VersionEntry{}, err
		}
		entry.LinesAdded, entry.LinesRemoved = diffLineCounts(prevSnap.Text, text)
		entry.ChangeType = classifyChange(entry.LinesAdded, entry.LinesRemoved, lineCount(prevSnap.Text))
	}
	if forcedType != "" {
		entry.ChangeType = forcedType
	}

	snapData, err := json.Marshal(versionSnapshot{
		DocumentID: documentID,
		Version:    entry.Version,
		State:      state,
		Text:       text,
	})
	if err != nil {
		return VersionEntry{}, err
	}
	ref, err := e.remote.Upload(ctx, snapData)
	if err != nil {
		return VersionEntry{}, err
	}
	entry.RemoteRef = ref

	chain.Entries = append(chain.Entries, entry)
	if err := e.storeChain(ctx, chain); err != nil {
		return VersionEntry{}, err
	}
	return entry, nil
}

// CreateVersion appends a new version for the document. The change type is
// derived from the line delta against the previous version.
func (e *VersionHistoryEngine) CreateVersion(ctx context.Context, documentID string, state []byte, text, description string) (VersionEntry, error) {
	return e.appendVersion(ctx, documentID, state, text, description, "")
}

// CreateRestoredVersion appends a version carrying content brought back from
// an older one. The chain keeps growing; restores never rewrite history.
func (e *VersionHistoryEngine) CreateRestoredVersion(ctx context.Context, documentID string, state []byte, text string, fromVersion int) (VersionEntry, error) {
	description := fmt.Sprintf("restored from version %d", fromVersion)
	return e.appendVersion(ctx, documentID, state, text, description, ChangeRestore)
}

// GetVersionHistory returns the chain entries oldest first. A document with no
// versions yields an empty list.
func (e *VersionHistoryEngine) GetVersionHistory(ctx context.Context, documentID string) ([]VersionEntry, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, ErrInvalidInput
	}
	chain, err := e.loadChain(ctx, documentID)
	if err != nil {
		return nil, err
	}
	return append([]VersionEntry(nil), chain.Entries...), nil
}

// RestoreVersion fetches the state and text of one historical version. It
// does not touch the chain; callers append a restore entry once the content
// is back in place.
func (e *VersionHistoryEngine) RestoreVersion(ctx context.Context, documentID string, version int) ([]byte, string, error) {
	entry, err := e.findEntry(ctx, documentID, version)
	if err != nil {
		return nil, "", err
	}
	snap, err := e.snapshot(ctx, entry.RemoteRef)
	if err != nil {
		return nil, "", err
	}
	return snap.State, snap.Text, nil
}

// CompareVersions reports the line delta between two versions of a document.
func (e *VersionHistoryEngine) CompareVersions(ctx context.Context, documentID string, from, to int) (VersionDiff, error) {
	fromEntry, err := e.findEntry(ctx, documentID, from)
	if err != nil {
		return VersionDiff{}, err
	}
	toEntry, err := e.findEntry(ctx, documentID, to)
	if err != nil {
		return VersionDiff{}, err
	}
	fromSnap, err := e.snapshot(ctx, fromEntry.RemoteRef)
	if err != nil {
		return VersionDiff{}, err
	}
	toSnap, err := e.snapshot(ctx, toEntry.RemoteRef)
	if err != nil {
		return VersionDiff{}, err
	}
	added, removed := diffLineCounts(fromSnap.Text, toSnap.Text)
	return VersionDiff{
		From:         from,
		To:           to,
		LinesAdded:   added,
		LinesRemoved: removed,
	}, nil
}

func (e *VersionHistoryEngine) findEntry(ctx context.Context, documentID string, version int) (VersionEntry, error) {
	if strings.TrimSpace(documentID) == "" || version < 1 {
		return VersionEntry{}, ErrInvalidInput
	}
	chain, err := e.loadChain(ctx, documentID)
	if err != nil {
		return VersionEntry{}, err
	}
	for _, entry := range chain.Entries {
		if entry.Version == version {
			return entry, nil
		}
	}
	return VersionEntry{}, fmt.Errorf("%w: version %d of %s", ErrNotFound, version, documentID)
}

// diffLineCounts runs a line-granularity diff and counts added and removed
// lines.
func diffLineCounts(oldText, newText string) (added, removed int) {
	dmp := diffmatchpatch.New()
	oldChars, newChars, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(oldChars, newChars, false), lines)
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += lineCount(d.Text)
		case diffmatchpatch.DiffDelete:
			removed += lineCount(d.Text)
		}
	}
	return added, removed
}

func lineCount(text string) int {
	if text == "" {
		return 0
	}
	n := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		n++
	}
	return n
}

// classifyChange buckets a change by the share of the previous version's
// lines it touched: above 50% is a major edit, above 10% an edit, anything
// else a minor edit.
func classifyChange(added, removed, prevTotal int) ChangeType {
	if prevTotal < 1 {
		prevTotal = 1
	}
	pct := float64(added+removed) / float64(prevTotal) * 100
	switch {
	case pct > 50:
		return ChangeMajorEdit
	case pct > 10:
		return ChangeEdit
	default:
		return ChangeMinorEdit
	}
}
