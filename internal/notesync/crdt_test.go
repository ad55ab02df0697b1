package notesync

import (
	"bytes"
	"testing"
)

func TestMergeLogApplyCommutes(t *testing.T) {
	source := NewMergeLog()
	first := source.Produce("alice", "draft one", 10)
	second := source.Produce("alice", "draft two", 20)
	third := NewMergeLog().Produce("bob", "bob's take", 15)

	forward := NewMergeLog()
	for _, delta := range []Delta{first, second, third} {
		if err := forward.Apply(delta); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	reverse := NewMergeLog()
	for _, delta := range []Delta{third, second, first} {
		if err := reverse.Apply(delta); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}

	if !bytes.Equal(forward.Encode(), reverse.Encode()) {
		t.Fatalf("encode differs across apply orders")
	}
	if forward.Text() != reverse.Text() {
		t.Fatalf("text differs across apply orders: %q vs %q", forward.Text(), reverse.Text())
	}
	if forward.Text() != "draft two" {
		t.Fatalf("expected highest stamp to win, got %q", forward.Text())
	}
}

func TestMergeLogApplyIdempotent(t *testing.T) {
	log := NewMergeLog()
	delta := log.Produce("alice", "hello", 1)
	other := NewMergeLog()
	if err := other.Apply(delta); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := other.Apply(delta); err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if other.Len() != 1 {
		t.Fatalf("expected 1 op after duplicate apply, got %d", other.Len())
	}
}

func TestMergeLogEncodeDecodeRoundTrip(t *testing.T) {
	log := NewMergeLog()
	log.Produce("alice", "one", 1)
	log.Produce("alice", "two", 2)
	log.Produce("bob", "three", 3)

	decoded, err := DecodeMergeLog(log.Encode())
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Len() != 3 {
		t.Fatalf("expected 3 ops, got %d", decoded.Len())
	}
	if !bytes.Equal(decoded.Encode(), log.Encode()) {
		t.Fatalf("round trip changed canonical encoding")
	}
	if decoded.Text() != "three" {
		t.Fatalf("expected text %q, got %q", "three", decoded.Text())
	}
}

func TestMergeLogDiffSince(t *testing.T) {
	log := NewMergeLog()
	log.Produce("alice", "one", 1)
	seen := log.Vector()
	log.Produce("alice", "two", 2)
	log.Produce("bob", "bob", 3)

	delta := log.DiffSince(seen)
	if delta == nil {
		t.Fatalf("expected missing ops in diff")
	}
	peer := NewMergeLog()
	if err := peer.Apply(delta); err != nil {
		t.Fatalf("apply diff failed: %v", err)
	}
	if peer.Len() != 2 {
		t.Fatalf("expected 2 missing ops, got %d", peer.Len())
	}

	if upToDate := log.DiffSince(log.Vector()); upToDate != nil {
		t.Fatalf("expected nil diff for up-to-date vector")
	}
}

func TestDecodeMergeLogRejectsBadOps(t *testing.T) {
	if _, err := DecodeMergeLog([]byte(`{"ops":[{"actor":"","seq":1}]}`)); err == nil {
		t.Fatalf("expected error for missing actor")
	}
	if _, err := DecodeMergeLog(nil); err == nil {
		t.Fatalf("expected error for empty input")
	}
}
