package notesync

import (
	"encoding/json"
	"sort"
)

// Delta is an immutable binary fragment produced by a replica on mutation.
// Applying any set of deltas in any order converges on the same state.
type Delta []byte

// StateVector summarizes which operations a replica has already seen, keyed
// by actor. Used to compute minimal deltas between replicas.
type StateVector map[string]uint64

type logOp struct {
	Actor string `json:"actor"`
	Seq   uint64 `json:"seq"`
	Stamp int64  `json:"stamp"`
	Text  string `json:"text"`
}

type logEnvelope struct {
	Ops []logOp `json:"ops"`
}

// MergeLog is the opaque mergeable document state: an append-only operation
// log whose merge is a union keyed by (actor, seq). The log itself is not a
// full CRDT implementation; it provides the produce/apply/diff/serialize
// contract the engine needs and resolves concurrent full-text writes
// last-writer-wins with a deterministic (stamp, actor, seq) tiebreak.
type MergeLog struct {
	ops map[string]map[uint64]logOp
}

func NewMergeLog() *MergeLog {
	return &MergeLog{ops: map[string]map[uint64]logOp{}}
}

// Produce records a new local operation and returns the delta carrying it.
func (l *MergeLog) Produce(actor, text string, stamp int64) Delta {
	if l.ops == nil {
		l.ops = map[string]map[uint64]logOp{}
	}
	byActor := l.ops[actor]
	if byActor == nil {
		byActor = map[uint64]logOp{}
		l.ops[actor] = byActor
	}
	var maxSeq uint64
	for seq := range byActor {
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	op := logOp{Actor: actor, Seq: maxSeq + 1, Stamp: stamp, Text: text}
	byActor[op.Seq] = op
	data, _ := json.Marshal(logEnvelope{Ops: []logOp{op}})
	return Delta(data)
}

// Apply merges a delta into the log. Already-seen operations are ignored, so
// Apply is idempotent and order-independent.
func (l *MergeLog) Apply(delta Delta) error {
	if len(delta) == 0 {
		return ErrInvalidInput
	}
	var envelope logEnvelope
	if err := json.Unmarshal(delta, &envelope); err != nil {
		return err
	}
	if l.ops == nil {
		l.ops = map[string]map[uint64]logOp{}
	}
	for _, op := range envelope.Ops {
		if op.Actor == "" || op.Seq == 0 {
			return ErrInvalidInput
		}
		byActor := l.ops[op.Actor]
		if byActor == nil {
			byActor = map[uint64]logOp{}
			l.ops[op.Actor] = byActor
		}
		if _, seen := byActor[op.Seq]; seen {
			continue
		}
		byActor[op.Seq] = op
	}
	return nil
}

// Vector returns the highest sequence number seen per actor.
func (l *MergeLog) Vector() StateVector {
	vector := StateVector{}
	for actor, byActor := range l.ops {
		var maxSeq uint64
		for seq := range byActor {
			if seq > maxSeq {
				maxSeq = seq
			}
		}
		vector[actor] = maxSeq
	}
	return vector
}

// DiffSince returns the delta containing every operation the given state
// vector has not seen. Returns nil when the peer is already up to date.
func (l *MergeLog) DiffSince(vector StateVector) Delta {
	missing := []logOp{}
	for actor, byActor := range l.ops {
		seen := vector[actor]
		for seq, op := range byActor {
			if seq > seen {
				missing = append(missing, op)
			}
		}
	}
	if len(missing) == 0 {
		return nil
	}
	sortOps(missing)
	data, _ := json.Marshal(logEnvelope{Ops: missing})
	return Delta(data)
}

// Text materializes the current plain-text value: the operation with the
// highest (stamp, actor, seq) wins.
func (l *MergeLog) Text() string {
	var winner *logOp
	for _, byActor := range l.ops {
		for seq := range byActor {
			op := byActor[seq]
			if winner == nil || opLess(*winner, op) {
				winner = &op
			}
		}
	}
	if winner == nil {
		return ""
	}
	return winner.Text
}

// Len returns the total number of operations in the log.
func (l *MergeLog) Len() int {
	total := 0
	for _, byActor := range l.ops {
		total += len(byActor)
	}
	return total
}

// Encode serializes the full log canonically: the same internal state always
// yields identical bytes regardless of insertion order.
func (l *MergeLog) Encode() []byte {
	all := make([]logOp, 0, l.Len())
	for _, byActor := range l.ops {
		for _, op := range byActor {
			all = append(all, op)
		}
	}
	sortOps(all)
	data, _ := json.Marshal(logEnvelope{Ops: all})
	return data
}

// DecodeMergeLog reconstructs a log from Encode output.
func DecodeMergeLog(data []byte) (*MergeLog, error) {
	if len(data) == 0 {
		return nil, ErrInvalidInput
	}
	var envelope logEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}
	log := NewMergeLog()
	for _, op := range envelope.Ops {
		if op.Actor == "" || op.Seq == 0 {
			return nil, ErrCorruptRecord
		}
		byActor := log.ops[op.Actor]
		if byActor == nil {
			byActor = map[uint64]logOp{}
			log.ops[op.Actor] = byActor
		}
		byActor[op.Seq] = op
	}
	return log, nil
}

func sortOps(ops []logOp) {
	sort.Slice(ops, func(i, j int) bool {
		if ops[i].Actor != ops[j].Actor {
			return ops[i].Actor < ops[j].Actor
		}
		return ops[i].Seq < ops[j].Seq
	})
}

// opLess orders a before b for last-writer-wins materialization.
func opLess(a, b logOp) bool {
	if a.Stamp != b.Stamp {
		return a.Stamp < b.Stamp
	}
	if a.Actor != b.Actor {
		return a.Actor < b.Actor
	}
	return a.Seq < b.Seq
}
