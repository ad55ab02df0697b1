package notesync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// queuedOperationSchema guards queue reloads: a persisted entry that fails
// validation is skipped instead of poisoning the whole queue.
const queuedOperationSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "type", "priority", "retryCount", "maxRetries", "enqueuedAt"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"enum": ["save", "delete", "share", "version"]},
		"priority": {"enum": ["critical", "high", "normal", "low"]},
		"payload": {},
		"retryCount": {"type": "integer", "minimum": 0},
		"maxRetries": {"type": "integer", "minimum": 1},
		"nextRetryAt": {"type": "string"},
		"enqueuedAt": {"type": "string"}
	}
}`

var queueSchema = mustCompileQueueSchema()

func mustCompileQueueSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(queuedOperationSchema))
	if err != nil {
		panic(fmt.Sprintf("notesync: invalid queued operation schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("queued_operation.json", doc); err != nil {
		panic(fmt.Sprintf("notesync: invalid queued operation schema: %v", err))
	}
	return compiler.MustCompile("queued_operation.json")
}

type queueSnapshot struct {
	Operations []json.RawMessage `json:"operations"`
}

func encodeQueueSnapshot(ops []QueuedOperation) ([]byte, error) {
	snapshot := queueSnapshot{Operations: make([]json.RawMessage, 0, len(ops))}
	for _, op := range ops {
		raw, err := json.Marshal(op)
		if err != nil {
			return nil, err
		}
		snapshot.Operations = append(snapshot.Operations, raw)
	}
	return json.Marshal(snapshot)
}

// decodeQueueSnapshot restores persisted operations, validating each entry
// against the schema and skipping the ones that do not conform.
func decodeQueueSnapshot(data []byte) ([]QueuedOperation, error) {
	if len(data) == 0 {
		return []QueuedOperation{}, nil
	}
	var snapshot queueSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	ops := make([]QueuedOperation, 0, len(snapshot.Operations))
	for _, raw := range snapshot.Operations {
		op, err := decodeQueuedOperation(raw)
		if err != nil {
			log.Printf("notesync: skipping corrupt queued operation: %v", err)
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeQueuedOperation(raw []byte) (QueuedOperation, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return QueuedOperation{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	if err := queueSchema.Validate(inst); err != nil {
		return QueuedOperation{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	var op QueuedOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return QueuedOperation{}, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}
	return op, nil
}
