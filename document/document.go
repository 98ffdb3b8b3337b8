package document

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cellarsync/cellarsync/crdt"
	"github.com/vmihailenco/msgpack/v5"
)

// TypeCounter tags a field as a PN-Counter. Any other tag (including none)
// is treated as a plain field and carried opaquely.
const TypeCounter = "pncounter"

var (
	ErrEmptyDocument = errors.New("document: empty document data")
	ErrUnmarshall    = errors.New("document: failed to decode document")
	ErrEncodingFail  = errors.New("document: document encoding failed")
)

type (
	// Fields holds the top-level fields of one document. This package never
	// mutates a Fields value it is handed; Apply* operations return copies.
	Fields map[string]Field

	// Field is a tagged variant: a PN-Counter when Type is TypeCounter,
	// otherwise a plain value. The counter's Count is a cache over the tally
	// maps and is recomputed on every mutation and merge.
	Field struct {
		Type     string        `msgpack:"t,omitempty"`
		Value    any           `msgpack:"v,omitempty"`
		Positive crdt.TallyMap `msgpack:"inc,omitempty"`
		Negative crdt.TallyMap `msgpack:"dec,omitempty"`
		Count    int64         `msgpack:"val,omitempty"`
	}
)

// PlainField wraps an opaque value in a plain field.
func PlainField(value any) Field {
	return Field{Value: value}
}

// CounterField builds a counter-tagged field from a counter value,
// recomputing the cached count.
func CounterField(c crdt.Counter) Field {
	return Field{
		Type:     TypeCounter,
		Positive: c.Positive,
		Negative: c.Negative,
		Count:    c.Value(),
	}
}

// IsCounter reports whether the field carries the PN-Counter tag.
func (f Field) IsCounter() bool {
	return f.Type == TypeCounter
}

// Counter extracts the counter value from a field. Missing tally maps are
// treated as empty rather than an error, so a structurally malformed counter
// degrades to a zero counter instead of stalling a merge.
func (f Field) Counter() crdt.Counter {
	return crdt.Counter{
		Positive: f.Positive.Clone(),
		Negative: f.Negative.Clone(),
	}
}

// Clone returns an independent shallow copy of the fields. Counter tallies
// are deep-copied; plain values are shared since this package never mutates
// them.
func (f Fields) Clone() Fields {
	cloned := make(Fields, len(f))
	for key, field := range f {
		if field.IsCounter() {
			field.Positive = field.Positive.Clone()
			field.Negative = field.Negative.Clone()
		}
		cloned[key] = field
	}
	return cloned
}

// ReadCounter returns the value of the counter at key, or 0 when the field
// is absent, not counter-tagged, or malformed. The value is recomputed from
// the tallies rather than read from the Count cache: a malformed field could
// carry a count its tallies don't support, and the tallies are the source of
// truth. Never fails; absence is a valid zero state.
func ReadCounter(fields Fields, key string) int64 {
	field, ok := fields[key]
	if !ok || !field.IsCounter() {
		return 0
	}
	return crdt.Counter{Positive: field.Positive, Negative: field.Negative}.Value()
}

// ApplyIncrement returns a copy of fields with amount added to the actor's
// positive tally under key, creating the counter field if absent. The cached
// count is recomputed.
func ApplyIncrement(fields Fields, key, actor string, amount uint64) Fields {
	updated := fields.Clone()
	updated[key] = CounterField(updated[key].Counter().Increment(actor, amount))
	return updated
}

// ApplyDecrement is the symmetric operation on the negative tally. The
// tallies stay unclamped; only the cached count clamps at zero.
func ApplyDecrement(fields Fields, key, actor string, amount uint64) Fields {
	updated := fields.Clone()
	updated[key] = CounterField(updated[key].Counter().Decrement(actor, amount))
	return updated
}

// Encode serializes fields with msgpack. Map keys are sorted so equal fields
// always encode to the same bytes; revision hashes and replication digests
// rely on that determinism to recognize converged replicas.
func Encode(fields Fields) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	if err := enc.Encode(fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFail, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a msgpack payload into fields.
func Decode(data []byte) (Fields, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDocument
	}

	var fields Fields
	if err := msgpack.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnmarshall, err)
	}
	return fields, nil
}
