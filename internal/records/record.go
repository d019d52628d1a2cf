// Package records defines the record shapes stored per collection.
//
// A Record is an opaque JSON object whose only required field is a string
// "id". Fields are kept as raw JSON so unknown fields survive a round trip
// through the durable store and the remote untouched.
package records

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingID is returned for records without a non-empty string id.
var ErrMissingID = errors.New("record has no id")

// Record is a single JSON object belonging to a collection.
type Record map[string]json.RawMessage

// NewRecord builds a Record from plain Go values.
func NewRecord(fields map[string]any) (Record, error) {
	rec := make(Record, len(fields))
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode field %q: %w", k, err)
		}
		rec[k] = raw
	}
	return rec, nil
}

// MustRecord is NewRecord for literals in tests and fixtures.
func MustRecord(fields map[string]any) Record {
	rec, err := NewRecord(fields)
	if err != nil {
		panic(err)
	}
	return rec
}

// ID returns the record id, or "" when absent or not a string.
func (r Record) ID() string { return r.String("id") }

// Get decodes one field into v. It reports false when the field is absent.
func (r Record) Get(field string, v any) (bool, error) {
	raw, ok := r[field]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// String returns a string field, or "" when absent or not a string.
func (r Record) String(field string) string {
	var s string
	if ok, err := r.Get(field, &s); !ok || err != nil {
		return ""
	}
	return s
}

// Set encodes v into field.
func (r Record) Set(field string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r[field] = raw
	return nil
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Records is the ordered snapshot of one collection.
type Records []Record

// IndexOf returns the position of the record with id, or -1.
func (rs Records) IndexOf(id string) int {
	for i, r := range rs {
		if r.ID() == id {
			return i
		}
	}
	return -1
}

// Find returns the record with id.
func (rs Records) Find(id string) (Record, bool) {
	if i := rs.IndexOf(id); i >= 0 {
		return rs[i], true
	}
	return nil, false
}

// Upsert replaces the record with the same id in place, or appends it.
// The receiver is not modified; existed reports whether it was a replace.
func (rs Records) Upsert(rec Record) (out Records, existed bool) {
	out = rs.Clone()
	if i := out.IndexOf(rec.ID()); i >= 0 {
		out[i] = rec.Clone()
		return out, true
	}
	return append(out, rec.Clone()), false
}

// Without returns a copy with the record id removed.
func (rs Records) Without(id string) (out Records, removed bool) {
	out = make(Records, 0, len(rs))
	for _, r := range rs {
		if r.ID() == id {
			removed = true
			continue
		}
		out = append(out, r.Clone())
	}
	return out, removed
}

// Clone returns a deep copy. A nil snapshot clones to an empty one.
func (rs Records) Clone() Records {
	out := make(Records, len(rs))
	for i, r := range rs {
		out[i] = r.Clone()
	}
	return out
}

// Equal reports whether two snapshots encode to the same JSON.
func Equal(a, b Records) bool {
	if len(a) != len(b) {
		return false
	}
	ab, err1 := json.Marshal(a)
	bb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ab, bb)
}
