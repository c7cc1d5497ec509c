// Package store implements the persistence engine the observation layer is
// built on: a JSON-file backed record table, unit-of-work contexts bound to
// dispatch loops, and commit notifications fanned out to subscribers.
package store

import (
	"bytes"
	"encoding/json"
)

// RecordID is a store-assigned primary key. Identity of a record is its ID,
// never pointer identity: the same logical record is materialized separately
// by every context that touches it.
type RecordID string

// Record is a persisted entity. A *Record returned by a context belongs to
// that context and must only be touched on the context's loop.
type Record struct {
	ID     RecordID       `json:"id" validate:"required"`
	Entity string         `json:"entity" validate:"required"`
	Attrs  map[string]any `json:"attrs"`
}

// Attr returns a single attribute value, or nil when absent.
func (r *Record) Attr(name string) any {
	if r == nil || r.Attrs == nil {
		return nil
	}
	return r.Attrs[name]
}

// cloneRecord deep-copies a record so committed state and per-context
// materializations never share attribute maps.
func cloneRecord(r *Record) *Record {
	if r == nil {
		return nil
	}
	return &Record{ID: r.ID, Entity: r.Entity, Attrs: cloneAttrs(r.Attrs)}
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		// Attribute values come from JSON or plain Go values; marshal
		// failure means a caller stored something unserializable.
		panic("store: unserializable record attributes: " + err.Error())
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		panic("store: clone attributes: " + err.Error())
	}
	return out
}

// recordsEqual compares two records by serialized content. JSON marshaling
// sorts map keys, so equal attribute maps produce equal bytes.
func recordsEqual(a, b *Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.Entity != b.Entity {
		return false
	}
	ab, err := json.Marshal(a.Attrs)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b.Attrs)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
