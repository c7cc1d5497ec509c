package store

import (
	"fmt"
	"sort"
)

// SortKey orders records by one attribute.
type SortKey struct {
	Field string
	Desc  bool
}

// Query describes what a controller fetches: an entity kind, an optional
// filter predicate and a sort order. Queries are immutable by convention;
// build one and do not mutate it afterwards.
type Query struct {
	Entity string
	Filter func(*Record) bool
	Sort   []SortKey
}

// Matches reports whether a record satisfies the query's entity and filter.
func (q *Query) Matches(r *Record) bool {
	if r == nil || r.Entity != q.Entity {
		return false
	}
	if q.Filter != nil && !q.Filter(r) {
		return false
	}
	return true
}

// Less compares two records under the query's sort keys.
func (q *Query) Less(a, b *Record) bool {
	for _, key := range q.Sort {
		c := compareValues(a.Attr(key.Field), b.Attr(key.Field))
		if c == 0 {
			continue
		}
		if key.Desc {
			return c > 0
		}
		return c < 0
	}
	return false
}

// sortRecords orders records in place under the query's sort keys.
// The sort is stable so records equal under every key keep their
// relative order.
func (q *Query) sortRecords(recs []*Record) {
	if len(q.Sort) == 0 {
		return
	}
	sort.SliceStable(recs, func(i, j int) bool {
		return q.Less(recs[i], recs[j])
	})
}

// compareValues orders attribute values: nil first, then numbers, strings and
// bools by their natural order. Values decoded from JSON are float64, string
// or bool; numeric Go values written by strategies are normalized to float64.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}

	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}

	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
	}

	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			switch {
			case ab == bb:
				return 0
			case bb:
				return -1
			default:
				return 1
			}
		}
	}

	// Mixed types: fall back to the string rendering so the order is at
	// least total and deterministic.
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
