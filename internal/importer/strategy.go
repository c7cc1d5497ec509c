// Package importer provides background import operations: units of work that
// map raw JSON payloads into persisted records on a background context and
// always finish with exactly one commit.
package importer

import (
	"encoding/json"

	"github.com/mkrull/storekit/internal/store"
)

// Strategy maps one raw payload shape into created/updated records within a
// mutation context. Implementations run synchronously on the context's loop
// and must not spawn goroutines.
//
// A strategy must be idempotent per logical entity: re-applying the same
// payload updates records matched by their natural identifier instead of
// duplicating them.
//
// There is deliberately no default implementation; an operation cannot be
// constructed without a concrete strategy.
type Strategy interface {
	Apply(raw json.RawMessage, ctx *store.Context) error
}
