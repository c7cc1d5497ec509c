package importer

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/sirupsen/logrus"

	"github.com/mkrull/storekit/internal/logger"
	"github.com/mkrull/storekit/internal/store"
)

// Operation is one background import: apply a strategy to a payload within a
// mutation context, then commit that context exactly once. A failed mapping
// does not abort the commit; whatever was validly staged is still persisted
// and the mapping error is both logged and returned.
type Operation struct {
	strategy Strategy
	payload  json.RawMessage
	ctx      *store.Context
	log      *logrus.Entry
}

// NewOperation builds an import operation targeting ctx. The context should
// be a background context dedicated to this operation.
func NewOperation(strategy Strategy, payload json.RawMessage, ctx *store.Context) (*Operation, error) {
	if strategy == nil {
		return nil, fmt.Errorf("strategy is required: %w", errdefs.ErrInvalidArgument)
	}
	if ctx == nil {
		return nil, fmt.Errorf("context is required: %w", errdefs.ErrInvalidArgument)
	}
	return &Operation{
		strategy: strategy,
		payload:  payload,
		ctx:      ctx,
		log:      logger.WithComponent("importer"),
	}, nil
}

// Run executes the operation on the target context's loop and blocks until
// the commit attempt finishes. The returned error joins the mapping error
// (partial failure) and the commit error, either of which may be nil.
func (o *Operation) Run() error {
	var applyErr, commitErr error
	o.ctx.PerformSync(func() {
		applyErr = o.strategy.Apply(o.payload, o.ctx)
		if applyErr != nil {
			o.log.Warnf("import mapping failed, committing staged records anyway: %v", applyErr)
		}
		commitErr = o.ctx.Commit()
		if commitErr != nil {
			o.log.Errorf("import commit failed: %v", commitErr)
		}
	})
	return errors.Join(applyErr, commitErr)
}

// RunAsync executes the operation on the target context's loop without
// blocking the caller. done, if non-nil, receives the Run error.
func (o *Operation) RunAsync(done func(error)) {
	o.ctx.Perform(func() {
		applyErr := o.strategy.Apply(o.payload, o.ctx)
		if applyErr != nil {
			o.log.Warnf("import mapping failed, committing staged records anyway: %v", applyErr)
		}
		commitErr := o.ctx.Commit()
		if commitErr != nil {
			o.log.Errorf("import commit failed: %v", commitErr)
		}
		if done != nil {
			done(errors.Join(applyErr, commitErr))
		}
	})
}
