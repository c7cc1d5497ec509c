package observer

import (
	"github.com/mkrull/storekit/internal/store"
)

// The notification bridge connects a controller to its store's commit stream.
//
// Notifications are emitted synchronously on the committing goroutine, so the
// subscription only enqueues: reconciliation always runs on the owning loop,
// and because each loop is FIFO, change sets from a single writer are
// reconciled in commit order and never interleave with an in-flight fetch or
// delete on the same controller.
//
// The subscription holds the controller only as a liveness-checked back
// reference: after Close, pending deliveries land as no-ops instead of
// requiring the controller to chase down every in-flight commit.
func (c *Controller) subscribeBridge() {
	c.unsubscribe = c.ctx.Store().Subscribe(func(n store.Notification) {
		if c.closed.Load() {
			return
		}
		c.loop.Async(func() {
			if c.closed.Load() {
				return
			}
			c.reconcile(n)
		})
	})
}
