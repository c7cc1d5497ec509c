// Package observer provides observation controllers: live, ordered views of
// persisted records that follow commits from any context and report changes
// back on an owning dispatch loop.
package observer

import (
	"sort"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/mkrull/storekit/internal/dispatch"
	"github.com/mkrull/storekit/internal/logger"
	"github.com/mkrull/storekit/internal/store"
)

// FetchDelegate is notified when a fetch completes, with the indices of the
// fetched records (the whole snapshot) and any error.
type FetchDelegate interface {
	RecordsFetched(c *Controller, indices []int, err error)
}

// UpdateDelegate is notified when tracked records are updated or when new
// records matching the query are merged in. Indices are positions in the
// post-reconciliation snapshot.
type UpdateDelegate interface {
	RecordsUpdated(c *Controller, indices []int)
}

// DeleteDelegate is notified when tracked records are deleted. Indices are
// the records' positions before removal.
type DeleteDelegate interface {
	RecordsDeleted(c *Controller, indices []int)
}

// Controller tracks an ordered snapshot of records matching either a query
// or an explicit record list, and reconciles it against commit notifications
// from any context. The snapshot, the delegate and the callback funcs are
// confined to the owning loop: every callback fires there, and the fields
// must only be set from there (or before the first fetch).
//
// A controller does not own its store or context; Close only detaches it.
type Controller struct {
	query *store.Query
	ctx   *store.Context
	loop  *dispatch.Loop
	log   *logrus.Entry

	// Delegate receives the optional FetchDelegate / UpdateDelegate /
	// DeleteDelegate methods. It is notified before the func-style
	// callbacks below when both are set.
	Delegate any

	FetchedFunc func(indices []int, err error)
	UpdatedFunc func(indices []int)
	DeletedFunc func(indices []int)

	snapshot []*store.Record

	closed      atomic.Bool
	unsubscribe func()
}

// NewController builds a query-backed controller. The snapshot starts empty;
// nothing is fetched until PerformFetch or PerformFetchAsync.
// The context must be a foreground context; violating that, or passing a nil
// query or context, is a programmer error and panics.
func NewController(query *store.Query, ctx *store.Context) *Controller {
	if query == nil {
		panic("observer: query is required")
	}
	c := newController(query, ctx)
	c.subscribeBridge()
	return c
}

// NewControllerForRecords builds a controller seeded with already-fetched
// records, in the given order. Fetch operations become no-ops; the controller
// only reacts to updates and deletions of the seeded records. Every record
// must be materialized by ctx; duplicates (same identifier) are collapsed to
// their first occurrence.
func NewControllerForRecords(ctx *store.Context, recs ...*store.Record) *Controller {
	if len(recs) == 0 {
		panic("observer: at least one record is required")
	}
	c := newController(nil, ctx)

	foreign := false
	c.ctx.PerformSync(func() {
		seen := map[store.RecordID]struct{}{}
		for _, rec := range recs {
			if !ctx.Owns(rec) {
				foreign = true
				return
			}
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			c.snapshot = append(c.snapshot, rec)
		}
	})
	if foreign {
		panic("observer: record not materialized by the controller's context")
	}

	c.subscribeBridge()
	return c
}

func newController(query *store.Query, ctx *store.Context) *Controller {
	if ctx == nil {
		panic("observer: context is required")
	}
	if !ctx.Foreground() {
		panic("observer: controller context must be a foreground context")
	}
	return &Controller{
		query: query,
		ctx:   ctx,
		loop:  ctx.Loop(),
		log:   logger.WithComponent("observer"),
	}
}

// Close detaches the controller from the notification stream. In-flight
// asynchronous work becomes a no-op when it lands. Close is idempotent.
func (c *Controller) Close() {
	if c.closed.Swap(true) {
		return
	}
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
}

// Context returns the controller's bound context.
func (c *Controller) Context() *store.Context { return c.ctx }

// Query returns the controller's query, or nil for explicit-record
// controllers.
func (c *Controller) Query() *store.Query { return c.query }

// Records returns a copy of the current snapshot, in snapshot order.
func (c *Controller) Records() []*store.Record {
	var out []*store.Record
	c.ctx.PerformSync(func() {
		out = append(out, c.snapshot...)
	})
	return out
}

// Count returns the number of tracked records.
func (c *Controller) Count() int {
	n := 0
	c.ctx.PerformSync(func() {
		n = len(c.snapshot)
	})
	return n
}

// PerformFetch executes the query on the owning loop and blocks the caller
// until it finishes. On success the snapshot is replaced by the results in
// query order and the fetched callbacks fire with the full index range. On
// failure the snapshot is left untouched and the error returned; the
// controller stays usable for a retry.
//
// For explicit-record controllers this is a no-op returning nil.
func (c *Controller) PerformFetch() error {
	if c.query == nil || c.closed.Load() {
		return nil
	}

	var err error
	c.ctx.PerformSync(func() {
		var recs []*store.Record
		recs, err = c.ctx.Execute(c.query)
		if err != nil {
			return
		}
		c.snapshot = recs
		c.notifyFetched(fullRange(len(recs)), nil)
	})
	return err
}

// PerformFetchAsync executes the query on a background context derived from
// the controller's store, then marshals the result back to the owning loop
// where the snapshot is replaced and the fetched callbacks fire with the full
// index range, or with the query error. The owning loop is never blocked.
//
// For explicit-record controllers the fetched callbacks still fire, with an
// empty index set and nil error, so callers can always treat the callback as
// the completion signal.
func (c *Controller) PerformFetchAsync() {
	if c.closed.Load() {
		return
	}

	if c.query == nil {
		c.loop.Async(func() {
			if c.closed.Load() {
				return
			}
			c.notifyFetched([]int{}, nil)
		})
		return
	}

	bg := c.ctx.Store().NewBackgroundContext()
	bg.Perform(func() {
		defer bg.Close()

		recs, err := bg.Execute(c.query)
		ids := make([]store.RecordID, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ID
		}

		c.loop.Async(func() {
			if c.closed.Load() {
				return
			}
			if err != nil {
				c.notifyFetched(nil, err)
				return
			}
			snap := make([]*store.Record, 0, len(ids))
			for _, id := range ids {
				rec, gerr := c.ctx.Get(id)
				if gerr != nil {
					// Deleted between the background fetch and now;
					// a deletion notification is already queued.
					continue
				}
				snap = append(snap, rec)
			}
			c.snapshot = snap
			c.notifyFetched(fullRange(len(snap)), nil)
		})
	})
}

// DeleteObjects deletes every tracked record from the bound context and
// commits, blocking the caller. The snapshot is emptied and the deleted
// callbacks fire through the resulting notification on the owning loop.
// Calling DeleteObjects with an empty snapshot is a programmer error and
// panics.
func (c *Controller) DeleteObjects() error {
	ids := c.snapshotIDs()
	if len(ids) == 0 {
		panic("observer: DeleteObjects with empty snapshot")
	}

	var err error
	c.ctx.PerformSync(func() {
		for _, rec := range c.snapshot {
			if derr := c.ctx.Delete(rec); derr != nil {
				err = derr
				return
			}
		}
		err = c.ctx.Commit()
	})
	return err
}

// DeleteObjectsAsync deletes every tracked record on a background context.
// Completion is observable through the deleted callbacks; a commit failure is
// logged, mirroring the async fetch contract which has no error channel for
// deletions. Panics when the snapshot is empty.
func (c *Controller) DeleteObjectsAsync() {
	ids := c.snapshotIDs()
	if len(ids) == 0 {
		panic("observer: DeleteObjectsAsync with empty snapshot")
	}

	bg := c.ctx.Store().NewBackgroundContext()
	bg.Perform(func() {
		defer bg.Close()
		for _, id := range ids {
			rec, err := bg.Get(id)
			if err != nil {
				c.log.Debugf("async delete: record %s already gone: %v", id, err)
				continue
			}
			if err := bg.Delete(rec); err != nil {
				c.log.Warnf("async delete: %v", err)
			}
		}
		if err := bg.Commit(); err != nil {
			c.log.Errorf("async delete commit failed: %v", err)
		}
	})
}

func (c *Controller) snapshotIDs() []store.RecordID {
	var ids []store.RecordID
	c.ctx.PerformSync(func() {
		ids = make([]store.RecordID, len(c.snapshot))
		for i, rec := range c.snapshot {
			ids[i] = rec.ID
		}
	})
	return ids
}

// reconcile applies one change set to the snapshot, on the owning loop. The
// phase order delete, update, insert is fixed: deletions are indexed against
// the pre-removal snapshot, and later phases against the post-removal one, so
// reordering the phases would corrupt the reported indices.
func (c *Controller) reconcile(n store.Notification) {
	// Phase 1: deletions. Indices are computed before removal.
	if len(n.Deleted) > 0 {
		gone := make(map[store.RecordID]struct{}, len(n.Deleted))
		for _, id := range n.Deleted {
			gone[id] = struct{}{}
		}
		var indices []int
		kept := c.snapshot[:0:0]
		for i, rec := range c.snapshot {
			if _, hit := gone[rec.ID]; hit {
				indices = append(indices, i)
			} else {
				kept = append(kept, rec)
			}
		}
		if len(indices) > 0 {
			c.snapshot = kept
			c.notifyDeleted(indices)
		}
	}

	// Phase 2: updates of tracked records. Positions are unchanged; the
	// materialized records are refreshed in place.
	if len(n.Updated) > 0 {
		pos := make(map[store.RecordID]int, len(c.snapshot))
		for i, rec := range c.snapshot {
			pos[rec.ID] = i
		}
		var indices []int
		for _, id := range n.Updated {
			i, tracked := pos[id]
			if !tracked {
				continue
			}
			if err := c.ctx.Refresh(c.snapshot[i]); err != nil {
				c.log.Debugf("refresh %s during reconcile: %v", id, err)
				continue
			}
			indices = append(indices, i)
		}
		if len(indices) > 0 {
			sort.Ints(indices)
			c.notifyUpdated(indices)
		}
	}

	// Phase 3: inserts matching the query. Explicit-record controllers
	// never grow. The snapshot is re-sorted under the query's sort keys so
	// its order invariant holds; new positions are reported through the
	// updated-class callbacks.
	if c.query != nil && len(n.Inserted) > 0 {
		present := make(map[store.RecordID]struct{}, len(c.snapshot))
		for _, rec := range c.snapshot {
			present[rec.ID] = struct{}{}
		}
		added := map[store.RecordID]struct{}{}
		for _, id := range n.Inserted {
			if _, dup := present[id]; dup {
				continue
			}
			rec, err := c.ctx.Get(id)
			if err != nil {
				c.log.Debugf("materialize %s during reconcile: %v", id, err)
				continue
			}
			if !c.query.Matches(rec) {
				continue
			}
			c.snapshot = append(c.snapshot, rec)
			added[id] = struct{}{}
		}
		if len(added) > 0 {
			sort.SliceStable(c.snapshot, func(i, j int) bool {
				return c.query.Less(c.snapshot[i], c.snapshot[j])
			})
			var indices []int
			for i, rec := range c.snapshot {
				if _, hit := added[rec.ID]; hit {
					indices = append(indices, i)
				}
			}
			c.notifyUpdated(indices)
		}
	}
}

// Callback dispatch. Delegate first, then the func callback; both fire when
// both are set. Nothing fires after Close.

func (c *Controller) notifyFetched(indices []int, err error) {
	if c.closed.Load() {
		return
	}
	if d, ok := c.Delegate.(FetchDelegate); ok {
		d.RecordsFetched(c, indices, err)
	}
	if c.FetchedFunc != nil {
		c.FetchedFunc(indices, err)
	}
}

func (c *Controller) notifyUpdated(indices []int) {
	if c.closed.Load() {
		return
	}
	if d, ok := c.Delegate.(UpdateDelegate); ok {
		d.RecordsUpdated(c, indices)
	}
	if c.UpdatedFunc != nil {
		c.UpdatedFunc(indices)
	}
}

func (c *Controller) notifyDeleted(indices []int) {
	if c.closed.Load() {
		return
	}
	if d, ok := c.Delegate.(DeleteDelegate); ok {
		d.RecordsDeleted(c, indices)
	}
	if c.DeletedFunc != nil {
		c.DeletedFunc(indices)
	}
}

func fullRange(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}
