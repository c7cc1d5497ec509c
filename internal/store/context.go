package store

import (
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"

	"github.com/mkrull/storekit/internal/dispatch"
)

// Context is a unit of work over the store, bound to one dispatch loop. Every
// operation on a context must run on that loop; Perform and PerformSync
// marshal work onto it. Records materialized by a context belong to it and
// are confined to the same loop.
//
// Pending changes (inserts, updates, deletes) are invisible to other contexts
// until Commit.
type Context struct {
	store      *Store
	loop       *dispatch.Loop
	foreground bool
	ownsLoop   bool

	// Loop-confined state below.
	objects  map[RecordID]*Record
	inserted map[RecordID]*Record
	updated  map[RecordID]*Record
	deleted  map[RecordID]struct{}
}

func newContext(s *Store, loop *dispatch.Loop, foreground, ownsLoop bool) *Context {
	return &Context{
		store:      s,
		loop:       loop,
		foreground: foreground,
		ownsLoop:   ownsLoop,
		objects:    map[RecordID]*Record{},
		inserted:   map[RecordID]*Record{},
		updated:    map[RecordID]*Record{},
		deleted:    map[RecordID]struct{}{},
	}
}

// Store returns the store the context was derived from.
func (c *Context) Store() *Store { return c.store }

// Loop returns the loop the context is bound to.
func (c *Context) Loop() *dispatch.Loop { return c.loop }

// Foreground reports whether the context was created on a caller-owned loop
// via NewContext. Controllers only accept foreground contexts.
func (c *Context) Foreground() bool { return c.foreground }

// Perform queues fn on the context's loop and returns immediately.
func (c *Context) Perform(fn func()) { c.loop.Async(fn) }

// PerformSync runs fn on the context's loop and waits for it.
func (c *Context) PerformSync(fn func()) { c.loop.Sync(fn) }

// Close stops the context's private loop. It only applies to background
// contexts; closing a foreground context is a no-op since the caller owns
// the loop.
func (c *Context) Close() {
	if c.ownsLoop {
		c.loop.Stop()
	}
}

// ensureLoop asserts the caller is on the context's loop. Off-loop use of a
// context is a contract violation, not a recoverable error.
func (c *Context) ensureLoop() {
	if !c.loop.Current() {
		panic("store: context used off its loop " + c.loop.Name())
	}
}

// Owns reports whether rec is materialized by this context.
func (c *Context) Owns(rec *Record) bool {
	c.ensureLoop()
	if rec == nil {
		return false
	}
	return c.objects[rec.ID] == rec
}

// Insert stages a new record of the given entity with a fresh store-assigned
// identifier and returns the context-owned handle.
func (c *Context) Insert(entity string, attrs map[string]any) *Record {
	c.ensureLoop()
	rec := &Record{
		ID:     RecordID(uuid.NewString()),
		Entity: entity,
		Attrs:  cloneAttrs(attrs),
	}
	c.objects[rec.ID] = rec
	c.inserted[rec.ID] = rec
	return rec
}

// Update stages rec's current attributes for the next commit. rec must be
// owned by this context.
func (c *Context) Update(rec *Record) error {
	c.ensureLoop()
	if rec == nil {
		return fmt.Errorf("record is required: %w", errdefs.ErrInvalidArgument)
	}
	if !c.Owns(rec) {
		return fmt.Errorf("record %s is not materialized by this context: %w", rec.ID, errdefs.ErrInvalidArgument)
	}
	if _, pending := c.inserted[rec.ID]; pending {
		return nil // still a pending insert, latest attrs commit anyway
	}
	c.updated[rec.ID] = rec
	return nil
}

// Delete stages rec for deletion on the next commit. rec must be owned by
// this context.
func (c *Context) Delete(rec *Record) error {
	c.ensureLoop()
	if rec == nil {
		return fmt.Errorf("record is required: %w", errdefs.ErrInvalidArgument)
	}
	if !c.Owns(rec) {
		return fmt.Errorf("record %s is not materialized by this context: %w", rec.ID, errdefs.ErrInvalidArgument)
	}
	if _, pending := c.inserted[rec.ID]; pending {
		// Never committed; dropping the pending insert is enough.
		delete(c.inserted, rec.ID)
		delete(c.objects, rec.ID)
		return nil
	}
	delete(c.updated, rec.ID)
	c.deleted[rec.ID] = struct{}{}
	delete(c.objects, rec.ID)
	return nil
}

// Execute runs a query against committed state merged with this context's
// pending changes. Results are context-owned records in the query's sort
// order.
func (c *Context) Execute(q *Query) ([]*Record, error) {
	c.ensureLoop()
	if q == nil {
		return nil, fmt.Errorf("query is required: %w", errdefs.ErrInvalidArgument)
	}
	if q.Entity == "" {
		return nil, fmt.Errorf("query entity is required: %w", errdefs.ErrInvalidArgument)
	}

	committed, err := c.store.committedClones(q.Entity)
	if err != nil {
		return nil, err
	}

	var out []*Record
	for _, rec := range committed {
		if _, gone := c.deleted[rec.ID]; gone {
			continue
		}
		// Prefer the context's own materialization so local changes are
		// visible through the query.
		if own, ok := c.objects[rec.ID]; ok {
			rec = own
		} else {
			c.objects[rec.ID] = rec
		}
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}
	for _, rec := range c.inserted {
		if q.Matches(rec) {
			out = append(out, rec)
		}
	}

	q.sortRecords(out)
	return out, nil
}

// Get materializes one record by identifier.
func (c *Context) Get(id RecordID) (*Record, error) {
	c.ensureLoop()
	if _, gone := c.deleted[id]; gone {
		return nil, fmt.Errorf("record %s deleted in this context: %w", id, errdefs.ErrNotFound)
	}
	if rec, ok := c.objects[id]; ok {
		return rec, nil
	}
	if c.store.isClosed() {
		return nil, fmt.Errorf("store is closed: %w", errdefs.ErrUnavailable)
	}
	rec, ok := c.store.committed(id)
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, errdefs.ErrNotFound)
	}
	c.objects[id] = rec
	return rec, nil
}

// Refresh replaces rec's attributes with the latest committed state, in
// place, so holders of the pointer observe the new values.
func (c *Context) Refresh(rec *Record) error {
	c.ensureLoop()
	if rec == nil {
		return fmt.Errorf("record is required: %w", errdefs.ErrInvalidArgument)
	}
	if !c.Owns(rec) {
		return fmt.Errorf("record %s is not materialized by this context: %w", rec.ID, errdefs.ErrInvalidArgument)
	}
	committed, ok := c.store.committed(rec.ID)
	if !ok {
		return fmt.Errorf("record %s: %w", rec.ID, errdefs.ErrNotFound)
	}
	rec.Attrs = committed.Attrs
	return nil
}

// Commit merges pending changes into the store, persists the data file and
// notifies subscribers. A commit with no pending changes succeeds without
// emitting a notification. On success pending state is cleared; on failure
// it is kept so the commit can be retried.
func (c *Context) Commit() error {
	c.ensureLoop()

	if err := c.store.applyCommit(c, c.inserted, c.updated, c.deleted); err != nil {
		return err
	}

	c.inserted = map[RecordID]*Record{}
	c.updated = map[RecordID]*Record{}
	c.deleted = map[RecordID]struct{}{}
	return nil
}
