package observer

import (
	"path/filepath"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/mkrull/storekit/internal/dispatch"
	"github.com/mkrull/storekit/internal/store"
)

const entityCommit = "commit"

type fixture struct {
	store *store.Store
	loop  *dispatch.Loop
	ctx   *store.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	loop := dispatch.NewLoop("owner")
	t.Cleanup(loop.Stop)
	return &fixture{store: s, loop: loop, ctx: s.NewContext(loop)}
}

func commitsByDateDesc() *store.Query {
	return &store.Query{
		Entity: entityCommit,
		Sort:   []store.SortKey{{Field: "date", Desc: true}},
	}
}

// seed commits n records with dates 1..n through a background writer and
// returns their ids in insertion order.
func (f *fixture) seed(t *testing.T, dates ...float64) []store.RecordID {
	t.Helper()
	bg := f.store.NewBackgroundContext()
	defer bg.Close()

	var ids []store.RecordID
	var commitErr error
	bg.PerformSync(func() {
		for _, d := range dates {
			rec := bg.Insert(entityCommit, map[string]any{"sha": shaFor(d), "date": d})
			ids = append(ids, rec.ID)
		}
		commitErr = bg.Commit()
	})
	if commitErr != nil {
		t.Fatalf("seed commit: %v", commitErr)
	}
	return ids
}

func shaFor(d float64) string {
	return string(rune('a' + int(d)))
}

// backgroundDelete removes records by date through a background writer.
func (f *fixture) backgroundDelete(t *testing.T, date float64) {
	t.Helper()
	bg := f.store.NewBackgroundContext()
	defer bg.Close()

	var opErr error
	bg.PerformSync(func() {
		recs, err := bg.Execute(&store.Query{
			Entity: entityCommit,
			Filter: func(r *store.Record) bool { return r.Attr("date") == date },
		})
		if err != nil {
			opErr = err
			return
		}
		for _, rec := range recs {
			if err := bg.Delete(rec); err != nil {
				opErr = err
				return
			}
		}
		opErr = bg.Commit()
	})
	if opErr != nil {
		t.Fatalf("background delete: %v", opErr)
	}
}

func dates(recs []*store.Record) []float64 {
	out := make([]float64, len(recs))
	for i, rec := range recs {
		out[i], _ = rec.Attr("date").(float64)
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// recorder collects callback invocations. It must only be written on the
// owning loop; tests read it after draining the loop.
type recorder struct {
	fetched [][]int
	errs    []error
	updated [][]int
	deleted [][]int
}

func (r *recorder) attach(c *Controller) {
	c.FetchedFunc = func(indices []int, err error) {
		r.fetched = append(r.fetched, indices)
		r.errs = append(r.errs, err)
	}
	c.UpdatedFunc = func(indices []int) {
		r.updated = append(r.updated, indices)
	}
	c.DeletedFunc = func(indices []int) {
		r.deleted = append(r.deleted, indices)
	}
}

// Scenario A: fetch yields records in the query's sort order.
func TestPerformFetchSortOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)

	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()
	rec := &recorder{}
	rec.attach(c)

	if err := c.PerformFetch(); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if got := dates(c.Records()); !equalFloats(got, []float64{3, 2, 1}) {
		t.Errorf("expected snapshot [3 2 1], got %v", got)
	}
	f.loop.Drain()
	if len(rec.fetched) != 1 || !equalInts(rec.fetched[0], []int{0, 1, 2}) {
		t.Errorf("expected fetched callback with [0 1 2], got %v", rec.fetched)
	}
}

func TestSnapshotEmptyBeforeFetch(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)

	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()

	if n := c.Count(); n != 0 {
		t.Fatalf("snapshot must start empty, got %d records", n)
	}
}

// Scenario B: a background insert lands at its sort position and its new
// index is reported through the updated-class callback.
func TestBackgroundInsertReconciled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)

	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()
	rec := &recorder{}
	rec.attach(c)
	if err := c.PerformFetch(); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	f.seed(t, 4)
	f.loop.Drain()

	if got := dates(c.Records()); !equalFloats(got, []float64{4, 3, 2, 1}) {
		t.Errorf("expected snapshot [4 3 2 1], got %v", got)
	}
	if len(rec.updated) != 1 || !equalInts(rec.updated[0], []int{0}) {
		t.Errorf("expected updated callback with index {0}, got %v", rec.updated)
	}
	if len(rec.deleted) != 0 {
		t.Errorf("insert-only change set must not fire deleted, got %v", rec.deleted)
	}
}

// Scenario C: a background delete reports the pre-removal index.
func TestBackgroundDeleteReconciled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)

	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()
	rec := &recorder{}
	rec.attach(c)
	if err := c.PerformFetch(); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	f.backgroundDelete(t, 2) // index 1 of [3 2 1]
	f.loop.Drain()

	if got := dates(c.Records()); !equalFloats(got, []float64{3, 1}) {
		t.Errorf("expected snapshot [3 1], got %v", got)
	}
	if len(rec.deleted) != 1 || !equalInts(rec.deleted[0], []int{1}) {
		t.Errorf("expected deleted callback with pre-removal index {1}, got %v", rec.deleted)
	}
	if len(rec.updated) != 0 {
		t.Errorf("delete-only change set must not fire updated, got %v", rec.updated)
	}
}

func TestBackgroundUpdateRefreshesInPlace(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, 1, 2, 3)

	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()
	rec := &recorder{}
	rec.attach(c)
	if err := c.PerformFetch(); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	bg := f.store.NewBackgroundContext()
	defer bg.Close()
	var opErr error
	bg.PerformSync(func() {
		r, err := bg.Get(ids[0]) // date 1, snapshot index 2
		if err != nil {
			opErr = err
			return
		}
		r.Attrs["message"] = "amended"
		if err := bg.Update(r); err != nil {
			opErr = err
			return
		}
		opErr = bg.Commit()
	})
	if opErr != nil {
		t.Fatalf("background update: %v", opErr)
	}
	f.loop.Drain()

	if len(rec.updated) != 1 || !equalInts(rec.updated[0], []int{2}) {
		t.Errorf("expected updated callback with index {2}, got %v", rec.updated)
	}
	recs := c.Records()
	if recs[2].Attr("message") != "amended" {
		t.Errorf("expected in-place refresh, got %v", recs[2].Attr("message"))
	}
	if got := dates(recs); !equalFloats(got, []float64{3, 2, 1}) {
		t.Errorf("update must not reorder the snapshot, got %v", got)
	}
}

// Scenario D: a failed fetch leaves the snapshot untouched.
func TestFetchFailureLeavesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)

	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()
	if err := c.PerformFetch(); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	f.store.Close()
	err := c.PerformFetch()
	if !errdefs.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if got := dates(c.Records()); !equalFloats(got, []float64{3, 2, 1}) {
		t.Errorf("failed fetch must leave snapshot unchanged, got %v", got)
	}
}

func TestNoDuplicateIdentifiers(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)

	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()
	if err := c.PerformFetch(); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	// A second fetch and an overlapping insert notification must not
	// introduce duplicates.
	if err := c.PerformFetch(); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	f.seed(t, 4)
	f.loop.Drain()

	seen := map[store.RecordID]bool{}
	for _, r := range c.Records() {
		if seen[r.ID] {
			t.Fatalf("duplicate identifier %s in snapshot", r.ID)
		}
		seen[r.ID] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 tracked records, got %d", len(seen))
	}
}

func TestDeleteObjectsEmptiesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2, 3)

	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()
	rec := &recorder{}
	rec.attach(c)
	if err := c.PerformFetch(); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if err := c.DeleteObjects(); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.loop.Drain()

	if n := c.Count(); n != 0 {
		t.Errorf("expected empty snapshot after DeleteObjects, got %d", n)
	}
	if len(rec.deleted) != 1 || !equalInts(rec.deleted[0], []int{0, 1, 2}) {
		t.Errorf("expected deleted callback with the full original range, got %v", rec.deleted)
	}
	if recs := allCommitted(t, f); len(recs) != 0 {
		t.Errorf("expected store emptied, %d records remain", len(recs))
	}
}

func TestDeleteObjectsAsyncEmptiesSnapshot(t *testing.T) {
	f := newFixture(t)
	f.seed(t, 1, 2)

	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()
	rec := &recorder{}
	rec.attach(c)
	if err := c.PerformFetch(); err != nil {
		t.Fatalf("fetch: %v", err)
	}

	deleted := make(chan []int, 1)
	f.ctx.PerformSync(func() {
		c.DeletedFunc = func(indices []int) {
			rec.deleted = append(rec.deleted, indices)
			deleted <- indices
		}
	})

	c.DeleteObjectsAsync()

	indices := waitIndices(t, deleted)
	if !equalInts(indices, []int{0, 1}) {
		t.Errorf("expected full range {0 1}, got %v", indices)
	}
	if n := c.Count(); n != 0 {
		t.Errorf("expected empty snapshot, got %d", n)
	}
}

func TestDeleteObjectsEmptySnapshotPanics(t *testing.T) {
	f := newFixture(t)
	c := NewController(commitsByDateDesc(), f.ctx)
	defer c.Close()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for DeleteObjects with empty snapshot")
		}
	}()
	_ = c.DeleteObjects()
}

func TestConstructionContractViolations(t *testing.T) {
	f := newFixture(t)

	assertPanics := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s: expected panic", name)
			}
		}()
		fn()
	}

	assertPanics("nil query", func() { NewController(nil, f.ctx) })
	assertPanics("nil context", func() { NewController(commitsByDateDesc(), nil) })
	assertPanics("no records", func() { NewControllerForRecords(f.ctx) })

	bg := f.store.NewBackgroundContext()
	defer bg.Close()
	assertPanics("background context", func() { NewController(commitsByDateDesc(), bg) })
}

func TestControllerForRecordsRejectsForeignRecords(t *testing.T) {
	f := newFixture(t)
	ids := f.seed(t, 1)

	// Materialized by a different context than the controller's.
	other := f.store.NewBackgroundContext()
	defer other.Close()
	var foreign *store.Record
	other.PerformSync(func() {
		foreign, _ = other.Get(ids[0])
	})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for record from a foreign context")
		}
	}()
	NewControllerForRecords(f.ctx, foreign)
}

func allCommitted(t *testing.T, f *fixture) []*store.Record {
	t.Helper()
	bg := f.store.NewBackgroundContext()
	defer bg.Close()
	var recs []*store.Record
	var err error
	bg.PerformSync(func() {
		recs, err = bg.Execute(commitsByDateDesc())
	})
	if err != nil {
		t.Fatalf("query committed state: %v", err)
	}
	return recs
}
