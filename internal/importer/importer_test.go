package importer

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkrull/storekit/internal/dispatch"
	"github.com/mkrull/storekit/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "data.json"))
	require.NoError(t, err)
	return s
}

func allCommits(t *testing.T, s *store.Store) []*store.Record {
	t.Helper()
	loop := dispatch.NewLoop("test-read")
	defer loop.Stop()
	ctx := s.NewContext(loop)

	var recs []*store.Record
	var err error
	ctx.PerformSync(func() {
		recs, err = ctx.Execute(&store.Query{
			Entity: EntityCommit,
			Sort:   []store.SortKey{{Field: AttrDate, Desc: true}},
		})
	})
	require.NoError(t, err)
	return recs
}

func commitJSON(t *testing.T, payloads []map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(payloads)
	require.NoError(t, err)
	return raw
}

func validPayloads() []map[string]any {
	return []map[string]any{
		{"sha": "aaa111", "message": "first", "author": "ada", "date": "2026-01-01T00:00:00Z"},
		{"sha": "bbb222", "message": "second", "author": "grace", "date": "2026-01-02T00:00:00Z"},
		{"sha": "ccc333", "message": "third", "author": "ada", "date": "2026-01-03T00:00:00Z"},
	}
}

func runImport(t *testing.T, s *store.Store, raw json.RawMessage) error {
	t.Helper()
	ctx := s.NewBackgroundContext()
	defer ctx.Close()
	op, err := NewOperation(NewCommitStrategy(), raw, ctx)
	require.NoError(t, err)
	return op.Run()
}

func TestImportCreatesRecords(t *testing.T) {
	s := newTestStore(t)

	err := runImport(t, s, commitJSON(t, validPayloads()))
	require.NoError(t, err)

	recs := allCommits(t, s)
	require.Len(t, recs, 3)
	assert.Equal(t, "ccc333", recs[0].Attr(AttrSHA), "newest commit sorts first")
	assert.Equal(t, "ada", recs[0].Attr(AttrAuthor))
	assert.Equal(t, "third", recs[0].Attr(AttrMessage))
}

func TestImportIsIdempotent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, runImport(t, s, commitJSON(t, validPayloads())))
	require.NoError(t, runImport(t, s, commitJSON(t, validPayloads())))

	recs := allCommits(t, s)
	assert.Len(t, recs, 3, "re-importing the same payload must not duplicate records")
}

func TestReimportUpdatesBySHA(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, runImport(t, s, commitJSON(t, validPayloads())))

	amended := validPayloads()
	amended[0]["message"] = "first (amended)"
	require.NoError(t, runImport(t, s, commitJSON(t, amended)))

	recs := allCommits(t, s)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		if rec.Attr(AttrSHA) == "aaa111" {
			assert.Equal(t, "first (amended)", rec.Attr(AttrMessage))
		}
	}
}

func TestPartialFailureCommitsValidEntries(t *testing.T) {
	s := newTestStore(t)

	var inserted int
	defer s.Subscribe(func(n store.Notification) { inserted = len(n.Inserted) })()

	payloads := validPayloads()
	payloads[1]["author"] = "" // fails validation
	err := runImport(t, s, commitJSON(t, payloads))

	require.Error(t, err, "mapping failure must be surfaced to the caller")
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.Equal(t, 2, inserted, "commit notification must carry exactly the valid entries")
	assert.Len(t, allCommits(t, s), 2)
}

func TestMalformedPayloadCommitsNothing(t *testing.T) {
	s := newTestStore(t)

	notified := false
	defer s.Subscribe(func(store.Notification) { notified = true })()

	err := runImport(t, s, json.RawMessage(`{"not":"an array"`))
	require.Error(t, err)
	assert.False(t, notified, "empty commit after total mapping failure must not notify")
	assert.Empty(t, allCommits(t, s))
}

func TestImportCommitsEvenWhenMappingPartiallyFails(t *testing.T) {
	s := newTestStore(t)

	commits := 0
	defer s.Subscribe(func(store.Notification) { commits++ })()

	payloads := validPayloads()
	payloads[2]["date"] = nil
	_ = runImport(t, s, commitJSON(t, payloads))

	assert.Equal(t, 1, commits, "exactly one commit per operation run")
}

func TestNewOperationValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := s.NewBackgroundContext()
	defer ctx.Close()

	_, err := NewOperation(nil, nil, ctx)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = NewOperation(NewCommitStrategy(), nil, nil)
	assert.True(t, errdefs.IsInvalidArgument(err))
}

func TestRunAsync(t *testing.T) {
	s := newTestStore(t)
	ctx := s.NewBackgroundContext()
	defer ctx.Close()

	op, err := NewOperation(NewCommitStrategy(), commitJSON(t, validPayloads()), ctx)
	require.NoError(t, err)

	done := make(chan error, 1)
	op.RunAsync(func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for async import")
	}
	assert.Len(t, allCommits(t, s), 3)
}

// loopCheckStrategy records whether Apply ran on the context's own loop.
type loopCheckStrategy struct {
	onLoop bool
}

func (f *loopCheckStrategy) Apply(_ json.RawMessage, ctx *store.Context) error {
	f.onLoop = ctx.Loop().Current()
	return nil
}

func TestStrategyRunsOnContextLoop(t *testing.T) {
	s := newTestStore(t)
	ctx := s.NewBackgroundContext()
	defer ctx.Close()

	strat := &loopCheckStrategy{}
	op, err := NewOperation(strat, nil, ctx)
	require.NoError(t, err)
	require.NoError(t, op.Run())

	assert.True(t, strat.onLoop, "strategy must run on the target context's loop")
}
