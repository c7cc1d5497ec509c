package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"

	"github.com/mkrull/storekit/internal/dispatch"
	"github.com/mkrull/storekit/internal/logger"
)

// Notification describes one committed change as three disjoint identifier
// sets. Origin is the committing context, or nil when the change was picked
// up from an out-of-band edit of the data file.
type Notification struct {
	Commit   string
	Inserted []RecordID
	Updated  []RecordID
	Deleted  []RecordID
	Origin   *Context
}

// NotifyFunc receives commit notifications. It is invoked synchronously on
// the committing goroutine, in commit order; implementations must return
// quickly and must not call back into the store.
type NotifyFunc func(Notification)

// document is the persisted JSON shape of the whole store.
type document struct {
	Metadata metadata  `json:"metadata"`
	Records  []*Record `json:"records" validate:"dive"`
}

type metadata struct {
	LastUpdate int64 `json:"lastUpdate"` // Unix timestamp in milliseconds
}

// Store is the shared persistence engine. Committed state lives in memory and
// is written to a single JSON file atomically on every commit. All access to
// committed state goes through contexts; the store itself is safe for use
// from any goroutine.
type Store struct {
	path     string
	dir      string
	base     string
	validate *validator.Validate
	log      *logrus.Entry

	mu         sync.Mutex
	records    map[RecordID]*Record
	lastUpdate int64
	closed     bool

	subs *callbackList
}

// Open loads the store from the given JSON file path. A missing file yields
// an empty store; the file is created on the first commit.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("data file path is required: %w", errdefs.ErrInvalidArgument)
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)

	s := &Store{
		path:     path,
		dir:      dir,
		base:     base,
		validate: validator.New(),
		log:      logger.WithComponent("store"),
		records:  map[RecordID]*Record{},
		subs:     &callbackList{},
	}

	doc, err := s.loadDocument()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.log.Infof("data file %s not found, starting empty", path)
			return s, nil
		}
		return nil, err
	}

	for _, rec := range doc.Records {
		s.records[rec.ID] = rec
	}
	s.lastUpdate = doc.Metadata.LastUpdate
	return s, nil
}

// Close marks the store unavailable. Later queries and commits fail; watcher
// reloads stop. Close does not wait for in-flight context work.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// NewContext derives a foreground unit-of-work context bound to the given
// loop. Observation controllers require their context to be built this way.
func (s *Store) NewContext(loop *dispatch.Loop) *Context {
	return newContext(s, loop, true, false)
}

// NewBackgroundContext derives a context with a private loop, for background
// writers such as import operations. Close the context to stop its loop.
func (s *Store) NewBackgroundContext() *Context {
	loop := dispatch.NewLoop("bg-context")
	return newContext(s, loop, false, true)
}

// Subscribe registers fn for commit notifications and returns its
// unsubscribe function.
func (s *Store) Subscribe(fn NotifyFunc) func() {
	sub := s.subs.add(fn)
	return func() { s.subs.remove(sub) }
}

// Path returns the data file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// committedClones returns clones of every committed record of one entity.
func (s *Store) committedClones(entity string) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("store is closed: %w", errdefs.ErrUnavailable)
	}
	var out []*Record
	for _, rec := range s.records {
		if rec.Entity == entity {
			out = append(out, cloneRecord(rec))
		}
	}
	return out, nil
}

// committed returns a clone of one committed record.
func (s *Store) committed(id RecordID) (*Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(rec), true
}

// applyCommit merges a context's pending changes into committed state,
// persists the file and notifies subscribers. The notification is emitted
// under the store lock so notifications observe commit order.
func (s *Store) applyCommit(origin *Context, inserted, updated map[RecordID]*Record, deleted map[RecordID]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("commit on closed store: %w", errdefs.ErrUnavailable)
	}

	n := Notification{Commit: newCommitID(), Origin: origin}

	for id, rec := range inserted {
		if _, exists := s.records[id]; exists {
			// A concurrent writer created the same identifier first;
			// the later commit degrades to an update.
			n.Updated = append(n.Updated, id)
		} else {
			n.Inserted = append(n.Inserted, id)
		}
		s.records[id] = cloneRecord(rec)
	}
	for id, rec := range updated {
		if _, exists := s.records[id]; !exists {
			// Updated record was deleted underneath us; recreate it.
			n.Inserted = append(n.Inserted, id)
		} else {
			n.Updated = append(n.Updated, id)
		}
		s.records[id] = cloneRecord(rec)
	}
	for id := range deleted {
		if _, exists := s.records[id]; !exists {
			continue
		}
		delete(s.records, id)
		n.Deleted = append(n.Deleted, id)
	}

	if len(n.Inserted) == 0 && len(n.Updated) == 0 && len(n.Deleted) == 0 {
		return nil
	}

	s.lastUpdate = time.Now().UnixMilli()
	if err := s.saveLocked(); err != nil {
		// Memory state has advanced; surface the durability failure to
		// the committer but still notify observers of the change.
		s.log.Errorf("persist after commit failed: %v", err)
		s.notifyLocked(n)
		return err
	}

	s.notifyLocked(n)
	return nil
}

func (s *Store) notifyLocked(n Notification) {
	for _, fn := range s.subs.get() {
		fn(n)
	}
}

// loadDocument reads, parses and validates the data file.
func (s *Store) loadDocument() (*document, error) {
	file, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer file.Close()

	var doc document
	if err := json.NewDecoder(file).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode data file: %w", err)
	}

	if err := s.validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("validate data file: %w", err)
	}

	return &doc, nil
}

// saveLocked writes committed state atomically (temp file + rename).
// Caller must hold s.mu.
func (s *Store) saveLocked() error {
	doc := document{Metadata: metadata{LastUpdate: s.lastUpdate}}
	doc.Records = make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		doc.Records = append(doc.Records, rec)
	}

	payload, err := json.MarshalIndent(&doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal data: %w", err)
	}

	tmpFile, err := os.CreateTemp(s.dir, s.base+".tmp-")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
	}()

	if _, err := tmpFile.Write(payload); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), s.path); err != nil {
		return fmt.Errorf("replace data file: %w", err)
	}
	return nil
}

func newCommitID() string {
	// ulids from one process are time-ordered, which matches the
	// commit-order delivery guarantee for a single writer.
	return ulid.Make().String()
}
