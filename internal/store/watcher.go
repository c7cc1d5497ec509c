package store

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher listens for out-of-band changes to the data file and merges
// them into committed state, emitting a synthesized notification (Origin nil)
// with the resulting inserted/updated/deleted sets.
//
// It watches the parent directory (not the file) so atomic replace sequences
// (temp+rename) are still observed. Events are filtered by basename and
// debounced to avoid double reloads on write+chmod/rename cycles. The caller
// owns the provided context: cancel it to stop the goroutine and close the
// watcher cleanly.
func (s *Store) StartWatcher(ctx context.Context, debounce time.Duration) error {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch dir: %w", err)
	}

	go func() {
		defer watcher.Close()

		// Coalesce bursty fsnotify events into a single reload. If the
		// timer is stopped before it fires, the scheduled reload will
		// not run.
		var timer *time.Timer
		schedule := func() {
			if timer != nil {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
			}
			timer = time.AfterFunc(debounce, s.reloadFromDisk)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != s.base {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Chmod|fsnotify.Remove|fsnotify.Rename) != 0 {
					schedule()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.log.Errorf("watcher error: %v", err)
			}
		}
	}()

	return nil
}

// reloadFromDisk re-reads the data file, diffs it against committed state and
// applies the difference as one synthesized commit.
func (s *Store) reloadFromDisk() {
	doc, err := s.loadDocument()
	if err != nil {
		s.log.Errorf("watch reload failed: %v", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	// An older file on disk means our own commit is racing the editor;
	// committed memory wins and will be flushed by the next commit.
	if doc.Metadata.LastUpdate < s.lastUpdate {
		s.log.Debugf("disk version is not newer than memory: disk=%d memory=%d",
			doc.Metadata.LastUpdate, s.lastUpdate)
		return
	}

	n := Notification{Commit: newCommitID(), Origin: nil}
	onDisk := make(map[RecordID]*Record, len(doc.Records))
	for _, rec := range doc.Records {
		onDisk[rec.ID] = rec
		existing, ok := s.records[rec.ID]
		switch {
		case !ok:
			n.Inserted = append(n.Inserted, rec.ID)
		case !recordsEqual(existing, rec):
			n.Updated = append(n.Updated, rec.ID)
		}
	}
	for id := range s.records {
		if _, ok := onDisk[id]; !ok {
			n.Deleted = append(n.Deleted, id)
		}
	}

	if len(n.Inserted) == 0 && len(n.Updated) == 0 && len(n.Deleted) == 0 {
		return
	}

	s.records = onDisk
	s.lastUpdate = doc.Metadata.LastUpdate
	s.log.Infof("reloaded data file: %d inserted, %d updated, %d deleted",
		len(n.Inserted), len(n.Updated), len(n.Deleted))
	s.notifyLocked(n)
}
