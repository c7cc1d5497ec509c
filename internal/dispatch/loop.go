// Package dispatch provides serial task loops. A Loop stands in for a
// queue-affine thread: tasks submitted to it run one at a time, in FIFO
// order, on a single goroutine. Store contexts and observation controllers
// confine their state to a Loop instead of using locks.
package dispatch

import (
	"sync"

	"github.com/mkrull/storekit/internal/logger"
)

// Loop is a serial executor backed by one goroutine.
// The zero value is not usable; create loops with NewLoop.
type Loop struct {
	name string

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	stopped bool

	gid uint64 // goroutine id of the runner, set before the first task runs
}

// NewLoop starts a loop goroutine and returns its handle.
// The name is used for logging only.
func NewLoop(name string) *Loop {
	l := &Loop{name: name}
	l.cond = sync.NewCond(&l.mu)

	started := make(chan struct{})
	go l.run(started)
	<-started

	return l
}

func (l *Loop) run(started chan<- struct{}) {
	l.mu.Lock()
	l.gid = goid()
	l.mu.Unlock()
	close(started)

	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.stopped {
			l.cond.Wait()
		}
		if len(l.queue) == 0 && l.stopped {
			l.mu.Unlock()
			return
		}
		task := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()

		task()
	}
}

// Name returns the loop's name.
func (l *Loop) Name() string {
	return l.name
}

// Current reports whether the calling goroutine is the loop's runner.
func (l *Loop) Current() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gid == goid()
}

// Async enqueues fn to run on the loop and returns immediately.
// Tasks submitted after Stop are dropped.
func (l *Loop) Async(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		logger.WithComponent("dispatch").Debugf("loop %q stopped, dropping task", l.name)
		return
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	l.mu.Unlock()
}

// Sync runs fn on the loop and waits for it to finish. When called from the
// loop's own goroutine, fn runs inline, so callbacks may call back into
// loop-bound operations without deadlocking.
// Calling Sync on a stopped loop is a programmer error and panics.
func (l *Loop) Sync(fn func()) {
	if l.Current() {
		fn()
		return
	}

	done := make(chan struct{})
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		panic("dispatch: Sync on stopped loop " + l.name)
	}
	l.queue = append(l.queue, func() {
		fn()
		close(done)
	})
	l.cond.Signal()
	l.mu.Unlock()

	<-done
}

// Stop drains the queue and terminates the runner goroutine.
// Already-queued tasks still run; new submissions are dropped.
// Stop is idempotent and must not be called from the loop itself.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.stopped = true
	l.cond.Broadcast()
	l.mu.Unlock()
}

// Drain waits until every task queued before the call has run.
func (l *Loop) Drain() {
	if l.Current() {
		return
	}
	l.Sync(func() {})
}
