package store

import (
	"slices"
	"sync"
)

// callbackList holds notification subscribers. It copies the slice on every
// mutation so get never races with add/remove while a notification is being
// delivered.
type callbackList struct {
	mu   sync.Mutex
	subs []*subscription
}

type subscription struct {
	fn NotifyFunc
}

func (l *callbackList) add(fn NotifyFunc) *subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	sub := &subscription{fn: fn}
	next := slices.Clone(l.subs)
	l.subs = append(next, sub)
	return sub
}

func (l *callbackList) remove(sub *subscription) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i := slices.Index(l.subs, sub)
	if i < 0 {
		return
	}
	next := slices.Clone(l.subs)
	l.subs = slices.Delete(next, i, i+1)
}

func (l *callbackList) get() []NotifyFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]NotifyFunc, len(l.subs))
	for i, sub := range l.subs {
		out[i] = sub.fn
	}
	return out
}
