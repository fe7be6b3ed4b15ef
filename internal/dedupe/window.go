// ABOUTME: Bounded, expiring set of recently seen keys
// ABOUTME: Backs OAuth2 state replay protection and once-per-window failure warnings

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key     string
	expires time.Time
}

// Window reports whether a key was already seen within ttl. It is safe for
// concurrent use.
type Window struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	index    map[string]*list.Element
	age      *list.List // front is the oldest mark
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWindow starts a window that remembers up to capacity keys for ttl each.
// A background sweep drops expired keys until Close is called.
func NewWindow(ttl time.Duration, capacity int) *Window {
	w := newWindow(ttl, capacity, time.Now)
	go w.sweepLoop(sweepInterval(ttl))
	return w
}

func newWindow(ttl time.Duration, capacity int, now func() time.Time) *Window {
	if capacity <= 0 {
		capacity = 1
	}
	return &Window{
		ttl:      ttl,
		capacity: capacity,
		index:    make(map[string]*list.Element),
		age:      list.New(),
		now:      now,
		stop:     make(chan struct{}),
	}
}

func sweepInterval(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return time.Minute
	case ttl < 4*time.Second:
		return time.Second
	case ttl > 4*time.Minute:
		return time.Minute
	default:
		return ttl / 4
	}
}

// Seen marks key and reports whether it was already marked and unexpired.
// A repeated key does not extend its original window.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.index[key]; ok {
		if now.Before(el.Value.(*entry).expires) {
			return true
		}
		w.remove(el)
	}

	for w.age.Len() >= w.capacity {
		w.remove(w.age.Front())
	}
	w.index[key] = w.age.PushBack(&entry{key: key, expires: now.Add(w.ttl)})
	return false
}

// Len returns the number of remembered keys, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.age.Len()
}

// sweep drops expired keys. Marks are ordered by time and share one ttl,
// so expiry order matches list order.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for el := w.age.Front(); el != nil; el = w.age.Front() {
		if now.Before(el.Value.(*entry).expires) {
			return
		}
		w.remove(el)
	}
}

func (w *Window) remove(el *list.Element) {
	w.age.Remove(el)
	delete(w.index, el.Value.(*entry).key)
}

func (w *Window) sweepLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			w.sweep()
		case <-w.stop:
			return
		}
	}
}

// Close stops the background sweep. It may be called more than once.
func (w *Window) Close() {
	w.stopOnce.Do(func() { close(w.stop) })
}
