// ABOUTME: Bounded TTL window of recently seen keys, used to drop repeated stream-end frames
// ABOUTME: Oldest keys are evicted first; a background sweep removes expired keys

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key    string
	seenAt time.Time
}

// Window remembers keys for a TTL, up to a maximum count. Once full, the
// oldest key is evicted to make room.
type Window struct {
	mu      sync.Mutex
	index   map[string]*list.Element
	order   *list.List // oldest at front
	ttl     time.Duration
	maxKeys int
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewWindow creates a window and starts a sweep every sweepEvery. A
// non-positive sweepEvery disables the background sweep.
func NewWindow(ttl time.Duration, maxKeys int, sweepEvery time.Duration) *Window {
	w := &Window{
		index:   make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxKeys: maxKeys,
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	if sweepEvery > 0 {
		go w.sweepLoop(sweepEvery)
	}
	return w
}

// Seen reports whether key was recorded within the TTL. If not, it records
// key and returns false. The check and the record happen atomically, so
// exactly one of several concurrent callers gets false.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if el, ok := w.index[key]; ok {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < w.ttl {
			return true
		}
		w.order.Remove(el)
		delete(w.index, key)
	}

	if w.maxKeys > 0 && len(w.index) >= w.maxKeys {
		w.evictOldestLocked()
	}
	w.index[key] = w.order.PushBack(&entry{key: key, seenAt: now})
	return false
}

// Contains reports whether key is recorded and unexpired without recording it.
func (w *Window) Contains(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	el, ok := w.index[key]
	if !ok {
		return false
	}
	return w.now().Sub(el.Value.(*entry).seenAt) < w.ttl
}

// Forget removes key so a later Seen treats it as new. Used when processing
// of the first delivery failed and a redelivery should be accepted.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if el, ok := w.index[key]; ok {
		w.order.Remove(el)
		delete(w.index, key)
	}
}

// Len returns the number of recorded keys, including expired keys not yet swept.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.index)
}

func (w *Window) evictOldestLocked() {
	front := w.order.Front()
	if front == nil {
		return
	}
	w.order.Remove(front)
	delete(w.index, front.Value.(*entry).key)
}

// sweep drops expired keys. Insertion order is also expiry order, so it
// stops at the first live key.
func (w *Window) sweep() {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	for el := w.order.Front(); el != nil; {
		e := el.Value.(*entry)
		if now.Sub(e.seenAt) < w.ttl {
			return
		}
		next := el.Next()
		w.order.Remove(el)
		delete(w.index, e.key)
		el = next
	}
}

func (w *Window) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			return
		}
	}
}

// Close stops the background sweep. Safe to call more than once.
func (w *Window) Close() {
	w.stopOnce.Do(func() {
		close(w.stop)
	})
}
