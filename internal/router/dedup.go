package router

import (
	"container/list"
	"time"
)

// dedupSet is a time-windowed, size-bounded set of idempotency keys. It is
// not safe for concurrent use; the intake goroutine owns one per channel.
type dedupSet struct {
	window  time.Duration
	maxKeys int
	keys    map[string]*list.Element
	order   *list.List // oldest at front
}

type dedupEntry struct {
	key  string
	seen time.Time
}

func newDedupSet(window time.Duration, maxKeys int) *dedupSet {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if maxKeys <= 0 {
		maxKeys = 8192
	}
	return &dedupSet{
		window:  window,
		maxKeys: maxKeys,
		keys:    make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Seen reports whether key was observed within the window, recording it
// either way. A key seen again has its window refreshed.
func (d *dedupSet) Seen(key string, now time.Time) bool {
	d.expire(now)
	if el, ok := d.keys[key]; ok {
		el.Value.(*dedupEntry).seen = now
		d.order.MoveToBack(el)
		return true
	}
	d.keys[key] = d.order.PushBack(&dedupEntry{key: key, seen: now})
	for len(d.keys) > d.maxKeys {
		d.evictOldest()
	}
	return false
}

func (d *dedupSet) expire(now time.Time) {
	cutoff := now.Add(-d.window)
	for {
		front := d.order.Front()
		if front == nil || front.Value.(*dedupEntry).seen.After(cutoff) {
			return
		}
		d.evictOldest()
	}
}

func (d *dedupSet) evictOldest() {
	front := d.order.Front()
	if front == nil {
		return
	}
	delete(d.keys, front.Value.(*dedupEntry).key)
	d.order.Remove(front)
}

func (d *dedupSet) len() int {
	return len(d.keys)
}
