package scheduler

import (
	"slices"
	"sync"
	"time"
)

type readyItem struct {
	id        string
	seq       uint64
	notBefore time.Time // zero means eligible now
}

// readyQueue holds admitted tasks ordered by submission sequence. Retried
// tasks keep their original sequence, so they stay ahead of newer work once
// their backoff has elapsed.
type readyQueue struct {
	mu    sync.Mutex
	items []readyItem
}

func (q *readyQueue) push(id string, seq uint64, notBefore *time.Time) {
	item := readyItem{id: id, seq: seq}
	if notBefore != nil {
		item.notBefore = *notBefore
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if i := slices.IndexFunc(q.items, func(it readyItem) bool { return it.id == id }); i >= 0 {
		q.items = slices.Delete(q.items, i, i+1)
	}
	pos, _ := slices.BinarySearchFunc(q.items, seq, func(it readyItem, s uint64) int {
		switch {
		case it.seq < s:
			return -1
		case it.seq > s:
			return 1
		}
		return 0
	})
	q.items = slices.Insert(q.items, pos, item)
}

// popEligible removes and returns the earliest-submitted item whose
// not-before time has passed.
func (q *readyQueue) popEligible(now time.Time) (readyItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.items {
		if it.notBefore.IsZero() || !now.Before(it.notBefore) {
			q.items = slices.Delete(q.items, i, i+1)
			return it, true
		}
	}
	return readyItem{}, false
}

// nextWake returns how long until the earliest deferred item becomes
// eligible. ok is false when nothing is deferred.
func (q *readyQueue) nextWake(now time.Time) (time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var earliest time.Time
	for _, it := range q.items {
		if it.notBefore.IsZero() {
			continue
		}
		if earliest.IsZero() || it.notBefore.Before(earliest) {
			earliest = it.notBefore
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	if d := earliest.Sub(now); d > 0 {
		return d, true
	}
	return 0, true
}

func (q *readyQueue) remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := slices.IndexFunc(q.items, func(it readyItem) bool { return it.id == id }); i >= 0 {
		q.items = slices.Delete(q.items, i, i+1)
		return true
	}
	return false
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
