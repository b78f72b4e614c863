package tilemux

import (
	"container/heap"
	"time"
)

// timerEntry is one pending deadline in the per-tile timer heap (§5 "timeouts are
// satisfied by a per-tile timer heap keyed on deadline").
type timerEntry struct {
	act      *Activity
	deadline time.Time
	index    int
}

// timerHeap implements container/heap.Interface over timerEntry, ordered by deadline.
type timerHeap struct {
	items []*timerEntry
}

func newTimerHeap() *timerHeap { return &timerHeap{} }

func (h *timerHeap) Len() int { return len(h.items) }

func (h *timerHeap) Less(i, j int) bool { return h.items[i].deadline.Before(h.items[j].deadline) }

func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].index = i
	h.items[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	e := x.(*timerEntry)
	e.index = len(h.items)
	h.items = append(h.items, e)
}

func (h *timerHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return e
}

func (h *timerHeap) add(act *Activity, deadline time.Time) {
	heap.Push(h, &timerEntry{act: act, deadline: deadline})
}

// expired pops every entry whose deadline has passed, earliest first.
func (h *timerHeap) expired(now time.Time) []*Activity {
	var out []*Activity
	for h.Len() > 0 && !h.items[0].deadline.After(now) {
		e := heap.Pop(h).(*timerEntry)
		out = append(out, e.act)
	}
	return out
}
