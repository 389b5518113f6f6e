package engine

import (
	"sort"
	"time"
)

// Window is the sliding failure window for one (jail, address) pair. The
// timestamp sequence is kept sorted ascending; out-of-order arrivals from
// clock skew or batched delivery are inserted in position, never appended
// blindly.
type Window struct {
	findtime time.Duration
	ts       []time.Time
}

func NewWindow(findtime time.Duration) *Window {
	return &Window{findtime: findtime, ts: make([]time.Time, 0, 8)}
}

// Insert adds a failure timestamp, prunes everything older than findtime
// relative to the newest entry, and returns the resulting count.
func (w *Window) Insert(t time.Time) int {
	i := sort.Search(len(w.ts), func(i int) bool { return w.ts[i].After(t) })
	w.ts = append(w.ts, time.Time{})
	copy(w.ts[i+1:], w.ts[i:])
	w.ts[i] = t
	w.prune()
	return len(w.ts)
}

// prune drops timestamps more than findtime older than the newest entry.
// Idempotent: re-pruning an already pruned window changes nothing.
func (w *Window) prune() {
	if len(w.ts) == 0 {
		return
	}
	newest := w.ts[len(w.ts)-1]
	w.PruneBefore(newest.Add(-w.findtime))
}

// PruneBefore drops timestamps strictly before cutoff. The sweep loop uses
// it to garbage-collect windows that stopped receiving events.
func (w *Window) PruneBefore(cutoff time.Time) {
	i := sort.Search(len(w.ts), func(i int) bool { return !w.ts[i].Before(cutoff) })
	if i > 0 {
		w.ts = append(w.ts[:0], w.ts[i:]...)
	}
}

func (w *Window) Count() int { return len(w.ts) }

func (w *Window) Reset() { w.ts = w.ts[:0] }
