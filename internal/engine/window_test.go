package engine

import (
	"testing"
	"time"
)

func ts(sec int) time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func TestWindowCountsWithinFindtime(t *testing.T) {
	w := NewWindow(60 * time.Second)
	counts := []int{w.Insert(ts(0)), w.Insert(ts(10)), w.Insert(ts(20))}
	for i, want := range []int{1, 2, 3} {
		if counts[i] != want {
			t.Fatalf("count %d: got %d, want %d", i, counts[i], want)
		}
	}
}

func TestWindowSpacedEventsNeverAccumulate(t *testing.T) {
	w := NewWindow(60 * time.Second)
	for _, sec := range []int{0, 70, 140, 210} {
		if got := w.Insert(ts(sec)); got != 1 {
			t.Fatalf("insert at t=%d: got count %d, want 1", sec, got)
		}
	}
}

func TestWindowOutOfOrderInsertStaysSorted(t *testing.T) {
	w := NewWindow(60 * time.Second)
	w.Insert(ts(20))
	w.Insert(ts(5))
	if got := w.Insert(ts(10)); got != 3 {
		t.Fatalf("count: got %d, want 3", got)
	}
	for i := 1; i < len(w.ts); i++ {
		if w.ts[i].Before(w.ts[i-1]) {
			t.Fatalf("timestamps not sorted: %v", w.ts)
		}
	}
}

func TestWindowPruneIdempotent(t *testing.T) {
	w := NewWindow(60 * time.Second)
	w.Insert(ts(0))
	w.Insert(ts(30))
	w.Insert(ts(85))
	if w.Count() != 2 {
		t.Fatalf("after prune: got %d, want 2", w.Count())
	}
	w.prune()
	w.prune()
	if w.Count() != 2 {
		t.Fatalf("re-prune changed count: got %d, want 2", w.Count())
	}
}

func TestWindowPruneBeforeEmpties(t *testing.T) {
	w := NewWindow(60 * time.Second)
	w.Insert(ts(0))
	w.Insert(ts(10))
	w.PruneBefore(ts(30))
	if w.Count() != 0 {
		t.Fatalf("expected empty window, got %d", w.Count())
	}
	w.PruneBefore(ts(30))
	if w.Count() != 0 {
		t.Fatalf("re-prune on empty window changed it")
	}
}
