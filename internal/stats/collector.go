package stats

import (
	"sort"
	"sync"
	"time"

	"banguard/internal/model"
)

// Collector retains a bounded, append-only log of ban lifecycle events and
// derives reporting snapshots from it on demand. Recording is a short
// critical section and snapshots are computed from a copy, so the read path
// never slows ban enforcement.
type Collector struct {
	mu    sync.Mutex
	buf   []model.BanLifecycleEvent
	limit int
	topN  int
	start time.Time
}

func NewCollector(limit, topN int) *Collector {
	if limit <= 0 {
		limit = 10000
	}
	if topN <= 0 {
		topN = 10
	}
	return &Collector{limit: limit, topN: topN, start: time.Now().UTC()}
}

// Record appends one lifecycle event, evicting the oldest entry when the
// retention limit is reached.
func (c *Collector) Record(ev model.BanLifecycleEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.buf) < c.limit {
		c.buf = append(c.buf, ev)
		return
	}
	copy(c.buf, c.buf[1:])
	c.buf[len(c.buf)-1] = ev
}

// Events returns a copy of the retained event log, oldest first.
func (c *Collector) Events() []model.BanLifecycleEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.BanLifecycleEvent, len(c.buf))
	copy(out, c.buf)
	return out
}

// Started reports when collection began.
func (c *Collector) Started() time.Time { return c.start }

// Snapshot computes the reporting record over the retained events. Top-N
// orderings are deterministic: ban count descending, then name ascending.
func (c *Collector) Snapshot() model.StatsSnapshot {
	events := c.Events()

	snap := model.StatsSnapshot{
		BansPerHour: make(map[string]int),
		GeneratedAt: time.Now().UTC(),
	}
	byAddress := make(map[string]int)
	byJail := make(map[string]int)

	for _, ev := range events {
		switch ev.Type {
		case model.EventBan:
			snap.TotalBans++
			byAddress[ev.Address]++
			byJail[ev.Jail]++
			snap.BansPerHour[ev.Timestamp.UTC().Format("2006-01-02 15")]++
		case model.EventUnban:
			snap.TotalUnbans++
		}
	}
	snap.UniqueAddresses = len(byAddress)
	snap.TopAddresses = topAddresses(byAddress, c.topN)
	snap.TopJails = topJails(byJail, c.topN)
	return snap
}

func topAddresses(counts map[string]int, n int) []model.AddressCount {
	out := make([]model.AddressCount, 0, len(counts))
	for addr, bans := range counts {
		out = append(out, model.AddressCount{Address: addr, Bans: bans})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bans != out[j].Bans {
			return out[i].Bans > out[j].Bans
		}
		return out[i].Address < out[j].Address
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func topJails(counts map[string]int, n int) []model.JailCount {
	out := make([]model.JailCount, 0, len(counts))
	for jail, bans := range counts {
		out = append(out, model.JailCount{Jail: jail, Bans: bans})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Bans != out[j].Bans {
			return out[i].Bans > out[j].Bans
		}
		return out[i].Jail < out[j].Jail
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
