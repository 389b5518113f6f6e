package engine

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"banguard/internal/config"
	"banguard/internal/firewall"
	"banguard/internal/model"
)

const (
	numShards      = 8
	shardBuffer    = 1024
	eventBuffer    = 1024
	reoffenseEvery = 30 * time.Second
)

type pairState struct {
	mu      sync.Mutex
	dead    bool
	jail    string
	address string
	window  *Window
	record  *model.BanRecord
}

// Coordinator owns the per-(jail, address) ban state machines. Failure
// events are hashed onto shard workers so one key is always processed in
// arrival order while distinct keys run in parallel; a per-pair mutex
// additionally serializes shard workers against the expiry sweep.
type Coordinator struct {
	logger *slog.Logger
	jails  map[string]config.JailConfig
	fw     *firewall.Executor

	mu    sync.Mutex
	pairs map[string]*pairState

	shards [numShards]chan model.FailureEvent
	events chan model.BanLifecycleEvent
	relog  *logLimiter

	sweepInterval time.Duration
	stop          chan struct{}
	wg            sync.WaitGroup
	ctx           context.Context
}

// New builds a coordinator for the given jails. jailNames restricts the set
// to the jails whose filters actually compiled.
func New(cfg *config.Config, jailNames []string, fw *firewall.Executor, logger *slog.Logger) *Coordinator {
	jails := make(map[string]config.JailConfig, len(jailNames))
	for _, name := range jailNames {
		if j, ok := cfg.Jails[name]; ok {
			jails[name] = j
		}
	}
	c := &Coordinator{
		logger:        logger,
		jails:         jails,
		fw:            fw,
		pairs:         make(map[string]*pairState),
		events:        make(chan model.BanLifecycleEvent, eventBuffer),
		relog:         newLogLimiter(),
		sweepInterval: cfg.SweepInterval(),
		stop:          make(chan struct{}),
		ctx:           context.Background(),
	}
	for i := range c.shards {
		c.shards[i] = make(chan model.FailureEvent, shardBuffer)
	}
	return c
}

// Events is the lifecycle stream consumed by the stats collector and the
// archive. It is closed by Stop after all in-flight events have drained.
func (c *Coordinator) Events() <-chan model.BanLifecycleEvent { return c.events }

// Start launches the shard workers and the expiry sweep loop. ctx bounds
// the firewall calls; cancellation does not force expiry.
func (c *Coordinator) Start(ctx context.Context) {
	if ctx != nil {
		c.ctx = ctx
	}
	for i := range c.shards {
		ch := c.shards[i]
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for ev := range ch {
				c.handle(ev)
			}
		}()
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.SweepAt(time.Now().UTC())
			case <-c.stop:
				return
			}
		}
	}()
}

// Submit routes a failure event to its key's shard. The caller must not
// call Submit after Stop.
func (c *Coordinator) Submit(ev model.FailureEvent) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ev.Jail))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(ev.Address))
	c.shards[h.Sum32()%numShards] <- ev
}

// Stop drains the shard workers, halts the sweep loop and closes the event
// stream. Ban records and windows are left exactly as they are.
func (c *Coordinator) Stop() {
	for i := range c.shards {
		close(c.shards[i])
	}
	close(c.stop)
	c.wg.Wait()
	close(c.events)
}

func (c *Coordinator) handle(ev model.FailureEvent) {
	jcfg, ok := c.jails[ev.Jail]
	if !ok {
		return
	}
	p := c.lockedPair(ev.Jail, ev.Address, jcfg)
	if p.record != nil && p.record.State == model.StateBanned {
		// Re-offense during an active ban: counted for statistics, never
		// extends or shortens the ban.
		p.window.Insert(ev.Timestamp)
		p.mu.Unlock()
		if c.relog.Allow(ev.Jail+"|"+ev.Address, reoffenseEvery) && c.logger != nil {
			c.logger.Info("failure from banned address", "jail", ev.Jail, "address", ev.Address)
		}
		return
	}
	count := p.window.Insert(ev.Timestamp)
	if count < jcfg.MaxRetry {
		p.mu.Unlock()
		return
	}

	rec := &model.BanRecord{
		Jail:      ev.Jail,
		Address:   ev.Address,
		State:     model.StateBanned,
		BannedAt:  ev.Timestamp,
		Permanent: jcfg.Permanent(),
	}
	if !rec.Permanent {
		rec.ExpiresAt = ev.Timestamp.Add(jcfg.BanDuration())
	}
	p.record = rec
	p.window.Reset()
	p.mu.Unlock()

	if c.logger != nil {
		c.logger.Warn("banning address",
			"jail", ev.Jail, "address", ev.Address, "failures", count,
			"permanent", rec.Permanent, "expires_at", rec.ExpiresAt)
	}
	// Firewall call happens outside the pair lock; the executor serializes
	// per address.
	err := c.fw.Ban(c.ctx, jcfg.Action, ev.Jail, ev.Address)
	c.emit(model.BanLifecycleEvent{
		Type:      model.EventBan,
		Jail:      ev.Jail,
		Address:   ev.Address,
		Timestamp: rec.BannedAt,
		ExpiresAt: rec.ExpiresAt,
		Permanent: rec.Permanent,
	})
	if err != nil {
		c.enforcementFailed(err, ev.Jail, ev.Address)
	}
}

// SweepAt transitions every due Banned record to Expired, firing the unban
// action and clearing the pair so a later failure restarts at Watching.
// Exposed with an explicit clock for tests; the sweep loop passes wall time.
func (c *Coordinator) SweepAt(now time.Time) {
	for key, p := range c.snapshotPairs() {
		p.mu.Lock()
		rec := p.record
		if rec != nil && rec.State == model.StateBanned && !rec.Permanent && !now.Before(rec.ExpiresAt) {
			expired := *rec
			expired.State = model.StateExpired
			p.record = nil
			p.window.Reset()
			p.mu.Unlock()

			if c.logger != nil {
				c.logger.Info("ban expired", "jail", expired.Jail, "address", expired.Address)
			}
			jcfg := c.jails[expired.Jail]
			err := c.fw.Unban(c.ctx, jcfg.Action, expired.Jail, expired.Address)
			c.emit(model.BanLifecycleEvent{
				Type:      model.EventUnban,
				Jail:      expired.Jail,
				Address:   expired.Address,
				Timestamp: now,
			})
			if err != nil {
				c.enforcementFailed(err, expired.Jail, expired.Address)
			}
			continue
		}
		// Garbage-collect idle watching pairs. The pair is marked dead and
		// removed from the map while its lock is still held, so a shard
		// worker holding a stale pointer re-fetches a live pair instead of
		// inserting into the orphan.
		if rec == nil {
			jcfg := c.jails[p.jail]
			p.window.PruneBefore(now.Add(-jcfg.FindDuration()))
			if p.window.Count() == 0 {
				p.dead = true
				c.deletePair(key, p)
				p.mu.Unlock()
				continue
			}
		}
		p.mu.Unlock()
	}
}

// ActiveBans lists the currently banned pairs, ordered by jail then address.
func (c *Coordinator) ActiveBans() []model.BanRecord {
	var out []model.BanRecord
	for _, p := range c.snapshotPairs() {
		p.mu.Lock()
		if p.record != nil && p.record.State == model.StateBanned {
			out = append(out, *p.record)
		}
		p.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Jail != out[j].Jail {
			return out[i].Jail < out[j].Jail
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// WatchedPairs reports how many (jail, address) pairs are currently tracked.
func (c *Coordinator) WatchedPairs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

func (c *Coordinator) pair(jail, address string, jcfg config.JailConfig) *pairState {
	key := jail + "|" + address
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pairs[key]; ok {
		return p
	}
	p := &pairState{
		jail:    jail,
		address: address,
		window:  NewWindow(jcfg.FindDuration()),
	}
	c.pairs[key] = p
	return p
}

func (c *Coordinator) snapshotPairs() map[string]*pairState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*pairState, len(c.pairs))
	for k, p := range c.pairs {
		out[k] = p
	}
	return out
}

// lockedPair returns the pair for the key with its mutex held. A pair the
// sweep marked dead is never handed back; the lookup retries until it gets a
// live one.
func (c *Coordinator) lockedPair(jail, address string, jcfg config.JailConfig) *pairState {
	for {
		p := c.pair(jail, address, jcfg)
		p.mu.Lock()
		if !p.dead {
			return p
		}
		p.mu.Unlock()
	}
}

func (c *Coordinator) deletePair(key string, p *pairState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pairs[key] == p {
		delete(c.pairs, key)
	}
}

func (c *Coordinator) enforcementFailed(err error, jail, address string) {
	if c.logger != nil {
		c.logger.Error("firewall enforcement failed", "jail", jail, "address", address, "err", err)
	}
	c.emit(model.BanLifecycleEvent{
		Type:      model.EventEnforcementError,
		Jail:      jail,
		Address:   address,
		Timestamp: time.Now().UTC(),
		Error:     err.Error(),
	})
}

// emit never blocks enforcement on a slow subscriber.
func (c *Coordinator) emit(ev model.BanLifecycleEvent) {
	select {
	case c.events <- ev:
	default:
		if c.logger != nil {
			c.logger.Warn("lifecycle event channel full, dropping event", "type", ev.Type, "jail", ev.Jail, "address", ev.Address)
		}
	}
}
