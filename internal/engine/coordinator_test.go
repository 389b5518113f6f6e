package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"banguard/internal/config"
	"banguard/internal/firewall"
	"banguard/internal/model"
)

type recordAction struct {
	mu      sync.Mutex
	bans    []string
	unbans  []string
	banErrs int
}

func (a *recordAction) Name() string { return "rec" }

func (a *recordAction) Ban(_ context.Context, jail, address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.banErrs > 0 {
		a.banErrs--
		return errors.New("simulated firewall failure")
	}
	a.bans = append(a.bans, jail+"|"+address)
	return nil
}

func (a *recordAction) Unban(_ context.Context, jail, address string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unbans = append(a.unbans, jail+"|"+address)
	return nil
}

func (a *recordAction) banCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bans)
}

func (a *recordAction) unbanCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.unbans)
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Jails = map[string]config.JailConfig{
		"sshd": {
			Enabled:  true,
			Filters:  []string{`Failed password .* from <ADDR>`},
			BanTime:  600,
			FindTime: 60,
			MaxRetry: 3,
			Action:   "rec",
		},
		"sshd-ipv6": {
			Enabled:  true,
			Filters:  []string{`Failed password .* from <ADDR>`},
			BanTime:  600,
			FindTime: 60,
			MaxRetry: 3,
			Action:   "rec",
		},
	}
	return cfg
}

func newCoordinatorForTest(cfg *config.Config) (*Coordinator, *recordAction) {
	rec := &recordAction{}
	fw := firewall.NewExecutor(cfg, nil)
	fw.Register(rec)
	jails := make([]string, 0, len(cfg.Jails))
	for name := range cfg.Jails {
		jails = append(jails, name)
	}
	return New(cfg, jails, fw, nil), rec
}

func fail(sec int, addr string) model.FailureEvent {
	return model.FailureEvent{Jail: "sshd", Address: addr, Timestamp: ts(sec)}
}

func drainEvents(c *Coordinator) []model.BanLifecycleEvent {
	var out []model.BanLifecycleEvent
	for {
		select {
		case ev := <-c.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestBanTriggersExactlyOnce(t *testing.T) {
	c, rec := newCoordinatorForTest(testConfig())
	for _, sec := range []int{0, 10, 20} {
		c.handle(fail(sec, "10.0.0.5"))
	}
	if rec.banCount() != 1 {
		t.Fatalf("ban action invoked %d times, want 1", rec.banCount())
	}
	bans := c.ActiveBans()
	if len(bans) != 1 {
		t.Fatalf("active bans: got %d, want 1", len(bans))
	}
	if !bans[0].BannedAt.Equal(ts(20)) {
		t.Fatalf("banned_at: got %v, want %v", bans[0].BannedAt, ts(20))
	}
	if want := ts(20).Add(600 * time.Second); !bans[0].ExpiresAt.Equal(want) {
		t.Fatalf("expires_at: got %v, want %v", bans[0].ExpiresAt, want)
	}
	events := drainEvents(c)
	if len(events) != 1 || events[0].Type != model.EventBan {
		t.Fatalf("expected one ban event, got %+v", events)
	}
}

func TestSpacedFailuresNeverBan(t *testing.T) {
	c, rec := newCoordinatorForTest(testConfig())
	for _, sec := range []int{0, 70, 140} {
		c.handle(fail(sec, "10.0.0.5"))
	}
	if rec.banCount() != 0 {
		t.Fatalf("ban action invoked %d times, want 0", rec.banCount())
	}
	if len(c.ActiveBans()) != 0 {
		t.Fatalf("unexpected active ban")
	}
}

func TestReoffenseDoesNotExtendBan(t *testing.T) {
	c, rec := newCoordinatorForTest(testConfig())
	for _, sec := range []int{0, 10, 20} {
		c.handle(fail(sec, "10.0.0.5"))
	}
	want := c.ActiveBans()[0].ExpiresAt
	c.handle(fail(25, "10.0.0.5"))
	c.handle(fail(30, "10.0.0.5"))
	if rec.banCount() != 1 {
		t.Fatalf("re-offense triggered another ban action")
	}
	if got := c.ActiveBans()[0].ExpiresAt; !got.Equal(want) {
		t.Fatalf("expiry moved on re-offense: got %v, want %v", got, want)
	}
}

func TestSweepExpiresAndUnbans(t *testing.T) {
	c, rec := newCoordinatorForTest(testConfig())
	for _, sec := range []int{0, 10, 20} {
		c.handle(fail(sec, "10.0.0.5"))
	}
	c.SweepAt(ts(20).Add(599 * time.Second))
	if rec.unbanCount() != 0 {
		t.Fatalf("unban fired before expiry")
	}
	c.SweepAt(ts(20).Add(601 * time.Second))
	if rec.unbanCount() != 1 {
		t.Fatalf("unban action invoked %d times, want 1", rec.unbanCount())
	}
	if len(c.ActiveBans()) != 0 {
		t.Fatalf("record still active after expiry")
	}
	events := drainEvents(c)
	if len(events) != 2 || events[1].Type != model.EventUnban {
		t.Fatalf("expected ban then unban events, got %+v", events)
	}

	// A later failure restarts at Watching: a fresh threshold is needed.
	c.handle(fail(1300, "10.0.0.5"))
	if rec.banCount() != 1 {
		t.Fatalf("single failure after expiry re-banned immediately")
	}
}

func TestPermanentBanNeverExpires(t *testing.T) {
	cfg := testConfig()
	j := cfg.Jails["sshd"]
	j.BanTime = -1
	cfg.Jails["sshd"] = j
	c, rec := newCoordinatorForTest(cfg)
	for _, sec := range []int{0, 10, 20} {
		c.handle(fail(sec, "10.0.0.5"))
	}
	c.SweepAt(ts(20).Add(24 * time.Hour))
	if rec.unbanCount() != 0 {
		t.Fatalf("permanent ban expired")
	}
	bans := c.ActiveBans()
	if len(bans) != 1 || !bans[0].Permanent {
		t.Fatalf("expected one permanent ban, got %+v", bans)
	}
}

func TestJailsCountIndependently(t *testing.T) {
	c, rec := newCoordinatorForTest(testConfig())
	for _, sec := range []int{0, 10} {
		c.handle(fail(sec, "10.0.0.5"))
		c.handle(model.FailureEvent{Jail: "sshd-ipv6", Address: "10.0.0.5", Timestamp: ts(sec)})
	}
	if rec.banCount() != 0 {
		t.Fatalf("two failures per jail must not ban with maxretry=3")
	}
	c.handle(fail(20, "10.0.0.5"))
	if rec.banCount() != 1 {
		t.Fatalf("sshd jail should have banned independently, got %d bans", rec.banCount())
	}
}

func TestEnforcementFailureKeepsBanActive(t *testing.T) {
	c, rec := newCoordinatorForTest(testConfig())
	rec.banErrs = 10 // exhaust every retry attempt
	for _, sec := range []int{0, 10, 20} {
		c.handle(fail(sec, "10.0.0.5"))
	}
	if len(c.ActiveBans()) != 1 {
		t.Fatalf("ban must stay logically active after enforcement failure")
	}
	events := drainEvents(c)
	if len(events) != 2 {
		t.Fatalf("expected ban + enforcement_error events, got %+v", events)
	}
	if events[0].Type != model.EventBan || events[1].Type != model.EventEnforcementError {
		t.Fatalf("unexpected event sequence: %+v", events)
	}
}

func TestSweepGarbageCollectsIdlePairs(t *testing.T) {
	c, _ := newCoordinatorForTest(testConfig())
	c.handle(fail(0, "10.0.0.5"))
	if c.WatchedPairs() != 1 {
		t.Fatalf("expected one watched pair")
	}
	c.SweepAt(ts(120))
	if c.WatchedPairs() != 0 {
		t.Fatalf("idle pair not garbage-collected")
	}
}

func TestSweepGCDoesNotLoseConcurrentFailures(t *testing.T) {
	c, rec := newCoordinatorForTest(testConfig())
	c.handle(fail(0, "10.0.0.5"))

	// A shard worker fetches the pair, then the sweep garbage-collects it
	// before the worker takes the pair lock.
	stale := c.pair("sshd", "10.0.0.5", c.jails["sshd"])
	c.SweepAt(ts(120))

	stale.mu.Lock()
	dead := stale.dead
	stale.mu.Unlock()
	if !dead {
		t.Fatalf("idle pair was removed without being marked dead")
	}

	for _, sec := range []int{130, 140, 150} {
		c.handle(fail(sec, "10.0.0.5"))
	}
	if rec.banCount() != 1 {
		t.Fatalf("3 failures within findtime did not ban: banCount=%d", rec.banCount())
	}
	if fresh := c.pair("sshd", "10.0.0.5", c.jails["sshd"]); fresh == stale {
		t.Fatalf("dead pair handed out again after garbage collection")
	}
}

func TestPipelineOrderThroughShards(t *testing.T) {
	c, rec := newCoordinatorForTest(testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	for _, sec := range []int{0, 10, 20} {
		c.Submit(fail(sec, "192.0.2.9"))
	}
	c.Stop()
	if rec.banCount() != 1 {
		t.Fatalf("submitted failures did not produce exactly one ban, got %d", rec.banCount())
	}
}
