package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"banguard/internal/config"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 250 * time.Millisecond
	maxAddrLocks       = 10000
)

// EnforcementError wraps a firewall call that kept failing after retries.
// The ban stays logically active; the error is surfaced for the operator.
type EnforcementError struct {
	Op       string
	Jail     string
	Address  string
	Attempts int
	Err      error
}

func (e *EnforcementError) Error() string {
	return fmt.Sprintf("firewall: %s %s in jail %q failed after %d attempts: %v",
		e.Op, e.Address, e.Jail, e.Attempts, e.Err)
}

func (e *EnforcementError) Unwrap() error { return e.Err }

// Executor dispatches ban/unban calls to named actions. Calls for the same
// address are serialized across jails so a ban and an unban can never race
// on the firewall; different addresses proceed in parallel. Failed calls are
// retried with bounded exponential backoff.
type Executor struct {
	actions     map[string]Action
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration

	mu     sync.Mutex
	byAddr map[string]*addrMutex
}

// addrMutex is a per-address lock with a reference count, so idle entries
// can be compacted without breaking serialization for addresses in flight.
type addrMutex struct {
	sync.Mutex
	refs int
}

func NewExecutor(cfg *config.Config, logger *slog.Logger) *Executor {
	x := &Executor{
		actions:     make(map[string]Action),
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		baseDelay:   defaultBaseDelay,
		byAddr:      make(map[string]*addrMutex),
	}
	x.Register(NewLogAction(logger))
	x.Register(NoopAction{})
	for name, ac := range cfg.Actions {
		x.Register(NewExecAction(name, ac))
	}
	return x
}

// Register adds or replaces an action. Used by tests to install recorders.
func (x *Executor) Register(a Action) {
	x.actions[a.Name()] = a
}

func (x *Executor) Ban(ctx context.Context, action, jail, address string) error {
	return x.call(ctx, action, jail, address, "ban")
}

func (x *Executor) Unban(ctx context.Context, action, jail, address string) error {
	return x.call(ctx, action, jail, address, "unban")
}

func (x *Executor) call(ctx context.Context, action, jail, address, op string) error {
	a, ok := x.actions[action]
	if !ok {
		return fmt.Errorf("firewall: unknown action %q", action)
	}

	lock := x.lockAddr(address)
	defer x.unlockAddr(address, lock)

	var err error
	delay := x.baseDelay
	for attempt := 1; attempt <= x.maxAttempts; attempt++ {
		if op == "ban" {
			err = a.Ban(ctx, jail, address)
		} else {
			err = a.Unban(ctx, jail, address)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < x.maxAttempts {
			if x.logger != nil {
				x.logger.Warn("firewall call failed, retrying",
					"op", op, "jail", jail, "address", address, "attempt", attempt, "err", err)
			}
			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return &EnforcementError{Op: op, Jail: jail, Address: address, Attempts: attempt, Err: ctx.Err()}
			}
			delay *= 2
		}
	}
	return &EnforcementError{Op: op, Jail: jail, Address: address, Attempts: x.maxAttempts, Err: err}
}

func (x *Executor) lockAddr(address string) *addrMutex {
	x.mu.Lock()
	l, ok := x.byAddr[address]
	if !ok {
		l = &addrMutex{}
		x.byAddr[address] = l
	}
	l.refs++
	x.mu.Unlock()
	l.Lock()
	return l
}

func (x *Executor) unlockAddr(address string, l *addrMutex) {
	l.Unlock()
	x.mu.Lock()
	l.refs--
	if len(x.byAddr) > maxAddrLocks {
		for addr, m := range x.byAddr {
			if m.refs == 0 {
				delete(x.byAddr, addr)
			}
		}
	}
	x.mu.Unlock()
}
