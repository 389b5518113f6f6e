package firewall

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"banguard/internal/config"
)

// Action is the firewall collaborator. Both operations must be idempotent:
// banning an already banned address and unbanning an absent rule succeed.
type Action interface {
	Name() string
	Ban(ctx context.Context, jail, address string) error
	Unban(ctx context.Context, jail, address string) error
}

// LogAction only records the call. It is the default jail action and the one
// used by the demo deployment, where a separate collaborator owns the rules.
type LogAction struct {
	logger *slog.Logger
}

func NewLogAction(logger *slog.Logger) *LogAction { return &LogAction{logger: logger} }

func (a *LogAction) Name() string { return "log" }

func (a *LogAction) Ban(_ context.Context, jail, address string) error {
	if a.logger != nil {
		a.logger.Info("ban action", "jail", jail, "address", address)
	}
	return nil
}

func (a *LogAction) Unban(_ context.Context, jail, address string) error {
	if a.logger != nil {
		a.logger.Info("unban action", "jail", jail, "address", address)
	}
	return nil
}

// NoopAction does nothing. Useful for dry runs and tests.
type NoopAction struct{}

func (NoopAction) Name() string { return "noop" }

func (NoopAction) Ban(context.Context, string, string) error { return nil }

func (NoopAction) Unban(context.Context, string, string) error { return nil }

// ExecAction shells out to configured ban/unban command templates, with
// <ip> and <jail> placeholders substituted before the command is split.
type ExecAction struct {
	name     string
	banCmd   string
	unbanCmd string
}

func NewExecAction(name string, cfg config.ActionConfig) *ExecAction {
	return &ExecAction{name: name, banCmd: cfg.BanCmd, unbanCmd: cfg.UnbanCmd}
}

func (a *ExecAction) Name() string { return a.name }

func (a *ExecAction) Ban(ctx context.Context, jail, address string) error {
	return a.run(ctx, a.banCmd, jail, address)
}

func (a *ExecAction) Unban(ctx context.Context, jail, address string) error {
	return a.run(ctx, a.unbanCmd, jail, address)
}

func (a *ExecAction) run(ctx context.Context, tmpl, jail, address string) error {
	expanded := strings.NewReplacer("<ip>", address, "<jail>", jail).Replace(tmpl)
	argv := strings.Fields(expanded)
	if len(argv) == 0 {
		return fmt.Errorf("firewall: action %q: empty command", a.name)
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("firewall: action %q: %s: %w (%s)", a.name, argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}
