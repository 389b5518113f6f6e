package filter

import (
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"sort"
	"strings"

	"banguard/internal/config"
	"banguard/internal/model"
)

// PatternError reports a filter pattern that failed to compile or lacks an
// address capture. The offending jail is disabled; monitoring continues for
// the others.
type PatternError struct {
	Jail    string
	Pattern string
	Err     error
}

func (e *PatternError) Error() string {
	return fmt.Sprintf("filter: jail %q: pattern %q: %v", e.Jail, e.Pattern, e.Err)
}

func (e *PatternError) Unwrap() error { return e.Err }

// addrGroup matches an IPv4 or IPv6 literal. Patterns reference it through
// the <ADDR> or <HOST> token.
const addrGroup = `(?P<addr>(([0-9a-fA-F]{0,4}:){1,7}[0-9a-fA-F]{0,4})|([0-9]{1,3}(\.[0-9]{1,3}){3}))`

var tokenReplacer = strings.NewReplacer("<ADDR>", addrGroup, "<HOST>", addrGroup)

type jailMatcher struct {
	name     string
	patterns []*regexp.Regexp
	addrIdx  []int
	paths    map[string]struct{}
	ignore   *IgnoreSet
}

// Engine applies every enabled jail's pattern set to incoming lines.
// Evaluation is linear in the number of configured patterns per line.
type Engine struct {
	jails  []*jailMatcher
	global *IgnoreSet
	logger *slog.Logger
}

// New compiles the filter sets of all enabled jails. Jails whose patterns do
// not compile are skipped and reported as PatternErrors; they never stop the
// remaining jails.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, []error) {
	e := &Engine{logger: logger}
	var errs []error

	global, err := NewIgnoreSet(cfg.IgnoreIPs)
	if err != nil {
		errs = append(errs, err)
	}
	e.global = global

	names := make([]string, 0, len(cfg.Jails))
	for name := range cfg.Jails {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		j := cfg.Jails[name]
		if !j.Enabled {
			continue
		}
		jm, err := compileJail(name, j)
		if err != nil {
			errs = append(errs, err)
			if logger != nil {
				logger.Warn("jail disabled", "jail", name, "err", err)
			}
			continue
		}
		e.jails = append(e.jails, jm)
	}
	return e, errs
}

func compileJail(name string, j config.JailConfig) (*jailMatcher, error) {
	jm := &jailMatcher{name: name}
	for _, raw := range j.Filters {
		expanded := tokenReplacer.Replace(raw)
		re, err := regexp.Compile(expanded)
		if err != nil {
			return nil, &PatternError{Jail: name, Pattern: raw, Err: err}
		}
		idx := -1
		for i, group := range re.SubexpNames() {
			if group == "addr" {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, &PatternError{Jail: name, Pattern: raw, Err: fmt.Errorf("no <ADDR> capture group")}
		}
		jm.patterns = append(jm.patterns, re)
		jm.addrIdx = append(jm.addrIdx, idx)
	}
	if len(j.LogPaths) > 0 {
		jm.paths = make(map[string]struct{}, len(j.LogPaths))
		for _, p := range j.LogPaths {
			jm.paths[p] = struct{}{}
		}
	}
	ignore, err := NewIgnoreSet(j.IgnoreIPs)
	if err != nil {
		return nil, &PatternError{Jail: name, Pattern: strings.Join(j.IgnoreIPs, ","), Err: err}
	}
	jm.ignore = ignore
	return jm, nil
}

// Jails returns the names of the jails that compiled successfully.
func (e *Engine) Jails() []string {
	out := make([]string, 0, len(e.jails))
	for _, jm := range e.jails {
		out = append(out, jm.name)
	}
	return out
}

// Match extracts zero or more FailureEvents from a raw line. A jail applies
// when the line came from one of its log paths, or from a pathless source
// (kafka, syslog). Multiple jails may match the same line.
func (e *Engine) Match(line model.Line) []model.FailureEvent {
	var events []model.FailureEvent
	ts := line.Arrived
	tsParsed := false

	for _, jm := range e.jails {
		if line.Path != "" && jm.paths != nil {
			if _, ok := jm.paths[line.Path]; !ok {
				continue
			}
		}
		addr := jm.match(line.Text)
		if addr == "" {
			continue
		}
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		if e.global.Contains(ip) || jm.ignore.Contains(ip) {
			if e.logger != nil {
				e.logger.Debug("ignored address", "jail", jm.name, "address", addr)
			}
			continue
		}
		if !tsParsed {
			if t, ok := ExtractTimestamp(line.Text); ok {
				ts = t
			}
			tsParsed = true
		}
		events = append(events, model.FailureEvent{
			Jail:      jm.name,
			Address:   ip.String(),
			Timestamp: ts,
		})
	}
	return events
}

func (jm *jailMatcher) match(text string) string {
	for i, re := range jm.patterns {
		groups := re.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		if jm.addrIdx[i] < len(groups) {
			return groups[jm.addrIdx[i]]
		}
	}
	return ""
}
