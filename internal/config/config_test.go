package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
log_level: debug
sweep_interval: 5
ignore_ips:
  - 127.0.0.1
  - 10.0.0.0/8
ingest:
  file_tail:
    start_at_end: false
    retry_interval: 2
api:
  enabled: true
  addr: ":9090"
storage:
  enabled: true
  driver: sqlite
  dsn: "file:test.db"
actions:
  iptables:
    ban_cmd: "iptables -I INPUT -s <ip> -j DROP"
    unban_cmd: "iptables -D INPUT -s <ip> -j DROP"
jails:
  sshd:
    enabled: true
    filters:
      - 'Failed password .* from <HOST>'
    log_paths:
      - /var/log/auth.log
    bantime: 600
    findtime: 60
    maxretry: 3
    action: iptables
  nginx:
    enabled: false
    filters:
      - 'authentication failed .* client: <ADDR>'
    bantime: 300
    findtime: 120
    maxretry: 5
`

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, "banguard.yaml", sampleYAML))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log_level: got %q", cfg.LogLevel)
	}
	if cfg.SweepIntervalSec != 5 {
		t.Fatalf("sweep_interval: got %d", cfg.SweepIntervalSec)
	}
	if cfg.Ingest.FileTail.StartAtEnd {
		t.Fatalf("start_at_end should be false")
	}
	j, ok := cfg.Jails["sshd"]
	if !ok {
		t.Fatalf("sshd jail missing")
	}
	if j.BanTime != 600 || j.FindTime != 60 || j.MaxRetry != 3 {
		t.Fatalf("sshd policy: %+v", j)
	}
	if j.Action != "iptables" {
		t.Fatalf("sshd action: got %q", j.Action)
	}
	if enabled := cfg.EnabledJails(); len(enabled) != 1 || enabled[0] != "sshd" {
		t.Fatalf("enabled jails: %v", enabled)
	}
}

func TestLoadJSON(t *testing.T) {
	content := `{
  "log_level": "warn",
  "jails": {
    "sshd": {
      "enabled": true,
      "filters": ["Failed password .* from <HOST>"],
      "bantime": 600,
      "findtime": 60,
      "maxretry": 3
    }
  }
}`
	cfg, err := Load(writeConfig(t, "banguard.json", content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("log_level: got %q", cfg.LogLevel)
	}
	if cfg.Jails["sshd"].Action != "log" {
		t.Fatalf("default action not applied: got %q", cfg.Jails["sshd"].Action)
	}
}

func TestDefaultsFillGaps(t *testing.T) {
	content := `
jails:
  sshd:
    enabled: true
    filters: ['from <ADDR>']
    bantime: 600
    findtime: 60
    maxretry: 3
`
	cfg, err := Load(writeConfig(t, "minimal.yaml", content))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SweepIntervalSec != 1 {
		t.Fatalf("sweep default: got %d", cfg.SweepIntervalSec)
	}
	if cfg.ChannelBuffer != 10000 {
		t.Fatalf("channel buffer default: got %d", cfg.ChannelBuffer)
	}
	if cfg.Stats.StoreLimit != 10000 || cfg.Stats.TopN != 10 {
		t.Fatalf("stats defaults: %+v", cfg.Stats)
	}
}

func TestPermanentBanTime(t *testing.T) {
	j := JailConfig{BanTime: -1}
	if !j.Permanent() {
		t.Fatalf("negative bantime should be permanent")
	}
	j.BanTime = 600
	if j.Permanent() {
		t.Fatalf("positive bantime should not be permanent")
	}
}

func TestValidateRejectsBadJails(t *testing.T) {
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Jails = map[string]JailConfig{
			"sshd": {
				Enabled:  true,
				Filters:  []string{"from <ADDR>"},
				BanTime:  600,
				FindTime: 60,
				MaxRetry: 3,
				Action:   "log",
			},
		}
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"no enabled jails", func(c *Config) { c.Jails = map[string]JailConfig{} }, "jails"},
		{"missing filters", func(c *Config) { j := c.Jails["sshd"]; j.Filters = nil; c.Jails["sshd"] = j }, "filters"},
		{"zero findtime", func(c *Config) { j := c.Jails["sshd"]; j.FindTime = 0; c.Jails["sshd"] = j }, "findtime"},
		{"zero maxretry", func(c *Config) { j := c.Jails["sshd"]; j.MaxRetry = 0; c.Jails["sshd"] = j }, "maxretry"},
		{"zero bantime", func(c *Config) { j := c.Jails["sshd"]; j.BanTime = 0; c.Jails["sshd"] = j }, "bantime"},
		{"unknown action", func(c *Config) { j := c.Jails["sshd"]; j.Action = "nftables"; c.Jails["sshd"] = j }, "action"},
		{"kafka missing topic", func(c *Config) { c.Ingest.Kafka.Enabled = true; c.Ingest.Kafka.Brokers = []string{"localhost:9092"} }, "ingest.kafka"},
		{"bad storage driver", func(c *Config) { c.Storage.Enabled = true; c.Storage.Driver = "mongodb" }, "storage.driver"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := Validate(cfg)
			var cerr *ConfigError
			if !errors.As(err, &cerr) {
				t.Fatalf("expected ConfigError, got %v", err)
			}
			if cerr.Field != tc.field {
				t.Fatalf("field: got %q, want %q", cerr.Field, tc.field)
			}
		})
	}
}

func TestValidateAcceptsDisabledJailWithBadPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jails = map[string]JailConfig{
		"sshd": {
			Enabled:  true,
			Filters:  []string{"from <ADDR>"},
			BanTime:  600,
			FindTime: 60,
			MaxRetry: 3,
			Action:   "log",
		},
		"broken": {Enabled: false},
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled jail must not be validated: %v", err)
	}
}

func TestLogPathsDeduplicated(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Jails = map[string]JailConfig{
		"a": {Enabled: true, LogPaths: []string{"/var/log/auth.log", "/var/log/secure"}},
		"b": {Enabled: true, LogPaths: []string{"/var/log/auth.log"}},
		"c": {Enabled: false, LogPaths: []string{"/var/log/other.log"}},
	}
	paths := cfg.LogPaths()
	want := []string{"/var/log/auth.log", "/var/log/secure"}
	if len(paths) != len(want) {
		t.Fatalf("paths: got %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths: got %v, want %v", paths, want)
		}
	}
}

func TestManagerReload(t *testing.T) {
	path := writeConfig(t, "banguard.yaml", sampleYAML)
	m, err := NewManager(path)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	if m.Get().LogLevel != "debug" {
		t.Fatalf("initial log_level: got %q", m.Get().LogLevel)
	}

	updated := strings.Replace(sampleYAML, "log_level: debug", "log_level: error", 1)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	cfg, err := m.Reload()
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.LogLevel != "error" || m.Get().LogLevel != "error" {
		t.Fatalf("reload did not take effect: %q", m.Get().LogLevel)
	}
}
