package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigError marks a malformed or missing required field. It is fatal at
// startup when it concerns global settings or a jail's ban policy.
type ConfigError struct {
	Jail  string
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Jail != "" {
		return fmt.Sprintf("config: jail %q: field %q: %s", e.Jail, e.Field, e.Msg)
	}
	return fmt.Sprintf("config: field %q: %s", e.Field, e.Msg)
}

type Config struct {
	LogLevel string `json:"log_level" yaml:"log_level"`

	// All interval/duration settings are integer seconds.
	SweepIntervalSec    int `json:"sweep_interval" yaml:"sweep_interval"`
	SnapshotIntervalSec int `json:"snapshot_interval" yaml:"snapshot_interval"`
	ChannelBuffer       int `json:"channel_buffer" yaml:"channel_buffer"`

	IgnoreIPs []string `json:"ignore_ips" yaml:"ignore_ips"`

	Ingest  IngestConfig            `json:"ingest" yaml:"ingest"`
	API     APIConfig               `json:"api" yaml:"api"`
	Storage StorageConfig           `json:"storage" yaml:"storage"`
	Stats   StatsConfig             `json:"stats" yaml:"stats"`
	Actions map[string]ActionConfig `json:"actions" yaml:"actions"`
	Jails   map[string]JailConfig   `json:"jails" yaml:"jails"`
}

type IngestConfig struct {
	FileTail FileTailConfig `json:"file_tail" yaml:"file_tail"`
	Kafka    KafkaConfig    `json:"kafka" yaml:"kafka"`
	Syslog   SyslogConfig   `json:"syslog" yaml:"syslog"`
}

type FileTailConfig struct {
	StartAtEnd       bool `json:"start_at_end" yaml:"start_at_end"`
	RetryIntervalSec int  `json:"retry_interval" yaml:"retry_interval"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type SyslogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	UDPAddr string `json:"udp_addr" yaml:"udp_addr"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type StatsConfig struct {
	StoreLimit int    `json:"store_limit" yaml:"store_limit"`
	TopN       int    `json:"top_n" yaml:"top_n"`
	ExportDir  string `json:"export_dir" yaml:"export_dir"`
}

// ActionConfig defines an exec-backed firewall action. Commands are run with
// <ip> and <jail> placeholders substituted. The names "log" and "noop" are
// reserved for the builtin actions and need no entry here.
type ActionConfig struct {
	BanCmd   string `json:"ban_cmd" yaml:"ban_cmd"`
	UnbanCmd string `json:"unban_cmd" yaml:"unban_cmd"`
}

type JailConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Filters   []string `json:"filters" yaml:"filters"`
	LogPaths  []string `json:"log_paths" yaml:"log_paths"`
	BanTime   int      `json:"bantime" yaml:"bantime"`
	FindTime  int      `json:"findtime" yaml:"findtime"`
	MaxRetry  int      `json:"maxretry" yaml:"maxretry"`
	Action    string   `json:"action" yaml:"action"`
	IgnoreIPs []string `json:"ignore_ips" yaml:"ignore_ips"`
}

// Permanent reports whether bans in this jail never expire.
func (j JailConfig) Permanent() bool { return j.BanTime < 0 }

func (j JailConfig) BanDuration() time.Duration {
	return time.Duration(j.BanTime) * time.Second
}

func (j JailConfig) FindDuration() time.Duration {
	return time.Duration(j.FindTime) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

func (c *Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSec) * time.Second
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel:            "info",
		SweepIntervalSec:    1,
		SnapshotIntervalSec: 60,
		ChannelBuffer:       10000,
		Ingest: IngestConfig{
			FileTail: FileTailConfig{StartAtEnd: true, RetryIntervalSec: 1},
			Kafka:    KafkaConfig{Enabled: false},
			Syslog:   SyslogConfig{Enabled: false, UDPAddr: ":5514"},
		},
		API:     APIConfig{Enabled: true, Addr: ":8081"},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:banguard.db?_pragma=busy_timeout(5000)"},
		Stats:   StatsConfig{StoreLimit: 10000, TopN: 10},
		Actions: map[string]ActionConfig{},
		Jails:   map[string]JailConfig{},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	if cfg.SweepIntervalSec <= 0 {
		cfg.SweepIntervalSec = 1
	}
	if cfg.ChannelBuffer <= 0 {
		cfg.ChannelBuffer = 10000
	}
	if cfg.Stats.StoreLimit <= 0 {
		cfg.Stats.StoreLimit = 10000
	}
	if cfg.Stats.TopN <= 0 {
		cfg.Stats.TopN = 10
	}
	if cfg.Ingest.FileTail.RetryIntervalSec <= 0 {
		cfg.Ingest.FileTail.RetryIntervalSec = 1
	}
	if cfg.Actions == nil {
		cfg.Actions = map[string]ActionConfig{}
	}
	for name, j := range cfg.Jails {
		if j.Action == "" {
			j.Action = "log"
			cfg.Jails[name] = j
		}
	}
}

// Validate checks global settings and every enabled jail's ban policy.
// Filter pattern compilation is deliberately not checked here: a bad pattern
// disables its jail with a warning instead of failing startup.
func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return &ConfigError{Field: "api.addr", Msg: "required when api.enabled is true"}
	}
	if cfg.Storage.Enabled {
		switch strings.ToLower(cfg.Storage.Driver) {
		case "sqlite", "postgres", "postgresql":
		default:
			return &ConfigError{Field: "storage.driver", Msg: fmt.Sprintf("unsupported driver %q", cfg.Storage.Driver)}
		}
	}
	if cfg.Ingest.Kafka.Enabled {
		k := cfg.Ingest.Kafka
		if len(k.Brokers) == 0 || k.Topic == "" || k.GroupID == "" {
			return &ConfigError{Field: "ingest.kafka", Msg: "requires brokers, topic, group_id"}
		}
	}
	if cfg.Ingest.Syslog.Enabled && cfg.Ingest.Syslog.UDPAddr == "" {
		return &ConfigError{Field: "ingest.syslog.udp_addr", Msg: "required when ingest.syslog.enabled is true"}
	}
	if len(cfg.EnabledJails()) == 0 {
		return &ConfigError{Field: "jails", Msg: "at least one enabled jail is required"}
	}
	for name, j := range cfg.Jails {
		if !j.Enabled {
			continue
		}
		if len(j.Filters) == 0 {
			return &ConfigError{Jail: name, Field: "filters", Msg: "at least one filter pattern is required"}
		}
		if j.FindTime <= 0 {
			return &ConfigError{Jail: name, Field: "findtime", Msg: "must be > 0"}
		}
		if j.MaxRetry <= 0 {
			return &ConfigError{Jail: name, Field: "maxretry", Msg: "must be > 0"}
		}
		if j.BanTime == 0 {
			return &ConfigError{Jail: name, Field: "bantime", Msg: "must be positive seconds or negative for permanent"}
		}
		if !builtinAction(j.Action) {
			a, ok := cfg.Actions[j.Action]
			if !ok {
				return &ConfigError{Jail: name, Field: "action", Msg: fmt.Sprintf("unknown action %q", j.Action)}
			}
			if a.BanCmd == "" || a.UnbanCmd == "" {
				return &ConfigError{Jail: name, Field: "action", Msg: fmt.Sprintf("action %q needs ban_cmd and unban_cmd", j.Action)}
			}
		}
	}
	return nil
}

func builtinAction(name string) bool {
	return name == "log" || name == "noop"
}

// EnabledJails returns the names of enabled jails in no particular order.
func (c *Config) EnabledJails() []string {
	out := make([]string, 0, len(c.Jails))
	for name, j := range c.Jails {
		if j.Enabled {
			out = append(out, name)
		}
	}
	return out
}

// LogPaths returns the deduplicated union of log paths across enabled jails,
// preserving first-seen order.
func (c *Config) LogPaths() []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, name := range sortedJailNames(c) {
		j := c.Jails[name]
		if !j.Enabled {
			continue
		}
		for _, p := range j.LogPaths {
			if _, ok := seen[p]; ok {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func sortedJailNames(c *Config) []string {
	names := make([]string, 0, len(c.Jails))
	for name := range c.Jails {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	if info, err := os.Stat(path); err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config, for embedding and tests.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	if m.path == "" {
		return nil, errors.New("config: no backing file to reload")
	}
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	if m.path == "" {
		return false, nil
	}
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
