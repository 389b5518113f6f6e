package model

import "time"

// BanState is the lifecycle state of a (jail, address) pair.
type BanState string

const (
	StateWatching BanState = "watching"
	StateBanned   BanState = "banned"
	StateExpired  BanState = "expired"
)

// EventType tags entries in the ban lifecycle stream.
type EventType string

const (
	EventBan              EventType = "ban"
	EventUnban            EventType = "unban"
	EventEnforcementError EventType = "enforcement_error"
)

// Line is one raw log line from any ingest source. Path is empty for
// non-file sources (kafka, syslog).
type Line struct {
	Source  string
	Path    string
	Text    string
	Arrived time.Time
}

// FailureEvent is an authentication failure extracted from a log line.
// Immutable once created.
type FailureEvent struct {
	Jail      string    `json:"jail"`
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
}

// BanRecord is the active record for a (jail, address) pair. ExpiresAt is
// zero when the ban is permanent.
type BanRecord struct {
	Jail      string    `json:"jail"`
	Address   string    `json:"address"`
	State     BanState  `json:"state"`
	BannedAt  time.Time `json:"banned_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Permanent bool      `json:"permanent"`
}

// BanLifecycleEvent is emitted by the coordinator on every ban, unban and
// enforcement failure, and consumed by the stats collector and the archive.
type BanLifecycleEvent struct {
	Type      EventType `json:"type"`
	Jail      string    `json:"jail"`
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	Permanent bool      `json:"permanent,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type AddressCount struct {
	Address string `json:"address"`
	Bans    int    `json:"bans"`
}

type JailCount struct {
	Jail string `json:"jail"`
	Bans int    `json:"bans"`
}

// StatsSnapshot is the stable reporting record derived from the retained
// lifecycle events. Field order and naming are part of the export contract.
type StatsSnapshot struct {
	TotalBans       int            `json:"total_bans"`
	TotalUnbans     int            `json:"total_unbans"`
	UniqueAddresses int            `json:"unique_addresses"`
	BansPerHour     map[string]int `json:"bans_per_hour"`
	TopAddresses    []AddressCount `json:"top_addresses"`
	TopJails        []JailCount    `json:"top_jails"`
	GeneratedAt     time.Time      `json:"generated_at"`
}
