package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"

	"banguard/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:banguard.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ban_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			event_type TEXT NOT NULL,
			jail TEXT NOT NULL,
			address TEXT NOT NULL,
			expires_at TEXT,
			permanent INTEGER NOT NULL DEFAULT 0,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ban_events_ts ON ban_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_ban_events_addr ON ban_events(jail, address)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts TEXT NOT NULL,
			total_bans INTEGER NOT NULL,
			total_unbans INTEGER NOT NULL,
			unique_addresses INTEGER NOT NULL,
			snapshot_json TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) SaveEvent(ctx context.Context, ev model.BanLifecycleEvent) error {
	if s.db == nil {
		return nil
	}
	var expires any
	if !ev.ExpiresAt.IsZero() {
		expires = ev.ExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ban_events (ts, event_type, jail, address, expires_at, permanent, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.Timestamp.UTC(),
		string(ev.Type),
		ev.Jail,
		ev.Address,
		expires,
		boolToInt(ev.Permanent),
		ev.Error,
	)
	return err
}

func (s *sqliteStore) SaveSnapshot(ctx context.Context, snap model.StatsSnapshot) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (ts, total_bans, total_unbans, unique_addresses, snapshot_json)
		VALUES (?, ?, ?, ?, ?)`,
		nowUTC(),
		snap.TotalBans,
		snap.TotalUnbans,
		snap.UniqueAddresses,
		encodeJSON(snap),
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
