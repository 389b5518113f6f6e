package storage

import (
	"context"
	"database/sql"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"banguard/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/banguard?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ban_events (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			event_type TEXT NOT NULL,
			jail TEXT NOT NULL,
			address TEXT NOT NULL,
			expires_at TIMESTAMPTZ,
			permanent BOOLEAN NOT NULL DEFAULT FALSE,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ban_events_ts ON ban_events(ts)`,
		`CREATE INDEX IF NOT EXISTS idx_ban_events_addr ON ban_events(jail, address)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id BIGSERIAL PRIMARY KEY,
			ts TIMESTAMPTZ NOT NULL,
			total_bans INTEGER NOT NULL,
			total_unbans INTEGER NOT NULL,
			unique_addresses INTEGER NOT NULL,
			snapshot_json JSONB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) SaveEvent(ctx context.Context, ev model.BanLifecycleEvent) error {
	if s.db == nil {
		return nil
	}
	var expires any
	if !ev.ExpiresAt.IsZero() {
		expires = ev.ExpiresAt.UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ban_events (ts, event_type, jail, address, expires_at, permanent, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		ev.Timestamp.UTC(),
		string(ev.Type),
		ev.Jail,
		ev.Address,
		expires,
		ev.Permanent,
		ev.Error,
	)
	return err
}

func (s *postgresStore) SaveSnapshot(ctx context.Context, snap model.StatsSnapshot) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (ts, total_bans, total_unbans, unique_addresses, snapshot_json)
		VALUES ($1, $2, $3, $4, $5)`,
		nowUTC(),
		snap.TotalBans,
		snap.TotalUnbans,
		snap.UniqueAddresses,
		encodeJSON(snap),
	)
	return err
}
