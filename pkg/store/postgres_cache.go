package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type pgDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

const ledgerSchemaSQL = `
CREATE TABLE IF NOT EXISTS ledger_entries (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS ledger_entries_expires_at_idx ON ledger_entries (expires_at) WHERE expires_at IS NOT NULL;
`

// PostgresCache keeps ledger values in a single table. Expired rows are
// invisible to reads and may be overwritten by SetNX; PurgeExpired reclaims them.
type PostgresCache struct {
	db  pgDB
	now func() time.Time
}

func NewPostgresCache(db pgDB) *PostgresCache {
	return &PostgresCache{db: db, now: time.Now}
}

func (p *PostgresCache) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, ledgerSchemaSQL); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

func (p *PostgresCache) SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	now := p.now().UTC()
	cmd, err := p.db.Exec(ctx, `
		INSERT INTO ledger_entries(key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
		WHERE ledger_entries.expires_at IS NOT NULL AND ledger_entries.expires_at <= $4
	`, key, value, expiresAt(now, ttl), now)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() == 1, nil
}

func (p *PostgresCache) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := p.db.QueryRow(ctx, `
		SELECT value FROM ledger_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, key, p.now().UTC()).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

func (p *PostgresCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	now := p.now().UTC()
	_, err := p.db.Exec(ctx, `
		INSERT INTO ledger_entries(key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
	`, key, value, expiresAt(now, ttl), now)
	return err
}

func (p *PostgresCache) Del(ctx context.Context, key string) error {
	_, err := p.db.Exec(ctx, `DELETE FROM ledger_entries WHERE key = $1`, key)
	return err
}

func (p *PostgresCache) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// PurgeExpired deletes rows whose expiry has passed and reports how many.
func (p *PostgresCache) PurgeExpired(ctx context.Context) (int64, error) {
	cmd, err := p.db.Exec(ctx, `DELETE FROM ledger_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, p.now().UTC())
	if err != nil {
		return 0, err
	}
	return cmd.RowsAffected(), nil
}

func expiresAt(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		return nil
	}
	at := now.Add(ttl)
	return &at
}
