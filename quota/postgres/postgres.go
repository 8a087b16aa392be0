// Package postgres provides a PostgreSQL-backed SettingsStore for quotapool.
//
// Settings are stored one row per backend and written with an upsert, so
// several processes can share the same table and survive restarts.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotapool"
)

// Store is a PostgreSQL-backed SettingsStore.
type Store struct {
	pool        *pgxpool.Pool
	tablePrefix string
}

var _ quotapool.SettingsStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithTablePrefix sets the table name prefix (default "quotapool_").
func WithTablePrefix(prefix string) Option {
	return func(s *Store) { s.tablePrefix = prefix }
}

// New creates a new PostgreSQL-backed SettingsStore.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:        pool,
		tablePrefix: "quotapool_",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) settingsTable() string { return s.tablePrefix + "settings" }

const columns = `day_window_start, requests_per_day_used, requests_per_day_limit,
	requests_per_minute_limit, tokens_per_minute_limit, context_used, context_limit,
	raise_on_minute_limit`

// EnsureSchema creates the settings table if it doesn't exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			backend_id TEXT PRIMARY KEY,
			day_window_start TIMESTAMPTZ NOT NULL,
			requests_per_day_used BIGINT NOT NULL DEFAULT 0,
			requests_per_day_limit BIGINT NOT NULL,
			requests_per_minute_limit BIGINT NOT NULL,
			tokens_per_minute_limit BIGINT NOT NULL,
			context_used BIGINT NOT NULL DEFAULT 0,
			context_limit BIGINT NOT NULL,
			raise_on_minute_limit BOOLEAN NOT NULL DEFAULT false,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`, s.settingsTable())
	_, err := s.pool.Exec(ctx, q)
	if err != nil {
		return fmt.Errorf("quotapool/postgres: ensure schema: %w", err)
	}
	return nil
}

// Save upserts qs for backendID.
func (s *Store) Save(ctx context.Context, backendID string, qs quotapool.QuotaSettings) error {
	q := fmt.Sprintf(`
		INSERT INTO %s (backend_id, %s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (backend_id) DO UPDATE SET
			day_window_start = EXCLUDED.day_window_start,
			requests_per_day_used = EXCLUDED.requests_per_day_used,
			requests_per_day_limit = EXCLUDED.requests_per_day_limit,
			requests_per_minute_limit = EXCLUDED.requests_per_minute_limit,
			tokens_per_minute_limit = EXCLUDED.tokens_per_minute_limit,
			context_used = EXCLUDED.context_used,
			context_limit = EXCLUDED.context_limit,
			raise_on_minute_limit = EXCLUDED.raise_on_minute_limit,
			updated_at = now()`, s.settingsTable(), columns)

	_, err := s.pool.Exec(ctx, q,
		backendID,
		qs.DayWindowStart,
		qs.RequestsPerDayUsed,
		qs.RequestsPerDayLimit,
		qs.RequestsPerMinuteLimit,
		qs.TokensPerMinuteLimit,
		qs.ContextUsed,
		qs.ContextLimit,
		qs.RaiseOnMinuteLimit,
	)
	if err != nil {
		return fmt.Errorf("quotapool/postgres: save %s: %w", backendID, err)
	}
	return nil
}

// Load returns the stored settings for backendID.
func (s *Store) Load(ctx context.Context, backendID string) (quotapool.QuotaSettings, bool, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE backend_id = $1`, columns, s.settingsTable()),
		backendID,
	)

	qs, err := scanSettings(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return quotapool.QuotaSettings{}, false, nil
	}
	if err != nil {
		return quotapool.QuotaSettings{}, false, fmt.Errorf("quotapool/postgres: load %s: %w", backendID, err)
	}
	return qs, true, nil
}

// Delete removes the stored settings for backendID.
func (s *Store) Delete(ctx context.Context, backendID string) error {
	_, err := s.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE backend_id = $1`, s.settingsTable()),
		backendID,
	)
	if err != nil {
		return fmt.Errorf("quotapool/postgres: delete %s: %w", backendID, err)
	}
	return nil
}

// List returns every stored backend's settings.
func (s *Store) List(ctx context.Context) (map[string]quotapool.QuotaSettings, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT backend_id, %s FROM %s`, columns, s.settingsTable()),
	)
	if err != nil {
		return nil, fmt.Errorf("quotapool/postgres: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]quotapool.QuotaSettings)
	for rows.Next() {
		var (
			id string
			qs quotapool.QuotaSettings
		)
		err := rows.Scan(&id,
			&qs.DayWindowStart,
			&qs.RequestsPerDayUsed,
			&qs.RequestsPerDayLimit,
			&qs.RequestsPerMinuteLimit,
			&qs.TokensPerMinuteLimit,
			&qs.ContextUsed,
			&qs.ContextLimit,
			&qs.RaiseOnMinuteLimit,
		)
		if err != nil {
			return nil, fmt.Errorf("quotapool/postgres: list scan: %w", err)
		}
		out[id] = qs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotapool/postgres: list: %w", err)
	}
	return out, nil
}

func scanSettings(row pgx.Row) (quotapool.QuotaSettings, error) {
	var qs quotapool.QuotaSettings
	err := row.Scan(
		&qs.DayWindowStart,
		&qs.RequestsPerDayUsed,
		&qs.RequestsPerDayLimit,
		&qs.RequestsPerMinuteLimit,
		&qs.TokensPerMinuteLimit,
		&qs.ContextUsed,
		&qs.ContextLimit,
		&qs.RaiseOnMinuteLimit,
	)
	return qs, err
}
