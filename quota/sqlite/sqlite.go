// Package sqlite provides a file-backed SettingsStore for quotapool using the
// pure-Go modernc SQLite driver. It suits single-host deployments and the
// quotactl tool.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/ineyio/quotapool"
)

// Store is a SQLite-backed SettingsStore.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once

	saveStmt   *sql.Stmt
	loadStmt   *sql.Stmt
	deleteStmt *sql.Stmt
	listStmt   *sql.Stmt
}

var _ quotapool.SettingsStore = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", quotapool.ErrInvalidArgument)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("quotapool/sqlite: open: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("quotapool/sqlite: init schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("quotapool/sqlite: prepare: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS quota_settings (
		backend_id TEXT PRIMARY KEY,
		day_window_start TEXT NOT NULL,
		requests_per_day_used INTEGER NOT NULL DEFAULT 0,
		requests_per_day_limit INTEGER NOT NULL,
		requests_per_minute_limit INTEGER NOT NULL,
		tokens_per_minute_limit INTEGER NOT NULL,
		context_used INTEGER NOT NULL DEFAULT 0,
		context_limit INTEGER NOT NULL,
		raise_on_minute_limit INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`)
	return err
}

const columns = `day_window_start, requests_per_day_used, requests_per_day_limit,
	requests_per_minute_limit, tokens_per_minute_limit, context_used, context_limit,
	raise_on_minute_limit`

func (s *Store) prepareStatements() error {
	var err error

	s.saveStmt, err = s.db.Prepare(`
		INSERT INTO quota_settings (backend_id, ` + columns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (backend_id) DO UPDATE SET
			day_window_start = excluded.day_window_start,
			requests_per_day_used = excluded.requests_per_day_used,
			requests_per_day_limit = excluded.requests_per_day_limit,
			requests_per_minute_limit = excluded.requests_per_minute_limit,
			tokens_per_minute_limit = excluded.tokens_per_minute_limit,
			context_used = excluded.context_used,
			context_limit = excluded.context_limit,
			raise_on_minute_limit = excluded.raise_on_minute_limit,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}

	s.loadStmt, err = s.db.Prepare(`SELECT ` + columns + ` FROM quota_settings WHERE backend_id = ?`)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	s.deleteStmt, err = s.db.Prepare(`DELETE FROM quota_settings WHERE backend_id = ?`)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	s.listStmt, err = s.db.Prepare(`SELECT backend_id, ` + columns + ` FROM quota_settings ORDER BY backend_id`)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	return nil
}

// Save upserts qs for backendID.
func (s *Store) Save(ctx context.Context, backendID string, qs quotapool.QuotaSettings) error {
	_, err := s.saveStmt.ExecContext(ctx,
		backendID,
		qs.DayWindowStart.Format(time.RFC3339Nano),
		qs.RequestsPerDayUsed,
		qs.RequestsPerDayLimit,
		qs.RequestsPerMinuteLimit,
		qs.TokensPerMinuteLimit,
		qs.ContextUsed,
		qs.ContextLimit,
		qs.RaiseOnMinuteLimit,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("quotapool/sqlite: save %s: %w", backendID, err)
	}
	return nil
}

// Load returns the stored settings for backendID.
func (s *Store) Load(ctx context.Context, backendID string) (quotapool.QuotaSettings, bool, error) {
	qs, err := scan(s.loadStmt.QueryRowContext(ctx, backendID))
	if errors.Is(err, sql.ErrNoRows) {
		return quotapool.QuotaSettings{}, false, nil
	}
	if err != nil {
		return quotapool.QuotaSettings{}, false, fmt.Errorf("quotapool/sqlite: load %s: %w", backendID, err)
	}
	return qs, true, nil
}

// Delete removes the stored settings for backendID.
func (s *Store) Delete(ctx context.Context, backendID string) error {
	if _, err := s.deleteStmt.ExecContext(ctx, backendID); err != nil {
		return fmt.Errorf("quotapool/sqlite: delete %s: %w", backendID, err)
	}
	return nil
}

// List returns every stored backend's settings.
func (s *Store) List(ctx context.Context) (map[string]quotapool.QuotaSettings, error) {
	rows, err := s.listStmt.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("quotapool/sqlite: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]quotapool.QuotaSettings)
	for rows.Next() {
		var id string
		qs, err := scan(rows, &id)
		if err != nil {
			return nil, fmt.Errorf("quotapool/sqlite: list scan: %w", err)
		}
		out[id] = qs
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quotapool/sqlite: list: %w", err)
	}
	return out, nil
}

// Close releases the prepared statements and the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		for _, stmt := range []*sql.Stmt{s.saveStmt, s.loadStmt, s.deleteStmt, s.listStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		err = s.db.Close()
	})
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

// scan reads one settings row; prefix receives any leading columns.
func scan(row scanner, prefix ...any) (quotapool.QuotaSettings, error) {
	var (
		qs    quotapool.QuotaSettings
		start string
	)
	dest := append(prefix,
		&start,
		&qs.RequestsPerDayUsed,
		&qs.RequestsPerDayLimit,
		&qs.RequestsPerMinuteLimit,
		&qs.TokensPerMinuteLimit,
		&qs.ContextUsed,
		&qs.ContextLimit,
		&qs.RaiseOnMinuteLimit,
	)
	if err := row.Scan(dest...); err != nil {
		return quotapool.QuotaSettings{}, err
	}

	t, err := time.Parse(time.RFC3339Nano, start)
	if err != nil {
		return quotapool.QuotaSettings{}, fmt.Errorf("day_window_start: %w", err)
	}
	qs.DayWindowStart = t
	return qs, nil
}
