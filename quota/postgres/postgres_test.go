//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ineyio/quotapool"
	quotapg "github.com/ineyio/quotapool/quota/postgres"
)

func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		dsn = "postgres://localhost:5432/quotapool_test?sslmode=disable"
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("pgxpool: %v", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		t.Fatalf("postgres not available: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

func newTestStore(t *testing.T, pool *pgxpool.Pool) *quotapg.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := fmt.Sprintf("test_%s_", strings.ToLower(t.Name()))
	s := quotapg.New(pool, quotapg.WithTablePrefix(prefix))

	ctx := context.Background()
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %ssettings", prefix))
	})
	return s
}

func testSettings() quotapool.QuotaSettings {
	return quotapool.QuotaSettings{
		DayWindowStart:         time.Date(2026, 3, 14, 0, 0, 0, 0, quotapool.DefaultZone),
		RequestsPerDayUsed:     42,
		RequestsPerDayLimit:    1500,
		RequestsPerMinuteLimit: 15,
		TokensPerMinuteLimit:   1_000_000,
		ContextUsed:            1200,
		ContextLimit:           32000,
		RaiseOnMinuteLimit:     true,
	}
}

func TestSaveAndLoad(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	want := testSettings()
	if err := store.Save(ctx, "key-a", want); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, ok, err := store.Load(ctx, "key-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected stored settings")
	}
	if !got.DayWindowStart.Equal(want.DayWindowStart) {
		t.Fatalf("day window: got %v, want %v", got.DayWindowStart, want.DayWindowStart)
	}
	got.DayWindowStart = want.DayWindowStart
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestLoadMissing(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)

	_, ok, err := store.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected no settings")
	}
}

func TestUpsertAndList(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	s := testSettings()
	for _, id := range []string{"key-a", "key-b"} {
		if err := store.Save(ctx, id, s); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	s.RequestsPerDayUsed = 99
	if err := store.Save(ctx, "key-a", s); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.Delete(ctx, "key-b"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(all))
	}
	if all["key-a"].RequestsPerDayUsed != 99 {
		t.Fatalf("expected upserted value 99, got %d", all["key-a"].RequestsPerDayUsed)
	}
}

func TestConcurrentSaves(t *testing.T) {
	pool := newTestPool(t)
	store := newTestStore(t, pool)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s := testSettings()
			s.RequestsPerDayUsed = int64(n)
			if err := store.Save(ctx, "key-a", s); err != nil {
				t.Errorf("save: %v", err)
			}
		}(i)
	}
	wg.Wait()

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected a single row, got %d", len(all))
	}
}
