//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotapool"
	quotaredis "github.com/ineyio/quotapool/quota/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *quotaredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := quotaredis.New(client, quotaredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
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
	client := newTestClient(t)
	store := newTestStore(t, client)
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
	client := newTestClient(t)
	store := newTestStore(t, client)

	_, ok, err := store.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ok {
		t.Fatal("expected no settings")
	}
}

func TestSaveOverwrites(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	s := testSettings()
	if err := store.Save(ctx, "key-a", s); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.RequestsPerDayUsed = 43
	s.RaiseOnMinuteLimit = false
	if err := store.Save(ctx, "key-a", s); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, _, err := store.Load(ctx, "key-a")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.RequestsPerDayUsed != 43 || got.RaiseOnMinuteLimit {
		t.Fatalf("unexpected settings after overwrite: %+v", got)
	}
}

func TestListAndDelete(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	for _, id := range []string{"key-a", "key-b", "key-c"} {
		if err := store.Save(ctx, id, testSettings()); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	if err := store.Delete(ctx, "key-b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	// Deleting twice is fine.
	if err := store.Delete(ctx, "key-b"); err != nil {
		t.Fatalf("delete again: %v", err)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if _, ok := all["key-b"]; ok {
		t.Fatal("deleted entry still listed")
	}
}

func TestPoolRoundTrip(t *testing.T) {
	client := newTestClient(t)
	store := newTestStore(t, client)
	ctx := context.Background()

	cfg := []quotapool.BackendConfig{{ID: "key-a", Model: "m", Quota: testSettings()}}
	cfg[0].Quota.DayWindowStart = time.Time{}
	cfg[0].Quota.RequestsPerDayUsed = 0
	cfg[0].Quota.ContextUsed = 0

	pool, err := quotapool.NewPool(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	b, _ := pool.Current()
	if err := b.Limiter().RecordUsage(ctx, 10); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := pool.SaveTo(ctx, store); err != nil {
		t.Fatalf("save pool: %v", err)
	}

	restored, err := quotapool.NewPool(cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	if err := restored.RestoreFrom(ctx, store); err != nil {
		t.Fatalf("restore: %v", err)
	}
	rb, _ := restored.Current()
	if got := rb.Limiter().DayUsage().Used; got != 1 {
		t.Fatalf("expected day used 1 after restore, got %d", got)
	}
}
