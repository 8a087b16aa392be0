// Package redis provides a Redis-backed SettingsStore for quotapool.
//
// Each backend's settings live in one hash; a set indexes the stored
// backend IDs so List does not need SCAN. This makes the counters shareable
// across processes that restore from the same Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/quotapool"
)

// Store is a Redis-backed SettingsStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
}

var _ quotapool.SettingsStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "quotapool:settings:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// New creates a new Redis-backed SettingsStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "quotapool:settings:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) backendKey(backendID string) string {
	return s.keyPrefix + backendID
}

func (s *Store) indexKey() string {
	return s.keyPrefix + "_index"
}

// saveScript replaces a backend hash and indexes it in one step.
// KEYS[1] = backend hash key
// KEYS[2] = index set key
// ARGV[1] = backend ID
// ARGV[2..] = field/value pairs
var saveScript = goredis.NewScript(`
redis.call("DEL", KEYS[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 2))
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

// Save stores qs for backendID, replacing any previous value.
func (s *Store) Save(ctx context.Context, backendID string, qs quotapool.QuotaSettings) error {
	args := append([]any{backendID}, encode(qs)...)
	if err := saveScript.Run(ctx, s.client, []string{s.backendKey(backendID), s.indexKey()}, args...).Err(); err != nil {
		return fmt.Errorf("quotapool/redis: save %s: %w", backendID, err)
	}
	return nil
}

// Load returns the stored settings for backendID.
func (s *Store) Load(ctx context.Context, backendID string) (quotapool.QuotaSettings, bool, error) {
	vals, err := s.client.HGetAll(ctx, s.backendKey(backendID)).Result()
	if err != nil {
		return quotapool.QuotaSettings{}, false, fmt.Errorf("quotapool/redis: load %s: %w", backendID, err)
	}
	if len(vals) == 0 {
		return quotapool.QuotaSettings{}, false, nil
	}

	qs, err := decode(vals)
	if err != nil {
		return quotapool.QuotaSettings{}, false, fmt.Errorf("quotapool/redis: load %s: %w", backendID, err)
	}
	return qs, true, nil
}

// Delete removes the stored settings for backendID.
func (s *Store) Delete(ctx context.Context, backendID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.backendKey(backendID))
		pipe.SRem(ctx, s.indexKey(), backendID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("quotapool/redis: delete %s: %w", backendID, err)
	}
	return nil
}

// List returns every indexed backend's settings.
func (s *Store) List(ctx context.Context) (map[string]quotapool.QuotaSettings, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("quotapool/redis: list: %w", err)
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.backendKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quotapool/redis: list: %w", err)
	}

	out := make(map[string]quotapool.QuotaSettings, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			// Indexed but expired or deleted out of band.
			continue
		}
		qs, err := decode(vals)
		if err != nil {
			return nil, fmt.Errorf("quotapool/redis: list %s: %w", id, err)
		}
		out[id] = qs
	}
	return out, nil
}

func encode(qs quotapool.QuotaSettings) []any {
	raise := "0"
	if qs.RaiseOnMinuteLimit {
		raise = "1"
	}
	return []any{
		"day_window_start", qs.DayWindowStart.Format(time.RFC3339Nano),
		"requests_per_day_used", qs.RequestsPerDayUsed,
		"requests_per_day_limit", qs.RequestsPerDayLimit,
		"requests_per_minute_limit", qs.RequestsPerMinuteLimit,
		"tokens_per_minute_limit", qs.TokensPerMinuteLimit,
		"context_used", qs.ContextUsed,
		"context_limit", qs.ContextLimit,
		"raise_on_minute_limit", raise,
	}
}

func decode(vals map[string]string) (quotapool.QuotaSettings, error) {
	var (
		qs   quotapool.QuotaSettings
		errs []error
	)

	if v := vals["day_window_start"]; v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			errs = append(errs, fmt.Errorf("day_window_start: %w", err))
		}
		qs.DayWindowStart = t
	}

	ints := []struct {
		field string
		dst   *int64
	}{
		{"requests_per_day_used", &qs.RequestsPerDayUsed},
		{"requests_per_day_limit", &qs.RequestsPerDayLimit},
		{"requests_per_minute_limit", &qs.RequestsPerMinuteLimit},
		{"tokens_per_minute_limit", &qs.TokensPerMinuteLimit},
		{"context_used", &qs.ContextUsed},
		{"context_limit", &qs.ContextLimit},
	}
	for _, f := range ints {
		v, ok := vals[f.field]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.field, err))
			continue
		}
		*f.dst = n
	}

	qs.RaiseOnMinuteLimit = vals["raise_on_minute_limit"] == "1"
	return qs, errors.Join(errs...)
}
