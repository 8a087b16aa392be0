package quotapool

import (
	"context"
	"fmt"
	"sync"
)

// Pool is an ordered set of backends, each tracked by its own Limiter, plus
// a current selection that may be absent.
//
// A Pool is safe for concurrent use; selection changes are serialized.
type Pool struct {
	mu        sync.Mutex
	backends  []*Backend
	current   int // -1 when nothing is selected
	providers map[string]Provider
	limOpts   []LimiterOption
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithProviders registers provider adapters by name. A backend naming a
// provider that was not registered fails to build.
func WithProviders(providers ...Provider) PoolOption {
	return func(p *Pool) {
		for _, prov := range providers {
			p.providers[prov.Name()] = prov
		}
	}
}

// WithLimiterOptions applies opts to every limiter the pool builds.
func WithLimiterOptions(opts ...LimiterOption) PoolOption {
	return func(p *Pool) { p.limOpts = append(p.limOpts, opts...) }
}

// NewPool builds a pool from configs. The initial selection is the first
// backend with day quota; a pool where every backend is exhausted is valid
// and simply has no selection.
func NewPool(configs []BackendConfig, opts ...PoolOption) (*Pool, error) {
	p := &Pool{
		current:   -1,
		providers: make(map[string]Provider),
	}
	for _, opt := range opts {
		opt(p)
	}

	if err := p.Reset(configs); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Pool) build(configs []BackendConfig) ([]*Backend, error) {
	backends := make([]*Backend, 0, len(configs))
	for _, cfg := range configs {
		var prov Provider
		if cfg.Provider != "" {
			var ok bool
			prov, ok = p.providers[cfg.Provider]
			if !ok {
				return nil, fmt.Errorf("%w: backend %s: unknown provider %q", ErrInvalidArgument, cfg.ID, cfg.Provider)
			}
		}

		b, err := NewBackend(cfg, prov, p.limOpts...)
		if err != nil {
			return nil, err
		}
		backends = append(backends, b)
	}
	return backends, nil
}

// Reset discards every backend and builds a fresh set from configs. On error
// the pool is left untouched. The selection is re-seeded to the first
// backend with day quota.
func (p *Pool) Reset(configs []BackendConfig) error {
	backends, err := p.build(configs)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.backends = backends
	p.current = p.lowestQuotaAvailable()
	return nil
}

// Reconfigure replaces the backend set with configs like Reset, but a
// backend whose ID was already in the pool keeps its Limiter: only the
// limits change, and counters above a new limit are clamped. Requests
// admitted concurrently, including through a *Backend obtained before the
// call, are therefore never lost. On error the pool is left untouched. The
// selection stays on the same backend ID when it still has day quota.
func (p *Pool) Reconfigure(configs []BackendConfig) error {
	backends, err := p.build(configs)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := make(map[string]*Limiter, len(p.backends))
	for _, b := range p.backends {
		old[b.id] = b.limiter
	}
	for i, b := range backends {
		l, ok := old[b.id]
		if !ok {
			continue
		}
		// build validated configs[i].Quota.
		l.setLimits(configs[i].Quota)
		b.limiter = l
	}

	var currentID string
	if b, ok := p.selected(); ok {
		currentID = b.id
	}
	p.backends = backends
	if i := p.indexOf(currentID); i >= 0 && p.backends[i].HasDayQuota() {
		p.current = i
	} else {
		p.current = p.lowestQuotaAvailable()
	}
	return nil
}

// Len returns the number of backends.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backends)
}

// Backends returns the backends in pool order.
func (p *Pool) Backends() []*Backend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Backend, len(p.backends))
	copy(out, p.backends)
	return out
}

// IndexOf returns the position of the first backend whose ID is key.
func (p *Pool) IndexOf(key string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexOf(key)
	return i, i >= 0
}

func (p *Pool) indexOf(key string) int {
	for i, b := range p.backends {
		if b.id == key {
			return i
		}
	}
	return -1
}

// SelectOption chooses a backend in Select.
type SelectOption func(*selector)

type selector struct {
	index    int
	key      string
	hasIndex bool
	hasKey   bool
}

// ByIndex selects the backend at position i.
func ByIndex(i int) SelectOption {
	return func(s *selector) { s.index, s.hasIndex = i, true }
}

// ByKey selects the backend whose ID is key.
func ByKey(key string) SelectOption {
	return func(s *selector) { s.key, s.hasKey = key, true }
}

// Select moves the current selection and returns the selected backend.
// With no options the selection is left as is. Selecting by both index and
// key fails with ErrInvalidArgument. An unknown key or out-of-range index
// clears the selection and returns ok=false; that is not an error.
func (p *Pool) Select(opts ...SelectOption) (b *Backend, ok bool, err error) {
	var s selector
	for _, opt := range opts {
		opt(&s)
	}
	if s.hasIndex && s.hasKey {
		return nil, false, fmt.Errorf("%w: select by index and key at once", ErrInvalidArgument)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case s.hasKey:
		p.current = p.indexOf(s.key)
	case s.hasIndex:
		if s.index >= 0 && s.index < len(p.backends) {
			p.current = s.index
		} else {
			p.current = -1
		}
	}

	b, ok = p.selected()
	return b, ok, nil
}

// Current returns the selected backend without moving the selection.
func (p *Pool) Current() (*Backend, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.selected()
}

func (p *Pool) selected() (*Backend, bool) {
	if p.current < 0 || p.current >= len(p.backends) {
		return nil, false
	}
	return p.backends[p.current], true
}

// Next advances the selection by one, wrapping around, and returns the
// newly selected backend. From no selection it moves to the first backend.
func (p *Pool) Next() (*Backend, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.backends) == 0 {
		p.current = -1
		return nil, false
	}
	if p.current < 0 {
		p.current = 0
	} else {
		p.current = (p.current + 1) % len(p.backends)
	}
	return p.selected()
}

// LowestQuotaAvailableIndex returns the position of the first backend that
// still has day quota.
func (p *Pool) LowestQuotaAvailableIndex() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.lowestQuotaAvailable()
	return i, i >= 0
}

func (p *Pool) lowestQuotaAvailable() int {
	for i, b := range p.backends {
		if b.HasDayQuota() {
			return i
		}
	}
	return -1
}

// HasUsableBackend reports whether any backend still has day quota.
func (p *Pool) HasUsableBackend() bool {
	_, ok := p.LowestQuotaAvailableIndex()
	return ok
}

// Snapshot returns the settings of every backend keyed by backend ID.
func (p *Pool) Snapshot() map[string]QuotaSettings {
	out := make(map[string]QuotaSettings)
	for _, b := range p.Backends() {
		out[b.id] = b.limiter.Settings()
	}
	return out
}

// SaveTo persists every backend's settings to store.
func (p *Pool) SaveTo(ctx context.Context, store SettingsStore) error {
	for id, s := range p.Snapshot() {
		if err := store.Save(ctx, id, s); err != nil {
			return fmt.Errorf("quotapool: save %s: %w", id, err)
		}
	}
	return nil
}

// SyncTo is SaveTo for a store that other processes may also write, such
// as an operator closing a day. Before each backend is saved, a higher day
// usage already stored for the same day window is merged into its limiter.
// Context usage is not merged.
func (p *Pool) SyncTo(ctx context.Context, store SettingsStore) error {
	for _, b := range p.Backends() {
		stored, ok, err := store.Load(ctx, b.id)
		if err != nil {
			return fmt.Errorf("quotapool: load %s: %w", b.id, err)
		}
		if ok {
			b.limiter.MergeDayUsage(stored.DayWindowStart, stored.RequestsPerDayUsed)
		}
		if err := store.Save(ctx, b.id, b.limiter.Settings()); err != nil {
			return fmt.Errorf("quotapool: save %s: %w", b.id, err)
		}
	}
	return nil
}

// RestoreFrom loads persisted counters for every backend found in store and
// applies them on top of the backend's configured limits. Backends without
// stored state are left alone.
func (p *Pool) RestoreFrom(ctx context.Context, store SettingsStore) error {
	for _, b := range p.Backends() {
		stored, ok, err := store.Load(ctx, b.id)
		if err != nil {
			return fmt.Errorf("quotapool: load %s: %w", b.id, err)
		}
		if !ok {
			continue
		}
		if err := RestoreCounters(b.limiter, stored); err != nil {
			return fmt.Errorf("quotapool: restore %s: %w", b.id, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.selected(); !ok || !p.backends[p.current].HasDayQuota() {
		p.current = p.lowestQuotaAvailable()
	}
	return nil
}

// RestoreCounters copies the day window, day usage and context usage from
// stored onto l, keeping l's current limits. Stored usage above a limit is
// clamped to it.
func RestoreCounters(l *Limiter, stored QuotaSettings) error {
	s := l.Settings()
	s.DayWindowStart = stored.DayWindowStart
	s.RequestsPerDayUsed = min(stored.RequestsPerDayUsed, s.RequestsPerDayLimit)
	s.ContextUsed = min(stored.ContextUsed, s.ContextLimit)
	return l.SetSettings(s)
}
