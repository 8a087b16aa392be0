// Package quota provides SettingsStore implementations and a scheduled
// snapshotter for quotapool pools.
package quota

import (
	"context"
	"sync"

	"github.com/ineyio/quotapool"
)

// MemoryStore is an in-memory SettingsStore. It does not survive a restart
// and is mainly useful for tests and single-process tools.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]quotapool.QuotaSettings
}

var _ quotapool.SettingsStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]quotapool.QuotaSettings)}
}

func (s *MemoryStore) Save(_ context.Context, backendID string, qs quotapool.QuotaSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[backendID] = qs
	return nil
}

func (s *MemoryStore) Load(_ context.Context, backendID string) (quotapool.QuotaSettings, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	qs, ok := s.settings[backendID]
	return qs, ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, backendID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.settings, backendID)
	return nil
}

func (s *MemoryStore) List(_ context.Context) (map[string]quotapool.QuotaSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]quotapool.QuotaSettings, len(s.settings))
	for id, qs := range s.settings {
		out[id] = qs
	}
	return out, nil
}
