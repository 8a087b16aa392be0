package quotapool

import "context"

// SettingsStore persists QuotaSettings per backend so that daily usage
// survives a process restart.
type SettingsStore interface {
	// Save stores s for backendID, replacing any previous value.
	Save(ctx context.Context, backendID string, s QuotaSettings) error

	// Load returns the stored settings for backendID. ok is false if none exist.
	Load(ctx context.Context, backendID string) (s QuotaSettings, ok bool, err error)

	// Delete removes the stored settings for backendID. Deleting a missing entry is not an error.
	Delete(ctx context.Context, backendID string) error

	// List returns every stored entry keyed by backend ID.
	List(ctx context.Context) (map[string]QuotaSettings, error)
}
