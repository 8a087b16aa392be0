package quotapool

import "fmt"

// BackendConfig configures a single backend: one credential against one
// model, with its own quota.
type BackendConfig struct {
	ID       string        `yaml:"id" json:"id"`
	Provider string        `yaml:"provider" json:"provider"`
	Model    string        `yaml:"model" json:"model"`
	Auth     Auth          `yaml:"auth" json:"auth"`
	Quota    QuotaSettings `yaml:"quota" json:"quota"`
}

// Backend is a named client owning exactly one Limiter.
type Backend struct {
	id       string
	model    string
	auth     Auth
	provider Provider
	limiter  *Limiter
}

// NewBackend builds a Backend from cfg. provider may be nil for backends
// that are only quota-tracked.
func NewBackend(cfg BackendConfig, provider Provider, opts ...LimiterOption) (*Backend, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("%w: backend id is required", ErrInvalidArgument)
	}

	opts = append([]LimiterOption{WithName(cfg.ID)}, opts...)
	limiter, err := NewLimiter(cfg.Quota, opts...)
	if err != nil {
		return nil, fmt.Errorf("quotapool: backend %s: %w", cfg.ID, err)
	}

	return &Backend{
		id:       cfg.ID,
		model:    cfg.Model,
		auth:     cfg.Auth,
		provider: provider,
		limiter:  limiter,
	}, nil
}

// ID returns the backend identity used for selection by key.
func (b *Backend) ID() string { return b.id }

// Model returns the model this backend calls.
func (b *Backend) Model() string { return b.model }

// Auth returns the backend credentials.
func (b *Backend) Auth() Auth { return b.auth }

// Provider returns the provider adapter, or nil.
func (b *Backend) Provider() Provider { return b.provider }

// Limiter returns the backend's quota limiter.
func (b *Backend) Limiter() *Limiter { return b.limiter }

// HasDayQuota reports whether the backend can still take requests today.
func (b *Backend) HasDayQuota() bool { return b.limiter.HasDayQuota() }
