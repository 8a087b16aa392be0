package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ineyio/quotapool"
)

// DefaultSchedule saves every minute.
const DefaultSchedule = "@every 1m"

// Snapshotter periodically saves a pool's counters to a SettingsStore so that
// a restarted process can restore them.
type Snapshotter struct {
	pool     *quotapool.Pool
	store    quotapool.SettingsStore
	schedule string
	cron     *cron.Cron
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// SnapshotOption configures a Snapshotter.
type SnapshotOption func(*Snapshotter)

// WithSchedule sets the cron expression (standard five fields or a
// descriptor such as "@every 30s").
func WithSchedule(spec string) SnapshotOption {
	return func(s *Snapshotter) { s.schedule = spec }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SnapshotOption {
	return func(s *Snapshotter) { s.logger = l }
}

// NewSnapshotter creates a Snapshotter for pool.
func NewSnapshotter(pool *quotapool.Pool, store quotapool.SettingsStore, opts ...SnapshotOption) *Snapshotter {
	s := &Snapshotter{
		pool:     pool,
		store:    store,
		schedule: DefaultSchedule,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "quota.snapshotter")
	return s
}

// Start schedules saves until ctx is cancelled or Stop is called. A stopped
// Snapshotter may be started again.
func (s *Snapshotter) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("%w: invalid snapshot schedule %q: %v", quotapool.ErrInvalidArgument, s.schedule, err)
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("quotapool: schedule snapshots: %w", err)
	}

	stop := make(chan struct{})
	s.cron, s.stop, s.running = c, stop, true
	c.Start()
	s.logger.Info("snapshotter started", "schedule", s.schedule)

	go func() {
		select {
		case <-ctx.Done():
			s.stopCron(c)
		case <-stop:
		}
	}()

	return nil
}

// Flush merges the stored day usage into the pool and saves it, so that a
// day closed in the store by another process stays closed.
func (s *Snapshotter) Flush(ctx context.Context) error {
	return s.pool.SyncTo(ctx, s.store)
}

func (s *Snapshotter) run(ctx context.Context) {
	if err := s.Flush(ctx); err != nil {
		s.logger.Error("snapshot failed", "error", err)
		return
	}
	s.logger.Debug("snapshot saved", "backends", s.pool.Len())
}

// Stop stops the schedule and waits for a running save to finish.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// stopCron stops the schedule only if c is still the active one.
func (s *Snapshotter) stopCron(c *cron.Cron) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == c {
		s.stopLocked()
	}
}

func (s *Snapshotter) stopLocked() {
	if !s.running {
		return
	}
	close(s.stop)
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("snapshotter stopped")
}

// Running reports whether the schedule is active.
func (s *Snapshotter) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled save, or false when not running.
func (s *Snapshotter) NextRun() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return time.Time{}, false
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}, false
	}
	return entries[0].Next, true
}
