package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotapool"
	"github.com/ineyio/quotapool/quota/sqlite"
)

// Version is set by build flags.
var Version = "0.1.0"

type options struct {
	cfgFile string
	dbPath  string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "quotactl",
		Short: "Inspect and adjust persisted backend quotas",
		Long: `quotactl reads a pool config and the SQLite quota store written by a
running pool, and lets an operator inspect or adjust per-backend counters.

A running pool whose snapshotter shares the store picks up close-day at its
next snapshot. clear-context and reset only lower stored counters, which a
running pool overwrites on its next snapshot; stop the pool first.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&opts.cfgFile, "config", "c", "quotapool.yaml", "pool config file path")
	root.PersistentFlags().StringVar(&opts.dbPath, "db", "quota.db", "SQLite quota store path")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newStatusCmd(opts),
		newCloseDayCmd(opts),
		newClearContextCmd(opts),
		newResetCmd(opts),
	)
	return root
}

func (o *options) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// env is a pool restored from the quota store.
type env struct {
	pool  *quotapool.Pool
	store *sqlite.Store
	log   *slog.Logger
}

func (o *options) open(ctx context.Context, cmd *cobra.Command) (*env, error) {
	log := o.logger(cmd)

	cfg, err := quotapool.LoadConfig(o.cfgFile)
	if err != nil {
		return nil, err
	}

	// quotactl never calls providers, so backends are built quota-only.
	configs := cfg.BackendConfigs()
	for i := range configs {
		configs[i].Provider = ""
	}

	pool, err := quotapool.NewPool(configs)
	if err != nil {
		return nil, err
	}

	store, err := sqlite.Open(o.dbPath)
	if err != nil {
		return nil, err
	}

	if err := pool.RestoreFrom(ctx, store); err != nil {
		store.Close()
		return nil, err
	}

	log.Debug("pool restored", "config", o.cfgFile, "db", o.dbPath, "backends", pool.Len())
	return &env{pool: pool, store: store, log: log}, nil
}

func (e *env) Close() error { return e.store.Close() }

func (e *env) backend(id string) (*quotapool.Backend, error) {
	i, ok := e.pool.IndexOf(id)
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q", quotapool.ErrInvalidArgument, id)
	}
	return e.pool.Backends()[i], nil
}
