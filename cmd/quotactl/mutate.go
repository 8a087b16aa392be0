package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ineyio/quotapool"
)

func newCloseDayCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "close-day <backend>",
		Short: "Mark a backend's daily quota as used up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.mutate(cmd, args[0], func(b *quotapool.Backend) {
				b.Limiter().CloseDayLimit()
			})
		},
	}
}

func newClearContextCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-context <backend>",
		Short: "Empty a backend's context budget (pool must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.mutate(cmd, args[0], func(b *quotapool.Backend) {
				b.Limiter().ClearContext()
			})
		},
	}
}

func newResetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <backend>",
		Short: "Delete the persisted state of a backend (pool must be stopped)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := opts.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			id := args[0]
			if _, err := e.backend(id); err != nil {
				return err
			}
			if err := e.store.Delete(ctx, id); err != nil {
				return err
			}

			e.log.Info("state deleted", "backend", id)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: reset\n", id)
			return nil
		},
	}
}

// mutate applies fn to one backend and persists its settings.
func (o *options) mutate(cmd *cobra.Command, id string, fn func(*quotapool.Backend)) error {
	ctx := cmd.Context()
	e, err := o.open(ctx, cmd)
	if err != nil {
		return err
	}
	defer e.Close()

	b, err := e.backend(id)
	if err != nil {
		return err
	}
	fn(b)

	if err := e.store.Save(ctx, id, b.Limiter().Settings()); err != nil {
		return fmt.Errorf("save %s: %w", id, err)
	}

	day, ctxUsage := b.Limiter().DayUsage(), b.Limiter().ContextUsage()
	e.log.Debug("state saved", "backend", id, "day_used", day.Used, "context_used", ctxUsage.Used)
	fmt.Fprintf(cmd.OutOrStdout(), "%s: day %d/%d, context %d/%d\n",
		id, day.Used, day.Limit, ctxUsage.Used, ctxUsage.Limit)
	return nil
}
