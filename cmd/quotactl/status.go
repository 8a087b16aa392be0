package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print day, minute and context usage per backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd.Context(), cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "BACKEND\tMODEL\tDAY\tDAY START\tRPM\tTPM\tCONTEXT\tSTATE")
			for _, b := range e.pool.Backends() {
				l := b.Limiter()
				day, minute, ctxUsage := l.DayUsage(), l.MinuteUsage(), l.ContextUsage()

				state := "ok"
				switch {
				case l.Exhausted():
					state = "exhausted"
				case !l.HasContextBudget():
					state = "context-full"
				}

				fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%d/%d\t%d/%d\t%d/%d\t%s\n",
					b.ID(), b.Model(),
					day.Used, day.Limit, day.WindowStart.Format(time.DateOnly),
					minute.UsedRequests, minute.RequestLimit,
					minute.UsedTokens, minute.TokenLimit,
					ctxUsage.Used, ctxUsage.Limit,
					state,
				)
			}
			return tw.Flush()
		},
	}
}
