package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/masamong/recall/internal/backfill"
)

func newBackfillCmd(configPath *string) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Attach embeddings to messages that are missing one",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if a.embed == nil || a.embed.Dimension() == 0 {
				return fmt.Errorf("no embedding provider configured")
			}

			w := backfill.New(a.history, a.embed, a.log)
			if a.cfg.Backfill.BatchSize > 0 {
				w.BatchSize = a.cfg.Backfill.BatchSize
			}
			if a.cfg.Backfill.Interval.Std() > 0 {
				w.Interval = a.cfg.Backfill.Interval.Std()
			}

			if once {
				updated, err := w.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "updated %d messages\n", updated)
				return nil
			}
			return w.Run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}
