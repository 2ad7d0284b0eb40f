package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show history and embedding coverage counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			total, missing, err := a.history.CountMessages(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "messages:            %d\n", total)
			fmt.Fprintf(out, "missing embeddings:  %d\n", missing)
			for _, archive := range a.archives {
				fmt.Fprintf(out, "archive %-12s %s\n", archive.Label()+":", archive.Path())
			}
			return nil
		},
	}
}
