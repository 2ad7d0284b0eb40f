package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/masamong/recall/internal/searcher"
)

func newSearchCmd(configPath *string) *cobra.Command {
	var (
		guildID    int64
		channelID  int64
		topK       int
		skipRerank bool
		asJSON     bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run a hybrid search over conversation history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			result := a.search.Search(cmd.Context(), searcher.SearchRequest{
				Query:      strings.Join(args, " "),
				GuildID:    guildID,
				ChannelID:  channelID,
				TopK:       topK,
				SkipRerank: skipRerank,
			})

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			if len(result.Entries) == 0 {
				fmt.Fprintln(out, "no results")
				return nil
			}
			for i, e := range result.Entries {
				score := e.CombinedScore
				if e.Reranked {
					score = e.RerankScore
				}
				fmt.Fprintf(out, "%d. [%.3f] %s (%s, sources: %s)\n",
					i+1, score, e.Content, e.CandidateID, strings.Join(e.Sources, "+"))
				if e.DialogueBlock != "" {
					for _, line := range strings.Split(e.DialogueBlock, "\n") {
						fmt.Fprintf(out, "     %s\n", line)
					}
				}
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&guildID, "guild", 0, "restrict the search to one guild")
	cmd.Flags().Int64Var(&channelID, "channel", 0, "restrict the search to one channel")
	cmd.Flags().IntVar(&topK, "top-k", 0, "override configured result count")
	cmd.Flags().BoolVar(&skipRerank, "skip-rerank", false, "bypass the cross-encoder")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit JSON")
	return cmd
}
