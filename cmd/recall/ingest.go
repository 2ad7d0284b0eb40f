package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/masamong/recall/internal/storage"
	"github.com/masamong/recall/internal/textutil"
	"github.com/masamong/recall/pkg/types"
)

// ingestRecord is one line of an ingest JSONL file.
type ingestRecord struct {
	MessageID int64     `json:"message_id"`
	GuildID   int64     `json:"guild_id"`
	ChannelID int64     `json:"channel_id"`
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	Content   string    `json:"content"`
	IsBot     bool      `json:"is_bot"`
	CreatedAt time.Time `json:"created_at"`
}

func newIngestCmd(configPath *string) *cobra.Command {
	var progressEvery int

	cmd := &cobra.Command{
		Use:   "ingest <file.jsonl>",
		Short: "Import messages from a JSONL dump into conversation history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*configPath)
			if err != nil {
				return err
			}
			defer a.close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer func() {
				_ = f.Close()
			}()

			var imported, skipped int

			scanner := bufio.NewScanner(f)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			line := 0
			for scanner.Scan() {
				line++
				if len(scanner.Bytes()) == 0 {
					continue
				}
				var rec ingestRecord
				if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
					return fmt.Errorf("line %d: %w", line, err)
				}

				m := &types.Message{
					MessageID: rec.MessageID,
					GuildID:   rec.GuildID,
					ChannelID: rec.ChannelID,
					UserID:    rec.UserID,
					UserName:  rec.UserName,
					Content:   textutil.CleanContent(rec.Content),
					IsBot:     rec.IsBot,
					CreatedAt: rec.CreatedAt,
				}
				if err := m.Validate(); err != nil {
					a.log.Warn("skipping record", zap.Int("line", line), zap.Error(err))
					skipped++
					continue
				}

				// Duplicates are expected when re-importing overlapping dumps.
				if err := a.history.SaveMessage(cmd.Context(), m); err != nil {
					if errors.Is(err, storage.ErrAlreadyExists) {
						skipped++
						continue
					}
					return fmt.Errorf("line %d: %w", line, err)
				}
				imported++

				if progressEvery > 0 && imported%progressEvery == 0 {
					a.log.Info("ingest progress", zap.Int("imported", imported))
				}
			}
			if err := scanner.Err(); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "imported %d, skipped %d\n", imported, skipped)
			return nil
		},
	}

	cmd.Flags().IntVar(&progressEvery, "progress-every", 1000, "log progress every N imported rows")
	return cmd
}
