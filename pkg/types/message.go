package types

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common validation errors
var (
	ErrMissingMessageID = errors.New("message id is required")
	ErrMissingChannel   = errors.New("channel id is required")
	ErrEmptyContent     = errors.New("content is empty")
)

// Message is one persisted conversation message.
//
// MessageID is unique and monotonic (snowflake-style), so sorting by id is
// equivalent to sorting by creation time. Embedding is nil until the
// backfill worker attaches one; the record is otherwise never mutated.
type Message struct {
	MessageID int64
	GuildID   int64
	ChannelID int64
	UserID    int64
	UserName  string
	Content   string
	IsBot     bool
	CreatedAt time.Time
	Embedding []float32 // nil until backfilled
}

// Validate checks the fields required before a message may be stored.
func (m *Message) Validate() error {
	if m.MessageID == 0 {
		return ErrMissingMessageID
	}
	if m.ChannelID == 0 {
		return ErrMissingChannel
	}
	if strings.TrimSpace(m.Content) == "" {
		return ErrEmptyContent
	}
	return nil
}

// Turn is one line of a dialogue window: who said what, when.
type Turn struct {
	MessageID int64
	Speaker   string
	Content   string
	CreatedAt time.Time
}

// Line renders the turn in the "[speaker][timestamp] content" form the
// prompt-construction layer consumes.
func (t Turn) Line() string {
	speaker := t.Speaker
	if speaker == "" {
		speaker = "?"
	}
	return fmt.Sprintf("[%s][%s] %s", speaker, t.CreatedAt.UTC().Format(time.RFC3339), t.Content)
}

// DialogueBlock joins an ordered window of turns into a single text block.
// Empty turns are skipped.
func DialogueBlock(turns []Turn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		lines = append(lines, turn.Line())
	}
	return strings.Join(lines, "\n")
}
