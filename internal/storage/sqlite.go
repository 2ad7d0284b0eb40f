package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/masamong/recall/pkg/types"
)

// HistoryStore persists conversation messages in SQLite and answers the
// lookups the retrieval pipeline needs: embedding scans, sequence neighbors
// and time windows.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore opens (or creates) the history database and applies
// pending migrations.
func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &HistoryStore{db: db}, nil
}

// DB exposes the underlying handle for components that share the database,
// such as the lexical index.
func (s *HistoryStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *HistoryStore) Close() error {
	return s.db.Close()
}

const messageColumns = `message_id, guild_id, channel_id, user_id, user_name, content, is_bot, created_at, embedding`

// SaveMessage inserts one message. The FTS index follows automatically via
// trigger. Duplicate message ids return ErrAlreadyExists.
func (s *HistoryStore) SaveMessage(ctx context.Context, m *types.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return s.saveMessage(ctx, s.db, m)
}

// SaveMessages inserts a batch atomically. Any invalid or duplicate message
// rolls back the whole batch.
func (s *HistoryStore) SaveMessages(ctx context.Context, messages []*types.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, m := range messages {
		if err := m.Validate(); err != nil {
			return err
		}
		if err := s.saveMessage(ctx, tx, m); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *HistoryStore) saveMessage(ctx context.Context, q querier, m *types.Message) error {
	query := `
		INSERT INTO conversation_history (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := q.ExecContext(ctx, query,
		m.MessageID, m.GuildID, m.ChannelID, m.UserID, m.UserName,
		m.Content, m.IsBot, m.CreatedAt.UTC(), SerializeVector(m.Embedding))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("%w: message %d", ErrAlreadyExists, m.MessageID)
		}
		return fmt.Errorf("failed to save message: %w", err)
	}
	return nil
}

// GetMessage fetches one message by id.
func (s *HistoryStore) GetMessage(ctx context.Context, messageID int64) (*types.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM conversation_history WHERE message_id = ?`
	m, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return m, nil
}

// UpdateEmbedding attaches a vector to an existing message.
func (s *HistoryStore) UpdateEmbedding(ctx context.Context, messageID int64, vector []float32) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversation_history SET embedding = ? WHERE message_id = ?`,
		SerializeVector(vector), messageID)
	if err != nil {
		return fmt.Errorf("failed to update embedding: %w", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: message %d", ErrNotFound, messageID)
	}
	return nil
}

// MessagesWithoutEmbedding returns up to limit messages still awaiting a
// vector, oldest first.
func (s *HistoryStore) MessagesWithoutEmbedding(ctx context.Context, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + messageColumns + `
		FROM conversation_history
		WHERE embedding IS NULL
		ORDER BY message_id ASC
		LIMIT ?
	`
	return s.queryMessages(ctx, query, limit)
}

// SemanticHit pairs a message with its cosine similarity to a query vector.
type SemanticHit struct {
	Message    *types.Message
	Similarity float64
}

// Scope restricts a search to one guild and/or channel. Zero fields leave
// that dimension unscoped.
type Scope struct {
	GuildID   int64
	ChannelID int64
}

// where renders the scope as extra AND conditions, prefix qualifying the
// column names when the query aliases the history table.
func (sc Scope) where(prefix string) (string, []any) {
	var conds []string
	var args []any
	if sc.GuildID != 0 {
		conds = append(conds, prefix+"guild_id = ?")
		args = append(args, sc.GuildID)
	}
	if sc.ChannelID != 0 {
		conds = append(conds, prefix+"channel_id = ?")
		args = append(args, sc.ChannelID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), args
}

// SemanticCandidates scans embedded messages in scope and returns the limit
// most similar ones with similarity at or above minSimilarity, best first.
//
// The scan is linear over rows that carry an embedding. Histories here are
// channel-scale, not web-scale, so a scan beats maintaining an ANN index.
func (s *HistoryStore) SemanticCandidates(ctx context.Context, queryVector []float32, scope Scope, limit int, minSimilarity float64) ([]SemanticHit, error) {
	if len(queryVector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	filter, args := scope.where("")
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM conversation_history WHERE embedding IS NOT NULL`+filter,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var hits []SemanticHit
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		sim := CosineSimilarity(queryVector, m.Embedding)
		if sim < minSimilarity {
			continue
		}
		hits = append(hits, SemanticHit{Message: m, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Similarity desc, newer message first on ties.
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].Message.MessageID > hits[j].Message.MessageID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Neighbors returns the turns immediately around a focal message in channel
// order: before preceding turns, the focal turn, then after following turns,
// chronologically.
func (s *HistoryStore) Neighbors(ctx context.Context, channelID, messageID int64, before, after int) ([]types.Turn, error) {
	var turns []types.Turn

	if before > 0 {
		prev, err := s.queryTurns(ctx, `
			SELECT message_id, user_name, content, created_at
			FROM conversation_history
			WHERE channel_id = ? AND message_id < ?
			ORDER BY message_id DESC
			LIMIT ?
		`, channelID, messageID, before)
		if err != nil {
			return nil, err
		}
		// Reverse into chronological order.
		for i := len(prev) - 1; i >= 0; i-- {
			turns = append(turns, prev[i])
		}
	}

	focal, err := s.queryTurns(ctx, `
		SELECT message_id, user_name, content, created_at
		FROM conversation_history
		WHERE message_id = ?
	`, messageID)
	if err != nil {
		return nil, err
	}
	turns = append(turns, focal...)

	if after > 0 {
		next, err := s.queryTurns(ctx, `
			SELECT message_id, user_name, content, created_at
			FROM conversation_history
			WHERE channel_id = ? AND message_id > ?
			ORDER BY message_id ASC
			LIMIT ?
		`, channelID, messageID, after)
		if err != nil {
			return nil, err
		}
		turns = append(turns, next...)
	}

	return turns, nil
}

// WindowAround returns up to maxTurns turns within ±window of a timestamp in
// one channel, chronologically.
func (s *HistoryStore) WindowAround(ctx context.Context, channelID int64, at time.Time, window time.Duration, maxTurns int) ([]types.Turn, error) {
	if maxTurns <= 0 {
		maxTurns = 6
	}
	turns, err := s.queryTurns(ctx, `
		SELECT message_id, user_name, content, created_at
		FROM conversation_history
		WHERE channel_id = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at ASC, message_id ASC
		LIMIT ?
	`, channelID, at.UTC().Add(-window), at.UTC().Add(window), maxTurns)
	if err != nil {
		return nil, err
	}
	return turns, nil
}

// RecentMessages returns the most recent limit messages in a channel,
// chronologically.
func (s *HistoryStore) RecentMessages(ctx context.Context, channelID int64, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	messages, err := s.queryMessages(ctx, `
		SELECT `+messageColumns+`
		FROM conversation_history
		WHERE channel_id = ?
		ORDER BY message_id DESC
		LIMIT ?
	`, channelID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// CountMessages reports total rows and how many still lack an embedding.
func (s *HistoryStore) CountMessages(ctx context.Context) (total, missingEmbedding int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE embedding IS NULL)
		FROM conversation_history
	`).Scan(&total, &missingEmbedding)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return total, missingEmbedding, nil
}

func (s *HistoryStore) queryMessages(ctx context.Context, query string, args ...any) ([]*types.Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var messages []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *HistoryStore) queryTurns(ctx context.Context, query string, args ...any) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var turns []types.Turn
	for rows.Next() {
		var t types.Turn
		var speaker sql.NullString
		if err := rows.Scan(&t.MessageID, &speaker, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan turn: %w", err)
		}
		t.Speaker = speaker.String
		t.CreatedAt = t.CreatedAt.UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*types.Message, error) {
	var m types.Message
	var userName sql.NullString
	var blob []byte
	err := row.Scan(&m.MessageID, &m.GuildID, &m.ChannelID, &m.UserID,
		&userName, &m.Content, &m.IsBot, &m.CreatedAt, &blob)
	if err != nil {
		return nil, err
	}
	m.UserName = userName.String
	m.CreatedAt = m.CreatedAt.UTC()
	if len(blob) > 0 {
		vector, err := DeserializeVector(blob)
		if err != nil {
			return nil, err
		}
		m.Embedding = vector
	}
	return &m, nil
}
