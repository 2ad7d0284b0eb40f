package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/masamong/recall/pkg/types"
)

const (
	// DefaultWindowSpan bounds the dialogue window fetched around each hit.
	DefaultWindowSpan = 10 * time.Minute

	// DefaultWindowCap limits how many turns a window may carry.
	DefaultWindowCap = 6
)

// LexicalHit is one BM25 match with its surrounding dialogue window.
//
// Score is the raw bm25() value (lower is better). Normalized maps it into
// (0, 1] with higher-is-better so it can be fused with cosine similarities.
type LexicalHit struct {
	MessageID  int64
	ChannelID  int64
	Speaker    string
	Content    string
	CreatedAt  time.Time
	Score      float64
	Normalized float64
	Window     []types.Turn
}

// LexicalIndex answers keyword queries against the conversation FTS5 table.
//
// The index is maintained by storage-level triggers, so writers never touch
// it. Search is a soft-failure operation: any backend problem is logged and
// reported as zero hits, because lexical evidence is one optional signal in
// a hybrid ranking, not a hard dependency.
type LexicalIndex struct {
	db  *sql.DB
	log *zap.Logger

	WindowSpan time.Duration
	WindowCap  int

	mu    sync.Mutex
	ready atomic.Bool
}

// NewLexicalIndex wraps the history database. A nil logger falls back to a
// no-op logger.
func NewLexicalIndex(db *sql.DB, log *zap.Logger) *LexicalIndex {
	if log == nil {
		log = zap.NewNop()
	}
	return &LexicalIndex{
		db:         db,
		log:        log,
		WindowSpan: DefaultWindowSpan,
		WindowCap:  DefaultWindowCap,
	}
}

const ftsDDL = `
CREATE VIRTUAL TABLE IF NOT EXISTS conversation_fts USING fts5(
    content,
    content='conversation_history',
    content_rowid='message_id',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS conversation_ai AFTER INSERT ON conversation_history BEGIN
    INSERT INTO conversation_fts(rowid, content)
    VALUES (new.message_id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS conversation_ad AFTER DELETE ON conversation_history BEGIN
    INSERT INTO conversation_fts(conversation_fts, rowid, content)
    VALUES ('delete', old.message_id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS conversation_au AFTER UPDATE OF content ON conversation_history BEGIN
    INSERT INTO conversation_fts(conversation_fts, rowid, content)
    VALUES ('delete', old.message_id, old.content);
    INSERT INTO conversation_fts(rowid, content)
    VALUES (new.message_id, new.content);
END;
`

// EnsureIndex makes sure the FTS table and its sync triggers exist,
// backfilling the index from existing rows when the table is created fresh.
// Safe to call repeatedly and from multiple goroutines.
func (ix *LexicalIndex) EnsureIndex(ctx context.Context) error {
	if ix.ready.Load() {
		return nil
	}
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.ready.Load() {
		return nil
	}

	var name string
	err := ix.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='conversation_fts'").Scan(&name)
	switch {
	case err == sql.ErrNoRows:
		if _, err := ix.db.ExecContext(ctx, ftsDDL); err != nil {
			return fmt.Errorf("failed to create fts index: %w", err)
		}
		if err := ix.rebuild(ctx); err != nil {
			return err
		}
	case err != nil:
		return fmt.Errorf("failed to check fts index: %w", err)
	}

	ix.ready.Store(true)
	return nil
}

// RebuildIndex discards and regenerates the FTS index from the content
// table. Needed after bulk imports that bypass the triggers.
func (ix *LexicalIndex) RebuildIndex(ctx context.Context) error {
	if err := ix.EnsureIndex(ctx); err != nil {
		return err
	}
	return ix.rebuild(ctx)
}

func (ix *LexicalIndex) rebuild(ctx context.Context) error {
	if _, err := ix.db.ExecContext(ctx,
		"INSERT INTO conversation_fts(conversation_fts) VALUES('rebuild')"); err != nil {
		return fmt.Errorf("failed to rebuild fts index: %w", err)
	}
	return nil
}

// Search runs a BM25 keyword query, optionally scoped to one guild or
// channel, and hydrates each hit with a chronological dialogue window from
// the same channel. A blank query, an unusable query after normalization,
// or any backend error yields zero hits.
func (ix *LexicalIndex) Search(ctx context.Context, query string, scope Scope, limit int) []LexicalHit {
	match := NormalizeQuery(query)
	if match == "" {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}

	if err := ix.EnsureIndex(ctx); err != nil {
		ix.log.Warn("lexical index unavailable", zap.Error(err))
		return nil
	}

	filter, filterArgs := scope.where("h.")
	args := append([]any{match}, filterArgs...)
	args = append(args, limit)

	rows, err := ix.db.QueryContext(ctx, `
		SELECT h.message_id, h.channel_id, h.user_name, h.content, h.created_at,
		       bm25(conversation_fts) AS score
		FROM conversation_fts
		JOIN conversation_history h ON h.message_id = conversation_fts.rowid
		WHERE conversation_fts MATCH ?`+filter+`
		ORDER BY score ASC
		LIMIT ?
	`, args...)
	if err != nil {
		ix.log.Warn("lexical search failed", zap.String("match", match), zap.Error(err))
		return nil
	}
	defer func() {
		_ = rows.Close()
	}()

	var hits []LexicalHit
	for rows.Next() {
		var hit LexicalHit
		var speaker sql.NullString
		if err := rows.Scan(&hit.MessageID, &hit.ChannelID, &speaker,
			&hit.Content, &hit.CreatedAt, &hit.Score); err != nil {
			ix.log.Warn("lexical scan failed", zap.Error(err))
			return nil
		}
		hit.Speaker = speaker.String
		hit.CreatedAt = hit.CreatedAt.UTC()
		hit.Normalized = NormalizeBM25(hit.Score)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		ix.log.Warn("lexical search failed", zap.Error(err))
		return nil
	}

	for i := range hits {
		hits[i].Window = ix.window(ctx, hits[i])
	}
	return hits
}

// window fetches the turns around one hit. Window failures degrade to a
// single-turn window holding just the hit itself.
func (ix *LexicalIndex) window(ctx context.Context, hit LexicalHit) []types.Turn {
	at := hit.CreatedAt
	rows, err := ix.db.QueryContext(ctx, `
		SELECT message_id, user_name, content, created_at
		FROM conversation_history
		WHERE channel_id = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at ASC, message_id ASC
		LIMIT ?
	`, hit.ChannelID, at.Add(-ix.WindowSpan), at.Add(ix.WindowSpan), ix.WindowCap)
	if err != nil {
		ix.log.Warn("window fetch failed", zap.Int64("message_id", hit.MessageID), zap.Error(err))
		return []types.Turn{{MessageID: hit.MessageID, Speaker: hit.Speaker, Content: hit.Content, CreatedAt: at}}
	}
	defer func() {
		_ = rows.Close()
	}()

	var turns []types.Turn
	focalSeen := false
	for rows.Next() {
		var t types.Turn
		var speaker sql.NullString
		if err := rows.Scan(&t.MessageID, &speaker, &t.Content, &t.CreatedAt); err != nil {
			ix.log.Warn("window scan failed", zap.Error(err))
			break
		}
		t.Speaker = speaker.String
		t.CreatedAt = t.CreatedAt.UTC()
		if t.MessageID == hit.MessageID {
			focalSeen = true
		}
		turns = append(turns, t)
	}

	// The focal turn must always be present, even when the cap or a scan
	// error squeezed it out.
	if !focalSeen {
		turns = append(turns, types.Turn{MessageID: hit.MessageID, Speaker: hit.Speaker, Content: hit.Content, CreatedAt: at})
	}
	return turns
}

// NormalizeBM25 maps a raw bm25() score into (0, 1], higher is better.
func NormalizeBM25(score float64) float64 {
	if score < 0 {
		score = -score
	}
	return 1.0 / (1.0 + score)
}

// NormalizeQuery prepares free text for an FTS5 MATCH expression: NFKC
// folding, then alphanumeric and Hangul runs only, each quoted and joined
// with OR. Anything else (FTS operators included) is stripped, so user text
// can never change the query semantics.
func NormalizeQuery(query string) string {
	folded := norm.NFKC.String(query)

	var tokens []string
	var b strings.Builder
	flush := func() {
		if b.Len() > 0 {
			tokens = append(tokens, `"`+b.String()+`"`)
			b.Reset()
		}
	}
	for _, r := range folded {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= '가' && r <= '힣':
			b.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return strings.Join(tokens, " OR ")
}
