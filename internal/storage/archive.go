package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/masamong/recall/pkg/types"
)

// ArchiveStore reads an imported chat-export database in read-only fashion.
//
// Export tools disagree on schema, so the store detects the message table
// and its columns by name instead of assuming one layout. A usable table
// needs at least a text column; id, speaker, timestamp and embedding columns
// are picked up when present.
type ArchiveStore struct {
	db    *sql.DB
	label string
	path  string
	log   *zap.Logger

	table string
	cols  archiveColumns
}

type archiveColumns struct {
	id        string
	text      string
	speaker   string
	createdAt string
	embedding string
}

// Candidate column names, checked in order.
var (
	archiveTextCols      = []string{"content", "message", "text", "body"}
	archiveIDCols        = []string{"message_id", "id"}
	archiveSpeakerCols   = []string{"user_name", "speaker", "sender", "author", "name"}
	archiveTimeCols      = []string{"created_at", "timestamp", "sent_at", "date"}
	archiveEmbeddingCols = []string{"embedding", "vector"}
)

// OpenArchive opens an export database and detects its message table. The
// label names this archive in candidate ids, e.g. "kakao".
func OpenArchive(path, label string, log *zap.Logger) (*ArchiveStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("archive %s unavailable: %w", path, err)
	}

	db, err := sql.Open(DriverName, "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &ArchiveStore{db: db, label: label, path: path, log: log}
	if err := store.detectSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Info("archive attached",
		zap.String("label", label),
		zap.String("path", path),
		zap.String("table", store.table))
	return store, nil
}

// Label names this archive in composite candidate ids.
func (a *ArchiveStore) Label() string { return a.label }

// Path returns the database file path.
func (a *ArchiveStore) Path() string { return a.path }

// Close closes the archive database.
func (a *ArchiveStore) Close() error { return a.db.Close() }

func (a *ArchiveStore) detectSchema(ctx context.Context) error {
	rows, err := a.db.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	if err != nil {
		return fmt.Errorf("failed to list archive tables: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		tables = append(tables, name)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, table := range tables {
		cols, err := a.tableColumns(ctx, table)
		if err != nil {
			return err
		}
		detected := archiveColumns{
			id:        pickColumn(cols, archiveIDCols),
			text:      pickColumn(cols, archiveTextCols),
			speaker:   pickColumn(cols, archiveSpeakerCols),
			createdAt: pickColumn(cols, archiveTimeCols),
			embedding: pickColumn(cols, archiveEmbeddingCols),
		}
		if detected.text == "" {
			continue
		}
		if detected.id == "" {
			detected.id = "rowid"
		}
		a.table = table
		a.cols = detected
		return nil
	}
	return fmt.Errorf("no message table found in archive %s", a.path)
}

func (a *ArchiveStore) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := a.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect table %s: %w", table, err)
	}
	defer func() {
		_ = rows.Close()
	}()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

func pickColumn(available map[string]bool, candidates []string) string {
	for _, c := range candidates {
		if available[c] {
			return c
		}
	}
	return ""
}

// ArchiveHit is one archived message scored against a query vector.
type ArchiveHit struct {
	ID         int64
	Speaker    string
	Content    string
	CreatedAt  time.Time
	Similarity float64
}

// HasEmbeddings reports whether the detected table carries vectors at all.
func (a *ArchiveStore) HasEmbeddings() bool {
	return a.cols.embedding != ""
}

// SemanticCandidates scans embedded archive rows and returns the limit most
// similar ones at or above minSimilarity, best first. Archives without an
// embedding column yield nothing.
func (a *ArchiveStore) SemanticCandidates(ctx context.Context, queryVector []float32, limit int, minSimilarity float64) ([]ArchiveHit, error) {
	if len(queryVector) == 0 || !a.HasEmbeddings() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	query := fmt.Sprintf("SELECT %s FROM %q WHERE %q IS NOT NULL",
		a.selectList(), a.table, a.cols.embedding)
	rows, err := a.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to scan archive embeddings: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var hits []ArchiveHit
	for rows.Next() {
		hit, vector, err := a.scanRow(rows)
		if err != nil {
			return nil, err
		}
		sim := CosineSimilarity(queryVector, vector)
		if sim < minSimilarity {
			continue
		}
		hit.Similarity = sim
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Similarity != hits[j].Similarity {
			return hits[i].Similarity > hits[j].Similarity
		}
		return hits[i].ID > hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ContextAround returns the turns surrounding one archived message in id
// order: before preceding, the focal row, then after following.
func (a *ArchiveStore) ContextAround(ctx context.Context, id int64, before, after int) ([]types.Turn, error) {
	var turns []types.Turn

	if before > 0 {
		query := fmt.Sprintf("SELECT %s FROM %q WHERE %q < ? ORDER BY %q DESC LIMIT ?",
			a.selectList(), a.table, a.cols.id, a.cols.id)
		prev, err := a.queryTurns(ctx, query, id, before)
		if err != nil {
			return nil, err
		}
		for i := len(prev) - 1; i >= 0; i-- {
			turns = append(turns, prev[i])
		}
	}

	focalQuery := fmt.Sprintf("SELECT %s FROM %q WHERE %q = ?",
		a.selectList(), a.table, a.cols.id)
	focal, err := a.queryTurns(ctx, focalQuery, id)
	if err != nil {
		return nil, err
	}
	turns = append(turns, focal...)

	if after > 0 {
		query := fmt.Sprintf("SELECT %s FROM %q WHERE %q > ? ORDER BY %q ASC LIMIT ?",
			a.selectList(), a.table, a.cols.id, a.cols.id)
		next, err := a.queryTurns(ctx, query, id, after)
		if err != nil {
			return nil, err
		}
		turns = append(turns, next...)
	}

	return turns, nil
}

// selectList builds the projection for the detected schema. Missing columns
// are selected as constants so every row scans into the same shape.
func (a *ArchiveStore) selectList() string {
	parts := []string{fmt.Sprintf("%q", a.cols.id)}
	if a.cols.speaker != "" {
		parts = append(parts, fmt.Sprintf("%q", a.cols.speaker))
	} else {
		parts = append(parts, "''")
	}
	parts = append(parts, fmt.Sprintf("%q", a.cols.text))
	if a.cols.createdAt != "" {
		parts = append(parts, fmt.Sprintf("%q", a.cols.createdAt))
	} else {
		parts = append(parts, "NULL")
	}
	if a.cols.embedding != "" {
		parts = append(parts, fmt.Sprintf("%q", a.cols.embedding))
	} else {
		parts = append(parts, "NULL")
	}
	return strings.Join(parts, ", ")
}

func (a *ArchiveStore) scanRow(rows *sql.Rows) (ArchiveHit, []float32, error) {
	var hit ArchiveHit
	var speaker sql.NullString
	var rawTime any
	var blob []byte
	if err := rows.Scan(&hit.ID, &speaker, &hit.Content, &rawTime, &blob); err != nil {
		return hit, nil, fmt.Errorf("failed to scan archive row: %w", err)
	}
	hit.Speaker = speaker.String
	hit.CreatedAt = coerceTime(rawTime)

	vector, err := DeserializeVector(blob)
	if err != nil {
		return hit, nil, err
	}
	return hit, vector, nil
}

func (a *ArchiveStore) queryTurns(ctx context.Context, query string, args ...any) ([]types.Turn, error) {
	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive turns: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var turns []types.Turn
	for rows.Next() {
		hit, _, err := a.scanRow(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, types.Turn{
			MessageID: hit.ID,
			Speaker:   hit.Speaker,
			Content:   hit.Content,
			CreatedAt: hit.CreatedAt,
		})
	}
	return turns, rows.Err()
}

// coerceTime handles the timestamp shapes export tools produce: RFC3339 or
// "2006-01-02 15:04:05" text, unix seconds or milliseconds, or nothing.
func coerceTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t.UTC()
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
	case int64:
		if t > 1e12 {
			return time.UnixMilli(t).UTC()
		}
		if t > 0 {
			return time.Unix(t, 0).UTC()
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Time{}
}
