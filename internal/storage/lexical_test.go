package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain words", "hello world", `"hello" OR "world"`},
		{"punctuation stripped", "hello, world!", `"hello" OR "world"`},
		{"korean", "날씨 어때", `"날씨" OR "어때"`},
		{"fts operators neutralized", `foo NEAR(bar) "baz*"`, `"foo" OR "NEAR" OR "bar" OR "baz"`},
		{"mixed script", "회의 at 3pm", `"회의" OR "at" OR "3pm"`},
		{"only punctuation", "?!...", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeQuery(tt.input))
		})
	}
}

func TestNormalizeBM25(t *testing.T) {
	assert.InDelta(t, 1.0, NormalizeBM25(0), 1e-9)
	assert.InDelta(t, 0.5, NormalizeBM25(-1), 1e-9)
	assert.InDelta(t, 0.5, NormalizeBM25(1), 1e-9)
	assert.Greater(t, NormalizeBM25(-0.5), NormalizeBM25(-2.0))
}

func TestLexicalSearchSyncedByTrigger(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ix := NewLexicalIndex(store.DB(), zap.NewNop())

	// No explicit index write: the insert trigger must keep FTS current.
	require.NoError(t, store.SaveMessage(ctx, testMessage(1, "the quarterly report is due friday")))
	require.NoError(t, store.SaveMessage(ctx, testMessage(2, "lunch plans for tomorrow")))

	hits := ix.Search(ctx, "quarterly report", Scope{}, 10)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].MessageID)
	assert.Greater(t, hits[0].Normalized, 0.0)
	assert.LessOrEqual(t, hits[0].Normalized, 1.0)

	// Deletes flow through the delete trigger the same way.
	_, err := store.DB().ExecContext(ctx, "DELETE FROM conversation_history WHERE message_id = 1")
	require.NoError(t, err)
	assert.Empty(t, ix.Search(ctx, "quarterly report", Scope{}, 10))
}

func TestLexicalSearchScoped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ix := NewLexicalIndex(store.DB(), zap.NewNop())

	a := testMessage(1, "standup notes posted")
	b := testMessage(2, "standup notes posted")
	b.ChannelID = 200
	require.NoError(t, store.SaveMessage(ctx, a))
	require.NoError(t, store.SaveMessage(ctx, b))

	hits := ix.Search(ctx, "standup", Scope{ChannelID: 200}, 10)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].MessageID)

	assert.Len(t, ix.Search(ctx, "standup", Scope{}, 10), 2)
}

func TestLexicalSearchBlankQuery(t *testing.T) {
	store := newTestStore(t)
	ix := NewLexicalIndex(store.DB(), zap.NewNop())

	assert.Nil(t, ix.Search(context.Background(), "", Scope{}, 10))
	assert.Nil(t, ix.Search(context.Background(), "?!", Scope{}, 10))
}

func TestLexicalSearchWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ix := NewLexicalIndex(store.DB(), zap.NewNop())

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	contents := []string{"before", "the secret keyword appears here", "after"}
	for i, content := range contents {
		m := testMessage(int64(i+1), content)
		m.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.SaveMessage(ctx, m))
	}

	hits := ix.Search(ctx, "secret keyword", Scope{}, 10)
	require.Len(t, hits, 1)
	require.Len(t, hits[0].Window, 3)
	assert.Equal(t, "before", hits[0].Window[0].Content)
	assert.Equal(t, "after", hits[0].Window[2].Content)

	focalFound := false
	for _, turn := range hits[0].Window {
		if turn.MessageID == hits[0].MessageID {
			focalFound = true
		}
	}
	assert.True(t, focalFound, "window must contain the focal message")
}

func TestLexicalSearchRanking(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ix := NewLexicalIndex(store.DB(), zap.NewNop())

	require.NoError(t, store.SaveMessage(ctx, testMessage(1, "deploy deploy deploy pipeline")))
	require.NoError(t, store.SaveMessage(ctx, testMessage(2, "a single mention of deploy among many other unrelated words here")))

	hits := ix.Search(ctx, "deploy", Scope{}, 10)
	require.Len(t, hits, 2)
	assert.Equal(t, int64(1), hits[0].MessageID, "denser match ranks first")
	assert.GreaterOrEqual(t, hits[0].Normalized, hits[1].Normalized)
}

func TestRebuildIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ix := NewLexicalIndex(store.DB(), zap.NewNop())

	require.NoError(t, store.SaveMessage(ctx, testMessage(1, "rebuild survives")))
	require.NoError(t, ix.RebuildIndex(ctx))

	hits := ix.Search(ctx, "rebuild", Scope{}, 10)
	require.Len(t, hits, 1)
}

func TestLexicalSearchConcurrentFirstUse(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ix := NewLexicalIndex(store.DB(), zap.NewNop())

	require.NoError(t, store.SaveMessage(ctx, testMessage(1, "parallel init target")))

	// All goroutines race EnsureIndex through Search on a cold index; run
	// under -race to catch unguarded initialization.
	var wg sync.WaitGroup
	results := make([]int, 8)
	for i := range results {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = len(ix.Search(ctx, "parallel", Scope{}, 10))
		}(i)
	}
	wg.Wait()

	for _, n := range results {
		assert.Equal(t, 1, n)
	}
}

func TestEnsureIndexIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ix := NewLexicalIndex(store.DB(), zap.NewNop())

	require.NoError(t, ix.EnsureIndex(ctx))
	require.NoError(t, ix.EnsureIndex(ctx))
}
