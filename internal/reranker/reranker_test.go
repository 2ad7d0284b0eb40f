package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/masamong/recall/pkg/types"
)

// scoreByKeyword serves rerank requests, scoring 1.0 for documents that
// contain the query and 0.1 otherwise.
func scoreByKeyword(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query     string   `json:"query"`
			Documents []string `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		scores := make([]float64, len(req.Documents))
		for i, doc := range req.Documents {
			if strings.Contains(doc, req.Query) {
				scores[i] = 1.0
			} else {
				scores[i] = 0.1
			}
		}
		require.NoError(t, json.NewEncoder(w).Encode(map[string]any{"scores": scores}))
	}))
}

func entries(contents ...string) []types.RetrievalEntry {
	out := make([]types.RetrievalEntry, len(contents))
	for i, c := range contents {
		out[i] = types.RetrievalEntry{CandidateID: c, Content: c}
	}
	return out
}

func TestRerankOrdersByScore(t *testing.T) {
	srv := scoreByKeyword(t)
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL}, zap.NewNop())
	got := r.Rerank(context.Background(), "launch", entries("lunch plans", "the launch date moved", "weather"))

	require.Len(t, got, 3)
	assert.Equal(t, "the launch date moved", got[0].Content)
	assert.True(t, got[0].Reranked)
	assert.Equal(t, 1.0, got[0].RerankScore)
}

func TestRerankFailOpen(t *testing.T) {
	r := New(Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())

	input := entries("a", "b", "c")
	got := r.Rerank(context.Background(), "query", input)

	require.Len(t, got, 3)
	assert.Equal(t, input, got, "backend failure must leave order untouched")
	assert.False(t, got[0].Reranked)
}

func TestRerankDisabled(t *testing.T) {
	r := New(Config{}, zap.NewNop())
	input := entries("a", "b")
	assert.Equal(t, input, r.Rerank(context.Background(), "query", input))
}

func TestRerankThreshold(t *testing.T) {
	srv := scoreByKeyword(t)
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL, ScoreThreshold: 0.5}, zap.NewNop())
	got := r.Rerank(context.Background(), "launch", entries("noise", "launch details", "more noise"))

	require.Len(t, got, 1)
	assert.Equal(t, "launch details", got[0].Content)
}

func TestRerankBatching(t *testing.T) {
	srv := scoreByKeyword(t)
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL, BatchSize: 2}, zap.NewNop())

	input := entries("a", "b", "c", "launch", "e")
	got := r.Rerank(context.Background(), "launch", input)

	require.Len(t, got, 5)
	assert.Equal(t, "launch", got[0].Content)
}

func TestRerankConcurrentFirstUse(t *testing.T) {
	srv := scoreByKeyword(t)
	defer srv.Close()

	r := New(Config{BaseURL: srv.URL}, zap.NewNop())

	// Cold reranker, many callers: the warm-up guard must hold under -race.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got := r.Rerank(context.Background(), "launch", entries("noise", "launch details"))
			assert.Len(t, got, 2)
			assert.Equal(t, "launch details", got[0].Content)
		}()
	}
	wg.Wait()
}

func TestRerankEmptyInput(t *testing.T) {
	r := New(Config{BaseURL: "http://127.0.0.1:1"}, zap.NewNop())
	assert.Empty(t, r.Rerank(context.Background(), "query", nil))
	assert.Len(t, r.Rerank(context.Background(), "  ", entries("a")), 1)
}
