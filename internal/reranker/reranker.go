// Package reranker rescores retrieved candidates with a cross-encoder
// service. The cross-encoder reads query and document together, so its
// relevance estimate beats the bi-encoder similarity that produced the
// candidates, at the price of a network round trip per batch.
//
// The reranker is strictly optional and fails open: any transport or
// decoding problem returns the candidates in their original order, and the
// failure is logged. Retrieval quality degrades; retrieval never breaks.
package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/masamong/recall/pkg/types"
)

const (
	// DefaultBatchSize bounds documents per API call.
	DefaultBatchSize = 8

	// DefaultMaxChars truncates documents before scoring. Cross-encoder
	// context windows sit around 512 tokens; 4 chars/token is a safe bound.
	DefaultMaxChars = 2048
)

// Config configures the reranker client.
type Config struct {
	BaseURL string
	Model   string
	Timeout time.Duration

	BatchSize int
	MaxChars  int

	// ScoreThreshold drops candidates scoring below it. Zero disables the
	// filter.
	ScoreThreshold float64
}

// Reranker scores (query, document) pairs via an HTTP cross-encoder.
type Reranker struct {
	cfg        Config
	httpClient *http.Client
	log        *zap.Logger

	warmMu sync.Mutex
	warm   atomic.Bool
}

// New creates a Reranker. A nil logger falls back to a no-op logger.
func New(cfg Config, log *zap.Logger) *Reranker {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = DefaultMaxChars
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Reranker{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

// Enabled reports whether a backend is configured at all.
func (r *Reranker) Enabled() bool {
	return r.cfg.BaseURL != ""
}

// Rerank rescores entries against the query and returns them ordered by
// cross-encoder score, best first. Entries below ScoreThreshold are
// dropped. On any backend failure the input is returned unchanged.
func (r *Reranker) Rerank(ctx context.Context, query string, entries []types.RetrievalEntry) []types.RetrievalEntry {
	if !r.Enabled() || len(entries) == 0 || strings.TrimSpace(query) == "" {
		return entries
	}

	r.warmUp(ctx)

	docs := make([]string, len(entries))
	for i, e := range entries {
		doc := e.DialogueBlock
		if doc == "" {
			doc = e.Content
		}
		docs[i] = truncateChars(doc, r.cfg.MaxChars)
	}

	scores := make([]float64, 0, len(docs))
	for start := 0; start < len(docs); start += r.cfg.BatchSize {
		end := start + r.cfg.BatchSize
		if end > len(docs) {
			end = len(docs)
		}
		batchScores, err := r.score(ctx, query, docs[start:end])
		if err != nil {
			r.log.Warn("rerank failed, keeping original order",
				zap.Int("candidates", len(entries)),
				zap.Error(err))
			return entries
		}
		scores = append(scores, batchScores...)
	}

	reranked := make([]types.RetrievalEntry, len(entries))
	copy(reranked, entries)
	for i := range reranked {
		reranked[i].RerankScore = scores[i]
		reranked[i].Reranked = true
	}

	// Stable sort keeps the fused order for equal cross-encoder scores.
	for i := 1; i < len(reranked); i++ {
		for j := i; j > 0 && reranked[j].RerankScore > reranked[j-1].RerankScore; j-- {
			reranked[j], reranked[j-1] = reranked[j-1], reranked[j]
		}
	}

	if r.cfg.ScoreThreshold > 0 {
		kept := reranked[:0]
		for _, e := range reranked {
			if e.RerankScore >= r.cfg.ScoreThreshold {
				kept = append(kept, e)
			}
		}
		reranked = kept
	}
	return reranked
}

// warmUp issues one throwaway scoring call so a lazily-loaded model server
// initializes off the first user's critical path. Failure here is ignored;
// the real call will report it.
func (r *Reranker) warmUp(ctx context.Context) {
	if r.warm.Load() {
		return
	}
	r.warmMu.Lock()
	defer r.warmMu.Unlock()
	if r.warm.Load() {
		return
	}
	if _, err := r.score(ctx, "warmup", []string{"warmup"}); err == nil {
		r.warm.Store(true)
	}
}

func (r *Reranker) score(ctx context.Context, query string, docs []string) ([]float64, error) {
	reqBody := map[string]any{
		"query":     query,
		"documents": docs,
	}
	if r.cfg.Model != "" {
		reqBody["model"] = r.cfg.Model
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimRight(r.cfg.BaseURL, "/") + "/rerank"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("api error %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var apiResp struct {
		Scores []float64 `json:"scores"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Scores) != len(docs) {
		return nil, fmt.Errorf("got %d scores for %d documents", len(apiResp.Scores), len(docs))
	}
	return apiResp.Scores, nil
}

func truncateChars(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
