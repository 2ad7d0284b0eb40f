// Package backfill attaches embeddings to stored messages after the fact.
//
// Messages are written on the hot path without waiting for the embedding
// provider; this worker sweeps rows whose embedding column is still NULL
// and fills them in batches. Retrieval quality catches up within one sweep
// interval of a message landing.
package backfill

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/masamong/recall/internal/chunker"
	"github.com/masamong/recall/internal/storage"
)

const (
	// DefaultBatchSize is how many rows one sweep processes.
	DefaultBatchSize = 32

	// DefaultInterval separates sweeps.
	DefaultInterval = time.Minute

	// chunkTokens bounds what is sent to the embedding model per call.
	// Messages longer than this are chunked and their vectors mean-pooled.
	chunkTokens = 256
)

// Embedder supplies vectors for a batch of texts, index-aligned, nil on
// per-text failure.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) [][]float32
}

// Worker sweeps the history store for messages without embeddings.
type Worker struct {
	store *storage.HistoryStore
	embed Embedder
	chunk *chunker.Chunker
	log   *zap.Logger

	BatchSize int
	Interval  time.Duration
}

// New creates a Worker. A nil logger falls back to a no-op logger.
func New(store *storage.HistoryStore, embed Embedder, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		store:     store,
		embed:     embed,
		chunk:     chunker.New(chunker.Config{MaxTokens: chunkTokens, OverlapTokens: 0}),
		log:       log,
		BatchSize: DefaultBatchSize,
		Interval:  DefaultInterval,
	}
}

// RunOnce processes one batch of embedding-less messages and reports how
// many rows were updated. Per-text embedding failures skip the row; it is
// retried on a later sweep.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	messages, err := w.store.MessagesWithoutEmbedding(ctx, w.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	// Long messages are split into sentence-aligned chunks; the row gets the
	// mean of its chunk vectors. owner[j] maps each text back to its row.
	var texts []string
	var owner []int
	for i, m := range messages {
		chunks := w.chunk.Chunk(m.Content, nil)
		if len(chunks) == 0 {
			texts = append(texts, m.Content)
			owner = append(owner, i)
			continue
		}
		for _, c := range chunks {
			texts = append(texts, c.Text)
			owner = append(owner, i)
		}
	}

	chunkVectors := w.embed.EmbedBatch(ctx, texts)

	grouped := make([][][]float32, len(messages))
	for j, vector := range chunkVectors {
		if vector == nil {
			continue
		}
		grouped[owner[j]] = append(grouped[owner[j]], vector)
	}

	updated := 0
	for i, vectors := range grouped {
		vector := meanPool(vectors)
		if vector == nil {
			continue
		}
		if err := w.store.UpdateEmbedding(ctx, messages[i].MessageID, vector); err != nil {
			w.log.Warn("embedding update failed",
				zap.Int64("message_id", messages[i].MessageID),
				zap.Error(err))
			continue
		}
		updated++
	}

	w.log.Info("backfill sweep",
		zap.Int("scanned", len(messages)),
		zap.Int("updated", updated))
	return updated, nil
}

// meanPool averages chunk vectors into one message vector. Mismatched
// dimensions discard the odd vector out.
func meanPool(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	if len(vectors) == 1 {
		return vectors[0]
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	n := 0
	for _, v := range vectors {
		if len(v) != dim {
			continue
		}
		for i, val := range v {
			sum[i] += float64(val)
		}
		n++
	}
	if n == 0 {
		return nil
	}

	out := make([]float32, dim)
	for i := range sum {
		out[i] = float32(sum[i] / float64(n))
	}
	return out
}

// Run sweeps on the configured interval until the context is cancelled.
// A sweep that fills a whole batch triggers the next sweep immediately,
// draining backlogs faster than the steady-state interval.
func (w *Worker) Run(ctx context.Context) error {
	interval := w.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	for {
		updated, err := w.RunOnce(ctx)
		if err != nil {
			w.log.Warn("backfill sweep failed", zap.Error(err))
		}

		if updated >= w.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
