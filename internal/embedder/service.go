package embedder

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Service is the soft-failure façade the retrieval layers use.
//
// Callers treat an embedding as an optional signal: when the provider is
// down or the input is empty, Embed returns nil and the caller proceeds on
// its remaining signals. Failures are logged, never propagated.
type Service struct {
	provider Embedder
	log      *zap.Logger
}

// NewService wraps a provider. A nil logger falls back to a no-op logger.
func NewService(provider Embedder, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{provider: provider, log: log}
}

// Dimension reports the provider's embedding dimension, or 0 when no
// provider is configured.
func (s *Service) Dimension() int {
	if s.provider == nil {
		return 0
	}
	return s.provider.Dimension()
}

// Embed returns the vector for text, or nil when text is blank, no provider
// is configured, or the provider fails.
func (s *Service) Embed(ctx context.Context, text string) []float32 {
	if s.provider == nil || strings.TrimSpace(text) == "" {
		return nil
	}

	emb, err := s.provider.Embed(ctx, text)
	if err != nil {
		s.log.Warn("embedding failed, continuing without dense signal",
			zap.String("model", s.provider.Model()),
			zap.Error(err))
		return nil
	}
	return emb.Vector
}

// EmbedBatch returns one vector per input text, aligned by index. Blank
// texts and provider failures yield nil entries; the result slice always
// has len(texts) elements.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	vectors := make([][]float32, len(texts))
	if s.provider == nil || len(texts) == 0 {
		return vectors
	}

	// Keep index alignment while skipping blanks the provider would reject.
	var nonEmpty []string
	var positions []int
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		nonEmpty = append(nonEmpty, text)
		positions = append(positions, i)
	}
	if len(nonEmpty) == 0 {
		return vectors
	}

	for start := 0; start < len(nonEmpty); start += DefaultBatchSize {
		end := start + DefaultBatchSize
		if end > len(nonEmpty) {
			end = len(nonEmpty)
		}

		embeddings, err := s.provider.EmbedBatch(ctx, nonEmpty[start:end])
		if err != nil {
			s.log.Warn("batch embedding failed",
				zap.Int("batch_start", start),
				zap.Int("batch_size", end-start),
				zap.Error(err))
			continue
		}
		for i, emb := range embeddings {
			vectors[positions[start+i]] = emb.Vector
		}
	}
	return vectors
}

// Close releases the underlying provider.
func (s *Service) Close() error {
	if s.provider == nil {
		return nil
	}
	return s.provider.Close()
}
