package expander

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExpandOriginalFirst(t *testing.T) {
	e := New(nil, zap.NewNop())

	variants := e.Expand(context.Background(), "do you remember the deploy plan?", nil)
	require.NotEmpty(t, variants)
	assert.Equal(t, "do you remember the deploy plan?", variants[0])
	assert.LessOrEqual(t, len(variants), DefaultMaxVariants)
}

func TestExpandRespectsLimit(t *testing.T) {
	e := New(nil, zap.NewNop())
	e.MaxVariants = 2

	variants := e.Expand(context.Background(), "remember when we talked about lunch?", nil)
	assert.LessOrEqual(t, len(variants), 2)
	assert.Equal(t, "remember when we talked about lunch?", variants[0])
}

func TestExpandKorean(t *testing.T) {
	e := New(nil, zap.NewNop())

	variants := e.Expand(context.Background(), "혹시 회의 날짜 기억나?", nil)
	require.NotEmpty(t, variants)
	assert.Equal(t, "혹시 회의 날짜 기억나?", variants[0])
	assert.Greater(t, len(variants), 1, "recall phrasing should generate alternatives")
}

func TestExpandBlankQuery(t *testing.T) {
	e := New(nil, zap.NewNop())
	assert.Nil(t, e.Expand(context.Background(), "   ", nil))
}

func TestExpandDeterministic(t *testing.T) {
	e := New(nil, zap.NewNop())

	first := e.Expand(context.Background(), "what did yuna say about the launch?", nil)
	second := e.Expand(context.Background(), "what did yuna say about the launch?", nil)
	assert.Equal(t, first, second)
}

func TestExpandNoVariantsForPlainQuery(t *testing.T) {
	e := New(nil, zap.NewNop())

	variants := e.Expand(context.Background(), "launch date", nil)
	require.NotEmpty(t, variants)
	assert.Equal(t, "launch date", variants[0])
	for _, v := range variants {
		assert.NotEmpty(t, v)
	}
}

type stubEmbedder struct {
	vectors map[string][]float32
}

func (s stubEmbedder) Embed(ctx context.Context, text string) []float32 {
	return s.vectors[text]
}

func TestExpandRanksByContext(t *testing.T) {
	stub := stubEmbedder{vectors: map[string][]float32{
		"release talk": {1, 0},
	}}

	e := New(stub, zap.NewNop())
	e.MaxVariants = 3

	// Unknown candidate vectors make ranking fall back to deterministic
	// order instead of failing.
	variants := e.Expand(context.Background(), "do you remember the launch?", []string{"release talk"})
	require.NotEmpty(t, variants)
	assert.Equal(t, "do you remember the launch?", variants[0])
}

func TestExpandEmbedderFailureIsSoft(t *testing.T) {
	e := New(stubEmbedder{}, zap.NewNop())

	variants := e.Expand(context.Background(), "remember when the demo broke?", []string{"context"})
	require.NotEmpty(t, variants)
	assert.Equal(t, "remember when the demo broke?", variants[0])
}
