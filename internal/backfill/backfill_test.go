package backfill

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/masamong/recall/internal/storage"
	"github.com/masamong/recall/pkg/types"
)

type stubEmbedder struct {
	failEvery int
	calls     int
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) [][]float32 {
	vectors := make([][]float32, len(texts))
	for i := range texts {
		s.calls++
		if s.failEvery > 0 && s.calls%s.failEvery == 0 {
			continue
		}
		vectors[i] = []float32{float32(len(texts[i])), 1}
	}
	return vectors
}

func newTestStore(t *testing.T) *storage.HistoryStore {
	t.Helper()
	store, err := storage.NewHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func seed(t *testing.T, store *storage.HistoryStore, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, store.SaveMessage(context.Background(), &types.Message{
			MessageID: int64(i),
			ChannelID: 1,
			Content:   "message needing a vector",
			CreatedAt: time.Date(2026, 8, 1, 12, 0, i, 0, time.UTC),
		}))
	}
}

func TestRunOnceFillsEmbeddings(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, 3)

	w := New(store, &stubEmbedder{}, zap.NewNop())
	updated, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, updated)

	_, missing, err := store.CountMessages(context.Background())
	require.NoError(t, err)
	assert.Zero(t, missing)
}

func TestRunOnceSkipsFailedTexts(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, 4)

	w := New(store, &stubEmbedder{failEvery: 2}, zap.NewNop())
	updated, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, updated)

	_, missing, err := store.CountMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), missing, "failed rows stay pending for the next sweep")
}

func TestRunOncePoolsLongMessages(t *testing.T) {
	store := newTestStore(t)

	long := strings.TrimSpace(strings.Repeat(strings.Repeat("word ", 150)+". ", 3))
	require.NoError(t, store.SaveMessage(context.Background(), &types.Message{
		MessageID: 1,
		ChannelID: 1,
		Content:   long,
		CreatedAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}))

	w := New(store, &stubEmbedder{}, zap.NewNop())
	updated, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, updated)

	m, err := store.GetMessage(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, m.Embedding, 2, "pooled vector keeps the provider dimension")
}

func TestMeanPool(t *testing.T) {
	assert.Nil(t, meanPool(nil))
	assert.Equal(t, []float32{1, 2}, meanPool([][]float32{{1, 2}}))
	assert.Equal(t, []float32{2, 3}, meanPool([][]float32{{1, 2}, {3, 4}}))
	// A mismatched vector is dropped, not averaged in.
	assert.Equal(t, []float32{1, 2}, meanPool([][]float32{{1, 2}, {9}}))
}

func TestRunOnceEmptyBacklog(t *testing.T) {
	store := newTestStore(t)
	w := New(store, &stubEmbedder{}, zap.NewNop())

	updated, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, updated)
}

func TestRunStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	seed(t, store, 1)

	w := New(store, &stubEmbedder{}, zap.NewNop())
	w.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, missing, err2 := store.CountMessages(context.Background())
	require.NoError(t, err2)
	assert.Zero(t, missing)
}
