package chunker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSentencesKorean(t *testing.T) {
	sentences := SplitSentences("안녕하세요? 오늘 날씨가 어때요. 테스트 중!")
	require.Len(t, sentences, 3)
	assert.Equal(t, "안녕하세요?", sentences[0])
	assert.Equal(t, "오늘 날씨가 어때요.", sentences[1])
	assert.Equal(t, "테스트 중!", sentences[2])
}

func TestSplitSentencesBlankLineSeparates(t *testing.T) {
	sentences := SplitSentences("first block without punctuation\n\nsecond block")
	require.Len(t, sentences, 2)
	assert.Equal(t, "first block without punctuation", sentences[0])
	assert.Equal(t, "second block", sentences[1])
}

func TestSplitSentencesEmpty(t *testing.T) {
	assert.Nil(t, SplitSentences(""))
	assert.Nil(t, SplitSentences("   \n\t  "))
}

func TestSplitSentencesConsecutiveTerminals(t *testing.T) {
	sentences := SplitSentences("really?! yes. ok")
	require.Len(t, sentences, 3)
	assert.Equal(t, "really?!", sentences[0])
	assert.Equal(t, "yes.", sentences[1])
	assert.Equal(t, "ok", sentences[2])
}

func TestChunkDeterministic(t *testing.T) {
	c := New(Config{MaxTokens: 6, OverlapTokens: 3})
	text := "one two three. four five six. seven eight nine. ten eleven twelve."

	first := c.Chunk(text, map[string]any{"origin": "discord"})
	second := c.Chunk(text, map[string]any{"origin": "discord"})
	require.Equal(t, first, second)
}

func TestChunkOverlap(t *testing.T) {
	c := New(Config{MaxTokens: 6, OverlapTokens: 3})
	text := "a b c. d e f. g h i. j k l. m n o. p q r."

	chunks := c.Chunk(text, nil)
	require.Len(t, chunks, 5)

	assert.Equal(t, 0, chunks[0].SentenceStart)
	assert.Equal(t, 2, chunks[0].SentenceEnd)
	assert.Equal(t, "a b c. d e f.", chunks[0].Text)
	assert.Equal(t, 6, chunks[0].TokenCount)

	// Adjacent chunks share sentences; the final chunk reaches the end.
	for i := 1; i < len(chunks); i++ {
		assert.Less(t, chunks[i].SentenceStart, chunks[i-1].SentenceEnd)
		assert.Greater(t, chunks[i].SentenceStart, chunks[i-1].SentenceStart)
	}
	assert.Equal(t, 6, chunks[len(chunks)-1].SentenceEnd)
}

func TestChunkForwardProgressWithLargeOverlap(t *testing.T) {
	c := New(Config{MaxTokens: 1, OverlapTokens: 2})
	chunks := c.Chunk("one. two. three.", nil)
	require.Len(t, chunks, 3)
	for i, ch := range chunks {
		assert.Equal(t, i, ch.SentenceStart)
		assert.Equal(t, i+1, ch.SentenceEnd)
	}
}

func TestChunkOversizedSentence(t *testing.T) {
	c := New(Config{MaxTokens: 5, OverlapTokens: 2})
	chunks := c.Chunk("one two three four five six seven eight nine ten.", nil)
	require.Len(t, chunks, 1)
	assert.Equal(t, 10, chunks[0].TokenCount)
}

func TestChunkEmptyInput(t *testing.T) {
	c := New(Config{})
	assert.Nil(t, c.Chunk("", nil))
	assert.Nil(t, c.Chunk("   ", map[string]any{"k": "v"}))
}

func TestChunkMetadata(t *testing.T) {
	c := New(Config{MaxTokens: 100})
	meta := map[string]any{"origin": "discord", "channel": int64(42)}

	chunks := c.Chunk("Hello there. How are you?", meta)
	require.Len(t, chunks, 1)

	got := chunks[0].Metadata
	assert.Equal(t, "discord", got["origin"])
	assert.Equal(t, int64(42), got["channel"])
	assert.Equal(t, 0, got["sentence_start"])
	assert.Equal(t, 2, got["sentence_end"])
	assert.Equal(t, 2, got["sentence_count"])

	// The caller's map is copied, not mutated.
	assert.NotContains(t, meta, "sentence_start")
}

func TestChunkCoversAllSentences(t *testing.T) {
	c := New(Config{MaxTokens: 4, OverlapTokens: 2})
	text := "a b. c d. e f. g h. i j. k l. m n."

	chunks := c.Chunk(text, nil)
	require.NotEmpty(t, chunks)

	covered := make(map[int]bool)
	for _, ch := range chunks {
		for i := ch.SentenceStart; i < ch.SentenceEnd; i++ {
			covered[i] = true
		}
	}
	for i := 0; i < 7; i++ {
		assert.True(t, covered[i], "sentence %d not covered", i)
	}
}
