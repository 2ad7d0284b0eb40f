package chunker

import (
	"strings"
	"unicode"

	"github.com/masamong/recall/pkg/types"
)

const (
	// DefaultMaxTokens is the target maximum token count per chunk.
	DefaultMaxTokens = 180

	// DefaultOverlapTokens is the token budget shared between adjacent chunks.
	DefaultOverlapTokens = 60
)

// Tokenizer splits text into tokens for budget accounting.
type Tokenizer func(text string) []string

// WhitespaceTokenizer is the default tokenizer: a plain whitespace split.
func WhitespaceTokenizer(text string) []string {
	return strings.Fields(text)
}

// Config controls chunking behavior.
type Config struct {
	MaxTokens     int
	OverlapTokens int
	Tokenizer     Tokenizer
}

// Chunker splits long text into overlapping, token-bounded segments along
// sentence boundaries.
type Chunker struct {
	cfg Config
}

// New creates a Chunker, filling in defaults for zero-valued config fields.
func New(cfg Config) *Chunker {
	if cfg.MaxTokens < 1 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.OverlapTokens < 0 {
		cfg.OverlapTokens = 0
	}
	if cfg.Tokenizer == nil {
		cfg.Tokenizer = WhitespaceTokenizer
	}
	return &Chunker{cfg: cfg}
}

// SplitSentences splits text on punctuation-terminal boundaries (. ! ? …
// followed by whitespace). Blank lines act as hard sentence separators.
// Empty or whitespace-only input yields nil.
func SplitSentences(text string) []string {
	if text == "" {
		return nil
	}
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	normalized = strings.TrimSpace(normalized)
	if normalized == "" {
		return nil
	}

	var sentences []string
	for _, block := range strings.Split(normalized, "\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		runes := []rune(block)
		var b strings.Builder
		for i, r := range runes {
			b.WriteRune(r)
			if isTerminal(r) && i+1 < len(runes) && unicode.IsSpace(runes[i+1]) {
				if s := strings.TrimSpace(b.String()); s != "" {
					sentences = append(sentences, s)
				}
				b.Reset()
			}
		}
		if s := strings.TrimSpace(b.String()); s != "" {
			sentences = append(sentences, s)
		}
	}
	return sentences
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// Chunk splits text into sentence-aligned chunks. Each chunk carries a copy
// of metadata augmented with sentence_start, sentence_end and
// sentence_count. Boundaries never split a sentence, every sentence appears
// in at least one chunk, and the same input always yields the same output.
func (c *Chunker) Chunk(text string, metadata map[string]any) []types.Chunk {
	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	tokenize := c.cfg.Tokenizer
	maxTokens := c.cfg.MaxTokens
	overlapTokens := c.cfg.OverlapTokens

	var chunks []types.Chunk
	total := len(sentences)
	cursor := 0
	for cursor < total {
		start := cursor
		end := cursor
		tokenTotal := 0
		for end < total {
			tokenTotal += len(tokenize(sentences[end]))
			if tokenTotal > maxTokens && end > start {
				break
			}
			end++
		}
		// A single oversized sentence still forms a chunk on its own.
		if end == start {
			end++
		}

		text := strings.TrimSpace(strings.Join(sentences[start:end], " "))
		meta := make(map[string]any, len(metadata)+3)
		for k, v := range metadata {
			meta[k] = v
		}
		meta["sentence_start"] = start
		meta["sentence_end"] = end
		meta["sentence_count"] = total

		chunks = append(chunks, types.Chunk{
			Text:          text,
			TokenCount:    len(tokenize(text)),
			SentenceStart: start,
			SentenceEnd:   end,
			Metadata:      meta,
		})

		// No overlap after the final chunk.
		if overlapTokens <= 0 || end >= total {
			cursor = end
			continue
		}

		overlap := overlapSentences(sentences[start:end], tokenize, overlapTokens)
		next := end - overlap
		if next <= start {
			next = start + 1
		}
		cursor = next
	}
	return chunks
}

// overlapSentences walks backward from the end of a closed chunk, counting
// sentences until their combined token count reaches the overlap budget.
func overlapSentences(sentences []string, tokenize Tokenizer, overlapTokens int) int {
	remaining := overlapTokens
	count := 0
	for i := len(sentences) - 1; i >= 0; i-- {
		n := len(tokenize(sentences[i]))
		if n == 0 {
			continue
		}
		remaining -= n
		count++
		if remaining <= 0 {
			break
		}
	}
	if count > len(sentences) {
		count = len(sentences)
	}
	return count
}
