package types

// Chunk is a contiguous run of whole sentences from some source text,
// bounded by a token budget. Chunks are derived on demand and never
// persisted.
//
// SentenceStart and SentenceEnd index into the source sentence list as a
// half-open range [start, end). Metadata is a copy of the caller-supplied
// map augmented by the chunker with sentence_start, sentence_end and
// sentence_count.
type Chunk struct {
	Text          string
	TokenCount    int
	SentenceStart int
	SentenceEnd   int
	Metadata      map[string]any
}
