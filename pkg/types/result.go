package types

import "time"

// Candidate sources
const (
	SourceEmbedding = "embedding"
	SourceLexical   = "bm25"
)

// RetrievalEntry is one ranked hit from a hybrid search, hydrated with its
// surrounding dialogue window.
//
// Similarity and LexicalScore are only meaningful when the matching Has flag
// is set; a candidate found by a single path carries exactly one signal and
// its CombinedScore is that signal alone.
type RetrievalEntry struct {
	CandidateID   string // stable composite id: origin ":" message id
	MessageID     int64
	Origin        string // "discord" or an archive label
	Speaker       string
	Content       string
	Timestamp     time.Time
	Similarity    float64
	HasSimilarity bool
	LexicalScore  float64
	HasLexical    bool
	Sources       []string // which search paths contributed, sorted
	CombinedScore float64
	RerankScore   float64
	Reranked      bool
	Window        []Turn // ordered, deduplicated, focal message included
	DialogueBlock string // rendered window, ready for prompt injection
}

// RetrievalResult is the final artifact of one Search call.
//
// TopScore lets the caller decide whether the best hit is worth injecting
// into a prompt at all; a score at or near zero means no relevant memory
// was found, which is a valid non-error outcome.
type RetrievalResult struct {
	Entries       []RetrievalEntry
	QueryVariants []string
	TopScore      float64
}
