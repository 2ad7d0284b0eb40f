// Package searcher implements hybrid conversational retrieval.
//
// One Search call expands the query into phrasing variants, fans each
// variant out over a dense (embedding cosine) branch and a lexical (BM25)
// branch under per-branch timeouts, merges candidates by composite id with
// max-keep score semantics, fuses the signals into one ranking, hydrates
// the survivors with dialogue windows and optionally reranks them with a
// cross-encoder.
//
// The design principle throughout is graceful degradation: only the history
// database is required. Without an embedder the search is purely lexical,
// without the lexical index purely dense, and a branch that errors or times
// out contributes nothing instead of failing the call.
package searcher
