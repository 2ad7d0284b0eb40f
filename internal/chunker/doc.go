// Package chunker splits long text into overlapping, token-bounded chunks
// aligned on sentence boundaries.
//
// Splitting is deterministic and purely lexical: sentences end at . ! ? or …
// followed by whitespace, and blank lines always force a boundary. Chunks
// are assembled greedily up to a token budget, then adjacent chunks share a
// configurable token overlap so that context is not lost at chunk edges.
// A sentence is never split across chunks, even when it alone exceeds the
// budget.
package chunker
