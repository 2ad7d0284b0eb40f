// Package storage persists conversation history in SQLite and serves the
// retrieval pipeline's data needs.
//
// Three stores share one set of conventions (WAL mode, single writer,
// context-aware queries):
//
//   - HistoryStore owns the live conversation_history table: inserts,
//     embedding backfill, sequence-neighbor and time-window lookups, and a
//     linear cosine scan for dense retrieval.
//   - LexicalIndex answers BM25 keyword queries against the FTS5 table that
//     triggers keep in sync with conversation_history.
//   - ArchiveStore reads imported chat-export databases read-only, detecting
//     their message table by column names.
//
// Builds default to the pure-Go driver; the cgo_sqlite build tag switches to
// the CGO driver.
package storage
