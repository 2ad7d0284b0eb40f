// Package types defines the value types shared across the retrieval engine.
//
// The engine passes explicit, validated records between layers instead of
// loosely-shaped maps:
//
//   - Message: one persisted conversation message, the unit everything else
//     is derived from. The embedding is nullable and attached asynchronously
//     after insert.
//   - Turn: one line of a dialogue window surrounding a retrieved hit.
//   - Chunk: an ephemeral run of whole sentences produced by the chunker,
//     never persisted.
//   - RetrievalEntry / RetrievalResult: the ranked output of a hybrid search,
//     consumed by the prompt-construction layer.
//
// All timestamps are UTC. Messages are keyed by a unique, time-sortable
// message id, so ordering by id and ordering by creation time agree.
package types
