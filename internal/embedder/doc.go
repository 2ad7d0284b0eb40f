// Package embedder generates dense vector embeddings for conversational
// text via an OpenAI-compatible HTTP API.
//
// Two layers are exposed. HTTPProvider is the strict layer: it talks to the
// embeddings endpoint with retry, batching, LRU caching and an optional
// one-time warm-up request, and returns errors. Service is the lenient
// layer the retrieval pipeline consumes: embeddings there are an optional
// ranking signal, so Service logs provider failures and returns nil vectors
// instead of erroring, letting search continue on lexical evidence alone.
package embedder
