// Package embeddings turns chunk text into vectors.
//
// Backends (fastembed, TEI, OpenAI) are negotiated at startup in preference
// order. Provider adds content-hash dedupe, a two-tier cache, batching and
// fallback to a secondary backend on top of them.
package embeddings
