// Package vectorstore provides the per-tenant similarity index.
//
// Every tenant owns an isolated index keyed by its TenantID. An index is
// created empty, filled with chunk embeddings, persisted through a
// blobstore.Store as an artifact (<tenant>.index) plus a JSON sidecar
// (<tenant>.json), and purged once the sidecar's expires_at has passed.
//
// # Backends
//
//   - chromem (default): an in-memory chromem-go DB per tenant, exported
//     into the blob store on Save and imported back on Load.
//   - qdrant: one collection per tenant (ingest_<tenant>) on a Qdrant
//     server. Only the sidecar and a marker blob are written on Save.
//
// Both backends rank by cosine similarity. Results report
// distance = 1 - similarity and score = 1/(1+distance).
//
// # Concurrency
//
// Create, Add, Save and Load hold a per-tenant mutex. PurgeExpired only
// TryLocks it and skips tenants that are busy, so a purge never races a
// writer.
package vectorstore
