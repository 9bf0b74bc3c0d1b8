// Package cache defines the versioned bucket storage behind every site worker.
// A Backend hands out one Storage per site namespace; a Storage holds named
// buckets (one per cache version) and each Bucket maps a same-origin request
// key (escaped path plus query) to a captured response. Three backends share
// the same semantics: a filesystem layout written via temp file + rename, a
// SQLite database, and an in-memory map used by tests and ephemeral runs.
package cache
