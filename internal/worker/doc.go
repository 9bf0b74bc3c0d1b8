// Package worker implements the per-site asset cache manager: the install →
// activate → fetch lifecycle of an offline-first service worker, expressed as
// a Handler over an injected cache.Storage and network Fetcher.
//
// A Worker is built once per cache version. OnInstall pre-caches the core
// asset manifest best-effort, OnActivate evicts every bucket except the
// current version, and OnFetch answers requests network-first (navigations),
// cache-first (same-origin sub-resources) or network-only (cross-origin).
// Registration sequences generations of workers for one site and atomically
// switches the controller once activation has finished.
package worker
