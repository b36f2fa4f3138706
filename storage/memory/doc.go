// Package memory provides an in-memory implementation of the storage interfaces.
//
// This package implements TokenStore, OwnerIndex and ClientStore using Go maps
// behind a single sync.RWMutex. Reads take only the read lock; every mutation,
// including the pairing update between access and refresh tokens, happens in
// one critical section.
//
// Features:
//   - Atomic Replace (compare-and-swap on refresh pairing) and Take (get-and-delete)
//   - Per-principal index for bulk revocation
//   - Lock-free per-kind counters exported as OpenTelemetry gauges
//   - Background sweep of expired records no timer removed
//
// For multi-instance deployments, use the storage/valkey package instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, nil, nil, server.DefaultConfig(), logger)
package memory
