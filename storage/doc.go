// Package storage provides the token record model and the storage interfaces
// used by the issuer.
//
// The storage package defines:
//   - Token, Kind, Principal and Scope: the issued credential model
//   - TokenStore: the value-to-record map with atomic Put/Replace/Take
//   - OwnerIndex: optional per-principal lookup used for bulk revocation
//   - ClientStore: registered clients and secret validation
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage, the reference backend
//   - storage/mock: Error-injecting storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage
package storage
