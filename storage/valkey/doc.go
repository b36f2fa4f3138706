// Package valkey provides a Valkey storage backend for the token issuer.
//
// Valkey is a high-performance key-value store that is wire-compatible with Redis.
// The Store type implements the same contracts as the in-memory reference
// backend, so a server can move between the two without behavioural change:
//
//   - [storage.TokenStore]: put, get, replace, take and remove token records
//   - [storage.OwnerIndex]: list and bulk-remove a principal's tokens
//   - [storage.ClientStore]: registered clients and secret validation
//
// # Key Schema
//
// All keys use a configurable prefix (default "issuer:"). Token values never
// appear in the keyspace; records are addressed by the SHA-256 of the value:
//
//	{prefix}token:{sha256(value)}   -> HASH data, kind, owner, rh
//	{prefix}pair:{sha256(refresh)}  -> HASH ah, av (current paired access token)
//	{prefix}owner:{principalID}     -> SET of record hashes
//	{prefix}client:{clientID}       -> JSON(Client)
//
// # Atomic Operations
//
// Put, Replace, Take, Remove and RemoveByOwner each run as one Lua script.
// Replace of a paired access token is a compare-and-swap on the refresh
// token's pairing, and Take lets exactly one concurrent caller win, which is
// what makes authorization codes single-use across server instances.
// Scripts address paired records by derived key names, so the store must be
// used with a standalone Valkey deployment rather than a cluster.
//
// # Expiry
//
// The server's expiry scheduler removes records at their expiry instant.
// Each record additionally carries a Valkey TTL of its expiry plus
// Config.ExpiryMargin, which reclaims records whose timer never ran.
//
// # Encryption at Rest
//
// With an Encryptor set, record payloads and paired access values are
// sealed with AES-256-GCM:
//
//	key, _ := security.KeyFromBase64(os.Getenv("ISSUER_ENCRYPTION_KEY"))
//	enc, _ := security.NewEncryptor(key)
//	store.SetEncryptor(enc)
//
// # Usage
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "issuer:",
//	})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	srv, err := server.New(store, nil, nil, &server.Config{ClientStore: store}, logger)
package valkey
