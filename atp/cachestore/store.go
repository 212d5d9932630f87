// Package cachestore implements component A, the shared cache store: a
// K/V contract with TTL, opaque byte-blob values, and pluggable backends
// (in-memory, file, remote/Redis). Every execution record and session
// record in the rest of ATP goes through this seam; in-program atp.cache.*
// calls are answered by the client and do not use it.
package cachestore

import "context"

// Store is the contract every cache backend implements (spec §4.A). Values
// are opaque byte blobs: callers (session manager, coordinator) own their
// own encoding.
type Store interface {
	// Get returns the value for key, or (nil, nil) on miss or expiry.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key with the given TTL. ttlSeconds <= 0 means
	// no expiry.
	Set(ctx context.Context, key string, value []byte, ttlSeconds int) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// MGet returns values for multiple keys, in the same order. Missing or
	// expired keys are represented as nil entries.
	MGet(ctx context.Context, keys []string) ([][]byte, error)
	// MSet stores multiple key/value pairs with a shared TTL.
	MSet(ctx context.Context, entries map[string][]byte, ttlSeconds int) error
	// Clear deletes every key matching prefixGlob (a `prefix*` style glob,
	// e.g. "exec:*"). Nothing in ATP calls it; the File backend's Clear
	// deletes nothing.
	Clear(ctx context.Context, prefixGlob string) error
}
