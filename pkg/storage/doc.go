// Package storage contains the transactional handle map used by the engine, so that different
// persistence layers can be plugged in underneath it.
//
// Backends in this package must:
//   - expose bucketed byte keys and values inside a transaction
//   - report a missing key with found == false, never with an error
//   - leave a transaction rolled back when Commit returns an error
//
// Handle maps built on top of a backend report a missing value as (zero, false, nil). Only accessors
// that demand presence (MustGet) return a NotFoundError, which matches ErrNotFound.
package storage
