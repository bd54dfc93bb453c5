// Package store defines the key-value storage contract the dispatcher,
// flow machine, and flow-state store are built against (spec §6.3). This
// package intentionally does not provide a production backend — the spec
// lists "concrete storage backends" as out of scope and assumes a
// key-value contract. An in-memory reference implementation lives in
// store/memorystore for tests only.
//
// Grounded on the reference implementation's store.SessionStore /
// sessions.Manager shape (Get/Set-style methods over a map[string]...
// guarded by a mutex), generalized to the opaque Record + ETag contract
// the spec requires.
package store

import (
	"context"

	"github.com/nextlevelbuilder/courier/internal/errs"
)

// Record is an opaque stored value with an optional optimistic
// concurrency tag. A zero ETag means "no concurrency check requested".
type Record struct {
	Value []byte
	ETag  string
}

// ETagCreate is the sentinel ETag value meaning "write only if the key
// does not currently hold a record" — a conditional create, as opposed
// to the zero ETag's unconditional overwrite. The dedupe sentinel write
// (spec §4.4.4) uses this the first time a given flow key is touched, and
// the plain non-empty ETag it reads back afterward for every subsequent
// race on the same key.
const ETagCreate = "*create*"

// Storage is the contract every component in this module reads and
// writes state through (spec §6.3).
type Storage interface {
	// Read loads the records for the given keys. Keys with no stored
	// record are simply absent from the result map (not an error).
	Read(ctx context.Context, keys []string) (map[string]Record, error)

	// Write stores the given records atomically per call. When a record's
	// ETag is non-empty, the write only succeeds if the stored record's
	// current ETag matches (for ETagCreate: if no record is stored under
	// the key); otherwise it fails with errs.KindETagMismatch.
	// A record written with an empty ETag always succeeds and is assigned
	// a fresh ETag.
	Write(ctx context.Context, records map[string]Record) error

	// Delete removes the given keys. Deleting an absent key is a no-op.
	Delete(ctx context.Context, keys []string) error
}

// ErrETagMismatch is returned (wrapped in an *errs.Error) when a
// conditional Write loses a race, per spec §7.
func ErrETagMismatch(key string) error {
	return errs.New(errs.KindETagMismatch, "etag mismatch").WithContext("key", key)
}
