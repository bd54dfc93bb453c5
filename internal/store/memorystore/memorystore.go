// Package memorystore is an in-memory store.Storage implementation used
// by this module's own tests and by callers wiring up a standalone
// runtime without a production backend. It is not a production backend —
// per spec §1, concrete storage backends are out of scope; this exists
// purely so the dispatcher, flow machine, and queue are testable end to
// end.
//
// Grounded on the reference implementation's sessions.Manager: an
// in-memory map guarded by a sync.RWMutex, with an atomically-incrementing
// tag standing in for the reference implementation's file-rename-based
// atomic persistence.
package memorystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/courier/internal/store"
)

// Store is an in-memory store.Storage implementation.
type Store struct {
	mu      sync.RWMutex
	records map[string]store.Record
	seq     int64
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{records: make(map[string]store.Record)}
}

func (s *Store) Read(_ context.Context, keys []string) (map[string]store.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]store.Record, len(keys))
	for _, k := range keys {
		if r, ok := s.records[k]; ok {
			out[k] = r
		}
	}
	return out, nil
}

func (s *Store) Write(_ context.Context, records map[string]store.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate all ETags before mutating anything, so a Write is atomic:
	// either every record in the call is applied, or none are.
	for key, rec := range records {
		switch rec.ETag {
		case "":
			continue
		case store.ETagCreate:
			if _, ok := s.records[key]; ok {
				return store.ErrETagMismatch(key)
			}
		default:
			existing, ok := s.records[key]
			if !ok || existing.ETag != rec.ETag {
				return store.ErrETagMismatch(key)
			}
		}
	}

	for key, rec := range records {
		s.seq++
		rec.ETag = fmt.Sprintf("v%d", s.seq)
		s.records[key] = rec
	}
	return nil
}

func (s *Store) Delete(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.records, k)
	}
	return nil
}
