package flow

import (
	"context"

	"github.com/nextlevelbuilder/courier/internal/errs"
	"github.com/nextlevelbuilder/courier/internal/store"
)

// Store reads and writes FlowState records through the storage contract,
// owning the etag bookkeeping the dedupe sentinel (spec §4.4.4) depends
// on.
type Store struct {
	storage store.Storage
}

// NewStore wraps a storage backend.
func NewStore(storage store.Storage) *Store {
	return &Store{storage: storage}
}

// record is the read result: the decoded state plus the etag it was read
// with, so a caller can issue a conditional write back.
type record struct {
	state FlowState
	etag  string
}

func (s *Store) read(ctx context.Context, key string) (record, error) {
	got, err := s.storage.Read(ctx, []string{key})
	if err != nil {
		return record{}, err
	}
	rec, ok := got[key]
	if !ok {
		return record{state: FlowState{State: StateIdle}}, nil
	}
	fs, err := unmarshalFlowState(rec.Value)
	if err != nil {
		return record{}, err
	}
	return record{state: fs, etag: rec.ETag}, nil
}

// write performs an unconditional save (the common case: the flow
// machine owns the record for the duration of a turn, spec §3.7).
func (s *Store) write(ctx context.Context, key string, fs FlowState) error {
	data, err := marshalFlowState(fs)
	if err != nil {
		return err
	}
	return s.storage.Write(ctx, map[string]store.Record{key: {Value: data}})
}

// writeSentinel performs the optimistic-concurrency dedupe write of spec
// §4.4.4: it writes fs conditioned on the key currently holding etag
// (empty etag means "key must not exist yet"). A collision is returned as
// errs.KindDuplicateExchange wrapping the storage's errs.KindETagMismatch.
func (s *Store) writeSentinel(ctx context.Context, key string, fs FlowState, etag string) error {
	data, err := marshalFlowState(fs)
	if err != nil {
		return err
	}
	// An empty etag means this is the first touch of the key: condition
	// the write on the key being absent (store.ETagCreate) rather than
	// treating it as an unconditional overwrite, so two first-touch races
	// are still mutually exclusive.
	writeEtag := etag
	if writeEtag == "" {
		writeEtag = store.ETagCreate
	}
	err = s.storage.Write(ctx, map[string]store.Record{key: {Value: data, ETag: writeEtag}})
	if errs.Is(err, errs.KindETagMismatch) {
		return errs.Wrap(errs.KindDuplicateExchange, "concurrent sign-in exchange", err)
	}
	return err
}

func (s *Store) clear(ctx context.Context, key string) error {
	return s.storage.Delete(ctx, []string{key})
}
