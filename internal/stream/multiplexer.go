// Package stream implements the per-request streaming response
// multiplexer (spec §4.6, Component H): an ephemeral, in-memory channel
// from a handler running on a background worker to the HTTP responder
// holding the request open.
//
// Grounded on the reference implementation's gateway.Server
// Subscribe/Unsubscribe/Broadcast pattern (internal/gateway/server.go),
// which keeps one outbound channel per connected WebSocket client behind
// a mutex-guarded map. This package generalizes that from "one channel
// per long-lived client connection" to "one channel per in-flight
// request_id", and adds the ordering, at-most-once, and cancellation
// guarantees the spec requires that the reference implementation's
// broadcast-only use case never needed.
package stream

import (
	"context"
	"sync"

	"github.com/nextlevelbuilder/courier/internal/errs"
	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// Sink receives one outbound activity at a time, in send order.
type Sink func(activity.Activity) error

type requestChannel struct {
	mu       sync.Mutex
	buf      []activity.Activity
	notify   chan struct{}
	complete bool
	closed   bool
}

// Multiplexer routes outbound activities from a handler to the HTTP
// responder consuming them, keyed by activity.RequestID.
type Multiplexer struct {
	mu       sync.Mutex
	channels map[string]*requestChannel
}

// New creates an empty multiplexer.
func New() *Multiplexer {
	return &Multiplexer{channels: make(map[string]*requestChannel)}
}

// Start registers a new per-request channel. Calling Start twice for the
// same requestID replaces the previous channel (the caller is expected to
// have already consumed or abandoned it).
func (m *Multiplexer) Start(requestID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[requestID] = &requestChannel{notify: make(chan struct{}, 1)}
}

// Send appends activities to the named request's channel, in the order
// given, and wakes any waiting consumer (spec §4.6 ordering guarantee,
// Invariant P5). Sending to an unknown or already-completed request id is
// a no-op — the implementer's choice the spec explicitly leaves open for
// S6 is "no-op", matching the reference implementation's pattern of
// silently dropping events for disconnected clients.
func (m *Multiplexer) Send(requestID string, activities []activity.Activity) {
	m.mu.Lock()
	rc, ok := m.channels[requestID]
	m.mu.Unlock()
	if !ok {
		return
	}

	rc.mu.Lock()
	if rc.closed {
		rc.mu.Unlock()
		return
	}
	rc.buf = append(rc.buf, activities...)
	rc.mu.Unlock()

	select {
	case rc.notify <- struct{}{}:
	default:
	}
}

// Complete closes the named request's channel. After this, a blocked
// Consume call drains any remaining buffered activities and returns.
func (m *Multiplexer) Complete(requestID string) {
	m.mu.Lock()
	rc, ok := m.channels[requestID]
	if ok {
		delete(m.channels, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	rc.mu.Lock()
	rc.complete = true
	rc.mu.Unlock()
	select {
	case rc.notify <- struct{}{}:
	default:
	}
}

// Consume is called by the HTTP responder. It invokes sink for every
// activity sent to requestID, in send order (at-most-once delivery per
// activity), returning when Complete is called or cancel fires.
//
// Grounded on the reference implementation's Client.Run loop pattern
// (per-connection goroutine pumping a channel until the connection's
// context is done).
func (m *Multiplexer) Consume(ctx context.Context, requestID string, sink Sink) error {
	m.mu.Lock()
	rc, ok := m.channels[requestID]
	m.mu.Unlock()
	if !ok {
		return errs.Newf(errs.KindInvalidActivity, "unknown request id %q", requestID)
	}

	for {
		rc.mu.Lock()
		pending := rc.buf
		rc.buf = nil
		done := rc.complete && len(pending) == 0
		rc.mu.Unlock()

		for _, a := range pending {
			if err := sink(a); err != nil {
				return err
			}
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			m.abort(requestID, rc)
			return ctx.Err()
		case <-rc.notify:
		}
	}
}

// abort marks the channel closed so any further Send is a no-op and
// releases it from the registry, implementing the cancellation contract
// of spec §4.6 ("cancel aborts both the consumer and any pending sends").
func (m *Multiplexer) abort(requestID string, rc *requestChannel) {
	rc.mu.Lock()
	rc.closed = true
	rc.mu.Unlock()

	m.mu.Lock()
	if cur, ok := m.channels[requestID]; ok && cur == rc {
		delete(m.channels, requestID)
	}
	m.mu.Unlock()
}
