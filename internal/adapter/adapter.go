// Package adapter provides the two Adapter implementations handlers send
// outbound activities through (spec §4.7, Component I): one that forwards
// to the streaming multiplexer for held-open requests, and one that
// buffers into the turn context's reserved invoke-response slot for
// plain request/response turns.
//
// Grounded on the reference implementation's channels.Channel.Send
// contract (internal/channels/channel.go): a single narrow "deliver this
// outbound thing" method per channel, generalized here into delivery-mode
// aware dispatch over the spec's streaming vs. request/response split.
package adapter

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/courier/internal/stream"
	"github.com/nextlevelbuilder/courier/internal/turnctx"
	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// StreamingAdapter forwards outbound activities to a stream.Multiplexer
// keyed by the turn's activity.RequestID.
type StreamingAdapter struct {
	mux *stream.Multiplexer
}

// NewStreamingAdapter wraps a multiplexer.
func NewStreamingAdapter(mux *stream.Multiplexer) *StreamingAdapter {
	return &StreamingAdapter{mux: mux}
}

func (s *StreamingAdapter) SendActivities(_ context.Context, tc *turnctx.Context, activities []activity.Activity) ([]turnctx.ResourceResponse, error) {
	requestID := tc.Activity.RequestID
	s.mux.Send(requestID, activities)

	resp := make([]turnctx.ResourceResponse, len(activities))
	for i := range activities {
		resp[i] = turnctx.ResourceResponse{ID: uuid.NewString()}
	}
	return resp, nil
}

// BufferedAdapter records outbound activities in memory and harvests the
// last invoke-response activity into the turn context's invoke-response
// slot; other activity types are recorded only — the behavior a
// request/response turn needs (spec §4.7: "last write wins").
type BufferedAdapter struct {
	mu   sync.Mutex
	sent []activity.Activity
}

// NewBufferedAdapter creates an adapter for request/response turns.
func NewBufferedAdapter() *BufferedAdapter {
	return &BufferedAdapter{}
}

func (b *BufferedAdapter) SendActivities(_ context.Context, tc *turnctx.Context, activities []activity.Activity) ([]turnctx.ResourceResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	resp := make([]turnctx.ResourceResponse, len(activities))
	for i, a := range activities {
		b.sent = append(b.sent, a)
		resp[i] = turnctx.ResourceResponse{ID: uuid.NewString()}
		if a.Type == activity.TypeInvokeResponse {
			status := 200
			if s, ok := statusFromValue(a.Value); ok {
				status = s
			}
			tc.SetInvokeResponse(&turnctx.InvokeResponse{Status: status, Body: mustInterface(a.Value)})
		}
	}
	return resp, nil
}

// Sent returns a copy of every activity recorded so far.
func (b *BufferedAdapter) Sent() []activity.Activity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]activity.Activity, len(b.sent))
	copy(out, b.sent)
	return out
}

func statusFromValue(v activity.Value) (int, bool) {
	var payload struct {
		Status int `json:"status"`
	}
	if err := v.Decode(&payload); err != nil || payload.Status == 0 {
		return 0, false
	}
	return payload.Status, true
}

func mustInterface(v activity.Value) interface{} {
	out, err := v.Interface()
	if err != nil {
		return nil
	}
	return out
}
