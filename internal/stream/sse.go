package stream

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// SSEFrameWriter writes one SSE frame per activity and flushes after each
// write, matching the "event: message\ndata: <json>\n\n" transport the
// spec names for the MCP adapter (§4.6).
//
// The read side of this exact framing is already in the example pack
// (providers/anthropic_stream.go parses "event: "/"data: " lines from an
// Anthropic SSE stream); this is the write-side mirror of that format.
type SSEFrameWriter struct {
	w       io.Writer
	flusher interface{ Flush() }
}

// NewSSEFrameWriter wraps w. flusher may be nil if the underlying writer
// doesn't support explicit flushing (e.g. in tests).
func NewSSEFrameWriter(w io.Writer, flusher interface{ Flush() }) *SSEFrameWriter {
	return &SSEFrameWriter{w: w, flusher: flusher}
}

// WriteActivity writes one activity as an SSE "message" event frame.
func (s *SSEFrameWriter) WriteActivity(a activity.Activity) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", data); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Sink adapts the writer to the Multiplexer's Sink signature.
func (s *SSEFrameWriter) Sink() Sink { return s.WriteActivity }
