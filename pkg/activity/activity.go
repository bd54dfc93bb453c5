// Package activity defines the inbound/outbound envelope that flows through
// the turn dispatcher, the route table, and the streaming multiplexer.
//
// Adapted from the reference gateway's internal/bus InboundMessage /
// OutboundMessage pair: instead of two narrow, direction-specific shapes,
// Activity is the single tagged record every component in this module
// speaks, matching the channel-agnostic "activity" concept the spec
// requires.
package activity

import (
	"encoding/json"
	"fmt"
)

// Type enumerates the activity kinds the dispatcher understands.
type Type string

const (
	TypeMessage            Type = "message"
	TypeConversationUpdate Type = "conversationUpdate"
	TypeInvoke             Type = "invoke"
	TypeInvokeResponse     Type = "invokeResponse"
	TypeEvent              Type = "event"
	TypeTyping             Type = "typing"
	TypeEndOfConversation  Type = "endOfConversation"
	TypeHandoff            Type = "handoff"
)

// DeliveryMode controls how outbound activities from a turn are surfaced
// to the caller.
type DeliveryMode string

const (
	DeliveryNormal        DeliveryMode = "normal"
	DeliveryExpectReplies DeliveryMode = "expectReplies"
	DeliveryStream        DeliveryMode = "stream"
)

// Account identifies a party (user or bot) on a channel.
type Account struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Conversation identifies the conversation an activity belongs to.
type Conversation struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`
}

// Attachment is an opaque channel attachment (card, file, media, ...).
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	ContentURL  string `json:"contentUrl,omitempty"`
	Content     Value  `json:"content,omitempty"`
	Name        string `json:"name,omitempty"`
}

// Entity is an opaque, channel-defined piece of metadata attached to an
// activity (mentions, streaming markers, etc).
type Entity struct {
	Type  string `json:"type"`
	Value Value  `json:"value,omitempty"`
}

// Activity is the tagged envelope for one inbound or outbound turn event.
//
// All list-valued fields are kept non-nil by the constructors in this
// package (spec §3.1 requires empty-array round-tripping, never null).
type Activity struct {
	Type         Type         `json:"type"`
	ID           string       `json:"id,omitempty"`
	RequestID    string       `json:"requestId,omitempty"`
	ChannelID    ChannelID    `json:"channelId,omitempty"`
	Conversation Conversation `json:"conversation"`
	From         Account      `json:"from,omitempty"`
	Recipient    Account      `json:"recipient,omitempty"`
	Text         string       `json:"text,omitempty"`
	Value        Value        `json:"value,omitempty"`
	Name         string       `json:"name,omitempty"`
	DeliveryMode DeliveryMode `json:"deliveryMode,omitempty"`

	Attachments    []Attachment `json:"attachments"`
	Entities       []Entity     `json:"entities"`
	MembersAdded   []Account    `json:"membersAdded"`
	MembersRemoved []Account    `json:"membersRemoved"`
	ReactionsAdded []Entity     `json:"reactionsAdded"`
	ReactionsRemoved []Entity   `json:"reactionsRemoved"`
}

// New returns an Activity of the given type with all list fields
// initialized to empty (never nil) slices, per spec §3.1.
func New(t Type, conversationID string) Activity {
	return Activity{
		Type:             t,
		Conversation:     Conversation{ID: conversationID},
		Attachments:      []Attachment{},
		Entities:         []Entity{},
		MembersAdded:     []Account{},
		MembersRemoved:   []Account{},
		ReactionsAdded:   []Entity{},
		ReactionsRemoved: []Entity{},
	}
}

// Validate enforces Invariant A1: type and conversation.id must be present.
func (a Activity) Validate() error {
	if a.Type == "" {
		return fmt.Errorf("activity: missing type")
	}
	if a.Conversation.ID == "" {
		return fmt.Errorf("activity: missing conversation.id")
	}
	return nil
}

// Reply builds an outbound activity that inherits the conversation from
// the inbound turn (Invariant A2), unless the caller overrides it
// afterward.
func (a Activity) Reply(t Type) Activity {
	out := New(t, a.Conversation.ID)
	out.ChannelID = a.ChannelID
	out.Conversation = a.Conversation
	out.RequestID = a.RequestID
	out.Recipient = a.From
	out.From = a.Recipient
	return out
}

// IsInvoke reports whether this activity should be matched against the
// dispatcher's invoke-route list first (spec §4.1).
func (a Activity) IsInvoke() bool { return a.Type == TypeInvoke }

// Value is a polymorphic JSON value (string, number, bool, array, object,
// or null) that round-trips without collapsing its JSON value kind, as
// required by spec §6.1. It wraps json.RawMessage — the kind is preserved
// because the bytes are never interpreted until the caller asks for a
// concrete Go type.
type Value struct {
	raw json.RawMessage
}

// NewValue wraps an arbitrary Go value (string, float64, bool, map,
// slice, or nil) as a Value, marshaling it immediately so the stored kind
// is fixed at construction time.
func NewValue(v interface{}) Value {
	if v == nil {
		return Value{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return Value{}
	}
	return Value{raw: b}
}

// IsZero reports whether the value is unset (distinct from a JSON null).
func (v Value) IsZero() bool { return len(v.raw) == 0 }

// Raw returns the underlying JSON bytes.
func (v Value) Raw() json.RawMessage { return v.raw }

// Decode unmarshals the value into dst, the same way any json.Unmarshal
// target works.
func (v Value) Decode(dst interface{}) error {
	if v.IsZero() {
		return nil
	}
	return json.Unmarshal(v.raw, dst)
}

// Interface returns the value decoded as interface{}, preserving JSON
// kind discrimination (string stays a string, a JSON number decodes to
// float64, objects decode to map[string]interface{}, etc).
func (v Value) Interface() (interface{}, error) {
	if v.IsZero() {
		return nil, nil
	}
	var out interface{}
	if err := json.Unmarshal(v.raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return []byte("null"), nil
	}
	return v.raw, nil
}

// UnmarshalJSON implements json.Unmarshaler, keeping the raw bytes so the
// original JSON kind (number vs string vs object) is never collapsed.
func (v *Value) UnmarshalJSON(data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	v.raw = cp
	return nil
}
