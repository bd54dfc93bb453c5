// Package turnctx defines the per-turn context and state contracts shared
// by the route table, the turn dispatcher, the flow machine, and the
// adapter implementations. It is kept dependency-free of those packages
// (a leaf, the way spec §9 "cyclic ownership" design note asks for) so
// that routing, flow, and adapter can all depend on it without any of
// them depending on each other.
package turnctx

import (
	"context"

	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// ResourceResponse is returned by Adapter.SendActivities for each
// activity sent, mirroring the channel-level "message accepted" receipt.
type ResourceResponse struct {
	ID string `json:"id,omitempty"`
}

// Adapter is the contract by which a handler running inside a turn sends
// outbound activities, and by which the caller eventually harvests an
// invoke response (spec §4.7, Component I).
type Adapter interface {
	// SendActivities delivers activities produced during this turn. For a
	// streaming turn this forwards to the per-request multiplexer; for a
	// request/response turn it records the activities so the caller can
	// inspect them, and the last invoke-response-shaped activity becomes
	// the harvested InvokeResponse.
	SendActivities(ctx context.Context, tc *Context, activities []activity.Activity) ([]ResourceResponse, error)
}

// Temp is the dispatcher-reserved scratch slot on TurnState (spec §3.4).
// SignInPending carries the sign-in detour's pending marker across turns
// (spec §4.2 step 5): it is part of the same reserved slot as Input so it
// rides along with the rest of TurnState's atomic save/load, rather than
// living in some separate process-wide table (spec §9 "global mutable
// state" design note).
type Temp struct {
	Input         string
	SignInPending bool
}

// State is the opaque per-conversation, per-user object the dispatcher
// loads at turn start and saves at turn end. The dispatcher only ever
// touches the reserved Temp slot; everything else is owned by handlers.
type State interface {
	// Temp returns the reserved scratch slot the dispatcher populates
	// from activity.Text (spec §4.2 step 6).
	Temp() *Temp
}

// StateFactory constructs an empty TurnState for a new turn. The
// dispatcher JSON-decodes the stored TurnState into the returned value at
// turn start and saves it back at turn end; beyond the reserved Temp slot
// it does not inspect the state's shape.
type StateFactory func() State

// Context carries everything a selector or handler needs to see and
// manipulate during one turn (spec §3.4, §4.1). The dispatcher owns a
// Context's lifetime; selectors, hooks, and handlers hold a non-owning
// reference to it.
type Context struct {
	ctx     context.Context
	Activity activity.Activity
	State   State
	Adapter Adapter

	// invokeResponse is the reserved slot a BufferedAdapter writes into;
	// last write wins (spec §4.7).
	invokeResponse *InvokeResponse

	sentAny bool
}

// InvokeResponse is the synchronous response harvested from a
// request/response turn, mirroring an invoke activity's expected reply.
type InvokeResponse struct {
	Status int
	Body   interface{}
}

// New creates a turn Context for the given activity.
func New(ctx context.Context, act activity.Activity, state State, adapter Adapter) *Context {
	return &Context{ctx: ctx, Activity: act, State: state, Adapter: adapter}
}

// Context returns the underlying cancellation/deadline context (spec §5:
// every suspending operation accepts a cancel token).
func (c *Context) Context() context.Context { return c.ctx }

// WithContext returns a shallow copy of c carrying a new context.Context,
// the same way http.Request.WithContext works.
func (c *Context) WithContext(ctx context.Context) *Context {
	cp := *c
	cp.ctx = ctx
	return &cp
}

// SendActivities is the convenience path handlers use to emit outbound
// activities through the configured Adapter. It also records that the
// turn has sent something (see HasSentActivity).
func (c *Context) SendActivities(activities []activity.Activity) ([]ResourceResponse, error) {
	c.sentAny = true
	return c.Adapter.SendActivities(c.ctx, c, activities)
}

// HasSentActivity reports whether this turn has sent at least one
// outbound activity through SendActivities. The dispatcher does not
// consult it for the typing timer; the timer is stopped by the adapter
// decorator the dispatcher installs.
func (c *Context) HasSentActivity() bool { return c.sentAny }

// MarkSignInPending flags that the flow machine left a sign-in in
// progress, persisted on TurnState so the next turn's sign-in detour
// (spec §4.2 step 5a) sees it even though Context itself is rebuilt fresh
// every turn.
func (c *Context) MarkSignInPending() { c.State.Temp().SignInPending = true }

// ClearSignInPending clears the persisted pending marker, called by the
// dispatcher once a sign-in flow resolves to Complete or a non-recovered
// Error.
func (c *Context) ClearSignInPending() { c.State.Temp().SignInPending = false }

// SignInPending reports whether a sign-in flow is pending.
func (c *Context) SignInPending() bool { return c.State.Temp().SignInPending }

// SetInvokeResponse sets the reserved invoke-response slot. Last write
// wins, per spec §4.7.
func (c *Context) SetInvokeResponse(r *InvokeResponse) { c.invokeResponse = r }

// InvokeResponse returns the harvested invoke response, or nil if none
// was set during the turn.
func (c *Context) InvokeResponse() *InvokeResponse { return c.invokeResponse }
