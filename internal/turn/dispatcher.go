// Package turn implements the turn dispatcher (spec §4.2, Component D):
// the per-activity lifecycle that wires validation, the typing timer,
// mention stripping, turn-state load/save, the sign-in detour, and route
// dispatch into one ordered pipeline with scoped cleanup guarantees.
//
// Grounded on the reference implementation's agent.Loop.Run
// (internal/agent/loop.go): a single long method driving a fixed sequence
// of named stages over one inbound message, each stage instrumented with
// its own trace span via internal/agent/loop_tracing.go. This module
// swaps the reference's in-house tracing.Collector for the
// go.opentelemetry.io/otel/trace API the repository's go.mod already
// commits to as a direct dependency, rather than application code calling
// through a second collector abstraction.
package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/courier/internal/errs"
	"github.com/nextlevelbuilder/courier/internal/flow"
	"github.com/nextlevelbuilder/courier/internal/routing"
	"github.com/nextlevelbuilder/courier/internal/store"
	"github.com/nextlevelbuilder/courier/internal/turnctx"
	"github.com/nextlevelbuilder/courier/pkg/activity"
)

const defaultTypingInterval = time.Second

// Config wires the dispatcher to the pieces it orchestrates (spec §6.5).
type Config struct {
	Routes       *routing.Table
	StateFactory turnctx.StateFactory
	Storage      store.Storage

	// Flow is the sign-in flow machine for this runtime's single
	// configured authorization, or nil if none is configured.
	Flow *flow.Machine
	// AutoSignIn, when set, is consulted on every turn to decide whether
	// to enter the sign-in detour even without a pending flow (spec §4.2
	// step 5b).
	AutoSignIn func(tc *turnctx.Context) bool

	StartTypingTimer  bool
	TypingInterval    time.Duration
	RemoveMention     bool
	RecipientName     string

	Tracer trace.Tracer
}

func (c Config) typingInterval() time.Duration {
	if c.TypingInterval > 0 {
		return c.TypingInterval
	}
	return defaultTypingInterval
}

func (c Config) tracer() trace.Tracer {
	if c.Tracer != nil {
		return c.Tracer
	}
	return otel.Tracer("courier/turn")
}

// Dispatcher runs the per-turn lifecycle of spec §4.2.
type Dispatcher struct {
	cfg Config
}

// New builds a Dispatcher.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{cfg: cfg}
}

// Run drives one turn to completion: validate, typing timer, mention
// stripping, state load, sign-in detour, route dispatch, hooks, state
// save, typing timer stop — exactly the eleven steps of spec §4.2, in
// order. The returned InvokeResponse, if any, is whatever the turn's
// adapter harvested into the reserved slot (spec §4.7) — callers that
// need it (the invoke ingress path, the background queue's on_complete)
// read it from here rather than reaching into the turn context
// themselves, since the context does not outlive this call.
func (d *Dispatcher) Run(ctx context.Context, act activity.Activity, adapter turnctx.Adapter) (resp *turnctx.InvokeResponse, err error) {
	ctx, span := d.cfg.tracer().Start(ctx, "turn.dispatch", trace.WithAttributes(
		attribute.String("activity.type", string(act.Type)),
		attribute.String("conversation.id", act.Conversation.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("dispatch.failed", "error", err, "activity.type", string(act.Type), "conversation.id", act.Conversation.ID)
		}
		span.End()
	}()

	// 1. Validate.
	if verr := act.Validate(); verr != nil {
		return nil, errs.Wrap(errs.KindInvalidActivity, "activity failed validation", verr)
	}

	tc := turnctx.New(ctx, act, nil, adapter)
	defer func() { resp = tc.InvokeResponse() }()

	// 2. Typing timer: started before mention stripping/state load so it
	// covers the whole remaining turn, stopped unconditionally on every
	// exit path via the deferred Stop below.
	var timer *typingTimer
	if d.cfg.StartTypingTimer && act.Type == activity.TypeMessage {
		timer = newTypingTimer(adapter, tc, act, d.cfg.typingInterval())
		timer.Start(ctx)
		tc.Adapter = &timerStoppingAdapter{Adapter: adapter, timer: timer}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	// 3. Mention stripping.
	if d.cfg.RemoveMention && act.Type == activity.TypeMessage {
		tc.Activity.Text = stripRecipientMention(d.cfg.RecipientName, tc.Activity.Text)
	}

	// 4. Load state.
	state := d.cfg.StateFactory()
	key := turnStateKey(act)
	if lerr := d.loadState(ctx, key, state); lerr != nil {
		return nil, lerr
	}
	tc.State = state

	// 5. Sign-in detour.
	if d.cfg.Flow != nil {
		auto := tc.SignInPending() || (d.cfg.AutoSignIn != nil && d.cfg.AutoSignIn(tc))
		if auto {
			done, serr := d.signInDetour(ctx, tc, key, state)
			if serr != nil {
				return nil, serr
			}
			if done {
				return nil, nil
			}
		}
	}

	// 6. temp.input population.
	if state.Temp().Input == "" {
		state.Temp().Input = tc.Activity.Text
	}

	// 7. Before-turn hooks.
	for _, hook := range d.cfg.Routes.BeforeHooks() {
		ok, herr := hook(tc)
		if herr != nil {
			return nil, herr
		}
		if !ok {
			return nil, d.saveState(ctx, key, state)
		}
	}

	// 8. Route dispatch.
	_, derr := d.cfg.Routes.Dispatch(tc, tc.Activity.IsInvoke())
	if derr != nil {
		return nil, derr
	}

	// 9. After-turn hooks.
	for _, hook := range d.cfg.Routes.AfterHooks() {
		ok, herr := hook(tc)
		if herr != nil {
			return nil, herr
		}
		if !ok {
			return nil, nil
		}
	}

	// 10. Save state.
	return nil, d.saveState(ctx, key, state)
}

// signInDetour runs the flow machine and interprets its result per spec
// §4.2 step 5. The bool return reports whether the turn ends here
// (Pending outcome).
func (d *Dispatcher) signInDetour(ctx context.Context, tc *turnctx.Context, key string, state turnctx.State) (bool, error) {
	result := d.cfg.Flow.SignIn(ctx, tc, flow.SignInOptions{})
	switch result.Outcome {
	case flow.OutcomePending:
		if err := d.saveState(ctx, key, state); err != nil {
			return true, err
		}
		return true, nil
	case flow.OutcomeComplete:
		tc.ClearSignInPending()
		return false, nil
	default: // flow.OutcomeError
		if errs.Is(result.Err, errs.KindInvalidActivity) {
			return false, nil
		}
		tc.ClearSignInPending()
		return true, errs.Wrap(errs.KindSignInError, "sign-in flow failed", result.Err)
	}
}

func (d *Dispatcher) loadState(ctx context.Context, key string, state turnctx.State) error {
	got, err := d.cfg.Storage.Read(ctx, []string{key})
	if err != nil {
		return fmt.Errorf("turn: load state: %w", err)
	}
	rec, ok := got[key]
	if !ok || len(rec.Value) == 0 {
		return nil
	}
	if err := json.Unmarshal(rec.Value, state); err != nil {
		return fmt.Errorf("turn: decode state: %w", err)
	}
	return nil
}

func (d *Dispatcher) saveState(ctx context.Context, key string, state turnctx.State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("turn: encode state: %w", err)
	}
	if err := d.cfg.Storage.Write(ctx, map[string]store.Record{key: {Value: data}}); err != nil {
		return fmt.Errorf("turn: save state: %w", err)
	}
	return nil
}

// turnStateKey derives the per-conversation, per-user storage key for
// TurnState (spec §3.4, §3.7), mirroring the "/"-joined segment
// convention the flow-state keys use (spec §4.3).
func turnStateKey(act activity.Activity) string {
	return fmt.Sprintf("turnstate/%s/%s/%s", act.ChannelID, act.Conversation.ID, act.From.ID)
}
