package flow

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/courier/internal/errs"
	"github.com/nextlevelbuilder/courier/internal/tokensvc"
	"github.com/nextlevelbuilder/courier/internal/turnctx"
	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// Outcome is the explicit result variant the REDESIGN FLAGS section asks
// for in place of exceptions-for-control-flow: the dispatcher is the one
// place that interprets it.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomePending  Outcome = "pending"
	OutcomeError    Outcome = "error"
)

// SignInResult is returned by Machine.SignIn.
type SignInResult struct {
	Outcome Outcome
	Token   *tokensvc.TokenResponse
	Err     error
}

func completeResult(tok *tokensvc.TokenResponse) SignInResult {
	return SignInResult{Outcome: OutcomeComplete, Token: tok}
}

func pendingResult() SignInResult { return SignInResult{Outcome: OutcomePending} }

func errorResult(err error) SignInResult {
	slog.Error("signin.failed", "error", err)
	return SignInResult{Outcome: OutcomeError, Err: err}
}

// SignInOptions parameterizes one sign_in call (spec §4.4.1).
type SignInOptions struct {
	Force              bool
	ExchangeConnection string
	ExchangeScopes     []string
}

// Machine is the user-authorization flow machine (spec §4.4, Component
// F). One Machine instance handles one named authorization; a runtime
// hosting several authorizations holds one Machine per name.
type Machine struct {
	cfg      Config
	store    *Store
	tokens   tokensvc.Service
	resolver ConnectionResolver
	teams    *TeamsSSO

	now     func() time.Time
	newUUID func() string
}

// New creates a flow machine. resolver may be nil if no authorization in
// this runtime uses on-behalf-of exchange. teams may be nil unless the
// Teams SSO specialization (§4.4.6) is in play.
func New(cfg Config, st *Store, tokens tokensvc.Service, resolver ConnectionResolver, teams *TeamsSSO) *Machine {
	return &Machine{
		cfg:      cfg,
		store:    st,
		tokens:   tokens,
		resolver: resolver,
		teams:    teams,
		now:      time.Now,
		newUUID:  uuid.NewString,
	}
}

func (m *Machine) identity(act activity.Activity) (userID, channelID, conversationID string) {
	return act.From.ID, act.ChannelID.String(), act.Conversation.ID
}

// SignIn implements the public sign_in contract (spec §4.4.1).
func (m *Machine) SignIn(ctx context.Context, tc *turnctx.Context, opts SignInOptions) SignInResult {
	act := tc.Activity
	if !isSignInCapable(act) {
		return errorResult(errs.New(errs.KindInvalidActivity, "activity cannot carry sign-in semantics"))
	}

	if act.ChannelID.IsTeams() && m.cfg.EnableSSO && m.teams != nil {
		return m.teams.signIn(ctx, m, tc, opts)
	}

	key := StandardKey(m.cfg.AuthName, act.ChannelID, act.Conversation.ID)
	rec, err := m.store.read(ctx, key)
	if err != nil {
		return errorResult(err)
	}

	// P7 / timeout gate (spec §4.4.2): a Teams message against an
	// expired, still-started flow fails immediately rather than getting
	// stuck.
	if act.ChannelID.IsTeams() && rec.state.FlowStarted && rec.state.isExpired(m.now()) {
		_ = m.store.clear(ctx, key)
		return errorResult(errs.New(errs.KindTimeout, "sign-in flow expired"))
	}

	if act.IsInvoke() {
		return m.handleInvoke(ctx, tc, key, rec, opts)
	}
	return m.handleContinueOrStart(ctx, tc, key, rec, opts)
}

// handleContinueOrStart drives the non-invoke (message) path of the state
// machine: Idle starts a flow, Started attempts a continue.
func (m *Machine) handleContinueOrStart(ctx context.Context, tc *turnctx.Context, key string, rec record, opts SignInOptions) SignInResult {
	act := tc.Activity
	fs := rec.state

	switch fs.State {
	case "", StateIdle, StateError:
		if fs.State == StateError {
			_ = m.store.clear(ctx, key)
		}
		if !opts.Force {
			if tok, err := m.tokens.GetToken(ctx, m.cfg.AuthName, act.From.ID, act.ChannelID.String()); err != nil {
				return errorResult(err)
			} else if tok != nil {
				return m.finishWithOBO(ctx, tc, tok, opts)
			}
		}
		return m.start(ctx, tc, key)

	case StateStarted:
		return m.continueStep(ctx, tc, key, fs, opts)

	case StateCompleted:
		// Completed -> Idle happens once the caller (dispatcher) observes
		// the completion; a subsequent message while still marked
		// Completed just re-checks the cache.
		if tok, err := m.tokens.GetToken(ctx, m.cfg.AuthName, act.From.ID, act.ChannelID.String()); err != nil {
			return errorResult(err)
		} else if tok != nil {
			return m.finishWithOBO(ctx, tc, tok, opts)
		}
		_ = m.store.clear(ctx, key)
		return m.start(ctx, tc, key)

	default:
		return m.start(ctx, tc, key)
	}
}

// start transitions Idle -> Started, persists the flow, sends the sign-in
// card, and marks the turn context pending.
func (m *Machine) start(ctx context.Context, tc *turnctx.Context, key string) SignInResult {
	act := tc.Activity
	fs := FlowState{
		State:       StateStarted,
		FlowStarted: true,
		FlowExpires: m.now().Add(m.cfg.timeout()),
	}
	if err := m.store.write(ctx, key, fs); err != nil {
		return errorResult(err)
	}

	resource, err := m.tokens.GetSignInResource(ctx, m.cfg.AuthName, act.From.ID, act.ChannelID.String())
	if err != nil {
		return errorResult(err)
	}
	m.sendSignInCard(tc, resource)
	tc.MarkSignInPending()
	return pendingResult()
}

// continueStep implements the Started-state transitions of spec §4.4.3:
// a valid continue completes the flow; an invalid one increments
// continue_count and eventually fails with invalid-sign-in.
func (m *Machine) continueStep(ctx context.Context, tc *turnctx.Context, key string, fs FlowState, opts SignInOptions) SignInResult {
	act := tc.Activity

	code := strings.TrimSpace(act.Text)
	if code == "" {
		return m.invalidContinue(ctx, tc, key, fs)
	}

	tok, err := m.tokens.ExchangeToken(ctx, m.cfg.AuthName, act.From.ID, act.ChannelID.String(), tokensvc.ExchangeRequest{Token: code})
	if err != nil {
		if errs.Is(err, errs.KindConsentRequired) {
			return m.invalidContinue(ctx, tc, key, fs)
		}
		fs.State = StateError
		_ = m.store.write(ctx, key, fs)
		return errorResult(err)
	}

	fs.State = StateCompleted
	fs.FlowStarted = false
	if err := m.store.write(ctx, key, fs); err != nil {
		return errorResult(err)
	}
	return m.finishWithOBO(ctx, tc, tok, opts)
}

func (m *Machine) invalidContinue(ctx context.Context, tc *turnctx.Context, key string, fs FlowState) SignInResult {
	fs.ContinueCount++
	// InvalidSignInRetryMax <= 0 means the first invalid attempt already
	// exceeds the retry budget, not that every attempt (valid or not)
	// fails — a correct continue code still completes above in
	// continueStep regardless of this setting.
	if m.cfg.InvalidSignInRetryMax <= 0 || fs.ContinueCount >= m.cfg.InvalidSignInRetryMax {
		fs.State = StateError
		_ = m.store.write(ctx, key, fs)
		if m.cfg.EndOnInvalidMessage {
			m.sendPlainMessage(tc, m.cfg.InvalidSignInRetryMessage)
		}
		return errorResult(errs.New(errs.KindInvalidSignIn, "invalid sign-in retries exhausted"))
	}
	_ = m.store.write(ctx, key, fs)
	m.sendPlainMessage(tc, m.cfg.InvalidSignInRetryMessage)
	return pendingResult()
}

// sendPlainMessage replies with a plain text message if text is
// non-empty; used to surface InvalidSignInRetryMessage to the user on an
// invalid continue attempt (spec §6.5 authorization config block).
func (m *Machine) sendPlainMessage(tc *turnctx.Context, text string) {
	if text == "" {
		return
	}
	reply := tc.Activity.Reply(activity.TypeMessage)
	reply.Text = text
	_, _ = tc.SendActivities([]activity.Activity{reply})
}

// handleInvoke dispatches the three sign-in-capable invoke names (spec
// §4.4.2).
func (m *Machine) handleInvoke(ctx context.Context, tc *turnctx.Context, key string, rec record, opts SignInOptions) SignInResult {
	act := tc.Activity
	switch act.Name {
	case "signin/failure":
		fs := rec.state
		fs.State = StateError
		_ = m.store.write(ctx, key, fs)
		return errorResult(errs.New(errs.KindUserCancelled, "user cancelled sign-in"))

	case "signin/verifyState":
		if tok, err := m.tokens.GetToken(ctx, m.cfg.AuthName, act.From.ID, act.ChannelID.String()); err != nil {
			return errorResult(err)
		} else if tok != nil {
			return m.finishWithOBO(ctx, tc, tok, opts)
		}
		resource, err := m.tokens.GetSignInResource(ctx, m.cfg.AuthName, act.From.ID, act.ChannelID.String())
		if err != nil {
			return errorResult(err)
		}
		m.sendSignInCard(tc, resource)
		return pendingResult()

	case "signin/tokenExchange":
		return m.tokenExchangeInvoke(ctx, tc, rec, opts)

	default:
		return errorResult(errs.New(errs.KindInvalidActivity, "unrecognized sign-in invoke name"))
	}
}

// tokenExchangeInvoke implements the SSO-dedup-protected exchange of
// spec §4.4.4: a sentinel write conditioned on the etag just read, so a
// concurrent duplicate invoke loses the race and is silently dropped.
func (m *Machine) tokenExchangeInvoke(ctx context.Context, tc *turnctx.Context, rec record, opts SignInOptions) SignInResult {
	act := tc.Activity
	var req tokensvc.ExchangeRequest
	if err := act.Value.Decode(&req); err != nil {
		return errorResult(errs.New(errs.KindInvalidActivity, "malformed token-exchange invoke value"))
	}

	key := StandardKey(m.cfg.AuthName, act.ChannelID, act.Conversation.ID)
	fs := rec.state

	if m.cfg.EnableSSO {
		key = SSOKey(m.cfg.AuthName, act.ChannelID, act.Conversation.ID, req.ID)
		dedupeRec, err := m.store.read(ctx, key)
		if err != nil {
			return errorResult(err)
		}
		if err := m.store.writeSentinel(ctx, key, dedupeRec.state, dedupeRec.etag); err != nil {
			if errs.Is(err, errs.KindDuplicateExchange) {
				return pendingResult()
			}
			return errorResult(err)
		}
	}

	tok, err := m.tokens.ExchangeToken(ctx, m.cfg.AuthName, act.From.ID, act.ChannelID.String(), req)
	if err != nil {
		fs.State = StateError
		_ = m.store.write(ctx, key, fs)
		return errorResult(err)
	}

	fs.State = StateCompleted
	fs.FlowStarted = false
	_ = m.store.write(ctx, StandardKey(m.cfg.AuthName, act.ChannelID, act.Conversation.ID), fs)
	return m.finishWithOBO(ctx, tc, tok, opts)
}

// finishWithOBO applies the on-behalf-of exchange (if configured) before
// handing the token back to the caller.
func (m *Machine) finishWithOBO(ctx context.Context, tc *turnctx.Context, tok *tokensvc.TokenResponse, opts SignInOptions) SignInResult {
	exchanged, err := m.applyOBO(ctx, tc, tok, opts)
	if err != nil {
		return errorResult(err)
	}
	return completeResult(exchanged)
}

// applyOBO implements spec §4.4.5.
func (m *Machine) applyOBO(ctx context.Context, tc *turnctx.Context, tok *tokensvc.TokenResponse, opts SignInOptions) (*tokensvc.TokenResponse, error) {
	connName := m.cfg.OBOConnectionName
	if opts.ExchangeConnection != "" {
		connName = opts.ExchangeConnection
	}
	if connName == "" || tok == nil || tok.Token == nil {
		return tok, nil
	}

	aud, ok := tokenAudience(tok.Token)
	if !ok || !strings.HasPrefix(aud, "api://") {
		return nil, errs.New(errs.KindOBONotExchangeable, "token audience is not eligible for on-behalf-of exchange")
	}

	if m.resolver == nil {
		return nil, errs.New(errs.KindOBONotSupported, "no connection resolver configured").WithContext("connection", connName)
	}
	provider, ok := m.resolver.Resolve(connName)
	if !ok {
		return nil, errs.New(errs.KindOBONotSupported, "connection does not implement on-behalf-of exchange").WithContext("connection", connName)
	}

	scopes := m.cfg.OBOScopes
	if len(opts.ExchangeScopes) > 0 {
		scopes = opts.ExchangeScopes
	}
	exchanged, err := provider.AcquireTokenOnBehalfOf(ctx, scopes, tok.Token)
	if err != nil {
		_ = m.SignOut(ctx, tc)
		return nil, errs.Wrap(errs.KindOBOExchangeFailed, "on-behalf-of exchange failed", err)
	}
	return &tokensvc.TokenResponse{Token: exchanged}, nil
}

// SignOut clears flow state and revokes the token at the token service
// (spec §4.4.1). Idempotent: clearing an absent flow and revoking an
// already-revoked token both succeed.
func (m *Machine) SignOut(ctx context.Context, tc *turnctx.Context) error {
	act := tc.Activity
	key := StandardKey(m.cfg.AuthName, act.ChannelID, act.Conversation.ID)
	if err := m.store.clear(ctx, key); err != nil {
		return err
	}
	return m.tokens.SignOut(ctx, m.cfg.AuthName, act.From.ID, act.ChannelID.String())
}

// ResetState clears flow state only, without touching the token service.
// Idempotent.
func (m *Machine) ResetState(ctx context.Context, tc *turnctx.Context) error {
	act := tc.Activity
	key := StandardKey(m.cfg.AuthName, act.ChannelID, act.Conversation.ID)
	return m.store.clear(ctx, key)
}

// GetRefreshedUserToken re-reads the cached token and re-runs OBO (spec
// §4.4.1).
func (m *Machine) GetRefreshedUserToken(ctx context.Context, tc *turnctx.Context, exchangeConnection string, exchangeScopes []string) (*tokensvc.TokenResponse, error) {
	act := tc.Activity
	tok, err := m.tokens.GetToken(ctx, m.cfg.AuthName, act.From.ID, act.ChannelID.String())
	if err != nil {
		return nil, err
	}
	if tok == nil {
		return nil, errs.New(errs.KindSignInError, "no cached token available to refresh")
	}
	return m.applyOBO(ctx, tc, tok, SignInOptions{ExchangeConnection: exchangeConnection, ExchangeScopes: exchangeScopes})
}

// sendSignInCard emits a generic OAuth-card-shaped message activity
// carrying the sign-in resource. Concrete card rendering is a channel
// concern (out of scope, spec §1); this emits the minimal envelope the
// spec's §4.4.6 example references: a sign-in link.
func (m *Machine) sendSignInCard(tc *turnctx.Context, resource *tokensvc.TokenResponse) {
	if resource == nil {
		return
	}
	card := tc.Activity.Reply(activity.TypeMessage)
	card.Name = "signin/oauthCard"
	card.Value = activity.NewValue(resource)
	_, _ = tc.SendActivities([]activity.Activity{card})
}

// isSignInCapable implements the valid-activity gate of spec §4.4.2.
func isSignInCapable(act activity.Activity) bool {
	if act.Type == activity.TypeMessage {
		return true
	}
	if act.Type == activity.TypeInvoke {
		switch act.Name {
		case "signin/verifyState", "signin/tokenExchange", "signin/failure":
			return true
		}
	}
	return false
}
