package flow

import (
	"context"
	"encoding/base64"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/nextlevelbuilder/courier/internal/errs"
	"github.com/nextlevelbuilder/courier/internal/store/memorystore"
	"github.com/nextlevelbuilder/courier/internal/tokensvc"
	"github.com/nextlevelbuilder/courier/internal/turnctx"
	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// fakeTokens is an in-memory tokensvc.Service double.
type fakeTokens struct {
	mu           sync.Mutex
	tokens       map[string]*oauth2.Token
	exchangeErr  error
	exchangeTok  *oauth2.Token
	signOutCalls int
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{tokens: make(map[string]*oauth2.Token)}
}

func (f *fakeTokens) key(connectionName, userID, channelID string) string {
	return connectionName + "|" + userID + "|" + channelID
}

func (f *fakeTokens) GetToken(_ context.Context, connectionName, userID, channelID string) (*tokensvc.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tok, ok := f.tokens[f.key(connectionName, userID, channelID)]
	if !ok {
		return nil, nil
	}
	return &tokensvc.TokenResponse{Token: tok}, nil
}

func (f *fakeTokens) ExchangeToken(_ context.Context, connectionName, userID, channelID string, req tokensvc.ExchangeRequest) (*tokensvc.TokenResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	tok := f.exchangeTok
	if tok == nil {
		tok = &oauth2.Token{AccessToken: "plain-token"}
	}
	f.tokens[f.key(connectionName, userID, channelID)] = tok
	return &tokensvc.TokenResponse{Token: tok}, nil
}

func (f *fakeTokens) GetSignInResource(_ context.Context, connectionName, userID, channelID string) (*tokensvc.TokenResponse, error) {
	return &tokensvc.TokenResponse{SignInLink: "https://example.test/signin"}, nil
}

func (f *fakeTokens) SignOut(_ context.Context, connectionName, userID, channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signOutCalls++
	delete(f.tokens, f.key(connectionName, userID, channelID))
	return nil
}

func (f *fakeTokens) GetTokenStatus(_ context.Context, userID, channelID string) ([]tokensvc.TokenStatus, error) {
	return nil, nil
}

func (f *fakeTokens) GetAADTokens(_ context.Context, connectionName, userID, channelID string, resourceURLs []string) (map[string]*oauth2.Token, error) {
	return nil, nil
}

func (f *fakeTokens) GetTokenOrSignInResource(ctx context.Context, connectionName, userID, channelID string) (*tokensvc.TokenResponse, error) {
	tok, err := f.GetToken(ctx, connectionName, userID, channelID)
	if err != nil || tok != nil {
		return tok, err
	}
	return f.GetSignInResource(ctx, connectionName, userID, channelID)
}

func newTestTC(act activity.Activity) *turnctx.Context {
	return turnctx.New(context.Background(), act, &fakeState{}, noopAdapter{})
}

// fakeState is the minimal turnctx.State a flow test needs: just the
// reserved Temp slot the sign-in detour's pending marker rides on.
type fakeState struct {
	temp turnctx.Temp
}

func (s *fakeState) Temp() *turnctx.Temp { return &s.temp }

type noopAdapter struct{}

func (noopAdapter) SendActivities(_ context.Context, _ *turnctx.Context, activities []activity.Activity) ([]turnctx.ResourceResponse, error) {
	return make([]turnctx.ResourceResponse, len(activities)), nil
}

func newMachine(cfg Config, tokens tokensvc.Service) *Machine {
	return New(cfg, NewStore(memorystore.New()), tokens, nil, nil)
}

// S3 — sign-in first-touch.
func TestSignInFirstTouchStartsFlow(t *testing.T) {
	cfg := Default("graph")
	m := newMachine(cfg, newFakeTokens())

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("directline", "")
	act.From.ID = "user1"
	tc := newTestTC(act)

	result := m.SignIn(context.Background(), tc, SignInOptions{})
	if result.Outcome != OutcomePending {
		t.Fatalf("expected pending outcome, got %v (err=%v)", result.Outcome, result.Err)
	}
	if !tc.SignInPending() {
		t.Fatal("expected the turn context to be marked sign-in pending")
	}

	key := StandardKey(cfg.AuthName, act.ChannelID, act.Conversation.ID)
	got, err := m.store.read(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if !got.state.FlowStarted || got.state.State != StateStarted {
		t.Fatalf("expected a started flow state, got %+v", got.state)
	}
	if got.state.FlowExpires.Before(time.Now().Add(14 * time.Minute)) {
		t.Fatalf("expected ~15 minute expiry, got %v", got.state.FlowExpires)
	}
}

// S4 — sign-in timeout.
func TestSignInTimeoutOnTeams(t *testing.T) {
	cfg := Default("graph")
	m := newMachine(cfg, newFakeTokens())

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("msteams", "")
	act.From.ID = "user1"
	tc := newTestTC(act)

	key := StandardKey(cfg.AuthName, act.ChannelID, act.Conversation.ID)
	expired := FlowState{State: StateStarted, FlowStarted: true, FlowExpires: time.Now().Add(-time.Second)}
	if err := m.store.write(context.Background(), key, expired); err != nil {
		t.Fatal(err)
	}

	result := m.SignIn(context.Background(), tc, SignInOptions{})
	if result.Outcome != OutcomeError || !errs.Is(result.Err, errs.KindTimeout) {
		t.Fatalf("expected timeout error, got %+v", result)
	}

	if err := m.ResetState(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	got, err := m.store.read(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if got.state.FlowStarted {
		t.Fatal("expected flow state cleared after reset")
	}
}

// S5 — SSO dedupe (P6): two concurrent token-exchange invokes with
// identical flow-state keys; at most one proceeds past the sentinel.
func TestSSODedupe(t *testing.T) {
	cfg := Default("graph")
	cfg.EnableSSO = true
	tokens := newFakeTokens()
	m := newMachine(cfg, tokens)

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("directline", "")
	act.From.ID = "user1"
	tc := newTestTC(act)

	// Seed a Started flow under the standard key first. The dedupe
	// sentinel itself is written under the SSO key for the exchange id,
	// which is still absent, so the two invokes race on a conditional
	// create (see internal/flow/store.go's writeSentinel doc).
	startResult := m.SignIn(context.Background(), tc, SignInOptions{})
	if startResult.Outcome != OutcomePending {
		t.Fatalf("expected the first sign_in to start the flow, got %v", startResult.Outcome)
	}

	invokeAct := activity.New(activity.TypeInvoke, "c1")
	invokeAct.ChannelID = act.ChannelID
	invokeAct.From.ID = "user1"
	invokeAct.Name = "signin/tokenExchange"
	invokeAct.Value = activity.NewValue(map[string]interface{}{"id": "exch-1", "token": "xyz"})

	var wg sync.WaitGroup
	var completed, duplicates int64
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			itc := newTestTC(invokeAct)
			r := m.SignIn(context.Background(), itc, SignInOptions{})
			switch r.Outcome {
			case OutcomeComplete:
				atomic.AddInt64(&completed, 1)
			case OutcomePending:
				atomic.AddInt64(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	if completed != 1 {
		t.Fatalf("expected exactly one exchange to complete, got %d", completed)
	}
	if duplicates != 1 {
		t.Fatalf("expected exactly one duplicate dropped, got %d", duplicates)
	}
}

// 8.3 — invalid_sign_in_retry_max = 0: any invalid continue input raises
// invalid-sign-in immediately.
func TestInvalidSignInRetryMaxZero(t *testing.T) {
	cfg := Default("graph")
	cfg.InvalidSignInRetryMax = 0
	m := newMachine(cfg, newFakeTokens())

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("directline", "")
	act.From.ID = "user1"
	act.Text = "" // empty code is invalid continue input
	tc := newTestTC(act)

	key := StandardKey(cfg.AuthName, act.ChannelID, act.Conversation.ID)
	started := FlowState{State: StateStarted, FlowStarted: true, FlowExpires: time.Now().Add(time.Hour)}
	if err := m.store.write(context.Background(), key, started); err != nil {
		t.Fatal(err)
	}

	result := m.SignIn(context.Background(), tc, SignInOptions{})
	if result.Outcome != OutcomeError || !errs.Is(result.Err, errs.KindInvalidSignIn) {
		t.Fatalf("expected immediate invalid-sign-in, got %+v", result)
	}
}

// 8.3 — invalid_sign_in_retry_max = 0 still lets a genuinely valid
// continue code complete the flow; the budget only governs invalid input.
func TestValidContinueCompletesDespiteRetryMaxZero(t *testing.T) {
	cfg := Default("graph")
	cfg.InvalidSignInRetryMax = 0
	m := newMachine(cfg, newFakeTokens())

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("directline", "")
	act.From.ID = "user1"
	act.Text = "123456"
	tc := newTestTC(act)

	key := StandardKey(cfg.AuthName, act.ChannelID, act.Conversation.ID)
	started := FlowState{State: StateStarted, FlowStarted: true, FlowExpires: time.Now().Add(time.Hour)}
	if err := m.store.write(context.Background(), key, started); err != nil {
		t.Fatal(err)
	}

	result := m.SignIn(context.Background(), tc, SignInOptions{})
	if result.Outcome != OutcomeComplete {
		t.Fatalf("expected a valid continue code to complete the flow, got %+v", result)
	}
}

// 8.3 — continuation_count overflow behaves as a single invalid-sign-in,
// not repeated raises.
func TestContinuationCountOverflowIsSingleRaise(t *testing.T) {
	cfg := Default("graph")
	cfg.InvalidSignInRetryMax = 2
	tokens := newFakeTokens()
	tokens.exchangeErr = errs.New(errs.KindConsentRequired, "consent required")
	m := newMachine(cfg, tokens)

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("directline", "")
	act.From.ID = "user1"
	act.Text = "bad-code"

	key := StandardKey(cfg.AuthName, act.ChannelID, act.Conversation.ID)
	started := FlowState{State: StateStarted, FlowStarted: true, FlowExpires: time.Now().Add(time.Hour), ContinueCount: 1}
	if err := m.store.write(context.Background(), key, started); err != nil {
		t.Fatal(err)
	}

	tc := newTestTC(act)
	result := m.SignIn(context.Background(), tc, SignInOptions{})
	if result.Outcome != OutcomeError || !errs.Is(result.Err, errs.KindInvalidSignIn) {
		t.Fatalf("expected invalid-sign-in on reaching retry max, got %+v", result)
	}

	got, err := m.store.read(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if got.state.State != StateError {
		t.Fatalf("expected flow state to settle in Error, got %+v", got.state)
	}

	// A further attempt does not re-raise repeatedly; it resets and
	// starts a fresh flow instead of looping on invalid-sign-in.
	tc2 := newTestTC(act)
	second := m.SignIn(context.Background(), tc2, SignInOptions{})
	if second.Outcome == OutcomeError && errs.Is(second.Err, errs.KindInvalidSignIn) {
		t.Fatal("expected the second attempt not to repeat invalid-sign-in")
	}
}

func TestSignOutIsIdempotent(t *testing.T) {
	cfg := Default("graph")
	tokens := newFakeTokens()
	m := newMachine(cfg, tokens)

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("directline", "")
	act.From.ID = "user1"
	tc := newTestTC(act)

	if err := m.SignOut(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if err := m.SignOut(context.Background(), tc); err != nil {
		t.Fatalf("expected idempotent sign-out, got %v", err)
	}
	if tokens.signOutCalls != 2 {
		t.Fatalf("expected two sign-out calls recorded, got %d", tokens.signOutCalls)
	}
}

func TestResetStateIsIdempotent(t *testing.T) {
	cfg := Default("graph")
	m := newMachine(cfg, newFakeTokens())

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("directline", "")
	act.From.ID = "user1"
	tc := newTestTC(act)

	if err := m.ResetState(context.Background(), tc); err != nil {
		t.Fatal(err)
	}
	if err := m.ResetState(context.Background(), tc); err != nil {
		t.Fatalf("expected idempotent reset, got %v", err)
	}
}

type fakeOBOProvider struct {
	token *oauth2.Token
	err   error
}

func (f fakeOBOProvider) AcquireTokenOnBehalfOf(_ context.Context, _ []string, _ *oauth2.Token) (*oauth2.Token, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

type fakeResolver struct {
	providers map[string]OBOProvider
}

func (r fakeResolver) Resolve(connectionName string) (OBOProvider, bool) {
	p, ok := r.providers[connectionName]
	return p, ok
}

func TestOBONotExchangeableWhenAudienceIsNotAPI(t *testing.T) {
	cfg := Default("graph")
	cfg.OBOConnectionName = "downstream"
	tokens := newFakeTokens()
	tokens.exchangeTok = &oauth2.Token{AccessToken: fakeJWT(t, "https://not-an-api")}
	m := New(cfg, NewStore(memorystore.New()), tokens, fakeResolver{providers: map[string]OBOProvider{
		"downstream": fakeOBOProvider{token: &oauth2.Token{AccessToken: "exchanged"}},
	}}, nil)

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("directline", "")
	act.From.ID = "user1"
	act.Text = "123456"

	key := StandardKey(cfg.AuthName, act.ChannelID, act.Conversation.ID)
	started := FlowState{State: StateStarted, FlowStarted: true, FlowExpires: time.Now().Add(time.Hour)}
	if err := m.store.write(context.Background(), key, started); err != nil {
		t.Fatal(err)
	}

	tc := newTestTC(act)
	result := m.SignIn(context.Background(), tc, SignInOptions{})
	if result.Outcome != OutcomeError || !errs.Is(result.Err, errs.KindOBONotExchangeable) {
		t.Fatalf("expected obo-not-exchangeable, got %+v", result)
	}
}

func TestOBOExchangeSucceeds(t *testing.T) {
	cfg := Default("graph")
	cfg.OBOConnectionName = "downstream"
	tokens := newFakeTokens()
	tokens.exchangeTok = &oauth2.Token{AccessToken: fakeJWT(t, "api://my-app")}
	m := New(cfg, NewStore(memorystore.New()), tokens, fakeResolver{providers: map[string]OBOProvider{
		"downstream": fakeOBOProvider{token: &oauth2.Token{AccessToken: "exchanged-downstream-token"}},
	}}, nil)

	act := activity.New(activity.TypeMessage, "c1")
	act.ChannelID = activity.NewChannelID("directline", "")
	act.From.ID = "user1"
	act.Text = "123456"

	key := StandardKey(cfg.AuthName, act.ChannelID, act.Conversation.ID)
	started := FlowState{State: StateStarted, FlowStarted: true, FlowExpires: time.Now().Add(time.Hour)}
	if err := m.store.write(context.Background(), key, started); err != nil {
		t.Fatal(err)
	}

	tc := newTestTC(act)
	result := m.SignIn(context.Background(), tc, SignInOptions{})
	if result.Outcome != OutcomeComplete {
		t.Fatalf("expected complete outcome, got %+v", result)
	}
	if result.Token == nil || result.Token.Token.AccessToken != "exchanged-downstream-token" {
		t.Fatalf("expected the exchanged token to be returned, got %+v", result.Token)
	}
}

// fakeJWT builds a minimal unsigned JWT-shaped token carrying only an
// "aud" claim, enough for tokenAudience to read.
func fakeJWT(t *testing.T, aud string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(`{"aud":"` + aud + `"}`))
	return header + "." + payload + "."
}
