package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"

	"github.com/nextlevelbuilder/courier/internal/errs"
	"github.com/nextlevelbuilder/courier/internal/tokensvc"
	"github.com/nextlevelbuilder/courier/internal/turnctx"
	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// ErrMSALUIRequired is returned by MSALCache.InitiateLongRunningProcess
// when the cached session requires interactive sign-in — the one MSAL
// failure spec §4.4.6 maps to HTTP 412 instead of sign-in-error.
var ErrMSALUIRequired = errors.New("msal: interaction required")

// MSALCache is the long-running-process token cache the Teams SSO
// specialization drives (spec §4.4.6). It is a narrow capability
// interface rather than a concrete MSAL client binding, matching this
// module's "no concrete channel/token clients" scope boundary (spec §1).
type MSALCache interface {
	// AcquireSilent attempts a cache-only token acquisition for key
	// (typically "<aad_object_id>.<tenant_id>"). A nil, nil return means
	// no cached token is available.
	AcquireSilent(ctx context.Context, key string) (*oauth2.Token, error)
	// InitiateLongRunningProcess registers the long-running token
	// acquisition keyed by key using the exchange token obtained from a
	// signin/tokenExchange invoke. Returns ErrMSALUIRequired if the
	// session cannot proceed silently.
	InitiateLongRunningProcess(ctx context.Context, key, exchangeToken string) error
}

// TeamsSSO holds the configuration the Teams channel's SSO specialization
// needs beyond the generic Machine: where to point the OAuth card's
// sign-in link, and the MSAL cache to consult.
type TeamsSSO struct {
	Cache         MSALCache
	BaseSignInURL string
	ClientID      string
	TenantID      string
	Scopes        []string
}

// NewTeamsSSO builds a Teams SSO specialization.
func NewTeamsSSO(cache MSALCache, baseSignInURL, clientID, tenantID string, scopes []string) *TeamsSSO {
	return &TeamsSSO{Cache: cache, BaseSignInURL: baseSignInURL, ClientID: clientID, TenantID: tenantID, Scopes: scopes}
}

func msalKey(aadObjectID, tenantID string) string {
	return aadObjectID + "." + tenantID
}

// signIn implements spec §4.4.6. The AAD object id is taken from
// activity.From.ID, the convention this module's scope boundary (no
// concrete claims parsing) leaves to the caller's channel adapter to
// populate.
func (t *TeamsSSO) signIn(ctx context.Context, m *Machine, tc *turnctx.Context, opts SignInOptions) SignInResult {
	act := tc.Activity

	if act.IsInvoke() {
		switch act.Name {
		case "signin/tokenExchange":
			return t.handleTokenExchange(ctx, m, tc, opts)
		case "signin/verifyState":
			return t.resendCard(ctx, m, tc)
		case "signin/failure":
			return errorResult(errs.New(errs.KindUserCancelled, "user cancelled Teams sign-in"))
		default:
			return errorResult(errs.New(errs.KindInvalidActivity, "unrecognized sign-in invoke name"))
		}
	}

	key := msalKey(act.From.ID, act.Conversation.TenantID)
	if tok, err := t.Cache.AcquireSilent(ctx, key); err == nil && tok != nil {
		return m.finishWithOBO(ctx, tc, &tokensvc.TokenResponse{Token: tok}, opts)
	}

	return t.sendCard(ctx, m, tc)
}

func (t *TeamsSSO) sendCard(ctx context.Context, m *Machine, tc *turnctx.Context) SignInResult {
	act := tc.Activity
	exchangeID := NewExchangeID(m.cfg.AuthName, m.newUUID)
	key := SSOKey(m.cfg.AuthName, act.ChannelID, act.Conversation.ID, exchangeID)
	fs := FlowState{State: StateStarted, FlowStarted: true, FlowExpires: m.now().Add(m.cfg.timeout())}
	if err := m.store.write(ctx, key, fs); err != nil {
		return errorResult(err)
	}

	link := fmt.Sprintf("%s?scope=%s&clientId=%s&tenantId=%s", t.BaseSignInURL, strings.Join(t.Scopes, " "), t.ClientID, t.TenantID)
	card := act.Reply(activity.TypeMessage)
	card.Name = "signin/oauthCard"
	card.Value = activity.NewValue(map[string]interface{}{
		"signInLink": link,
		"tokenExchangeResource": map[string]interface{}{"id": exchangeID},
	})
	_, _ = tc.SendActivities([]activity.Activity{card})
	tc.MarkSignInPending()
	return pendingResult()
}

func (t *TeamsSSO) resendCard(ctx context.Context, m *Machine, tc *turnctx.Context) SignInResult {
	result := t.sendCard(ctx, m, tc)
	t.replyInvoke(tc, 200, nil)
	return result
}

func (t *TeamsSSO) handleTokenExchange(ctx context.Context, m *Machine, tc *turnctx.Context, opts SignInOptions) SignInResult {
	act := tc.Activity
	var req tokensvc.ExchangeRequest
	if err := act.Value.Decode(&req); err != nil {
		return errorResult(errs.New(errs.KindInvalidActivity, "malformed token-exchange invoke value"))
	}

	flowKey := SSOKey(m.cfg.AuthName, act.ChannelID, act.Conversation.ID, req.ID)
	dedupeRec, err := m.store.read(ctx, flowKey)
	if err != nil {
		return errorResult(err)
	}
	if err := m.store.writeSentinel(ctx, flowKey, dedupeRec.state, dedupeRec.etag); err != nil {
		if errs.Is(err, errs.KindDuplicateExchange) {
			return pendingResult()
		}
		return errorResult(err)
	}

	key := msalKey(act.From.ID, act.Conversation.TenantID)
	err = t.Cache.InitiateLongRunningProcess(ctx, key, req.Token)
	switch {
	case err == nil:
		fs := FlowState{State: StateCompleted}
		_ = m.store.write(ctx, flowKey, fs)
		t.replyInvoke(tc, 200, nil)

		tok, tokErr := t.Cache.AcquireSilent(ctx, key)
		if tokErr != nil || tok == nil {
			return errorResult(errs.Newf(errs.KindSignInError, "token exchange completed but no token available"))
		}
		return m.finishWithOBO(ctx, tc, &tokensvc.TokenResponse{Token: tok}, opts)

	case errors.Is(err, ErrMSALUIRequired):
		t.replyInvoke(tc, 412, map[string]interface{}{"failureDetail": "interaction required"})
		return pendingResult()

	default:
		t.replyInvoke(tc, 500, nil)
		return errorResult(errs.Wrap(errs.KindSignInError, "MSAL long-running process failed", err))
	}
}

func (t *TeamsSSO) replyInvoke(tc *turnctx.Context, status int, extra map[string]interface{}) {
	payload := map[string]interface{}{"status": status}
	for k, v := range extra {
		payload[k] = v
	}
	resp := tc.Activity.Reply(activity.TypeInvokeResponse)
	resp.Value = activity.NewValue(payload)
	_, _ = tc.SendActivities([]activity.Activity{resp})
}
