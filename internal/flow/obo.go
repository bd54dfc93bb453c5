package flow

import (
	"context"
	"strings"

	"golang.org/x/oauth2"
)

// OBOProvider is the capability a named connection may implement: trading
// an incoming user token for a downstream-scoped token (spec §4.4.5, and
// the REDESIGN FLAGS note: "define the capability set
// acquire_token_on_behalf_of(scopes, incoming_token); lookup is by
// connection name and capability check, not by subclass").
type OBOProvider interface {
	AcquireTokenOnBehalfOf(ctx context.Context, scopes []string, incomingToken *oauth2.Token) (*oauth2.Token, error)
}

// ConnectionResolver looks up the OBO provider registered for a named
// connection. A connection that exists but lacks OBO support should
// simply not be returned by this resolver — callers are expected to
// treat "not found" the same as "no OBO capability".
type ConnectionResolver interface {
	Resolve(connectionName string) (OBOProvider, bool)
}

// tokenAudience extracts the "aud" claim from a JWT access token without
// verifying its signature — the flow machine only needs to branch on it
// (spec §4.4.5 step 1), verification is the token service's job.
func tokenAudience(tok *oauth2.Token) (string, bool) {
	if tok == nil || tok.AccessToken == "" {
		return "", false
	}
	parts := strings.Split(tok.AccessToken, ".")
	if len(parts) != 3 {
		return "", false
	}
	claims, err := decodeJWTPayload(parts[1])
	if err != nil {
		return "", false
	}
	aud, ok := claims["aud"].(string)
	return aud, ok
}
