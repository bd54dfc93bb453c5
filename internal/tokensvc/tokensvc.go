// Package tokensvc is the client for the external token service consumed
// by the user-authorization flow machine (spec §6.4, Component F's
// collaborator): get_token, exchange_token, get_sign_in_resource,
// sign_out, get_token_status, get_aad_tokens, and
// get_token_or_sign_in_resource.
//
// Grounded on the reference implementation's provider HTTP clients
// (internal/providers/anthropic.go doRequest / openai.go doRequest): one
// *http.Client, context-aware requests, and status-code-driven error
// mapping. This package generalizes that pattern from "provider chat
// call" to "token-service call" and applies the exact status-code
// normalization table the spec requires instead of a provider-specific
// HTTPError.
package tokensvc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/nextlevelbuilder/courier/internal/errs"
)

// TokenResponse wraps the acquired token together with the sign-in
// resource link used when no token is yet available.
type TokenResponse struct {
	Token        *oauth2.Token `json:"token,omitempty"`
	SignInLink   string        `json:"signInLink,omitempty"`
	TokenExchangeResource *TokenExchangeResource `json:"tokenExchangeResource,omitempty"`
}

// TokenExchangeResource describes the SSO exchange correlation the
// channel needs to embed in its OAuth card.
type TokenExchangeResource struct {
	ID string `json:"id"`
}

// TokenStatus reports whether a token is currently available for a
// connection without triggering sign-in.
type TokenStatus struct {
	ConnectionName string `json:"connectionName"`
	HasToken       bool   `json:"hasToken"`
}

// Service is the contract the flow machine depends on. Defined as an
// interface so the flow machine can be tested against a fake without any
// network traffic.
type Service interface {
	GetToken(ctx context.Context, connectionName, userID, channelID string) (*TokenResponse, error)
	ExchangeToken(ctx context.Context, connectionName, userID, channelID string, exchangeRequest ExchangeRequest) (*TokenResponse, error)
	GetSignInResource(ctx context.Context, connectionName, userID, channelID string) (*TokenResponse, error)
	SignOut(ctx context.Context, connectionName, userID, channelID string) error
	GetTokenStatus(ctx context.Context, userID, channelID string) ([]TokenStatus, error)
	GetAADTokens(ctx context.Context, connectionName, userID, channelID string, resourceURLs []string) (map[string]*oauth2.Token, error)
	GetTokenOrSignInResource(ctx context.Context, connectionName, userID, channelID string) (*TokenResponse, error)
}

// ExchangeRequest carries the token-exchange invoke payload (either a
// bearer token or an exchange id) to the token service.
type ExchangeRequest struct {
	Token string `json:"token,omitempty"`
	ID    string `json:"id,omitempty"`
}

// Client is the HTTP-backed Service implementation.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a token-service client against baseURL, authenticated with
// apiKey.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, apiKey: apiKey, http: httpClient}
}

func (c *Client) GetToken(ctx context.Context, connectionName, userID, channelID string) (*TokenResponse, error) {
	var out TokenResponse
	path := fmt.Sprintf("/api/usertoken/get?connectionName=%s&userId=%s&channelId=%s", connectionName, userID, channelID)
	if err := c.do(ctx, "GET", path, nil, &out, opKindGetToken); err != nil {
		if err == notFound {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (c *Client) ExchangeToken(ctx context.Context, connectionName, userID, channelID string, req ExchangeRequest) (*TokenResponse, error) {
	var out TokenResponse
	path := fmt.Sprintf("/api/usertoken/exchange?connectionName=%s&userId=%s&channelId=%s", connectionName, userID, channelID)
	if err := c.do(ctx, "POST", path, req, &out, opKindExchange); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetSignInResource(ctx context.Context, connectionName, userID, channelID string) (*TokenResponse, error) {
	var out TokenResponse
	path := fmt.Sprintf("/api/botsignin/GetSignInResource?connectionName=%s&userId=%s&channelId=%s", connectionName, userID, channelID)
	if err := c.do(ctx, "GET", path, nil, &out, opKindOther); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SignOut(ctx context.Context, connectionName, userID, channelID string) error {
	path := fmt.Sprintf("/api/usertoken/SignOut?connectionName=%s&userId=%s&channelId=%s", connectionName, userID, channelID)
	return c.do(ctx, "DELETE", path, nil, nil, opKindOther)
}

func (c *Client) GetTokenStatus(ctx context.Context, userID, channelID string) ([]TokenStatus, error) {
	var out []TokenStatus
	path := fmt.Sprintf("/api/usertoken/GetTokenStatus?userId=%s&channelId=%s", userID, channelID)
	if err := c.do(ctx, "GET", path, nil, &out, opKindOther); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetAADTokens(ctx context.Context, connectionName, userID, channelID string, resourceURLs []string) (map[string]*oauth2.Token, error) {
	var out map[string]*oauth2.Token
	path := fmt.Sprintf("/api/usertoken/GetAadTokens?connectionName=%s&userId=%s&channelId=%s", connectionName, userID, channelID)
	if err := c.do(ctx, "POST", path, resourceURLs, &out, opKindOther); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetTokenOrSignInResource(ctx context.Context, connectionName, userID, channelID string) (*TokenResponse, error) {
	tok, err := c.GetToken(ctx, connectionName, userID, channelID)
	if err != nil {
		return nil, err
	}
	if tok != nil {
		return tok, nil
	}
	return c.GetSignInResource(ctx, connectionName, userID, channelID)
}

// opKind distinguishes which status-code normalization table (spec §6.4)
// applies to the in-flight request.
type opKind int

const (
	opKindGetToken opKind = iota
	opKindExchange
	opKindOther
)

var notFound = fmt.Errorf("tokensvc: not found")

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}, kind opKind) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("tokensvc: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("tokensvc: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("tokensvc: request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := normalizeStatus(resp.StatusCode, kind); err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return notFound
	}

	if out == nil {
		return nil
	}
	if resp.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("tokensvc: decode response: %w", err)
	}
	return nil
}

// normalizeStatus implements the exact table from spec §6.4: 200 →
// success; 400 on exchange → consent-required; 404 on get-token →
// token-not-found (handled by the caller, not an error here); 500 on
// exchange → token-service-exchange-failed; everything else →
// token-service-unexpected with code/status attached.
func normalizeStatus(status int, kind opKind) error {
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusNotFound && kind == opKindGetToken:
		return nil
	case status == http.StatusBadRequest && kind == opKindExchange:
		return errs.New(errs.KindConsentRequired, "token exchange requires user consent")
	case status == http.StatusInternalServerError && kind == opKindExchange:
		return errs.New(errs.KindTokenServiceExchangeFailed, "token service exchange failed").WithContext("status", status)
	default:
		return errs.Newf(errs.KindTokenServiceError, "unexpected token service status %d", status).WithContext("status", status)
	}
}
