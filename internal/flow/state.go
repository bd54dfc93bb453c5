// Package flow implements the user-authorization sign-in flow machine
// (spec §4.3, §4.4, Components E+F): OAuth/SSO start and continue,
// deduplication, on-behalf-of exchange, and timeout handling.
//
// Grounded on the reference implementation's session lifecycle pattern
// (internal/sessions/manager.go: a keyed, storage-backed record with a
// lazily-created-then-cleared lifetime) generalized from "chat session"
// to "per-(channel, conversation, auth name) sign-in flow record", and on
// internal/channels/zalo/personal/auth.go's staged-fallback authenticate
// method for the overall "try cache, then try a slower path, then fail"
// shape of sign_in.
package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/nextlevelbuilder/courier/pkg/activity"
)

// State is one of the four states the sign-in flow can be in (spec
// §4.4.3).
type State string

const (
	StateIdle      State = "idle"
	StateStarted   State = "started"
	StateCompleted State = "completed"
	StateError     State = "error"
)

// FlowState is the persistent sign-in flow record (spec §3.5).
type FlowState struct {
	State         State     `json:"state"`
	FlowStarted   bool      `json:"flowStarted"`
	FlowExpires   time.Time `json:"flowExpires"`
	ContinueCount int       `json:"continueCount"`
}

// isExpired reports whether the flow's deadline has passed as of now.
func (f FlowState) isExpired(now time.Time) bool {
	return !f.FlowExpires.IsZero() && f.FlowExpires.Before(now)
}

// exchangeIDPattern recognizes the Teams SSO exchange id shape
// "<uuid>-<authName>" (spec §4.3).
var exchangeIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}-.+$`)

// StandardKey derives the storage key for a non-SSO sign-in flow (spec
// §4.3).
func StandardKey(authName string, channelID activity.ChannelID, conversationID string) string {
	return fmt.Sprintf("oauth/%s/%s/%s/flowState", authName, channelID, conversationID)
}

// SSOKey derives the storage key for an SSO flow correlated by a
// per-request token-exchange id (spec §4.3).
func SSOKey(authName string, channelID activity.ChannelID, conversationID, exchangeID string) string {
	return fmt.Sprintf("teamssso/%s/%s/%s/%s/flowState", authName, channelID, conversationID, exchangeID)
}

// IsExchangeID reports whether id matches the "<uuid>-<authName>" pattern
// reserved for Teams SSO token-exchange correlation ids.
func IsExchangeID(id, authName string) bool {
	if len(id) <= len(authName)+1 {
		return false
	}
	if id[len(id)-len(authName):] != authName {
		return false
	}
	if id[len(id)-len(authName)-1] != '-' {
		return false
	}
	return exchangeIDPattern.MatchString(id)
}

// NewExchangeID builds a fresh exchange id for authName.
func NewExchangeID(authName string, uuidFn func() string) string {
	return uuidFn() + "-" + authName
}

func marshalFlowState(fs FlowState) ([]byte, error) {
	return json.Marshal(fs)
}

func unmarshalFlowState(data []byte) (FlowState, error) {
	var fs FlowState
	if len(data) == 0 {
		return FlowState{State: StateIdle}, nil
	}
	if err := json.Unmarshal(data, &fs); err != nil {
		return FlowState{}, err
	}
	return fs, nil
}
