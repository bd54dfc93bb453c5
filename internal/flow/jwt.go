package flow

import (
	"encoding/base64"
	"encoding/json"
)

// decodeJWTPayload base64url-decodes and parses the middle segment of a
// JWT. Used only to read the "aud" claim for the OBO eligibility check
// (spec §4.4.5); it performs no signature verification.
func decodeJWTPayload(segment string) (map[string]interface{}, error) {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return nil, err
	}
	var claims map[string]interface{}
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}
