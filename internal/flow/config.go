package flow

import "time"

// Config is the authorization configuration for one named sign-in flow
// (spec §6.5 authorization block).
type Config struct {
	AuthName                  string
	TimeoutMS                 int64
	OBOConnectionName         string
	OBOScopes                 []string
	EnableSSO                 bool
	InvalidSignInRetryMax     int
	InvalidSignInRetryMessage string
	EndOnInvalidMessage       bool
}

// Default returns a Config for authName with the spec's documented
// defaults: a 15 minute flow timeout, two invalid-continue retries
// before giving up, and ending the turn on an invalid message.
func Default(authName string) Config {
	return Config{
		AuthName:              authName,
		TimeoutMS:             900000,
		InvalidSignInRetryMax: 2,
		EndOnInvalidMessage:   true,
	}
}

func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
