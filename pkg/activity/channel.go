package activity

import "strings"

// ChannelID is a composite "<channel>[:<sub-channel>]" identity (spec
// §3.2). Equality on the channel alone matches any sub-channel; equality
// on the full string matches exactly.
//
// Grounded on the reference implementation's channel-name concept in
// internal/channels/channel.go (BaseChannel.Name), generalized to carry
// an optional sub-channel component the way the spec's examples
// ("msteams:COPILOT") require.
type ChannelID string

// NewChannelID builds a ChannelID from a channel and an optional
// sub-channel. An empty sub-channel yields the bare channel form.
func NewChannelID(channel, subChannel string) ChannelID {
	if subChannel == "" {
		return ChannelID(channel)
	}
	return ChannelID(channel + ":" + subChannel)
}

// Channel returns the channel component, stripping any sub-channel.
func (c ChannelID) Channel() string {
	s := string(c)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// SubChannel returns the sub-channel component, or "" if none.
func (c ChannelID) SubChannel() string {
	s := string(c)
	if idx := strings.IndexByte(s, ':'); idx >= 0 {
		return s[idx+1:]
	}
	return ""
}

// MatchesChannel reports whether c shares the same base channel as other,
// ignoring sub-channel — i.e. "msteams" matches "msteams:COPILOT".
func (c ChannelID) MatchesChannel(other ChannelID) bool {
	return c.Channel() == other.Channel()
}

// Equal reports full-form equality: both channel and sub-channel must
// match exactly.
func (c ChannelID) Equal(other ChannelID) bool {
	return c == other
}

// IsTeams reports whether this channel belongs to the Teams family (used
// by the Teams SSO specialization and the flow timeout gate, spec §4.4.2
// and §4.4.6).
func (c ChannelID) IsTeams() bool {
	return c.Channel() == "msteams"
}

func (c ChannelID) String() string { return string(c) }
