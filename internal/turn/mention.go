package turn

import "strings"

// stripRecipientMention removes a leading "@<name> " mention of the
// recipient from text, the convention channel adapters use to prefix a
// message with the bot's display name when it is @-mentioned (spec §4.2
// step 3, "remove_recipient_mention"). Leaves text untouched if it does
// not start with the expected mention.
func stripRecipientMention(recipientName, text string) string {
	name := strings.TrimSpace(recipientName)
	if name == "" {
		return text
	}
	mention := "@" + name
	trimmed := strings.TrimLeft(text, " ")
	if !strings.HasPrefix(trimmed, mention) {
		return text
	}
	rest := trimmed[len(mention):]
	return strings.TrimLeft(rest, " ")
}
