package usecase

import "strings"

var sessionKeyEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// DeriveSessionKey maps a (chat, sender) pair to a stable session key.
// The separator is escaped inside both identifiers, so distinct pairs can
// never collide regardless of the identifier alphabet the platform uses
// (bare concatenation would conflate e.g. ("12","3") and ("1","23")).
func DeriveSessionKey(chatID, senderID string) string {
	return sessionKeyEscaper.Replace(chatID) + ":" + sessionKeyEscaper.Replace(senderID)
}
