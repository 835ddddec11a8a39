package model

import "regexp"

// Group names must be safe to use as broker routing keys regardless of what
// the client put in the URL.
var unsafeSessionChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

const maxSessionIDLen = 80

// SanitizeSessionID maps any client-provided session id onto the
// [A-Za-z0-9_.-] alphabet and truncates it to 80 characters.
func SanitizeSessionID(sessionID string) string {
	safe := unsafeSessionChars.ReplaceAllString(sessionID, "_")
	if len(safe) > maxSessionIDLen {
		safe = safe[:maxSessionIDLen]
	}
	return safe
}

// GroupTopic returns the fan-out bus topic for a session.
func GroupTopic(sessionID string) string {
	return "session." + SanitizeSessionID(sessionID)
}
