package channels

import "strings"

// FormatAllowFrom normalizes allow-list entries: trimmed, lowercased, with
// a leading "@" stripped.
func FormatAllowFrom(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		e = strings.ToLower(strings.TrimSpace(e))
		e = strings.TrimPrefix(e, "@")
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// SenderAllowed reports whether senderID passes the allow-list. An empty
// list allows everyone. Compound ids in "id|username" form match on either
// half, on both sides.
func SenderAllowed(allowFrom []string, senderID string) bool {
	if len(allowFrom) == 0 {
		return true
	}
	sender := strings.ToLower(strings.TrimSpace(senderID))
	idPart, userPart := splitCompound(sender)

	for _, allowed := range FormatAllowFrom(allowFrom) {
		allowedID, allowedUser := splitCompound(allowed)
		if sender == allowed || idPart == allowed || idPart == allowedID ||
			(allowedUser != "" && sender == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}

func splitCompound(s string) (id, user string) {
	if i := strings.IndexByte(s, '|'); i > 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}
