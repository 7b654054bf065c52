package subscription

import (
	"html"
	"strings"
)

// NormalizeEmail lowercases the address and reverses HTML entity escaping.
// Form relays occasionally double-escape, so the unescape runs twice.
func NormalizeEmail(email string) string {
	e := strings.ToLower(strings.TrimSpace(email))
	e = html.UnescapeString(html.UnescapeString(e))
	return e
}

// ValidEmail applies the minimal shape check: something before an "@", and a
// "." somewhere after it. Anything stricter rejects addresses the provider
// accepts.
func ValidEmail(email string) bool {
	at := strings.Index(email, "@")
	if at < 1 {
		return false
	}
	rest := email[at+1:]
	dot := strings.Index(rest, ".")
	return dot >= 1 && dot < len(rest)-1
}
