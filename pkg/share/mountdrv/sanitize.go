package mountdrv

import (
	"net/url"
	"strings"
)

// forbiddenChars is the §4.1 argument-sanitization set: any character in
// this set is stripped from serverAddress and shareName before they are
// interpolated into a mount-helper argument.
const forbiddenChars = `;|&$` + "`" + `\"'<>(){}[]!*?~` + "\n\r"

// Sanitize removes every character in the §4.1 forbidden set from s.
// Idempotent: Sanitize(Sanitize(s)) == Sanitize(s), since it only ever
// removes characters, never rewrites or reorders the rest.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if strings.ContainsRune(forbiddenChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// EncodeUsername percent-encodes username for use in a mount URL, while
// preserving the domain separators '\' (NTLM "DOMAIN\user") and '@'
// (Kerberos-style "user@realm") verbatim so both remain valid.
func EncodeUsername(username string) string {
	if username == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range username {
		if r == '\\' || r == '@' {
			b.WriteRune(r)
			continue
		}
		b.WriteString(url.QueryEscape(string(r)))
	}
	return b.String()
}
