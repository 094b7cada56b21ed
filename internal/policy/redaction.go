// Package policy masks sensitive text before it leaves the process in error
// reasons and logs.
package policy

import "regexp"

var (
	emailPattern  = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern  = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern   = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
	googleKey     = regexp.MustCompile(`AIza[0-9A-Za-z_\-]{35}`)
	bearerPattern = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/\-]+=*`)
	keyParam      = regexp.MustCompile(`(?i)([?&](?:key|api_key|token)=)[^&\s"]+`)
)

type rule struct {
	pattern *regexp.Regexp
	repl    string
}

// Order matters: credentials first, and cards before phones so long digit
// runs are not classified as phone numbers.
var rules = []rule{
	{googleKey, "[REDACTED_KEY]"},
	{bearerPattern, "Bearer [REDACTED_TOKEN]"},
	{keyParam, "${1}[REDACTED_KEY]"},
	{emailPattern, "[REDACTED_EMAIL]"},
	{cardPattern, "[REDACTED_CARD]"},
	{phonePattern, "[REDACTED_PHONE]"},
}

// Redact masks credentials and common high-risk PII patterns.
func Redact(input string) (redacted string, changed bool) {
	out := input
	for _, r := range rules {
		next := r.pattern.ReplaceAllString(out, r.repl)
		changed = changed || next != out
		out = next
	}
	return out, changed
}

// RedactString is Redact without the change report.
func RedactString(input string) string {
	out, _ := Redact(input)
	return out
}
