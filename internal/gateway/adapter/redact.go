package adapter

import (
	"os"
	"regexp"
	"strings"
)

// redacted is the replacement for matched secrets. It contains no
// characters the patterns below match, so redaction is idempotent.
const redacted = "[REDACTED]"

var redactPatterns = []*regexp.Regexp{
	// Provider API key shapes.
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bgho_[A-Za-z0-9]{20,}\b`),
	regexp.MustCompile(`\bglpat-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
	regexp.MustCompile(`\bAKIA[A-Z0-9]{16}\b`),
	// Bearer and Authorization headers.
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]{8,}=*`),
	regexp.MustCompile(`(?i)\bauthorization:\s*\S+`),
	// key=value style secrets in command lines and logs.
	regexp.MustCompile(`(?i)\b([A-Z0-9_]*(?:TOKEN|SECRET|PASSWORD|API_KEY|APIKEY))=(\S+)`),
}

var keyValuePattern = redactPatterns[len(redactPatterns)-1]

// Redact masks credential-shaped substrings and collapses the home
// directory to "~" in agent output before it leaves the machine.
// Applying it twice yields the same result as once.
func Redact(s string) string {
	for _, p := range redactPatterns {
		if p == keyValuePattern {
			s = p.ReplaceAllString(s, "$1="+redacted)
			continue
		}
		s = p.ReplaceAllString(s, redacted)
	}
	if home, err := os.UserHomeDir(); err == nil && home != "/" && home != "" {
		s = strings.ReplaceAll(s, home, "~")
	}
	return s
}
