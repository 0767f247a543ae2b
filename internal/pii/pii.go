// Package pii rewrites common PII shapes out of message text before it
// reaches storage or an upstream provider.
package pii

import "regexp"

const marker = "[REDACTED]"

// Patterns run in order and apply cumulatively; later passes see the
// output of earlier ones.
var patterns = []*regexp.Regexp{
	// email
	regexp.MustCompile(`(?i)[A-Z0-9._%+-]+@[A-Z0-9.-]+\.[A-Z]{2,}`),
	// phone (naive international/local digit clusters)
	regexp.MustCompile(`(?i)\b\+?\d{1,3}?[-.\s]??\(?\d{2,3}\)?[-.\s]??\d{3,4}[-.\s]??\d{4}\b`),
	// credit card (naive 13-16 digits with optional spaces/hyphens)
	regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`),
	// US SSN
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	// simple street address: number + street name + suffix
	regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Z][\w\s]{1,30}\s+(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr|court|ct|way)\b`),
	// basic first/last name (two capitalized words)
	regexp.MustCompile(`\b[A-Z][a-z]{1,20}\s+[A-Z][a-z]{1,20}\b`),
}

// Redact replaces recognized PII shapes with "[REDACTED]" and reports
// whether anything changed.
func Redact(text string) (string, bool) {
	redacted := text
	changed := false
	for _, re := range patterns {
		next := re.ReplaceAllString(redacted, marker)
		if next != redacted {
			changed = true
			redacted = next
		}
	}
	return redacted, changed
}
