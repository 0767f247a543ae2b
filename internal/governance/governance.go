// Package governance evaluates content policies over message text.
// Policies run in storage order; redactions are cumulative, the first
// blocking match stops evaluation.
package governance

import (
	"regexp"
	"strings"
)

// Match types.
const (
	MatchRegex       = "regex"
	MatchContainsAny = "contains_any"
	MatchContainsAll = "contains_all"
)

// Actions.
const (
	ActionBlock  = "block"
	ActionRedact = "redact"
	ActionFlag   = "flag"
)

const redactedMarker = "[REDACTED]"

// Policy is one content rule as stored.
type Policy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MatchType   string `json:"match_type"`
	Pattern     string `json:"pattern"`
	Action      string `json:"action"`
	AppliesTo   string `json:"applies_to"`
	Enabled     bool   `json:"enabled"`
	CreatedAt   string `json:"created_at"`
}

// HitDraft records one non-blocking (or blocking) policy match before
// it is persisted against a message id.
type HitDraft struct {
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	Action     string `json:"action"`
}

// EvalResult is the outcome of evaluating a policy list over a text.
type EvalResult struct {
	// Redacted holds the rewritten text when any redaction applied.
	Redacted string
	// Changed reports whether Redacted is meaningful.
	Changed bool
	// Hits are the non-blocking matches in evaluation order.
	Hits []HitDraft
	// Blocked is set when a blocking policy matched; evaluation stopped
	// there and Hits only carries matches seen before it.
	Blocked *HitDraft
}

// Evaluate runs the policies over text for the given message role.
// Disabled policies are skipped; applies_to matches "any" or the role
// case-insensitively. Each policy sees the current, possibly already
// redacted, text. Invalid regex patterns never match.
func Evaluate(policies []Policy, role, text string) EvalResult {
	var result EvalResult
	current := text

	for _, policy := range policies {
		if !policy.Enabled {
			continue
		}
		applies := strings.EqualFold(policy.AppliesTo, "any") ||
			strings.EqualFold(policy.AppliesTo, role)
		if !applies {
			continue
		}
		if !matches(policy, current) {
			continue
		}

		hit := HitDraft{
			PolicyID:   policy.ID,
			PolicyName: policy.Name,
			Action:     policy.Action,
		}

		switch policy.Action {
		case ActionBlock:
			result.Blocked = &hit
			return result
		case ActionRedact:
			current = redact(policy, current)
			result.Redacted = current
			result.Changed = true
			result.Hits = append(result.Hits, hit)
		default:
			result.Hits = append(result.Hits, hit)
		}
	}

	return result
}

func matches(policy Policy, text string) bool {
	switch policy.MatchType {
	case MatchRegex:
		re, err := regexp.Compile(policy.Pattern)
		if err != nil {
			return false
		}
		return re.MatchString(text)
	case MatchContainsAll:
		lower := strings.ToLower(text)
		for _, tok := range strings.Split(policy.Pattern, ",") {
			if !strings.Contains(lower, strings.ToLower(strings.TrimSpace(tok))) {
				return false
			}
		}
		return true
	default:
		// contains_any and any unknown match type.
		lower := strings.ToLower(text)
		for _, tok := range strings.Split(policy.Pattern, ",") {
			if strings.Contains(lower, strings.ToLower(strings.TrimSpace(tok))) {
				return true
			}
		}
		return false
	}
}

func redact(policy Policy, text string) string {
	if policy.MatchType == MatchRegex {
		re, err := regexp.Compile(policy.Pattern)
		if err != nil {
			return text
		}
		return re.ReplaceAllString(text, redactedMarker)
	}
	return strings.ReplaceAll(text, policy.Pattern, redactedMarker)
}
