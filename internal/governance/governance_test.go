package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func policy(name, matchType, pattern, action, appliesTo string) Policy {
	return Policy{
		ID:        "policy-" + name,
		Name:      name,
		MatchType: matchType,
		Pattern:   pattern,
		Action:    action,
		AppliesTo: appliesTo,
		Enabled:   true,
	}
}

func TestEvaluateBlock(t *testing.T) {
	policies := []Policy{
		policy("no-secrets", MatchContainsAny, "secret", ActionBlock, "user"),
	}

	result := Evaluate(policies, "user", "tell me a secret")
	require.NotNil(t, result.Blocked)
	assert.Equal(t, "no-secrets", result.Blocked.PolicyName)
	assert.Empty(t, result.Hits)
	assert.False(t, result.Changed)
}

func TestEvaluateBlockStopsEvaluation(t *testing.T) {
	policies := []Policy{
		policy("flag-first", MatchContainsAny, "secret", ActionFlag, "any"),
		policy("block-second", MatchContainsAny, "secret", ActionBlock, "any"),
		policy("never-reached", MatchContainsAny, "secret", ActionFlag, "any"),
	}

	result := Evaluate(policies, "user", "a secret")
	require.NotNil(t, result.Blocked)
	assert.Equal(t, "block-second", result.Blocked.PolicyName)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, "flag-first", result.Hits[0].PolicyName)
}

func TestEvaluateRedactRegex(t *testing.T) {
	policies := []Policy{
		policy("mask-password", MatchRegex, `\bpassword\b`, ActionRedact, "any"),
	}

	result := Evaluate(policies, "user", "my password is hunter2")
	assert.Nil(t, result.Blocked)
	assert.True(t, result.Changed)
	assert.Equal(t, "my [REDACTED] is hunter2", result.Redacted)
	require.Len(t, result.Hits, 1)
	assert.Equal(t, ActionRedact, result.Hits[0].Action)
}

func TestEvaluateRedactPlainSubstitution(t *testing.T) {
	policies := []Policy{
		policy("mask-codename", MatchContainsAny, "aurora", ActionRedact, "any"),
	}

	// Non-regex redaction substitutes the whole pattern literally.
	result := Evaluate(policies, "user", "project aurora is live, aurora ships")
	assert.True(t, result.Changed)
	assert.Equal(t, "project [REDACTED] is live, [REDACTED] ships", result.Redacted)
}

func TestEvaluateCumulativeRedaction(t *testing.T) {
	policies := []Policy{
		policy("first", MatchRegex, `alpha`, ActionRedact, "any"),
		policy("second", MatchRegex, `beta`, ActionRedact, "any"),
	}

	result := Evaluate(policies, "user", "alpha beta")
	assert.Equal(t, "[REDACTED] [REDACTED]", result.Redacted)
	assert.Len(t, result.Hits, 2)
}

func TestEvaluateRedactionIdempotent(t *testing.T) {
	policies := []Policy{
		policy("mask", MatchRegex, `\bpassword\b`, ActionRedact, "any"),
	}

	first := Evaluate(policies, "user", "password here")
	require.True(t, first.Changed)

	second := Evaluate(policies, "user", first.Redacted)
	assert.False(t, second.Changed)
	assert.Empty(t, second.Hits)
}

func TestEvaluateContainsAll(t *testing.T) {
	policies := []Policy{
		policy("both-words", MatchContainsAll, "wire, transfer", ActionFlag, "any"),
	}

	result := Evaluate(policies, "user", "please WIRE the Transfer today")
	assert.Len(t, result.Hits, 1)

	result = Evaluate(policies, "user", "please wire the funds")
	assert.Empty(t, result.Hits)
}

func TestEvaluateContainsAnyTokens(t *testing.T) {
	policies := []Policy{
		policy("either", MatchContainsAny, "foo, bar", ActionFlag, "any"),
	}

	assert.Len(t, Evaluate(policies, "user", "some bar talk").Hits, 1)
	assert.Empty(t, Evaluate(policies, "user", "nothing here").Hits)
}

func TestEvaluateUnknownMatchTypeBehavesAsContainsAny(t *testing.T) {
	policies := []Policy{
		policy("odd", "exotic_matcher", "foo", ActionFlag, "any"),
	}

	assert.Len(t, Evaluate(policies, "user", "foo!").Hits, 1)
}

func TestEvaluateInvalidRegexNeverMatches(t *testing.T) {
	policies := []Policy{
		policy("broken", MatchRegex, `([unclosed`, ActionBlock, "any"),
	}

	result := Evaluate(policies, "user", "([unclosed")
	assert.Nil(t, result.Blocked)
	assert.Empty(t, result.Hits)
}

func TestEvaluateDisabledPolicyIgnored(t *testing.T) {
	p := policy("off", MatchContainsAny, "secret", ActionBlock, "any")
	p.Enabled = false

	result := Evaluate([]Policy{p}, "user", "a secret")
	assert.Nil(t, result.Blocked)
}

func TestEvaluateAppliesTo(t *testing.T) {
	policies := []Policy{
		policy("user-only", MatchContainsAny, "secret", ActionFlag, "user"),
	}

	assert.Len(t, Evaluate(policies, "user", "secret").Hits, 1)
	assert.Len(t, Evaluate(policies, "USER", "secret").Hits, 1, "role match is case-insensitive")
	assert.Empty(t, Evaluate(policies, "assistant", "secret").Hits)
}
