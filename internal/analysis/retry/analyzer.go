package retry

import (
	"strings"
)

// Label classifies an upstream failure.
type Label string

const (
	Unknown       Label = "unknown"
	RateLimit     Label = "rate_limit"
	Auth          Label = "auth"
	Capability    Label = "capability"
	Unavailable   Label = "unavailable"
	ContextLength Label = "context_length"
	Policy        Label = "policy"
	Malformed     Label = "malformed"
)

// Decision is the heuristic verdict for an error message.
type Decision struct {
	Label     Label
	Retryable bool
	Score     int
}

// rateLimitPhrases never allow a retry.
var rateLimitPhrases = []string{"rate limit", "rate-limit", "ratelimit", "quota", "too many requests"}

var keywordBuckets = map[Label][]string{
	Auth: {
		"unauthorized", "invalid api key", "api key not valid", "no auth credentials", "forbidden",
		"authentication", "insufficient credits", "payment required", "permission denied",
	},
	Capability: {
		"image", "vision", "multimodal", "does not support", "not supported", "unsupported",
		"image_url", "modality", "no endpoints found that support image",
	},
	Unavailable: {
		"not found", "no endpoints", "unavailable", "overloaded", "timeout", "timed out",
		"connection", "provider returned error", "internal server error", "bad gateway",
		"upstream", "temporarily", "try again", "eof", "status 5",
	},
	ContextLength: {
		"context length", "context window", "maximum context", "too long", "token limit",
		"max_tokens", "too many tokens",
	},
	Policy: {
		"safety", "blocked", "moderation", "content policy", "flagged", "harm_category",
	},
	Malformed: {
		"did not return a response", "empty response", "malformed", "invalid json",
		"unexpected end of json", "invalid character",
	},
}

var retryable = map[Label]bool{
	Capability:    true,
	Unavailable:   true,
	ContextLength: true,
	Malformed:     true,
}

// IsRateLimit reports whether the message describes a rate limit or quota error.
func IsRateLimit(message string) bool {
	normalized := strings.ToLower(message)
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(normalized, phrase) {
			return true
		}
	}
	return false
}

// Analyze classifies an error message by keyword hits. Rate limits win outright.
func Analyze(message string) Decision {
	if IsRateLimit(message) {
		return Decision{Label: RateLimit, Retryable: false, Score: 10}
	}

	normalized := strings.TrimSpace(strings.ToLower(message))
	if normalized == "" {
		return Decision{Label: Unknown}
	}

	scores := make(map[Label]int)
	for label, keywords := range keywordBuckets {
		for _, word := range keywords {
			if strings.Contains(normalized, word) {
				scores[label] += 3
			}
		}
	}

	best := Unknown
	bestScore := 0
	for _, label := range []Label{Auth, Policy, Capability, ContextLength, Malformed, Unavailable} {
		if s := scores[label]; s > bestScore {
			best, bestScore = label, s
		}
	}

	return Decision{Label: best, Retryable: retryable[best], Score: bestScore}
}
