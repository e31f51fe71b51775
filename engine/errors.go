package engine

import "strings"

// Known failure signatures the backends emit as plain text. Matching any of
// them anywhere in the output flips IsError so the caller can fall back;
// a silent empty response is never returned for these.
var errorSignatures = map[string][]string{
	"auth": {
		"invalid api key",
		"authentication_error",
		"authentication failed",
		"not logged in",
		"please run /login",
	},
	"rate_limit": {
		"rate limit",
		"rate_limit_error",
		"overloaded_error",
		"too many requests",
	},
	"context_overflow": {
		"context length",
		"context_length_exceeded",
		"prompt is too long",
		"maximum context",
	},
	"billing": {
		"credit balance",
		"billing",
		"insufficient quota",
		"quota exceeded",
	},
}

// classifyErrorText reports the failure category matched in s, if any.
func classifyErrorText(s string) (string, bool) {
	lower := strings.ToLower(s)
	for kind, sigs := range errorSignatures {
		for _, sig := range sigs {
			if strings.Contains(lower, sig) {
				return kind, true
			}
		}
	}
	return "", false
}
