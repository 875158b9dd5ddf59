// Package model maps the model identifiers clients send — Anthropic, OpenAI
// and Gemini names, dated snapshots, bare aliases — onto the small set the
// upstream actually accepts.
package model

import "strings"

// Upstream-accepted model identifiers.
const (
	Auto      = "auto"
	SonnetV45 = "claude-sonnet-4.5"
	Sonnet    = "claude-sonnet-4"
	Haiku     = "claude-haiku-4.5"
	Opus      = "claude-opus-4.5"
)

// Default is used when the inbound name is empty or matches nothing.
const Default = Sonnet

// Upstream is the closed set of identifiers the upstream accepts.
var Upstream = map[string]bool{
	Auto:      true,
	SonnetV45: true,
	Sonnet:    true,
	Haiku:     true,
	Opus:      true,
}

// SummaryModel is the fast model used for history summarization.
const SummaryModel = Haiku

// aliases is the exact-match table checked before any fuzzy rule.
var aliases = map[string]string{
	// Claude 3.5
	"claude-3-5-sonnet-20241022": Sonnet,
	"claude-3-5-sonnet-latest":   Sonnet,
	"claude-3-5-sonnet":          Sonnet,
	"claude-3-5-haiku-20241022":  Haiku,
	"claude-3-5-haiku-latest":    Haiku,
	// Claude 3
	"claude-3-opus-20240229":   Opus,
	"claude-3-opus-latest":     Opus,
	"claude-3-sonnet-20240229": Sonnet,
	"claude-3-haiku-20240307":  Haiku,
	// Claude 4
	"claude-4-sonnet": Sonnet,
	"claude-4-opus":   Opus,
	// OpenAI GPT
	"gpt-4o":        Sonnet,
	"gpt-4o-mini":   Haiku,
	"gpt-4-turbo":   Sonnet,
	"gpt-4":         Sonnet,
	"gpt-3.5-turbo": Haiku,
	// OpenAI o1
	"o1":         Opus,
	"o1-preview": Opus,
	"o1-mini":    Sonnet,
	// Gemini
	"gemini-2.0-flash":          Sonnet,
	"gemini-2.0-flash-thinking": Opus,
	"gemini-1.5-pro":            SonnetV45,
	"gemini-1.5-flash":          Sonnet,
	// Bare aliases
	"sonnet": Sonnet,
	"haiku":  Haiku,
	"opus":   Opus,
}

// streamPrefixes are the sentinel prefixes that force buffered-then-chunked
// streaming. Both spellings are accepted.
var streamPrefixes = []string{"pseudo-stream/", "pseudo/"}

// StripStreamPrefix removes a recognized pseudo-stream prefix and reports
// whether one was present. It runs before Resolve.
func StripStreamPrefix(name string) (string, bool) {
	for _, p := range streamPrefixes {
		if strings.HasPrefix(name, p) {
			return name[len(p):], true
		}
	}
	return name, false
}

// Resolve maps an external model name to an upstream identifier. Rules in
// order: exact alias, upstream pass-through, case-insensitive family
// substring, then the Sonnet-class default. The result is always a member
// of Upstream.
func Resolve(name string) string {
	if name == "" {
		return Default
	}
	if mapped, ok := aliases[name]; ok {
		return mapped
	}
	if Upstream[name] {
		return name
	}

	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "opus"):
		return Opus
	case strings.Contains(lower, "haiku"):
		return Haiku
	case strings.Contains(lower, "sonnet"):
		if strings.Contains(lower, "4.5") {
			return SonnetV45
		}
		return Sonnet
	}
	return Default
}

// ResolveRequest strips the pseudo-stream prefix and resolves in one step.
func ResolveRequest(name string) (upstream string, pseudoStream bool) {
	stripped, pseudo := StripStreamPrefix(name)
	return Resolve(stripped), pseudo
}
