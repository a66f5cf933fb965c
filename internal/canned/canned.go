// Package canned answers greetings and "what can you do" questions with
// a static capability document, without calling the reasoning backend
// or any tool.
package canned

import (
	"strings"

	"github.com/nugget/tally/internal/conversation"
	"github.com/nugget/tally/internal/prompts"
)

type matchKind int

const (
	exact matchKind = iota
	prefix
)

type rule struct {
	kind    matchKind
	pattern string
}

// rules is evaluated in order. Patterns are lower-case.
var rules = []rule{
	{exact, "hi"},
	{exact, "hello"},
	{exact, "hey"},
	{prefix, "what can you do"},
	{prefix, "what do you do"},
	{prefix, "tell me about yourself"},
	{prefix, "who are you"},
	{prefix, "what are you"},
	{prefix, "help"},
	{prefix, "how can you help"},
	{prefix, "what are your capabilities"},
	{prefix, "what can i ask"},
}

// Matches reports whether text is one of the canned questions. The
// comparison ignores case and surrounding whitespace.
func Matches(text string) bool {
	return Rule(text) != ""
}

// Rule returns the pattern that matched text, or "" if none did.
func Rule(text string) string {
	t := strings.ToLower(strings.TrimSpace(text))
	if t == "" {
		return ""
	}
	for _, r := range rules {
		switch r.kind {
		case exact:
			if t == r.pattern {
				return r.pattern
			}
		case prefix:
			if strings.HasPrefix(t, r.pattern) {
				return r.pattern
			}
		}
	}
	return ""
}

// Respond returns the assistant turn carrying the capability document.
func Respond() conversation.Turn {
	return conversation.Assistant(prompts.CapabilityDocument)
}

// Version identifies the capability document revision.
func Version() string {
	return prompts.CapabilityVersion
}
