// Package responder answers trivial prompts locally so they never reach a
// brain or a worker.
package responder

import (
	"regexp"
	"strings"
)

// Canned replies.
const (
	EmptyPromptReply    = "Please provide a prompt so I know how to assist."
	GreetingReply       = "Hello! I'm MILES. Ask me to research something or generate a 3D model."
	NameReply           = "I'm MILES, your multimodal assistant for research and 3D generation."
	MathFailureReply    = "I tried to compute that, but the expression wasn't recognized."
	QuickQuestionReply  = "That's a quick question. Could you add a bit more detail so I can give a useful answer?"
	ElaborationReply    = "Could you elaborate a little? Tell me what you'd like me to research or create."
	quickQuestionMaxLen = 20
	elaborationMaxWords = 3
)

var (
	greetings       = map[string]bool{"hi": true, "hello": true, "hey": true, "hola": true, "yo": true, "sup": true}
	greetingPrefix  = []string{"hi ", "hello ", "hey "}
	arithmeticInput = regexp.MustCompile(`^[\d.\s+\-*/()]+$`)
)

// heavyKeywords mark prompts that deserve the full research pipeline.
var heavyKeywords = []string{
	"research",
	"deep dive",
	"analyze",
	"analysis",
	"report",
	"whitepaper",
	"citation",
	"compare",
	"survey",
	"comprehensive",
	"study",
	"pipeline",
	"architecture",
	"implementation details",
	"evaluation",
	"benchmark",
}

// Answer returns a canned or computed reply when the prompt is trivial.
// The second return value is false when the prompt needs a brain.
func Answer(prompt string) (string, bool) {
	text := strings.TrimSpace(prompt)
	if text == "" {
		return EmptyPromptReply, true
	}

	lower := strings.ToLower(text)
	if greetings[lower] {
		return GreetingReply, true
	}
	for _, p := range greetingPrefix {
		if strings.HasPrefix(lower, p) {
			return GreetingReply, true
		}
	}
	if strings.Contains(lower, "your name") {
		return NameReply, true
	}

	if arithmeticInput.MatchString(text) {
		v, err := Evaluate(text)
		if err != nil {
			return MathFailureReply, true
		}
		return "The answer is " + FormatNumber(v) + ".", true
	}

	if len(text) <= quickQuestionMaxLen && strings.HasSuffix(text, "?") {
		return QuickQuestionReply, true
	}
	if len(strings.Fields(text)) <= elaborationMaxWords && !strings.HasSuffix(text, "?") {
		return ElaborationReply, true
	}
	return "", false
}

// NeedsDeepResearch reports whether the prompt mentions any heavy keyword.
// The result is advisory and does not change routing.
func NeedsDeepResearch(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, kw := range heavyKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
