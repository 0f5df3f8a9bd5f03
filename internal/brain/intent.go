package brain

import (
	"strings"
	"unicode"
)

var (
	creationVerbs = wordSet("generate", "make", "create", "render", "change", "turn", "convert")
	creationNouns = wordSet(
		"3d", "image", "glb", "mesh", "object", "model", "it", "this",
		"red", "green", "blue", "yellow", "black", "white", "gold", "golden", "silver",
		"orange", "purple", "pink", "brown", "grey", "gray",
		"color", "colour", "metal", "metallic", "wood", "wooden", "glass", "plastic",
		"stone", "marble", "chrome", "matte", "glossy", "texture", "material",
	)
	factualWords   = wordSet("who", "when")
	factualPhrases = []string{"list of", "history of", "how to"}

	searchWords   = []string{"search", "find", "research", "lookup", "news", "latest", "stock", "price", "weather", "current", "live", "web", "internet", "google"}
	searchPhrases = []string{"look up"}
	smallTalk     = wordSet("hi", "hello", "hey", "test", "help")

	ruleSearchStems   = []string{"research", "explain", "find", "compare"}
	ruleHologramStems = []string{"hologram", "gesture", "rotate"}
)

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// tokens lower-cases s and splits it on anything that is not a letter or digit.
func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func anyToken(toks []string, set map[string]bool) bool {
	for _, t := range toks {
		if set[t] {
			return true
		}
	}
	return false
}

// anyPrefix reports a token starting with one of words, so "searching"
// matches "search".
func anyPrefix(toks, words []string) bool {
	for _, t := range toks {
		for _, w := range words {
			if strings.HasPrefix(t, w) {
				return true
			}
		}
	}
	return false
}

func anyPhrase(lower string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// isCreationIntent reports a creation verb co-occurring with a target noun in
// a prompt that does not read as a factual question.
func isCreationIntent(prompt string) bool {
	toks := tokens(prompt)
	if !anyToken(toks, creationVerbs) || !anyToken(toks, creationNouns) {
		return false
	}
	return !anyToken(toks, factualWords) && !anyPhrase(strings.ToLower(prompt), factualPhrases)
}

// isSearchIntent reports a token beginning with a search keyword, unless a
// small-talk word is present as a whole token.
func isSearchIntent(prompt string) bool {
	toks := tokens(prompt)
	if anyToken(toks, smallTalk) {
		return false
	}
	return anyPrefix(toks, searchWords) || anyPhrase(strings.ToLower(prompt), searchPhrases)
}
