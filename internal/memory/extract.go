package memory

import (
	"strings"
	"unicode"
)

// stopwords that look like entities when they start a sentence.
var entityStopwords = map[string]bool{
	"the": true, "and": true, "but": true, "this": true, "that": true,
	"what": true, "when": true, "where": true, "how": true, "why": true,
	"yes": true, "not": true, "can": true, "could": true, "would": true,
	"should": true, "please": true, "thanks": true, "okay": true,
	"user": true, "assistant": true,
}

// EntityID derives the stable identifier for a named entity, scoped to
// its owning user so the same name never collides across users. The
// same user/name pair always maps to the same node, so mentions
// accumulate.
func EntityID(userID, name string) string {
	return "entity:" + userID + ":" + strings.ToLower(name)
}

// ExtractEntityNames pulls candidate entity names from text: quoted
// phrases and capitalised tokens that are not sentence-initial noise.
// Names come back in order of first appearance, deduplicated.
func ExtractEntityNames(text string) []string {
	var names []string
	seen := map[string]bool{}
	add := func(name string) {
		name = strings.TrimSpace(name)
		key := strings.ToLower(name)
		if name == "" || len(name) < 3 || entityStopwords[key] || seen[key] {
			return
		}
		seen[key] = true
		names = append(names, name)
	}

	// Quoted phrases first: they are explicit references.
	inQuote := false
	var quote strings.Builder
	for _, r := range text {
		if r == '"' {
			if inQuote {
				add(quote.String())
				quote.Reset()
			}
			inQuote = !inQuote
			continue
		}
		if inQuote {
			quote.WriteRune(r)
		}
	}

	// Capitalised tokens, joined when adjacent ("New York" stays one name).
	words := strings.Fields(text)
	var current []string
	flush := func() {
		if len(current) > 0 {
			add(strings.Join(current, " "))
			current = nil
		}
	}
	for i, w := range words {
		trimmed := strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if trimmed == "" {
			flush()
			continue
		}
		first := []rune(trimmed)[0]
		if unicode.IsUpper(first) && i > 0 && !sentenceStart(words[i-1]) {
			current = append(current, trimmed)
		} else {
			flush()
		}
	}
	flush()
	return names
}

// sentenceStart reports whether the previous word ends a sentence, which
// means the following capital is probably just casing.
func sentenceStart(prev string) bool {
	return strings.HasSuffix(prev, ".") || strings.HasSuffix(prev, "!") ||
		strings.HasSuffix(prev, "?")
}
