package strategy

import (
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Validator checks a candidate post against the local publishing rules.
// Each failed rule is logged rather than returned, so callers see which
// check rejected a candidate without handling per-rule errors.
type Validator struct {
	Marker      string
	Forbidden   []string
	MaxHashtags int
}

// Validate reports whether text satisfies every rule: rune length within the
// platform limit (exactly MaxPostLength passes), the strategy's signature
// marker present, no forbidden substrings, and the hashtag budget respected.
func (v Validator) Validate(text string) bool {
	ok := true

	if n := utf8.RuneCountInString(text); n > MaxPostLength {
		slog.Warn("validation failed: post too long", "length", n, "limit", MaxPostLength)
		ok = false
	}

	if v.Marker != "" && !strings.Contains(text, v.Marker) {
		slog.Warn("validation failed: missing signature marker", "marker", v.Marker)
		ok = false
	}

	lower := strings.ToLower(text)
	for _, word := range v.Forbidden {
		if word != "" && strings.Contains(lower, strings.ToLower(word)) {
			slog.Warn("validation failed: forbidden content", "word", word)
			ok = false
		}
	}

	if v.MaxHashtags > 0 {
		if n := strings.Count(text, "#"); n > v.MaxHashtags {
			slog.Warn("validation failed: too many hashtags", "count", n, "max", v.MaxHashtags)
			ok = false
		}
	}

	return ok
}
