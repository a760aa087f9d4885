package trigger

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// minFuzzyLen keeps short words such as "by" from fuzzily matching "bye".
	minFuzzyLen = 4

	// minLengthRatio is the shortest a fuzzy candidate may be relative to
	// the keyword, and the other way round. Jaro-Winkler rewards a shared
	// prefix, so "good" would otherwise match "goodbye".
	minLengthRatio = 0.75
)

// KeywordOption configures a [KeywordAnalyser].
type KeywordOption func(*KeywordAnalyser)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a word whose
// Double Metaphone code matches the keyword. Default: 0.80.
func WithPhoneticThreshold(threshold float64) KeywordOption {
	return func(k *KeywordAnalyser) { k.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a word without
// phonetic overlap. Default: 0.90.
func WithFuzzyThreshold(threshold float64) KeywordOption {
	return func(k *KeywordAnalyser) { k.fuzzyThreshold = threshold }
}

// KeywordAnalyser scores triggers by matching their keywords against the
// text. An exact occurrence scores 1. Otherwise single-word keywords are
// matched against each word of the text of similar length: words sharing a Double Metaphone
// code are accepted above the phonetic threshold, others above the stricter
// fuzzy threshold, and the Jaro-Winkler score becomes the probability.
// Triggers without keywords use the words of their name.
//
// KeywordAnalyser is read-only after construction and safe for concurrent use.
type KeywordAnalyser struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

var _ Analyser = (*KeywordAnalyser)(nil)

// NewKeywordAnalyser returns a keyword analyser with the given options.
func NewKeywordAnalyser(opts ...KeywordOption) *KeywordAnalyser {
	k := &KeywordAnalyser{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// Analyse implements [Analyser].
func (k *KeywordAnalyser) Analyse(_ context.Context, req Request) Result {
	if len(req.Definitions) == 0 {
		return Zero(nil, "keyword")
	}
	text := strings.ToLower(req.Text)
	words := tokenize(text)

	probs := make(map[string]float64, len(req.Definitions))
	for _, d := range req.Definitions {
		keywords := d.Keywords
		if len(keywords) == 0 {
			keywords = strings.FieldsFunc(d.Name, func(r rune) bool { return r == '_' || r == '-' })
		}
		best := 0.0
		for _, kw := range keywords {
			if s := k.score(text, words, strings.ToLower(strings.TrimSpace(kw))); s > best {
				best = s
			}
			if best == 1 {
				break
			}
		}
		probs[d.Name] = best
	}

	res := Decide(req.Definitions, probs, req.Attributes)
	res.Method = "keyword"
	return res
}

func (k *KeywordAnalyser) score(text string, words []string, keyword string) float64 {
	if keyword == "" {
		return 0
	}
	if strings.Contains(text, keyword) {
		return 1
	}
	if strings.ContainsRune(keyword, ' ') || len(keyword) < minFuzzyLen {
		return 0
	}

	kwCodes := codes(keyword)
	best := 0.0
	for _, w := range words {
		if len(w) < minFuzzyLen || !comparableLength(w, keyword) {
			continue
		}
		jw := matchr.JaroWinkler(w, keyword, false)
		threshold := k.fuzzyThreshold
		if overlap(codes(w), kwCodes) {
			threshold = k.phoneticThreshold
		}
		if jw >= threshold && jw > best {
			best = jw
		}
	}
	return best
}

func comparableLength(a, b string) bool {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	return float64(min(la, lb)) >= minLengthRatio*float64(max(la, lb))
}

// codes returns the non-empty Double Metaphone codes of word.
func codes(word string) []string {
	p, s := matchr.DoubleMetaphone(word)
	out := make([]string, 0, 2)
	if p != "" {
		out = append(out, p)
	}
	if s != "" && s != p {
		out = append(out, s)
	}
	return out
}

func overlap(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func tokenize(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
