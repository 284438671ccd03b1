// Package summarize produces short summaries for digest entries.
package summarize

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// DefaultMaxSentences bounds extractive summaries when no limit is set.
	DefaultMaxSentences = 3

	leadWeight       = 1.2
	minSentenceChars = 20
	minSentenceWords = 4
	ellipsis         = "…"
)

var (
	sentenceEnd = regexp.MustCompile(`([.!?]+["'”’)\]]*)\s+`)
	wordPattern = regexp.MustCompile(`[\pL\pN]+(?:'[\pL]+)?`)
)

var stopWords = toSet(`a about above after again against all am an and any are as at be because been
before being below between both but by can could did do does doing down during each few for from
further had has have having he her here hers herself him himself his how i if in into is it its
itself just me more most my myself no nor not now of off on once only or other our ours ourselves
out over own same she should so some such than that the their theirs them themselves then there
these they this those through to too under until up very was we were what when where which while
who whom why will with would you your yours yourself yourselves also said says new one two may
might must us via per`)

func toSet(words string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(words) {
		set[w] = struct{}{}
	}
	return set
}

type sentence struct {
	text  string
	index int
	runes int
	score float64
}

// Extractive selects whole sentences by word-frequency score.
type Extractive struct {
	MaxSentences int
}

// Summarize returns at most maxChars runes built from the highest scoring
// sentences of text, in their original order. When no sentence fits, the
// best one is cut at a word boundary and ends with an ellipsis.
func (e Extractive) Summarize(text string, maxChars int) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" || maxChars <= 0 {
		return ""
	}
	maxSentences := e.MaxSentences
	if maxSentences <= 0 {
		maxSentences = DefaultMaxSentences
	}

	candidates := rankSentences(splitSentences(text))

	var (
		picked []sentence
		total  int
	)
	for _, s := range candidates {
		if len(picked) == maxSentences {
			break
		}
		need := s.runes
		if len(picked) > 0 {
			need++ // joining space
		}
		if total+need > maxChars {
			break
		}
		picked = append(picked, s)
		total += need
	}

	if len(picked) == 0 {
		return truncate(candidates[0].text, maxChars)
	}

	sort.Slice(picked, func(i, j int) bool { return picked[i].index < picked[j].index })
	parts := make([]string, len(picked))
	for i, s := range picked {
		parts[i] = s.text
	}
	return strings.Join(parts, " ")
}

// splitSentences cuts text after terminal punctuation followed by
// whitespace. Text is expected to be whitespace-collapsed already.
func splitSentences(text string) []sentence {
	var (
		out   []sentence
		start int
	)
	for _, m := range sentenceEnd.FindAllStringSubmatchIndex(text, -1) {
		if s := strings.TrimSpace(text[start:m[3]]); s != "" {
			out = append(out, sentence{text: s})
		}
		start = m[1]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, sentence{text: s})
	}
	for i := range out {
		out[i].index = i
		out[i].runes = utf8.RuneCountInString(out[i].text)
	}
	return out
}

// rankSentences scores sentences and returns them best first. Equal scores
// keep the earlier sentence first.
func rankSentences(all []sentence) []sentence {
	candidates := make([]sentence, 0, len(all))
	for _, s := range all {
		if !isFragment(s.text) {
			candidates = append(candidates, s)
		}
	}
	if len(candidates) == 0 {
		candidates = append(candidates, all...)
	}

	freq := make(map[string]float64)
	var top float64
	words := make([][]string, len(candidates))
	for i, s := range candidates {
		words[i] = contentWords(s.text)
		for _, w := range words[i] {
			freq[w]++
			if freq[w] > top {
				top = freq[w]
			}
		}
	}

	for i := range candidates {
		var score float64
		if top > 0 {
			for _, w := range words[i] {
				score += freq[w] / top
			}
		}
		if candidates[i].index == 0 {
			score *= leadWeight
		}
		candidates[i].score = score
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	return candidates
}

func isFragment(s string) bool {
	return utf8.RuneCountInString(s) < minSentenceChars || len(strings.Fields(s)) < minSentenceWords
}

func contentWords(s string) []string {
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		if _, stop := stopWords[w]; stop {
			continue
		}
		if utf8.RuneCountInString(w) < 2 && !unicode.IsDigit([]rune(w)[0]) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// truncate cuts s to at most limit runes including a trailing ellipsis,
// preferring a word boundary.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	if limit == 1 {
		return ellipsis
	}
	cut := string([]rune(s)[:limit-1])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	cut = strings.TrimRightFunc(cut, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	return cut + ellipsis
}
