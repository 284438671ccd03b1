// Package relevance scores articles against an allow/block keyword policy.
//
// A Policy is built once from configuration and is read-only afterwards; the
// same Policy may be shared by any number of evaluations.
package relevance

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

const (
	titleWeight       = 2
	descriptionWeight = 1
)

// Decision is the outcome of evaluating one article.
type Decision struct {
	MatchedAllow  []string
	MatchedBlock  []string
	BlockedDomain string
	Score         int
	Accepted      bool
}

// Blocked reports whether the block policy rejected the article.
func (d Decision) Blocked() bool {
	return d.BlockedDomain != "" || len(d.MatchedBlock) > 0
}

// Reason describes a rejection in a form suitable for logs.
func (d Decision) Reason() string {
	switch {
	case d.Accepted:
		return ""
	case d.BlockedDomain != "":
		return "blocked domain " + d.BlockedDomain
	case len(d.MatchedBlock) > 0:
		return "blocked term " + strings.Join(d.MatchedBlock, ", ")
	default:
		return "no allow term matched"
	}
}

type term struct {
	text string
	re   *regexp.Regexp
}

// Policy is an immutable compiled keyword policy.
type Policy struct {
	allow          []term
	categoryAllow  map[string][]term
	block          []term
	blockedDomains []string
}

// NewPolicy compiles the keyword configuration into a Policy.
func NewPolicy(kw config.Keywords, categories []config.Category) *Policy {
	p := &Policy{
		allow:         compileTerms(kw.Allow),
		block:         compileTerms(kw.Block),
		categoryAllow: make(map[string][]term, len(categories)),
	}
	for _, c := range categories {
		p.categoryAllow[c.ID] = compileTerms(c.Keywords)
	}
	for _, d := range kw.BlockedDomains {
		d = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(d)), "www.")
		if d != "" {
			p.blockedDomains = append(p.blockedDomains, d)
		}
	}
	return p
}

func compileTerms(words []string) []term {
	seen := make(map[string]struct{}, len(words))
	var out []term
	for _, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, term{text: w, re: boundaryPattern(w)})
	}
	return out
}

// minPluralLen is the shortest final word that tolerates a plural "s".
// Below it "ar" would match "ars" and "mr" would match "mrs".
const minPluralLen = 3

// boundaryPattern matches w as a whole word: no letter or digit may touch
// either end, except an optional plural "s" on longer words. Inner
// whitespace is flexible.
func boundaryPattern(w string) *regexp.Regexp {
	fields := strings.Fields(w)
	plural := ""
	if last := fields[len(fields)-1]; utf8.RuneCountInString(last) >= minPluralLen {
		plural = "s?"
	}
	for i, f := range fields {
		fields[i] = regexp.QuoteMeta(f)
	}
	body := strings.Join(fields, `\s+`)
	return regexp.MustCompile(`(?:^|[^\pL\pN])` + body + plural + `(?:$|[^\pL\pN])`)
}

// Evaluate scores an article. Title and description are expected to be
// markup-free already; they are lowercased here.
func (p *Policy) Evaluate(a news.Article) Decision {
	title := strings.ToLower(a.Title)
	desc := strings.ToLower(a.Description)

	var d Decision

	if host := news.Host(a.Link); host != "" {
		for _, bd := range p.blockedDomains {
			if host == bd || strings.HasSuffix(host, "."+bd) {
				d.BlockedDomain = bd
				break
			}
		}
	}
	for _, t := range p.block {
		if t.re.MatchString(title) || t.re.MatchString(desc) {
			d.MatchedBlock = append(d.MatchedBlock, t.text)
		}
	}

	matched := make(map[string]struct{})
	score := func(terms []term) {
		for _, t := range terms {
			if _, done := matched[t.text]; done {
				continue
			}
			switch {
			case t.re.MatchString(title):
				d.Score += titleWeight
			case desc != "" && t.re.MatchString(desc):
				d.Score += descriptionWeight
			default:
				continue
			}
			matched[t.text] = struct{}{}
			d.MatchedAllow = append(d.MatchedAllow, t.text)
		}
	}
	score(p.allow)
	score(p.categoryAllow[a.Category])
	sort.Strings(d.MatchedAllow)

	d.Accepted = d.Score >= 1 && !d.Blocked()
	return d
}
