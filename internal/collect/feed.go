package collect

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

const fallbackTitleRunes = 80

// markup strips every tag. A Policy is safe for concurrent use once built.
var markup = bluemonday.StrictPolicy().AddSpaceWhenStrippingTag(true)

// PlainText removes markup and entities from feed text and collapses
// whitespace.
func PlainText(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(markup.Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}

// parseSource downloads and normalizes a single feed.
func (f *FeedFetcher) parseSource(ctx context.Context, src config.Source) ([]news.Article, []news.Skip, error) {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout.Std())
	defer cancel()

	// gofeed parsers keep per-document state, so each source gets its own.
	parser := gofeed.NewParser()
	parser.Client = f.client
	parser.UserAgent = f.cfg.UserAgent

	feed, err := parser.ParseURLWithContext(src.URL, ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing feed %s: %w", src.URL, err)
	}

	var cutoff time.Time
	if f.cfg.MaxAge > 0 {
		cutoff = f.now().Add(-f.cfg.MaxAge.Std())
	}

	var (
		articles []news.Article
		skips    []news.Skip
	)
	for _, item := range feed.Items {
		if f.cfg.MaxPerSource > 0 && len(articles) >= f.cfg.MaxPerSource {
			break
		}
		if item == nil {
			continue
		}

		a, reason := parseItem(item, src)
		if reason != "" {
			skips = append(skips, news.Skip{
				Stage:  news.StageFetch,
				Source: src.Name,
				Title:  a.Title,
				Link:   a.Link,
				Reason: reason,
			})
			continue
		}
		if !cutoff.IsZero() && !a.PublishedAt.IsZero() && a.PublishedAt.Before(cutoff) {
			continue
		}
		articles = append(articles, a)
	}
	return articles, skips, nil
}

// parseItem normalizes one feed item. A non-empty reason marks it malformed.
func parseItem(item *gofeed.Item, src config.Source) (news.Article, string) {
	a := news.Article{
		SourceName: src.Name,
		Category:   src.Category,
		Title:      PlainText(item.Title),
		Link:       itemLink(item),
	}

	a.RawDescription = item.Description
	if a.RawDescription == "" {
		a.RawDescription = item.Content
	}
	a.Description = PlainText(a.RawDescription)

	if a.Title == "" && a.Link == "" {
		return a, "entry has neither title nor link"
	}
	if a.Title == "" {
		a.Title = fallbackTitle(a.Description, a.Link)
	}

	switch {
	case item.PublishedParsed != nil:
		a.PublishedAt = item.PublishedParsed.UTC()
	case item.UpdatedParsed != nil:
		a.PublishedAt = item.UpdatedParsed.UTC()
	}

	a.Fingerprint = news.Fingerprint(a.Link, a.Title)
	return a, ""
}

func itemLink(item *gofeed.Item) string {
	if l := strings.TrimSpace(item.Link); l != "" {
		return l
	}
	for _, l := range item.Links {
		if l = strings.TrimSpace(l); l != "" {
			return l
		}
	}
	if g := strings.TrimSpace(item.GUID); strings.HasPrefix(g, "http://") || strings.HasPrefix(g, "https://") {
		return g
	}
	return ""
}

func fallbackTitle(desc, link string) string {
	if desc == "" {
		return link
	}
	if utf8.RuneCountInString(desc) <= fallbackTitleRunes {
		return desc
	}
	cut := string([]rune(desc)[:fallbackTitleRunes])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return cut + "…"
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}
