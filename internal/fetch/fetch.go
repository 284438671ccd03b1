// Package fetch fills in thin feed descriptions with readable article text.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

const (
	minExtractedChars = 100
	maxBodyBytes      = 5 << 20
	userAgent         = "newsposter/1.0 (feed digest bot)"
)

// Result holds the results of an enrichment pass.
type Result struct {
	Enriched          int
	AlreadyHadContent int
	Failed            int
	Skips             []news.Skip
}

// ContentFetcher fetches full article text via HTTP + readability extraction.
type ContentFetcher struct {
	client   *http.Client
	minChars int
}

// NewContentFetcher creates a new content fetcher.
func NewContentFetcher(cfg config.Enrich) *ContentFetcher {
	timeout := cfg.Timeout.Std()
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &ContentFetcher{
		minChars: cfg.MinChars,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Enrich replaces short descriptions with extracted article text, in place.
// Articles are never dropped; a failed fetch leaves the feed description.
// After an HTTP error status, the rest of that domain is skipped.
func (f *ContentFetcher) Enrich(ctx context.Context, articles []news.Article) *Result {
	result := &Result{}
	failedDomains := make(map[string]struct{})

	for i := range articles {
		a := &articles[i]
		if a.Link == "" || utf8.RuneCountInString(a.Description) >= f.minChars {
			result.AlreadyHadContent++
			continue
		}

		domain := news.Host(a.Link)
		if _, failed := failedDomains[domain]; failed {
			result.Failed++
			continue
		}

		content, err := f.fetchArticleContent(ctx, a.Link)
		if err != nil {
			result.Failed++
			var he *httpError
			if errors.As(err, &he) && domain != "" {
				failedDomains[domain] = struct{}{}
				slog.Debug("http error, skipping domain for this run", "link", a.Link, "domain", domain, "status", he.code)
			}
			result.Skips = append(result.Skips, news.Skip{
				Stage:  news.StageEnrich,
				Source: a.SourceName,
				Title:  a.Title,
				Link:   a.Link,
				Reason: err.Error(),
			})
			continue
		}

		if utf8.RuneCountInString(content) > utf8.RuneCountInString(a.Description) {
			a.Description = content
			result.Enriched++
			slog.Debug("enriched article", "title", a.Title)
		} else {
			result.Failed++
		}
	}

	slog.Info("content enrichment complete", "enriched", result.Enriched, "failed", result.Failed)
	return result
}

func (f *ContentFetcher) fetchArticleContent(ctx context.Context, articleURL string) (string, error) {
	parsedURL, err := url.Parse(articleURL)
	if err != nil {
		return "", fmt.Errorf("invalid link: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching article: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	article, err := readability.FromReader(io.LimitReader(resp.Body, maxBodyBytes), parsedURL)
	if err != nil {
		return "", fmt.Errorf("extracting article: %w", err)
	}

	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) > minExtractedChars {
		return text, nil
	}
	return "", nil
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return fmt.Sprintf("http %d %s", e.code, http.StatusText(e.code))
}
