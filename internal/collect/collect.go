// Package collect retrieves and normalizes entries from the configured
// syndication feeds.
package collect

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

// ErrAllSourcesFailed is returned by Check when no configured source could be
// fetched.
var ErrAllSourcesFailed = errors.New("all sources failed")

// SourceResult is the outcome of fetching one source.
type SourceResult struct {
	Source   config.Source
	Articles []news.Article
	Skips    []news.Skip
	Err      error
}

// Fetcher retrieves entries for a list of sources. Results are returned in
// source order, one per source.
type Fetcher interface {
	Fetch(ctx context.Context, sources []config.Source) []SourceResult
}

// FeedFetcher fetches RSS/Atom/JSON feeds with gofeed.
type FeedFetcher struct {
	cfg    config.Fetch
	client *http.Client
	now    func() time.Time
}

// NewFeedFetcher creates a fetcher using the given fetch settings.
func NewFeedFetcher(cfg config.Fetch) *FeedFetcher {
	return &FeedFetcher{
		cfg:    cfg,
		client: newHTTPClient(cfg.Timeout.Std()),
		now:    time.Now,
	}
}

// Fetch retrieves all sources with bounded parallelism. A failing source
// yields a SourceResult with Err set; it never affects the others.
func (f *FeedFetcher) Fetch(ctx context.Context, sources []config.Source) []SourceResult {
	results := make([]SourceResult, len(sources))

	var g errgroup.Group
	if f.cfg.Concurrency > 0 {
		g.SetLimit(f.cfg.Concurrency)
	}
	for i, src := range sources {
		g.Go(func() error {
			articles, skips, err := f.parseSource(ctx, src)
			results[i] = SourceResult{Source: src, Articles: articles, Skips: skips, Err: err}
			if err != nil {
				slog.Warn("source failed", "source", src.Name, "url", src.URL, "err", err)
				return nil
			}
			slog.Debug("source fetched", "source", src.Name, "entries", len(articles), "malformed", len(skips))
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Check returns ErrAllSourcesFailed when at least one source was attempted
// and none succeeded.
func Check(results []SourceResult) error {
	if len(results) == 0 {
		return nil
	}
	var errs []error
	for _, r := range results {
		if r.Err == nil {
			return nil
		}
		errs = append(errs, r.Err)
	}
	return errors.Join(append([]error{ErrAllSourcesFailed}, errs...)...)
}

// Flatten concatenates articles and skips across results, preserving order.
// Failed sources contribute a fetch-stage skip.
func Flatten(results []SourceResult) ([]news.Article, []news.Skip) {
	var (
		articles []news.Article
		skips    []news.Skip
	)
	for _, r := range results {
		if r.Err != nil {
			skips = append(skips, news.Skip{
				Stage:  news.StageFetch,
				Source: r.Source.Name,
				Link:   r.Source.URL,
				Reason: r.Err.Error(),
			})
			continue
		}
		articles = append(articles, r.Articles...)
		skips = append(skips, r.Skips...)
	}
	return articles, skips
}
