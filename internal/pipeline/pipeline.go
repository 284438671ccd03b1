package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"golang.org/x/time/rate"

	"github.com/TobiSchelling/newsposter/internal/collect"
	"github.com/TobiSchelling/newsposter/internal/compose"
	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/dedup"
	"github.com/TobiSchelling/newsposter/internal/fetch"
	"github.com/TobiSchelling/newsposter/internal/llm"
	"github.com/TobiSchelling/newsposter/internal/news"
	"github.com/TobiSchelling/newsposter/internal/relevance"
	"github.com/TobiSchelling/newsposter/internal/summarize"
	"github.com/TobiSchelling/newsposter/internal/telegram"
)

// Run outcomes recorded in the run report.
const (
	OutcomePosted    = "posted"
	OutcomePartial   = "partial"
	OutcomeNothing   = "nothing new"
	OutcomeNoNews    = "no new articles notice"
	OutcomeDryRun    = "dry run"
	OutcomeFailed    = "failed"
	defaultLeaseTime = 30 * time.Minute
)

// Sender delivers message blocks.
type Sender interface {
	GetMe(ctx context.Context) (telegram.User, error)
	Send(ctx context.Context, text string) error
}

// Summarizer produces the TL;DR line for an article.
type Summarizer interface {
	Summarize(ctx context.Context, a news.Article) (string, error)
}

// Enricher fills in short descriptions from the article page.
type Enricher interface {
	Enrich(ctx context.Context, articles []news.Article) *fetch.Result
}

// LinkResolver expands shortened links before deduplication.
type LinkResolver interface {
	Resolve(ctx context.Context, articles []news.Article) *fetch.ResolveResult
}

// RunRecorder is implemented by stores that keep a run history.
type RunRecorder interface {
	SaveRunReport(ctx context.Context, r news.RunReport) (int64, error)
}

// StepResult holds the result of a single pipeline step.
type StepResult struct {
	Name    string
	Summary string
}

// Result holds the results of a full pipeline run.
type Result struct {
	Steps  []StepResult
	Skips  []news.Skip
	Blocks []string
	Report news.RunReport
}

func (r *Result) step(name, format string, args ...any) {
	summary := fmt.Sprintf(format, args...)
	r.Steps = append(r.Steps, StepResult{Name: name, Summary: summary})
	slog.Info(name, "summary", summary)
}

func (r *Result) skip(stage news.Stage, a news.Article, reason string) {
	r.Skips = append(r.Skips, news.Skip{
		Stage:  stage,
		Source: a.SourceName,
		Title:  a.Title,
		Link:   a.Link,
		Reason: reason,
	})
}

// Pipeline runs one digest: fetch, filter, deduplicate, summarize, compose
// and deliver. A Pipeline holds no state between runs.
type Pipeline struct {
	cfg        *config.Config
	store      dedup.Store
	sender     Sender
	fetcher    collect.Fetcher
	resolver   LinkResolver
	enricher   Enricher
	policy     *relevance.Policy
	summarizer Summarizer
	composer   *compose.Composer
	now        func() time.Time
}

// New creates a pipeline. sender may be nil when cfg.DryRun is set.
func New(cfg *config.Config, store dedup.Store, sender Sender) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		store:      store,
		sender:     sender,
		fetcher:    collect.NewFeedFetcher(cfg.Fetch),
		policy:     relevance.NewPolicy(cfg.Keywords, cfg.Categories),
		summarizer: summarize.NewService(llm.CreateProvider(cfg.Summarization), cfg.Summarization),
		composer:   compose.New(cfg.Message),
		now:        time.Now,
	}
	if cfg.Links.ResolveShortened {
		p.resolver = fetch.NewLinkResolver(cfg.Links)
	}
	if cfg.Enrich.Enabled {
		p.enricher = fetch.NewContentFetcher(cfg.Enrich)
	}
	return p
}

// Run executes the pipeline once. The returned Result is never nil; it
// describes as much of the run as happened before an error.
//
// Fatal errors are a rejected bot token, every source failing, a lease held
// by another run and store failures. Everything else is recorded as a Skip.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	start := p.now()
	r := &Result{Report: news.RunReport{
		StartedAt: start,
		DryRun:    p.cfg.DryRun,
		Forced:    p.cfg.ForceRun,
	}}

	err := p.run(ctx, r)
	r.Report.FinishedAt = p.now()
	if err != nil {
		r.Report.Outcome = OutcomeFailed + ": " + err.Error()
	}
	p.saveReport(ctx, r)
	return r, err
}

func (p *Pipeline) run(ctx context.Context, r *Result) error {
	dry := p.cfg.DryRun

	if !dry {
		if p.sender == nil {
			return errors.New("no sender configured")
		}
		me, err := p.sender.GetMe(ctx)
		if err != nil {
			return fmt.Errorf("verifying bot credential: %w", err)
		}
		slog.Debug("bot credential verified", "bot", me.Username)

		if locker, ok := p.store.(dedup.Locker); ok {
			owner := leaseOwner(r.Report.StartedAt)
			if err := locker.Acquire(ctx, owner, p.leaseTTL()); err != nil {
				return fmt.Errorf("acquiring store lease: %w", err)
			}
			defer func() {
				if err := locker.Release(context.WithoutCancel(ctx), owner); err != nil {
					slog.Warn("releasing store lease", "err", err)
				}
			}()
		}
	}

	// Fetching
	results := p.fetcher.Fetch(ctx, p.cfg.Sources)
	if err := collect.Check(results); err != nil {
		return err
	}
	articles, skips := collect.Flatten(results)
	r.Skips = append(r.Skips, skips...)
	r.Report.Fetched = len(articles)
	r.step("Fetch", "Fetched %d articles from %d sources", len(articles), len(results))

	if p.resolver != nil {
		res := p.resolver.Resolve(ctx, articles)
		r.step("Resolve", "Expanded %d shortened links, %d failed", res.Resolved, res.Failed)
	}

	if p.enricher != nil {
		res := p.enricher.Enrich(ctx, articles)
		r.Skips = append(r.Skips, res.Skips...)
		r.step("Enrich", "Enriched %d articles, %d failed", res.Enriched, res.Failed)
	}

	// Filtering
	accepted := p.filter(articles, r)
	r.Report.Accepted = len(accepted)
	r.step("Filter", "Accepted %d of %d articles", len(accepted), len(articles))

	// Deduplicating
	d, err := dedup.Load(ctx, p.store)
	if err != nil {
		return err
	}
	sections := p.deduplicate(d, accepted, r)
	batch := news.Batch{Title: p.cfg.Title, Date: r.Report.StartedAt, Sections: sections}
	r.step("Dedup", "%d new articles, %d duplicates", batch.Len(), r.Report.Duplicates)

	var blocks []compose.Block
	if batch.Len() == 0 {
		if !p.cfg.ForceRun {
			r.Report.Outcome = OutcomeNothing
			return p.finish(ctx, d, r)
		}
		for _, text := range p.composer.ComposeEmpty(batch.Title, batch.Date) {
			blocks = append(blocks, compose.Block{Text: text})
		}
	} else {
		// Summarizing
		p.summarizeBatch(ctx, d, &batch, r)
		r.step("Summarize", "Summarized %d articles", batch.Len())
		if batch.Len() == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			r.Report.Outcome = OutcomeNothing
			return p.finish(ctx, d, r)
		}

		// Composing
		blocks = p.composer.Layout(batch)
	}
	for _, b := range blocks {
		r.Blocks = append(r.Blocks, b.Text)
	}
	r.step("Compose", "Composed %d message blocks", len(blocks))

	// Delivering
	if dry {
		for i, b := range blocks {
			slog.Info("dry run: would send block", "block", i, "chars", compose.TextLen(b.Text), "entries", len(b.Fingerprints))
		}
		r.Report.Outcome = OutcomeDryRun
		return p.finish(ctx, d, r)
	}

	deliverErr := p.deliver(ctx, d, blocks, batch, r)
	switch {
	case r.Report.UndeliveredBlocks > 0:
		r.Report.Outcome = OutcomePartial
	case batch.Len() == 0:
		r.Report.Outcome = OutcomeNoNews
	default:
		r.Report.Outcome = OutcomePosted
	}
	if err := p.finish(ctx, d, r); err != nil {
		return errors.Join(deliverErr, err)
	}
	return deliverErr
}

func (p *Pipeline) filter(articles []news.Article, r *Result) []news.Article {
	var accepted []news.Article
	for _, a := range articles {
		dec := p.policy.Evaluate(a)
		if !dec.Accepted {
			slog.Debug("rejected", "source", a.SourceName, "link", a.Link, "reason", dec.Reason())
			r.skip(news.StageFilter, a, dec.Reason())
			continue
		}
		slog.Debug("accepted", "source", a.SourceName, "link", a.Link, "score", dec.Score, "terms", dec.MatchedAllow)
		accepted = append(accepted, a)
	}
	return accepted
}

// deduplicate drops articles delivered before or earlier in this run and
// groups the rest into sections in category order, most recent first. The
// per-category cap applies here so capped articles are never recorded.
func (p *Pipeline) deduplicate(d *dedup.Deduplicator, accepted []news.Article, r *Result) []news.Section {
	byCategory := make(map[string][]news.Article)
	for _, a := range accepted {
		byCategory[a.Category] = append(byCategory[a.Category], a)
	}

	limit := p.cfg.Message.MaxPerCategory
	var sections []news.Section
	for _, cat := range p.cfg.Categories {
		group := byCategory[cat.ID]
		slices.SortStableFunc(group, newestFirst)

		s := news.Section{CategoryID: cat.ID, Label: cat.Label, Emoji: cat.Emoji}
		for _, a := range group {
			if d.IsDuplicate(a.Fingerprint) {
				r.Report.Duplicates++
				r.skip(news.StageDedup, a, "already delivered")
				continue
			}
			if limit > 0 && len(s.Entries) >= limit {
				r.skip(news.StageDedup, a, "category limit reached")
				continue
			}
			d.Record(dedup.Record{
				Fingerprint: a.Fingerprint,
				FirstSeenAt: r.Report.StartedAt,
				Title:       a.Title,
				Link:        a.Link,
				Category:    a.Category,
				Source:      a.SourceName,
			})
			s.Entries = append(s.Entries, news.Entry{Article: a})
		}
		if len(s.Entries) > 0 {
			sections = append(sections, s)
		}
	}
	return sections
}

// newestFirst orders by publish time descending with undated articles last.
func newestFirst(a, b news.Article) int {
	switch {
	case a.PublishedAt.IsZero() && b.PublishedAt.IsZero():
		return 0
	case a.PublishedAt.IsZero():
		return 1
	case b.PublishedAt.IsZero():
		return -1
	}
	return cmp.Compare(b.PublishedAt.UnixNano(), a.PublishedAt.UnixNano())
}

// summarizeBatch fills in summaries. An article whose summary fails is
// dropped from the batch and forgotten so a later run can offer it again.
func (p *Pipeline) summarizeBatch(ctx context.Context, d *dedup.Deduplicator, b *news.Batch, r *Result) {
	sections := b.Sections[:0]
	for _, s := range b.Sections {
		kept := s.Entries[:0]
		for _, e := range s.Entries {
			summary, err := p.summarizer.Summarize(ctx, e.Article)
			if err != nil {
				slog.Warn("summarizing article failed, skipping", "link", e.Article.Link, "err", err)
				r.skip(news.StageSummarize, e.Article, err.Error())
				d.Forget(e.Article.Fingerprint)
				continue
			}
			e.Summary = summary
			kept = append(kept, e)
		}
		if len(kept) > 0 {
			s.Entries = kept
			sections = append(sections, s)
		}
	}
	b.Sections = sections
}

// deliver sends blocks in order, one per pacing interval. A block that
// still fails after retries is logged and its entries are forgotten so the
// next run offers them again. A rejected token stops delivery.
func (p *Pipeline) deliver(ctx context.Context, d *dedup.Deduplicator, blocks []compose.Block, batch news.Batch, r *Result) error {
	articles := make(map[string]news.Article, batch.Len())
	for _, s := range batch.Sections {
		for _, e := range s.Entries {
			articles[e.Article.Fingerprint] = e.Article
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if pacing := p.cfg.Telegram.Pacing.Std(); pacing > 0 {
		limiter = rate.NewLimiter(rate.Every(pacing), 1)
	}

	undelivered := func(b compose.Block) {
		r.Report.UndeliveredBlocks++
		for _, fp := range b.Fingerprints {
			d.Forget(fp)
		}
	}

	for i, b := range blocks {
		if err := limiter.Wait(ctx); err != nil {
			for _, rest := range blocks[i:] {
				undelivered(rest)
			}
			return fmt.Errorf("delivery interrupted at block %d: %w", i, err)
		}

		err := p.sender.Send(ctx, b.Text)
		if err == nil {
			r.Report.DeliveredBlocks++
			r.Report.Posted += len(b.Fingerprints)
			slog.Info("block delivered", "block", i, "entries", len(b.Fingerprints))
			continue
		}

		slog.Error("block undelivered", "block", i, "entries", len(b.Fingerprints), "err", err)
		for _, fp := range b.Fingerprints {
			r.skip(news.StageDeliver, articles[fp], fmt.Sprintf("block %d: %v", i, err))
		}
		if errors.Is(err, telegram.ErrUnauthorized) {
			for _, rest := range blocks[i:] {
				undelivered(rest)
			}
			return fmt.Errorf("delivering block %d: %w", i, err)
		}
		undelivered(b)
	}
	return nil
}

// finish commits the dedup records of a real run and prunes expired ones.
func (p *Pipeline) finish(ctx context.Context, d *dedup.Deduplicator, r *Result) error {
	if p.cfg.DryRun {
		slog.Info("dry run: dedup store left unchanged", "would_record", len(d.Pending()))
		return nil
	}
	pruned, err := d.Commit(context.WithoutCancel(ctx), p.store, p.now(), p.cfg.Store.Retention.Std())
	if err != nil {
		return fmt.Errorf("committing dedup records: %w", err)
	}
	r.step("Commit", "Recorded %d articles, pruned %d expired records", r.Report.Posted, pruned)
	return nil
}

func (p *Pipeline) saveReport(ctx context.Context, r *Result) {
	rec, ok := p.store.(RunRecorder)
	if !ok || p.cfg.DryRun {
		return
	}
	id, err := rec.SaveRunReport(context.WithoutCancel(ctx), r.Report)
	if err != nil {
		slog.Warn("saving run report", "err", err)
		return
	}
	r.Report.ID = id
}

func (p *Pipeline) leaseTTL() time.Duration {
	if ttl := p.cfg.Store.LockTTL.Std(); ttl > 0 {
		return ttl
	}
	return defaultLeaseTime
}

func leaseOwner(start time.Time) string {
	host, _ := os.Hostname()
	return fmt.Sprintf("%s:%d:%d", host, os.Getpid(), start.UnixNano())
}
