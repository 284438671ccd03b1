package fetch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

// DefaultShorteners are hosts whose links only redirect to the real article.
var DefaultShorteners = []string{
	"bit.ly", "tinyurl.com", "short.link", "ow.ly", "t.co", "goo.gl",
	"buff.ly", "amzn.to", "youtu.be", "l.facebook.com", "l.messenger.com",
	"lnkd.in", "is.gd", "j.mp", "po.st", "bc.vc", "smarturl.it",
	"tiny.cc", "cli.re", "go2l.ink", "cutt.ly", "rb.gy", "short.io",
	"dlvr.it", "trib.al",
}

var errNoRedirect = errors.New("link did not redirect")

// ResolveResult counts the outcome of a resolve pass.
type ResolveResult struct {
	Resolved int
	Failed   int
}

// LinkResolver replaces shortened article links with their redirect target
// so the same story reached through a shortener and directly dedups to one
// fingerprint.
type LinkResolver struct {
	client      *http.Client
	shorteners  map[string]struct{}
	concurrency int
	group       singleflight.Group
}

// NewLinkResolver creates a resolver from the links settings.
func NewLinkResolver(cfg config.Links) *LinkResolver {
	timeout := cfg.Timeout.Std()
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	hosts := cfg.Shorteners
	if len(hosts) == 0 {
		hosts = DefaultShorteners
	}
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		if h = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www."); h != "" {
			set[h] = struct{}{}
		}
	}
	return &LinkResolver{
		shorteners:  set,
		concurrency: cfg.Concurrency,
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

// IsShortened reports whether link points at a known shortener host or one
// of its subdomains.
func (l *LinkResolver) IsShortened(link string) bool {
	host := news.Host(link)
	for host != "" {
		if _, ok := l.shorteners[host]; ok {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return false
}

// Resolve expands shortened links in place and refreshes their fingerprints.
// A link that cannot be expanded is left as it is.
func (l *LinkResolver) Resolve(ctx context.Context, articles []news.Article) *ResolveResult {
	var (
		g   errgroup.Group
		mu  sync.Mutex
		res ResolveResult
	)
	if l.concurrency > 0 {
		g.SetLimit(l.concurrency)
	}
	for i := range articles {
		a := &articles[i]
		if !l.IsShortened(a.Link) {
			continue
		}
		g.Go(func() error {
			target, err := l.expand(ctx, a.Link)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed++
				slog.Debug("could not expand shortened link", "link", a.Link, "err", err)
				return nil
			}
			slog.Debug("expanded shortened link", "link", a.Link, "target", target)
			a.Link = target
			a.Fingerprint = news.Fingerprint(target, a.Title)
			res.Resolved++
			return nil
		})
	}
	_ = g.Wait()

	if res.Resolved+res.Failed > 0 {
		slog.Info("shortened links expanded", "resolved", res.Resolved, "failed", res.Failed)
	}
	return &res
}

// expand follows link to its final URL. Concurrent calls for the same link
// share one request.
func (l *LinkResolver) expand(ctx context.Context, link string) (string, error) {
	v, err, _ := l.group.Do(link, func() (any, error) {
		target, err := l.follow(ctx, http.MethodHead, link)
		var he *httpError
		if errors.As(err, &he) {
			// Some shorteners refuse HEAD.
			target, err = l.follow(ctx, http.MethodGet, link)
		}
		if err != nil {
			return "", err
		}
		if target == link {
			return "", errNoRedirect
		}
		return target, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *LinkResolver) follow(ctx context.Context, method, link string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, link, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}
	return resp.Request.URL.String(), nil
}
