package collect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/newsposter/internal/config"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

type rssItem struct {
	title, link, desc string
	age               time.Duration // zero means undated
}

func rssFeed(items ...rssItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>Test</title>`)
	for _, it := range items {
		b.WriteString("<item>")
		if it.title != "" {
			fmt.Fprintf(&b, "<title>%s</title>", it.title)
		}
		if it.link != "" {
			fmt.Fprintf(&b, "<link>%s</link>", it.link)
		}
		if it.desc != "" {
			fmt.Fprintf(&b, "<description><![CDATA[%s]]></description>", it.desc)
		}
		if it.age > 0 {
			fmt.Fprintf(&b, "<pubDate>%s</pubDate>", testNow.Add(-it.age).Format(time.RFC1123Z))
		}
		b.WriteString("</item>")
	}
	b.WriteString("</channel></rss>")
	return b.String()
}

func newTestFetcher(cfg config.Fetch) *FeedFetcher {
	if cfg.Timeout == 0 {
		cfg.Timeout = config.Duration(5 * time.Second)
	}
	f := NewFeedFetcher(cfg)
	f.now = func() time.Time { return testNow }
	return f
}

func TestFetchToleratesFailingSource(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ai.xml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, rssFeed(
			rssItem{title: "First AI story", link: "https://example.com/1", desc: "<p>Hello <b>world</b> &amp; friends</p>", age: time.Hour},
			rssItem{title: "Second AI story", link: "https://example.com/2", age: 2 * time.Hour},
		))
	})
	mux.HandleFunc("/broken.xml", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/xr.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed(rssItem{title: "XR story", link: "https://example.org/xr", age: time.Hour}))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sources := []config.Source{
		{Name: "AI", URL: srv.URL + "/ai.xml", Category: "ai"},
		{Name: "Broken", URL: srv.URL + "/broken.xml", Category: "ai"},
		{Name: "XR", URL: srv.URL + "/xr.xml", Category: "xr"},
	}
	results := newTestFetcher(config.Fetch{Concurrency: 2}).Fetch(context.Background(), sources)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, r := range results {
		if r.Source.Name != sources[i].Name {
			t.Errorf("result %d out of order: %s", i, r.Source.Name)
		}
	}
	if results[1].Err == nil {
		t.Error("expected broken source to report an error")
	}
	if err := Check(results); err != nil {
		t.Errorf("expected partial success, got %v", err)
	}

	articles, skips := Flatten(results)
	if len(articles) != 3 {
		t.Fatalf("expected 3 articles, got %d", len(articles))
	}
	if articles[0].Title != "First AI story" || articles[2].Category != "xr" {
		t.Errorf("unexpected ordering: %+v", articles)
	}
	if articles[0].Description != "Hello world & friends" {
		t.Errorf("unexpected description %q", articles[0].Description)
	}
	if articles[0].Fingerprint == "" || articles[0].PublishedAt.IsZero() {
		t.Errorf("expected fingerprint and date, got %+v", articles[0])
	}
	if len(skips) != 1 || skips[0].Source != "Broken" {
		t.Errorf("expected one fetch skip for Broken, got %+v", skips)
	}
}

func TestFetchAllSourcesFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	results := newTestFetcher(config.Fetch{}).Fetch(context.Background(), []config.Source{
		{Name: "A", URL: srv.URL + "/a", Category: "ai"},
		{Name: "B", URL: srv.URL + "/b", Category: "ai"},
	})
	if err := Check(results); !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("expected ErrAllSourcesFailed, got %v", err)
	}
	if err := Check(nil); err != nil {
		t.Errorf("expected nil for no sources, got %v", err)
	}
}

func TestFetchTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f := newTestFetcher(config.Fetch{Timeout: config.Duration(50 * time.Millisecond)})
	results := f.Fetch(context.Background(), []config.Source{{Name: "Slow", URL: srv.URL, Category: "ai"}})
	if results[0].Err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestFetchLimitsAndMalformedEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, rssFeed(
			rssItem{desc: "no title and no link"},
			rssItem{title: "Fresh", link: "https://example.com/fresh", age: time.Hour},
			rssItem{title: "Stale", link: "https://example.com/stale", age: 72 * time.Hour},
			rssItem{title: "Undated", link: "https://example.com/undated"},
			rssItem{link: "https://example.com/untitled", desc: "A description that becomes the title"},
			rssItem{title: "Over the cap", link: "https://example.com/cap", age: time.Hour},
		))
	}))
	defer srv.Close()

	f := newTestFetcher(config.Fetch{MaxPerSource: 3, MaxAge: config.Duration(48 * time.Hour)})
	results := f.Fetch(context.Background(), []config.Source{{Name: "S", URL: srv.URL, Category: "ai"}})
	r := results[0]
	if r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}

	var titles []string
	for _, a := range r.Articles {
		titles = append(titles, a.Title)
	}
	want := []string{"Fresh", "Undated", "A description that becomes the title"}
	if strings.Join(titles, "|") != strings.Join(want, "|") {
		t.Errorf("got titles %v, want %v", titles, want)
	}
	if len(r.Skips) != 1 || r.Skips[0].Reason == "" {
		t.Errorf("expected one malformed skip, got %+v", r.Skips)
	}
}

func TestPlainText(t *testing.T) {
	cases := map[string]string{
		"":                                    "",
		"<p>One</p><p>Two</p>":                "One Two",
		"Tom &amp; Jerry &#39;99":             "Tom & Jerry '99",
		"  spaced\n\n out <script>x</script>": "spaced out",
	}
	for in, want := range cases {
		if got := PlainText(in); got != want {
			t.Errorf("PlainText(%q) = %q, want %q", in, got, want)
		}
	}
}
