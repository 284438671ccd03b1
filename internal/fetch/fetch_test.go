package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

const paragraph = "Researchers released a new open model for spatial audio rendering in mixed reality headsets. "

func articlePage() string {
	body := strings.Repeat("<p>"+strings.Repeat(paragraph, 4)+"</p>", 5)
	return fmt.Sprintf(`<html><head><title>Spatial audio</title></head><body>
<nav><a href="/">Home</a></nav>
<article><h1>Spatial audio</h1>%s</article>
<footer>Copyright</footer></body></html>`, body)
}

func TestEnrichReplacesShortDescriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articlePage())
	}))
	defer srv.Close()

	long := strings.Repeat("x", 300)
	articles := []news.Article{
		{Title: "Short", Link: srv.URL + "/short", Description: "Too short."},
		{Title: "Long", Link: srv.URL + "/long", Description: long},
		{Title: "No link", Description: "Too short."},
	}

	f := NewContentFetcher(config.Enrich{Enabled: true, MinChars: 200, Timeout: config.Duration(5 * time.Second)})
	r := f.Enrich(context.Background(), articles)

	if r.Enriched != 1 || r.AlreadyHadContent != 2 {
		t.Fatalf("unexpected result %+v", r)
	}
	if !strings.Contains(articles[0].Description, "spatial audio rendering") {
		t.Errorf("expected extracted text, got %q", articles[0].Description)
	}
	if articles[1].Description != long {
		t.Error("long description must be left alone")
	}
}

func TestEnrichSkipsDomainAfterHTTPError(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.NotFound(w, r)
	}))
	defer srv.Close()

	articles := []news.Article{
		{Title: "A", Link: srv.URL + "/a", Description: "short"},
		{Title: "B", Link: srv.URL + "/b", Description: "short"},
		{Title: "C", Link: srv.URL + "/c", Description: "short"},
	}
	f := NewContentFetcher(config.Enrich{MinChars: 200})
	r := f.Enrich(context.Background(), articles)

	if hits != 1 {
		t.Errorf("expected a single request before the domain was skipped, got %d", hits)
	}
	if r.Failed != 3 || r.Enriched != 0 {
		t.Errorf("unexpected result %+v", r)
	}
	if len(r.Skips) != 1 || r.Skips[0].Stage != news.StageEnrich {
		t.Errorf("expected one enrich skip, got %+v", r.Skips)
	}
	for _, a := range articles {
		if a.Description != "short" {
			t.Errorf("description must survive a failed fetch, got %q", a.Description)
		}
	}
}
