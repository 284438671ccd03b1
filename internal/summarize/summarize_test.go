package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

const article = "Meta announced a new mixed reality headset on Tuesday. " +
	"The headset ships with a faster chip and a brighter display. " +
	"Developers can build mixed reality apps with the updated headset SDK. " +
	"Preorders open next week in the United States and Europe. " +
	"Analysts expect the headset to compete with Apple's Vision Pro."

func TestSummaryNeverExceedsBound(t *testing.T) {
	texts := []string{
		article,
		"One enormous sentence without any terminal punctuation that just keeps going and going across many words",
		"Short. Tiny. Bits.",
		strings.Repeat("word ", 200),
	}
	e := Extractive{}
	for _, text := range texts {
		for _, limit := range []int{1, 2, 5, 10, 25, 60, 120, 300, 1000} {
			got := e.Summarize(text, limit)
			if n := utf8.RuneCountInString(got); n > limit {
				t.Errorf("Summarize(%.20q, %d) returned %d runes: %q", text, limit, n, got)
			}
			if got == "" {
				t.Errorf("Summarize(%.20q, %d) returned empty summary", text, limit)
			}
		}
	}
}

func TestEmptyInput(t *testing.T) {
	e := Extractive{}
	for _, text := range []string{"", "   ", "\n\t"} {
		if got := e.Summarize(text, 100); got != "" {
			t.Errorf("expected empty summary for %q, got %q", text, got)
		}
	}
	if got := e.Summarize(article, 0); got != "" {
		t.Errorf("expected empty summary for zero bound, got %q", got)
	}
}

func TestOutputPreservesSentenceOrder(t *testing.T) {
	got := Extractive{MaxSentences: 2}.Summarize(article, 1000)
	sentences := splitSentences(got)
	if len(sentences) != 2 {
		t.Fatalf("expected 2 sentences, got %d: %q", len(sentences), got)
	}
	first := strings.Index(article, sentences[0].text)
	second := strings.Index(article, sentences[1].text)
	if first < 0 || second < 0 {
		t.Fatalf("summary sentences must come from the text: %q", got)
	}
	if first >= second {
		t.Errorf("expected original order, got %q", got)
	}
}

func TestTieBreakPrefersEarlierSentence(t *testing.T) {
	text := "It was a quiet day for us. Red foxes jumped over lazy dogs. Blue birds sang above green trees."
	got := Extractive{MaxSentences: 1}.Summarize(text, 100)
	if got != "Red foxes jumped over lazy dogs." {
		t.Errorf("expected the earlier of two equal sentences, got %q", got)
	}
}

func TestTruncatesWithEllipsisWhenNothingFits(t *testing.T) {
	text := "Researchers announced a breakthrough in spatial audio rendering for headsets."
	got := Extractive{}.Summarize(text, 30)
	if got != "Researchers announced a…" {
		t.Errorf("unexpected truncation %q", got)
	}
}

func TestGreedyStopsAtFirstOverflow(t *testing.T) {
	text := "Apple unveiled new spatial audio headphones with adaptive noise cancelling features. " +
		"Prices start at ninety dollars."
	got := Extractive{}.Summarize(text, 40)
	if !strings.HasPrefix(got, "Apple") || !strings.HasSuffix(got, "…") {
		t.Errorf("expected truncated lead sentence, got %q", got)
	}
}

func TestFragmentsAreIgnored(t *testing.T) {
	got := Extractive{}.Summarize("Wow. Researchers announced a breakthrough in spatial audio today.", 300)
	if got != "Researchers announced a breakthrough in spatial audio today." {
		t.Errorf("unexpected summary %q", got)
	}
	// Only fragments: still summarized.
	if got := (Extractive{}).Summarize("Big news. Read on.", 300); got == "" {
		t.Error("expected fragments to be used when nothing longer exists")
	}
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences(`He said "it works!" Then left. Really? Yes (mostly).`)
	want := []string{`He said "it works!"`, "Then left.", "Really?", "Yes (mostly)."}
	if len(got) != len(want) {
		t.Fatalf("expected %d sentences, got %d: %+v", len(want), len(got), got)
	}
	for i := range want {
		if got[i].text != want[i] || got[i].index != i {
			t.Errorf("sentence %d = %q, want %q", i, got[i].text, want[i])
		}
	}
}

type fakeProvider struct {
	reply string
	err   error
	calls int
}

func (f *fakeProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	f.calls++
	return f.reply, f.err
}

func (f *fakeProvider) IsConfigured() bool { return true }

func TestServicePrefersLLM(t *testing.T) {
	p := &fakeProvider{reply: "```json\n{\"summary\": \"A compact headset update.\"}\n```"}
	s := NewService(p, config.Summarization{MaxChars: 100})
	got, err := s.Summarize(context.Background(), news.Article{Title: "Headset", Description: article})
	if err != nil || got != "A compact headset update." {
		t.Errorf("unexpected summary %q", got)
	}
}

func TestServiceFallsBackToExtractive(t *testing.T) {
	cfg := config.Summarization{MaxChars: 120, MaxSentences: 3}
	want := Extractive{MaxSentences: 3}.Summarize(article, 120)

	for _, p := range []*fakeProvider{
		{err: errors.New("rate limited")},
		{reply: "I cannot help with that."},
		{reply: `{"summary": "   "}`},
	} {
		s := NewService(p, cfg)
		if got, _ := s.Summarize(context.Background(), news.Article{Description: article}); got != want {
			t.Errorf("expected extractive fallback %q, got %q", want, got)
		}
	}

	s := NewService(nil, cfg)
	if got, _ := s.Summarize(context.Background(), news.Article{Description: article}); got != want {
		t.Errorf("expected extractive summary without provider, got %q", got)
	}
}

func TestServiceEnforcesBoundOnLLMOutput(t *testing.T) {
	p := &fakeProvider{reply: `{"summary": "` + strings.Repeat("verbose ", 50) + `"}`}
	s := NewService(p, config.Summarization{MaxChars: 50})
	got, _ := s.Summarize(context.Background(), news.Article{Description: article})
	if n := utf8.RuneCountInString(got); n > 50 {
		t.Errorf("expected at most 50 runes, got %d", n)
	}
	if !strings.HasSuffix(got, "…") {
		t.Errorf("expected ellipsis, got %q", got)
	}
}

func TestServiceSkipsEmptyDescription(t *testing.T) {
	p := &fakeProvider{reply: `{"summary": "x"}`}
	s := NewService(p, config.Summarization{MaxChars: 50})
	if got, _ := s.Summarize(context.Background(), news.Article{Title: "T"}); got != "" {
		t.Errorf("expected empty summary, got %q", got)
	}
	if p.calls != 0 {
		t.Error("provider must not be called for empty descriptions")
	}
}

func TestServiceReportsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{err: context.Canceled}
	s := NewService(p, config.Summarization{MaxChars: 100})
	cancel()
	if _, err := s.Summarize(ctx, news.Article{Description: article}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if p.calls != 0 {
		t.Error("provider must not be called after cancellation")
	}
}
