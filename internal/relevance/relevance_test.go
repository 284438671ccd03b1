package relevance

import (
	"strings"
	"testing"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

func testPolicy(allow, block, domains []string) *Policy {
	return NewPolicy(config.Keywords{Allow: allow, Block: block, BlockedDomains: domains}, nil)
}

func TestShortTermRespectsWordBoundaries(t *testing.T) {
	p := testPolicy([]string{"AR"}, nil, nil)

	d := p.Evaluate(news.Article{
		Title:       "New AR Headset Announced",
		Description: "Includes CAR chase footage",
	})
	if !d.Accepted {
		t.Fatalf("expected accepted, got %+v", d)
	}
	if d.Score != 2 {
		t.Errorf("expected title-only score 2, got %d", d.Score)
	}

	d = p.Evaluate(news.Article{
		Title:       "Racing game review",
		Description: "CAR chase footage and a scary radar",
	})
	if d.Accepted || d.Score != 0 {
		t.Errorf("expected no match inside CAR/radar, got %+v", d)
	}
}

func TestShortTermsIgnoreLookalikeWords(t *testing.T) {
	p := NewPolicy(
		config.Keywords{Allow: []string{"AR", "MR"}},
		[]config.Category{{ID: "ai", Keywords: []string{"AI"}}},
	)
	for _, a := range []news.Article{
		{Title: "Ars Technica reviews a new laptop"},
		{Title: "Mrs. Doubtfire sequel announced"},
		{Title: "The Ais of Moravia history", Category: "ai"},
	} {
		if d := p.Evaluate(a); d.Accepted || d.Score != 0 {
			t.Errorf("%q: expected no match, got %+v", a.Title, d)
		}
	}

	d := p.Evaluate(news.Article{Title: "AI and MR: a roundup", Category: "ai"})
	if d.Score != 4 {
		t.Errorf("expected both short terms to match exactly, got %+v", d)
	}
}

func TestTitleMatchCountsOnceAtHigherWeight(t *testing.T) {
	p := testPolicy([]string{"LLM"}, nil, nil)
	d := p.Evaluate(news.Article{Title: "LLM news", Description: "an LLM did things"})
	if d.Score != 2 {
		t.Errorf("expected 2, got %d", d.Score)
	}
	d = p.Evaluate(news.Article{Title: "Weekly roundup", Description: "an LLM did things"})
	if d.Score != 1 {
		t.Errorf("expected 1, got %d", d.Score)
	}
}

func TestScoreMonotonicity(t *testing.T) {
	p := testPolicy([]string{"vr", "daw"}, nil, nil)
	desc := "A new DAW workflow for VR studios."
	inDesc := p.Evaluate(news.Article{Title: "Studio update", Description: desc})
	inTitle := p.Evaluate(news.Article{Title: "Studio update for VR", Description: desc})
	if inTitle.Score < inDesc.Score {
		t.Errorf("title match decreased score: %d < %d", inTitle.Score, inDesc.Score)
	}
	if inTitle.Score <= inDesc.Score {
		t.Errorf("expected strict increase, got %d vs %d", inTitle.Score, inDesc.Score)
	}
}

func TestBlockTermIsAbsolute(t *testing.T) {
	allow := []string{"ai", "gpt", "llm", "ml", "neural"}
	p := testPolicy(allow, []string{"sponsored"}, nil)
	d := p.Evaluate(news.Article{
		Title:       "AI GPT LLM ML neural breakthrough",
		Description: "Sponsored content about AI",
	})
	if d.Score < 10 {
		t.Fatalf("expected a high score, got %d", d.Score)
	}
	if d.Accepted {
		t.Error("expected block term to reject regardless of score")
	}
	if !strings.Contains(d.Reason(), "sponsored") {
		t.Errorf("unexpected reason %q", d.Reason())
	}
}

func TestBlockedDomain(t *testing.T) {
	p := testPolicy([]string{"ai"}, nil, []string{"PRNewswire.com"})
	for _, link := range []string{
		"https://www.prnewswire.com/news/ai-thing",
		"https://media.prnewswire.com/ai",
	} {
		d := p.Evaluate(news.Article{Title: "AI launch", Link: link})
		if d.Accepted || d.BlockedDomain != "prnewswire.com" {
			t.Errorf("expected %s to be blocked, got %+v", link, d)
		}
	}

	d := p.Evaluate(news.Article{Title: "AI launch", Link: "https://notprnewswire.com/x"})
	if !d.Accepted {
		t.Errorf("expected lookalike domain to pass, got %+v", d)
	}
}

func TestEmptyDescriptionIsNotAnError(t *testing.T) {
	p := testPolicy([]string{"xr"}, []string{"giveaway"}, nil)
	d := p.Evaluate(news.Article{Title: "Nothing relevant"})
	if d.Accepted || d.Score != 0 {
		t.Errorf("expected rejection with zero score, got %+v", d)
	}
	if d.Reason() != "no allow term matched" {
		t.Errorf("unexpected reason %q", d.Reason())
	}
}

func TestPluralsAndMultiWordTerms(t *testing.T) {
	p := testPolicy([]string{"LLM", "mixed reality"}, nil, nil)
	d := p.Evaluate(news.Article{Title: "Why LLMs hallucinate"})
	if d.Score != 2 {
		t.Errorf("expected plural match, got %d", d.Score)
	}
	d = p.Evaluate(news.Article{Title: "Hands on", Description: "The best Mixed\n  Reality demo yet."})
	if d.Score != 1 {
		t.Errorf("expected multi-word match across whitespace, got %d", d.Score)
	}
}

func TestCategoryKeywords(t *testing.T) {
	p := NewPolicy(
		config.Keywords{Allow: []string{"audio"}},
		[]config.Category{{ID: "musictech", Keywords: []string{"synth", "Audio"}}},
	)
	d := p.Evaluate(news.Article{Category: "musictech", Title: "New synth with audio input"})
	if d.Score != 4 {
		t.Errorf("expected 4 (audio counted once), got %d", d.Score)
	}
	if len(d.MatchedAllow) != 2 {
		t.Errorf("expected 2 matched terms, got %v", d.MatchedAllow)
	}

	d = p.Evaluate(news.Article{Category: "ai", Title: "New synth released"})
	if d.Accepted {
		t.Error("category keywords must not apply to other categories")
	}
}
