package compose

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

var digestDate = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func entry(title, summary, link string) news.Entry {
	return news.Entry{Article: news.Article{Title: title, Link: link}, Summary: summary}
}

func testBatch(perSection int) news.Batch {
	b := news.Batch{Title: "Daily Tech News", Date: digestDate}
	n := 0
	for _, cat := range []struct{ id, label, emoji string }{
		{"ai", "AI", "🤖"}, {"musictech", "MusicTech", "🎵"}, {"xr", "XR", "🥽"},
	} {
		s := news.Section{CategoryID: cat.id, Label: cat.label, Emoji: cat.emoji}
		for i := 0; i < perSection; i++ {
			n++
			s.Entries = append(s.Entries, entry(
				fmt.Sprintf("Story %02d", n),
				"A short summary of what happened and why it matters to practitioners.",
				fmt.Sprintf("https://example.com/%s/%d", cat.id, n),
			))
		}
		b.Sections = append(b.Sections, s)
	}
	return b
}

func TestComposeSingleBlock(t *testing.T) {
	c := New(config.Message{MaxChars: 4096})
	blocks := c.Compose(testBatch(2))
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	want := "📰 *Daily Tech News - March 10, 2026*\n\n" +
		"🤖 *AI*\n" +
		"• *Story 01*\n  TL;DR: A short summary of what happened and why it matters to practitioners.\n  🔗 [Read more](https://example.com/ai/1)\n\n" +
		"• *Story 02*\n  TL;DR: A short summary of what happened and why it matters to practitioners.\n  🔗 [Read more](https://example.com/ai/2)\n\n" +
		"🎵 *MusicTech*\n"
	if !strings.HasPrefix(blocks[0], want) {
		t.Errorf("unexpected rendering:\n%s", blocks[0])
	}
	if !strings.Contains(blocks[0], "🥽 *XR*\n• *Story 05*") {
		t.Errorf("expected XR section, got:\n%s", blocks[0])
	}
}

func TestComposeSplitsWithoutBreakingEntries(t *testing.T) {
	const limit = 400
	c := New(config.Message{MaxChars: limit})
	b := testBatch(6)
	blocks := c.Compose(b)
	if len(blocks) < 3 {
		t.Fatalf("expected several blocks, got %d", len(blocks))
	}

	joined := strings.Join(blocks, "\n")
	last := -1
	for _, s := range b.Sections {
		for _, e := range s.Entries {
			rendered := formatEntry(e.Article.Title, e.Summary, e.Article.Link)
			if strings.Count(joined, rendered) != 1 {
				t.Errorf("entry %q must appear exactly once and intact", e.Article.Title)
			}
			pos := strings.Index(joined, rendered)
			if pos < last {
				t.Errorf("entry %q out of order", e.Article.Title)
			}
			last = pos
		}
	}

	for i, block := range blocks {
		if n := TextLen(block); n > limit {
			t.Errorf("block %d has %d chars, limit %d", i, n, limit)
		}
		if i > 0 && strings.HasPrefix(block, "• ") {
			t.Errorf("block %d starts without a section header", i)
		}
	}
	if !strings.HasPrefix(blocks[0], "📰 *Daily Tech News") {
		t.Error("first block must carry the digest header")
	}
	if !strings.Contains(joined, "*AI (cont.)*") {
		t.Error("expected a continuation header")
	}
}

func TestComposeShortensOversizeEntry(t *testing.T) {
	c := New(config.Message{})
	long := strings.Repeat("Very long summary text. ", 400)
	blocks := c.Compose(news.Batch{
		Title: "Digest",
		Date:  digestDate,
		Sections: []news.Section{{
			CategoryID: "ai", Label: "AI", Emoji: "🤖",
			Entries: []news.Entry{entry("Huge", long, "https://example.com/huge")},
		}},
	})
	if len(blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(blocks))
	}
	if n := TextLen(blocks[0]); n > MaxMessageChars {
		t.Errorf("block has %d chars", n)
	}
	if !strings.Contains(blocks[0], "…") || !strings.Contains(blocks[0], "(https://example.com/huge)") {
		t.Errorf("expected shortened summary with link intact")
	}
}

func TestComposeEscapesMarkup(t *testing.T) {
	c := New(config.Message{})
	blocks := c.Compose(news.Batch{
		Title: "Digest",
		Date:  digestDate,
		Sections: []news.Section{{
			CategoryID: "ai", Label: "AI",
			Entries: []news.Entry{entry("GPT*5 `beta`", "snake_case and [brackets] and *stars*", "https://example.com/a_(b)")},
		}},
	})
	got := blocks[0]
	for _, want := range []string{
		"• *GPT∗5 'beta'*",
		`TL;DR: snake\_case and \[brackets] and \*stars\*`,
		"(https://example.com/a_(b%29)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("expected %q in:\n%s", want, got)
		}
	}
}

func TestComposeEmptyBatch(t *testing.T) {
	c := New(config.Message{Footer: "Sent by newsposter"})
	if blocks := c.Compose(news.Batch{Title: "Digest", Date: digestDate}); blocks != nil {
		t.Errorf("expected no blocks, got %v", blocks)
	}
	empty := c.ComposeEmpty("Digest", digestDate)
	if len(empty) != 1 {
		t.Fatalf("expected one block, got %d", len(empty))
	}
	if !strings.HasPrefix(empty[0], "📰 *Digest - March 10, 2026*") || !strings.Contains(empty[0], emptyMessage) {
		t.Errorf("unexpected empty message %q", empty[0])
	}
	if !strings.HasSuffix(empty[0], "Sent by newsposter") {
		t.Errorf("expected footer, got %q", empty[0])
	}
}

func TestComposeFooterAndMissingFields(t *testing.T) {
	c := New(config.Message{Footer: "via _newsposter_"})
	blocks := c.Compose(news.Batch{
		Title: "Digest",
		Date:  digestDate,
		Sections: []news.Section{{
			CategoryID: "xr",
			Entries:    []news.Entry{entry("No summary or link", "", "")},
		}},
	})
	got := blocks[len(blocks)-1]
	if !strings.HasSuffix(got, `via \_newsposter\_`) {
		t.Errorf("expected escaped footer, got %q", got)
	}
	if strings.Contains(got, "TL;DR") || strings.Contains(got, "Read more") {
		t.Errorf("empty fields must be omitted: %q", got)
	}
	if !strings.Contains(got, "*xr*") {
		t.Errorf("expected category id as label fallback: %q", got)
	}
}

func TestTextLenCountsUTF16(t *testing.T) {
	if n := TextLen("a🤖é"); n != 4 {
		t.Errorf("expected 4 UTF-16 units, got %d", n)
	}
}

func TestLayoutTracksFingerprints(t *testing.T) {
	c := New(config.Message{MaxChars: 400})
	b := testBatch(4)
	var want []string
	for si := range b.Sections {
		for ei := range b.Sections[si].Entries {
			fp := fmt.Sprintf("fp-%d-%d", si, ei)
			b.Sections[si].Entries[ei].Article.Fingerprint = fp
			want = append(want, fp)
		}
	}

	var got []string
	for i, bl := range c.Layout(b) {
		for _, fp := range bl.Fingerprints {
			got = append(got, fp)
			si, ei := 0, 0
			fmt.Sscanf(fp, "fp-%d-%d", &si, &ei)
			link := b.Sections[si].Entries[ei].Article.Link
			if !strings.Contains(bl.Text, "("+link+")") {
				t.Errorf("block %d claims %s but does not contain %s", i, fp, link)
			}
		}
	}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("fingerprints = %v, want %v", got, want)
	}
}

func TestComposeSmallLimitKeepsEveryEntry(t *testing.T) {
	c := New(config.Message{MaxChars: 120})
	b := news.Batch{
		Title: "Digest",
		Date:  digestDate,
		Sections: []news.Section{{
			CategoryID: "xr", Label: "XR", Emoji: "🥽",
			Entries: []news.Entry{
				entry("New AR Headset Announced", "The headset ships in spring with a wider field of view.", "https://example.com/xr/1"),
				entry("Spatial computing keynote recap and analysis", "Long talk.", "https://example.com/xr/2"),
			},
		}},
	}
	b.Sections[0].Entries[0].Article.Fingerprint = "fp1"
	b.Sections[0].Entries[1].Article.Fingerprint = "fp2"

	blocks := c.Layout(b)
	seen := map[string]int{}
	var all strings.Builder
	for i, bl := range blocks {
		for _, fp := range bl.Fingerprints {
			seen[fp]++
		}
		if strings.Contains(bl.Text, "**") {
			t.Errorf("block %d has an empty bold entity:\n%s", i, bl.Text)
		}
		if n := strings.Count(bl.Text, "*") - strings.Count(bl.Text, `\*`); n%2 != 0 {
			t.Errorf("block %d has unbalanced bold markers:\n%s", i, bl.Text)
		}
		all.WriteString(bl.Text)
	}
	if seen["fp1"] != 1 || seen["fp2"] != 1 {
		t.Errorf("expected each entry exactly once, got %v", seen)
	}
	for _, want := range []string{"(https://example.com/xr/1)", "(https://example.com/xr/2)", "• *New AR Headset"} {
		if strings.Count(all.String(), want) != 1 {
			t.Errorf("expected %q exactly once in:\n%s", want, all.String())
		}
	}
}
