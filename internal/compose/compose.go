// Package compose renders digest batches as Telegram messages in the legacy
// Markdown parse mode.
//
// Compose packs whole entries into as few blocks as the size limit allows.
// An entry is never split across blocks; a section that continues in the
// next block repeats its header marked "(cont.)".
package compose

import (
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/TobiSchelling/newsposter/internal/config"
	"github.com/TobiSchelling/newsposter/internal/news"
)

// MaxMessageChars is Telegram's sendMessage text limit.
const MaxMessageChars = 4096

const (
	dateLayout   = "January 2, 2006"
	entrySep     = "\n\n"
	emptyMessage = "No new articles since the last digest."
	ellipsis     = "…"
)

var (
	plainEscaper = strings.NewReplacer("_", `\_`, "*", `\*`, "[", `\[`, "`", "\\`")
	// Entities cannot contain escapes in legacy Markdown, so the marker
	// characters are swapped for lookalikes inside bold text.
	boldEscaper = strings.NewReplacer("*", "∗", "`", "'")
	urlEscaper  = strings.NewReplacer(")", "%29", " ", "%20")
)

// Composer renders batches into message blocks.
type Composer struct {
	maxChars int
	footer   string
}

// New creates a composer. A limit outside 1..MaxMessageChars falls back to
// MaxMessageChars.
func New(cfg config.Message) *Composer {
	limit := cfg.MaxChars
	if limit <= 0 || limit > MaxMessageChars {
		limit = MaxMessageChars
	}
	return &Composer{maxChars: limit, footer: strings.TrimSpace(cfg.Footer)}
}

// Escape backslash-escapes legacy Markdown markers in plain text.
func Escape(s string) string {
	return plainEscaper.Replace(s)
}

// TextLen measures s the way Telegram counts message length, in UTF-16
// code units.
func TextLen(s string) int {
	var n int
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// Header renders the digest title line.
func Header(title string, date time.Time) string {
	return "📰 *" + boldEscaper.Replace(title) + " - " + date.Format(dateLayout) + "*"
}

func sectionHeader(s news.Section, cont bool) string {
	label := s.Label
	if label == "" {
		label = s.CategoryID
	}
	if cont {
		label += " (cont.)"
	}
	h := "*" + boldEscaper.Replace(label) + "*"
	if s.Emoji != "" {
		h = s.Emoji + " " + h
	}
	return h
}

// Block is one rendered message and the fingerprints of the entries in it.
type Block struct {
	Text         string
	Fingerprints []string
}

// Compose renders the batch. A batch without entries yields no blocks.
func (c *Composer) Compose(b news.Batch) []string {
	blocks := c.Layout(b)
	if blocks == nil {
		return nil
	}
	out := make([]string, len(blocks))
	for i, bl := range blocks {
		out[i] = bl.Text
	}
	return out
}

// Layout is Compose, keeping track of which entries landed in which block.
func (c *Composer) Layout(b news.Batch) []Block {
	if b.Len() == 0 {
		return nil
	}

	header := Header(b.Title, b.Date)
	p := &packer{limit: c.maxChars}
	p.cur.WriteString(header)
	p.curLen = TextLen(header)

	for _, s := range b.Sections {
		if len(s.Entries) == 0 {
			continue
		}
		open := sectionHeader(s, false)
		cont := sectionHeader(s, true)
		// Any entry must fit in a block next to the digest header and a
		// section header, so it can always start a fresh block.
		budget := c.maxChars - TextLen(header) - len(entrySep) - TextLen(cont) - 1

		for i, e := range s.Entries {
			entry := renderEntry(e, budget)
			fp := e.Article.Fingerprint
			if i == 0 {
				if !p.add(entrySep, open+"\n"+entry, fp) {
					p.flush()
					p.add("", open+"\n"+entry, fp)
				}
				continue
			}
			if !p.add(entrySep, entry, fp) {
				p.flush()
				p.add("", cont+"\n"+entry, fp)
			}
		}
	}

	if c.footer != "" {
		footer := Escape(c.footer)
		if !p.add(entrySep, footer, "") {
			p.flush()
			p.add("", fitPlain(footer, c.maxChars), "")
		}
	}
	p.flush()
	return p.blocks
}

// ComposeEmpty renders the notification sent when a forced run finds
// nothing new.
func (c *Composer) ComposeEmpty(title string, date time.Time) []string {
	text := Header(title, date) + entrySep + emptyMessage
	if c.footer != "" {
		text += entrySep + Escape(c.footer)
	}
	return []string{fitPlain(text, c.maxChars)}
}

type packer struct {
	limit  int
	blocks []Block
	cur    strings.Builder
	curLen int
	curFPs []string
}

// add appends piece to the current block when it fits. An empty block
// accepts any piece.
func (p *packer) add(sep, piece, fp string) bool {
	n := TextLen(piece)
	switch {
	case p.curLen == 0:
		p.cur.WriteString(piece)
		p.curLen = n
	case p.curLen+TextLen(sep)+n > p.limit:
		return false
	default:
		p.cur.WriteString(sep)
		p.cur.WriteString(piece)
		p.curLen += TextLen(sep) + n
	}
	if fp != "" {
		p.curFPs = append(p.curFPs, fp)
	}
	return true
}

func (p *packer) flush() {
	if p.curLen == 0 {
		return
	}
	p.blocks = append(p.blocks, Block{Text: p.cur.String(), Fingerprints: p.curFPs})
	p.cur.Reset()
	p.curLen = 0
	p.curFPs = nil
}

// minTitleRunes is how far a title may be shortened. The link and the
// bold title are never dropped, so every entry stays identifiable.
const minTitleRunes = 16

// renderEntry formats an entry within budget, shortening the summary first
// and then the title when it is too long. An entry whose link alone exceeds
// budget is returned over budget rather than cut through its markup.
func renderEntry(e news.Entry, budget int) string {
	title := e.Article.Title
	if strings.TrimSpace(title) == "" {
		title = "Untitled"
	}
	summary := e.Summary
	link := e.Article.Link

	out := formatEntry(title, summary, link)
	for TextLen(out) > budget && summary != "" {
		summary = shorten(summary, utf8.RuneCountInString(summary)-(TextLen(out)-budget))
		out = formatEntry(title, summary, link)
	}
	for TextLen(out) > budget && utf8.RuneCountInString(title) > minTitleRunes {
		n := max(minTitleRunes, utf8.RuneCountInString(title)-(TextLen(out)-budget))
		title = shorten(title, n)
		out = formatEntry(title, summary, link)
	}
	return out
}

func formatEntry(title, summary, link string) string {
	var b strings.Builder
	b.WriteString("• *")
	b.WriteString(boldEscaper.Replace(title))
	b.WriteString("*")
	if summary != "" {
		b.WriteString("\n  TL;DR: ")
		b.WriteString(Escape(summary))
	}
	if link != "" {
		b.WriteString("\n  🔗 [Read more](")
		b.WriteString(urlEscaper.Replace(link))
		b.WriteString(")")
	}
	return b.String()
}

// shorten cuts s to at most n runes ending in an ellipsis, preferring a
// word boundary. It returns "" when n leaves no room for text.
func shorten(s string, n int) string {
	if n >= utf8.RuneCountInString(s) {
		n = utf8.RuneCountInString(s) - 1
	}
	if n <= 1 {
		return ""
	}
	cut := string([]rune(s)[:n-1])
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,.;:") + ellipsis
}

// fitPlain is the last-resort hard cut for text that still exceeds limit.
func fitPlain(s string, limit int) string {
	if TextLen(s) <= limit {
		return s
	}
	var (
		b strings.Builder
		n int
	)
	for _, r := range s {
		if n+utf16.RuneLen(r) > limit-1 {
			break
		}
		b.WriteRune(r)
		n += utf16.RuneLen(r)
	}
	// A dangling backslash would escape the ellipsis.
	return strings.TrimRight(b.String(), "\\") + ellipsis
}
