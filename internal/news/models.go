package news

import "time"

// Article is a normalized feed entry tagged with its source.
type Article struct {
	SourceName     string
	Category       string
	Title          string
	Link           string
	RawDescription string
	Description    string // markup stripped, whitespace collapsed
	PublishedAt    time.Time
	Fingerprint    string
}

// Entry is an article ready for rendering.
type Entry struct {
	Article Article
	Summary string
}

// Section holds one category's entries, most recent first.
type Section struct {
	CategoryID string
	Label      string
	Emoji      string
	Entries    []Entry
}

// Batch is the ordered set of sections for a single digest.
type Batch struct {
	Title    string
	Date     time.Time
	Sections []Section
}

// Len returns the total number of entries in the batch.
func (b Batch) Len() int {
	var n int
	for _, s := range b.Sections {
		n += len(s.Entries)
	}
	return n
}

// Stage names the pipeline stage at which an item was dropped.
type Stage string

const (
	StageFetch     Stage = "fetch"
	StageEnrich    Stage = "enrich"
	StageFilter    Stage = "filter"
	StageDedup     Stage = "dedup"
	StageSummarize Stage = "summarize"
	StageDeliver   Stage = "deliver"
)

// Skip records why a single item did not make it into the digest.
type Skip struct {
	Stage  Stage
	Source string
	Title  string
	Link   string
	Reason string
}

// RunReport summarizes one pipeline invocation.
type RunReport struct {
	ID                int64
	StartedAt         time.Time
	FinishedAt        time.Time
	DryRun            bool
	Forced            bool
	Fetched           int
	Accepted          int
	Duplicates        int
	Posted            int
	DeliveredBlocks   int
	UndeliveredBlocks int
	Outcome           string
}
