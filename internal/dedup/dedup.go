// Package dedup remembers which articles have already been delivered.
//
// A Deduplicator takes one snapshot of the store at the start of a run and
// keeps everything recorded during the run in memory. Nothing reaches the
// store until Commit, which appends the pending records in one batch and then
// prunes records older than the retention window.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLocked is returned by Locker.Acquire when another owner holds the lease.
var ErrLocked = errors.New("dedup store is locked by another run")

// Record is one delivered article.
type Record struct {
	Fingerprint string
	FirstSeenAt time.Time
	Title       string
	Link        string
	Category    string
	Source      string
}

// Stats summarizes a store's contents.
type Stats struct {
	Records int
	Oldest  time.Time
	Newest  time.Time
}

// Store is the durable side of deduplication.
type Store interface {
	// LoadFingerprints returns every stored fingerprint.
	LoadFingerprints(ctx context.Context) (map[string]struct{}, error)
	// AppendRecords stores records. Fingerprints already present keep their
	// original first-seen time.
	AppendRecords(ctx context.Context, records []Record) error
	// PruneBefore removes records first seen strictly before cutoff and
	// reports how many were removed.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Locker is implemented by stores that can hold a single-writer lease.
type Locker interface {
	// Acquire takes the lease for owner, or returns ErrLocked while another
	// owner holds an unexpired lease.
	Acquire(ctx context.Context, owner string, ttl time.Duration) error
	Release(ctx context.Context, owner string) error
}

// Deduplicator tracks fingerprints for the duration of one run.
type Deduplicator struct {
	stored  map[string]struct{}
	pending []Record
	index   map[string]int
}

// Load snapshots the store.
func Load(ctx context.Context, store Store) (*Deduplicator, error) {
	fps, err := store.LoadFingerprints(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading fingerprints: %w", err)
	}
	if fps == nil {
		fps = make(map[string]struct{})
	}
	return &Deduplicator{stored: fps, index: make(map[string]int)}, nil
}

// IsDuplicate reports whether fp was stored before this run or recorded
// earlier in it.
func (d *Deduplicator) IsDuplicate(fp string) bool {
	if _, ok := d.stored[fp]; ok {
		return true
	}
	_, ok := d.index[fp]
	return ok
}

// Record marks r as seen in this run. Recording a fingerprint twice keeps
// the first record.
func (d *Deduplicator) Record(r Record) {
	if _, ok := d.index[r.Fingerprint]; ok {
		return
	}
	d.index[r.Fingerprint] = len(d.pending)
	d.pending = append(d.pending, r)
}

// Forget drops a fingerprint recorded in this run so a later run may pick the
// article up again. Stored fingerprints are unaffected.
func (d *Deduplicator) Forget(fp string) {
	i, ok := d.index[fp]
	if !ok {
		return
	}
	d.pending = append(d.pending[:i], d.pending[i+1:]...)
	delete(d.index, fp)
	for j := i; j < len(d.pending); j++ {
		d.index[d.pending[j].Fingerprint] = j
	}
}

// Pending returns the records that Commit would write.
func (d *Deduplicator) Pending() []Record {
	out := make([]Record, len(d.pending))
	copy(out, d.pending)
	return out
}

// Commit appends the pending records and prunes records first seen before
// now - retention. A non-positive retention disables pruning.
func (d *Deduplicator) Commit(ctx context.Context, store Store, now time.Time, retention time.Duration) (int64, error) {
	if len(d.pending) > 0 {
		if err := store.AppendRecords(ctx, d.pending); err != nil {
			return 0, fmt.Errorf("appending records: %w", err)
		}
		for _, r := range d.pending {
			d.stored[r.Fingerprint] = struct{}{}
		}
		d.pending = nil
		d.index = make(map[string]int)
	}

	if retention <= 0 {
		return 0, nil
	}
	pruned, err := store.PruneBefore(ctx, now.Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("pruning records: %w", err)
	}
	return pruned, nil
}
