package harvest

import (
	"path"
	"time"
)

// ListingEntry is one row of a listing page.
type ListingEntry struct {
	ReplayID  string   `json:"id"`
	Timestamp int64    `json:"uploadtime"`
	Players   []string `json:"players,omitempty"`
	Rating    int      `json:"rating,omitempty"`
}

// Page is one listing response. An empty page is not necessarily the end of
// results; only Exhausted says so.
type Page struct {
	Number    int
	Entries   []ListingEntry
	Exhausted bool
}

// Batch is the ordered set of entries discovered during one sweep,
// deduplicated by replay ID.
type Batch struct {
	entries []ListingEntry
	seen    map[string]struct{}
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{seen: make(map[string]struct{})}
}

// Add appends the entry unless its replay ID is already present.
func (b *Batch) Add(entry ListingEntry) bool {
	if _, ok := b.seen[entry.ReplayID]; ok {
		return false
	}
	b.seen[entry.ReplayID] = struct{}{}
	b.entries = append(b.entries, entry)
	return true
}

// Len returns the number of distinct entries.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Entries returns a copy of the batch contents in discovery order.
func (b *Batch) Entries() []ListingEntry {
	out := make([]ListingEntry, len(b.entries))
	copy(out, b.entries)
	return out
}

// ReplayKey locates a stored replay. Date grouping comes from the replay's own
// timestamp, never from the sweep direction or the wall clock.
type ReplayKey struct {
	Format   string
	Date     string
	ReplayID string
}

// DateLayout is the partition directory format.
const DateLayout = "2006-01-02"

// KeyFor builds the canonical key of a listing entry.
func KeyFor(format string, entry ListingEntry) ReplayKey {
	return ReplayKey{
		Format:   format,
		Date:     time.Unix(entry.Timestamp, 0).UTC().Format(DateLayout),
		ReplayID: entry.ReplayID,
	}
}

// Path returns the object path "{format}/{date}/{id}.json".
func (k ReplayKey) Path() string {
	return path.Join(k.Format, k.Date, k.ReplayID+".json")
}

// Outcome is the download result of a single replay.
type Outcome struct {
	ReplayID string
	Err      error
}

// Succeeded reports whether the replay was persisted.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// DownloadStats aggregates outcomes of one engine call. Skipped counts entries
// never attempted because the context was canceled.
type DownloadStats struct {
	Attempted int       `json:"attempted"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Bytes     int64     `json:"bytes"`
	Outcomes  []Outcome `json:"-"`
}

// Merge folds other into s.
func (s *DownloadStats) Merge(other DownloadStats) {
	s.Attempted += other.Attempted
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Skipped += other.Skipped
	s.Bytes += other.Bytes
	s.Outcomes = append(s.Outcomes, other.Outcomes...)
}

// Complete reports whether every entry handed to the engine was attempted.
func (s DownloadStats) Complete() bool {
	return s.Skipped == 0
}
