package harvest

import (
	"context"
	"io"
	"time"
)

// PageSource produces listing pages for a format. reference is the boundary
// the sweep starts from; for Newer sources it is informational only since
// listings are always read newest-first.
type PageSource interface {
	Pages(format string, d Direction, reference int64) PageIterator
}

// PageIterator walks listing pages lazily. A failed Next leaves the cursor in
// place so the same page can be requested again.
type PageIterator interface {
	Next(ctx context.Context) (Page, error)
}

// ReplayFetcher downloads the full JSON record of a replay.
type ReplayFetcher interface {
	FetchReplay(ctx context.Context, replayID string) ([]byte, error)
}

// BlobStore writes replay payloads and returns a URI for the stored object.
// Writing the same path twice must overwrite cleanly.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// ArchiveReader exposes previously stored replays for boundary discovery.
type ArchiveReader interface {
	// ListDates returns the date partitions stored for a format.
	ListDates(ctx context.Context, format string) ([]string, error)
	// ListObjects returns object paths stored in one date partition.
	ListObjects(ctx context.Context, format, date string) ([]string, error)
	// GetObject reads one stored object.
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes sweep summaries to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
