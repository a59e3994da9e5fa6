package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// BoundarySource names where a sweep's starting boundary came from.
type BoundarySource string

// Boundary sources reported per format.
const (
	SourceCheckpoint BoundarySource = "checkpoint"
	SourceArchive    BoundarySource = "archive"
	SourceListing    BoundarySource = "listing"
	SourceNone       BoundarySource = "none"
)

// Discoverer derives the starting boundary of an Older sweep that has no
// checkpoint yet.
type Discoverer struct {
	archive ArchiveReader
	source  PageSource
	logger  *zap.Logger
}

// NewDiscoverer constructs a Discoverer. archive may be nil when the blob
// store cannot be read back.
func NewDiscoverer(archive ArchiveReader, source PageSource, logger *zap.Logger) *Discoverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{archive: archive, source: source, logger: logger}
}

// OldestBoundary returns the minimum upload time already stored for format.
// Without stored replays it anchors just above the newest listed replay so
// the Older sweep still includes it. SourceNone means the listing is empty
// too and there is nothing to sweep.
func (d *Discoverer) OldestBoundary(ctx context.Context, format string) (int64, BoundarySource, error) {
	if d.archive != nil {
		ts, ok, err := d.oldestStored(ctx, format)
		if err != nil {
			return 0, SourceNone, err
		}
		if ok {
			d.logger.Info("older boundary discovered from archive",
				zap.String("format", format), zap.Int64("boundary", ts))
			return ts, SourceArchive, nil
		}
	}
	if d.source == nil {
		return 0, SourceNone, nil
	}
	page, err := d.source.Pages(format, Newer, 0).Next(ctx)
	if err != nil {
		return 0, SourceNone, fmt.Errorf("anchor listing for %s: %w", format, err)
	}
	if len(page.Entries) == 0 {
		return 0, SourceNone, nil
	}
	newest := page.Entries[0].Timestamp
	for _, entry := range page.Entries[1:] {
		newest = Newer.Extreme(newest, entry.Timestamp)
	}
	d.logger.Info("older boundary anchored on newest listing",
		zap.String("format", format), zap.Int64("boundary", newest+1))
	return newest + 1, SourceListing, nil
}

// oldestStored scans date partitions oldest first and returns the minimum
// uploadtime found in the first partition holding a readable replay.
func (d *Discoverer) oldestStored(ctx context.Context, format string) (int64, bool, error) {
	rawDates, err := d.archive.ListDates(ctx, format)
	if err != nil {
		return 0, false, fmt.Errorf("list date partitions for %s: %w", format, err)
	}
	dates := make([]string, 0, len(rawDates))
	for _, date := range rawDates {
		if _, err := time.Parse(DateLayout, date); err == nil {
			dates = append(dates, date)
		}
	}
	sort.Strings(dates)

	for _, date := range dates {
		objects, err := d.archive.ListObjects(ctx, format, date)
		if err != nil {
			return 0, false, fmt.Errorf("list replays for %s/%s: %w", format, date, err)
		}
		var (
			oldest int64
			found  bool
		)
		for _, obj := range objects {
			if !strings.HasSuffix(obj, ".json") {
				continue
			}
			ts, ok := d.uploadTime(ctx, obj)
			if !ok {
				continue
			}
			if !found || ts < oldest {
				oldest, found = ts, true
			}
		}
		if found {
			return oldest, true, nil
		}
	}
	return 0, false, nil
}

func (d *Discoverer) uploadTime(ctx context.Context, path string) (int64, bool) {
	data, err := d.archive.GetObject(ctx, path)
	if err != nil {
		d.logger.Debug("skipping unreadable replay", zap.String("path", path), zap.Error(err))
		return 0, false
	}
	var record struct {
		UploadTime *int64 `json:"uploadtime"`
	}
	if err := json.Unmarshal(data, &record); err != nil || record.UploadTime == nil {
		d.logger.Debug("skipping replay without uploadtime", zap.String("path", path))
		return 0, false
	}
	return *record.UploadTime, true
}
