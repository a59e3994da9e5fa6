package harvest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/replay-harvester/internal/metrics"
)

const (
	defaultDownloadConcurrency = 4
	replayContentType          = "application/json"
)

// EngineConfig controls the download worker pool.
type EngineConfig struct {
	Concurrency int
	ContentType string
}

// Engine fetches replay payloads and writes them to the blob store.
type Engine struct {
	fetcher ReplayFetcher
	blobs   BlobStore
	cfg     EngineConfig
	logger  *zap.Logger
}

// NewEngine constructs an Engine.
func NewEngine(fetcher ReplayFetcher, blobs BlobStore, cfg EngineConfig, logger *zap.Logger) *Engine {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultDownloadConcurrency
	}
	if cfg.ContentType == "" {
		cfg.ContentType = replayContentType
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{fetcher: fetcher, blobs: blobs, cfg: cfg, logger: logger}
}

type itemState int

const (
	itemSkipped itemState = iota
	itemSucceeded
	itemFailed
)

type itemResult struct {
	state itemState
	bytes int64
	err   error
}

// Download persists every entry of the batch. A failed item is counted and
// logged without aborting the rest; once ctx is canceled no new items start.
// It returns only after all dispatched downloads settled.
func (e *Engine) Download(ctx context.Context, format string, entries []ListingEntry) DownloadStats {
	results := make([]itemResult, len(entries))
	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)

	for i, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = e.persist(ctx, format, entry)
			return nil
		})
	}
	_ = g.Wait()

	stats := DownloadStats{}
	for i, r := range results {
		switch r.state {
		case itemSkipped:
			stats.Skipped++
			continue
		case itemSucceeded:
			stats.Succeeded++
			stats.Bytes += r.bytes
		case itemFailed:
			stats.Failed++
		}
		stats.Attempted++
		stats.Outcomes = append(stats.Outcomes, Outcome{ReplayID: entries[i].ReplayID, Err: r.err})
	}
	return stats
}

func (e *Engine) persist(ctx context.Context, format string, entry ListingEntry) itemResult {
	if ctx.Err() != nil {
		return itemResult{state: itemSkipped}
	}
	key := KeyFor(format, entry)
	uri, size, err := e.save(ctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return itemResult{state: itemSkipped}
		}
		metrics.ObserveReplay(format, string(resultKind(err)), 0)
		e.logger.Warn("replay download failed",
			zap.String("format", format),
			zap.String("replay_id", entry.ReplayID),
			zap.Error(err),
		)
		return itemResult{state: itemFailed, err: err}
	}
	metrics.ObserveReplay(format, "ok", size)
	e.logger.Debug("replay saved",
		zap.String("format", format),
		zap.String("replay_id", entry.ReplayID),
		zap.String("uri", uri),
	)
	return itemResult{state: itemSucceeded, bytes: int64(size)}
}

func (e *Engine) save(ctx context.Context, key ReplayKey) (string, int, error) {
	payload, err := e.fetcher.FetchReplay(ctx, key.ReplayID)
	if err != nil {
		return "", 0, fmt.Errorf("fetch replay %s: %w", key.ReplayID, err)
	}
	if !json.Valid(payload) {
		return "", 0, NewError(KindDecode, "fetch replay "+key.ReplayID, errors.New("payload is not valid JSON"))
	}
	uri, err := e.blobs.PutObject(ctx, key.Path(), e.cfg.ContentType, bytes.NewReader(payload))
	if err != nil {
		return "", 0, fmt.Errorf("put object %s: %w", key.Path(), err)
	}
	return uri, len(payload), nil
}

func resultKind(err error) ErrorKind {
	if kind := KindOf(err); kind != "" {
		return kind
	}
	return "storage"
}
