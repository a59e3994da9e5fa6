package harvest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/replay-harvester/internal/metrics"
)

// StopReason records why a scan ended.
type StopReason string

// Scan stop reasons.
const (
	StopExhausted   StopReason = "exhausted"
	StopCaughtUp    StopReason = "caught_up"
	StopPageBudget  StopReason = "page_budget"
	StopPageError   StopReason = "page_error"
	StopInterrupted StopReason = "interrupted"
)

// ScanRequest describes one (format, direction) sweep.
type ScanRequest struct {
	Format    string
	Direction Direction
	Boundary  int64
	MaxPages  int
}

// PageResult is handed to the PageHandler for every successfully listed page.
// Extreme already folds this page's fresh entries in; it becomes the scan's
// settled extreme once the handler returns nil.
type PageResult struct {
	Page    Page
	Fresh   []ListingEntry
	Extreme int64
}

// PageHandler persists the fresh entries of one page. It must not return until
// every dispatched download settled. A checkpoint write failure is always
// fatal and returned from Scan, even under cancellation. Otherwise an error
// matching ErrInterrupted, or any error once ctx is done, stops the scan
// without settling the page; any other error is fatal.
type PageHandler func(ctx context.Context, result PageResult) error

// ScanResult summarizes a scan.
type ScanResult struct {
	Pages      int
	Discovered int
	// Extreme is the most extreme fresh timestamp of all listed pages.
	Extreme int64
	// Settled is the most extreme fresh timestamp of pages whose handler
	// completed; it equals the request boundary when nothing settled.
	Settled    int64
	Stop       StopReason
	PageErrors int
	LastErr    error
}

// Scanner drives the page loop for one format and decides page by page
// whether to continue.
type Scanner struct {
	source PageSource
	logger *zap.Logger
}

// NewScanner constructs a Scanner.
func NewScanner(source PageSource, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{source: source, logger: logger}
}

// Scan pulls pages until a stop condition holds. Entries not strictly beyond
// the boundary are already seen and never reach the handler.
func (s *Scanner) Scan(ctx context.Context, req ScanRequest, handle PageHandler) (ScanResult, error) {
	res := ScanResult{Extreme: req.Boundary, Settled: req.Boundary}
	if req.MaxPages <= 0 {
		res.Stop = StopPageBudget
		return res, nil
	}
	logger := s.logger.With(zap.String("format", req.Format), zap.Stringer("direction", req.Direction))
	dir := req.Direction
	batch := NewBatch()
	pages := s.source.Pages(req.Format, dir, req.Boundary)

	for res.Pages < req.MaxPages {
		if ctx.Err() != nil {
			res.Stop = StopInterrupted
			return res, nil
		}
		page, err := pages.Next(ctx)
		res.Pages++
		if err != nil {
			if ctx.Err() != nil {
				res.Stop = StopInterrupted
				return res, nil
			}
			res.PageErrors++
			res.LastErr = err
			res.Stop = StopPageError
			metrics.ObservePage(req.Format, dir.String(), "error")
			logger.Warn("listing page failed", zap.Int("page", res.Pages), zap.Error(err))
			return res, nil
		}
		metrics.ObservePage(req.Format, dir.String(), "ok")

		extreme := res.Extreme
		fresh := make([]ListingEntry, 0, len(page.Entries))
		beyond := 0
		for _, entry := range page.Entries {
			if !dir.Beyond(entry.Timestamp, req.Boundary) {
				continue
			}
			beyond++
			extreme = dir.Extreme(extreme, entry.Timestamp)
			if batch.Add(entry) {
				fresh = append(fresh, entry)
			}
		}
		res.Extreme = extreme
		res.Discovered = batch.Len()
		logger.Debug("listing page scanned",
			zap.Int("page", res.Pages),
			zap.Int("entries", len(page.Entries)),
			zap.Int("fresh", len(fresh)),
			zap.Int64("extreme", extreme),
		)

		if len(fresh) > 0 {
			err := handle(ctx, PageResult{Page: page, Fresh: fresh, Extreme: extreme})
			switch {
			case err == nil:
			case errors.Is(err, ErrCheckpointWrite):
				return res, fmt.Errorf("handle page %d: %w", res.Pages, err)
			case errors.Is(err, ErrInterrupted) || ctx.Err() != nil:
				res.Stop = StopInterrupted
				return res, nil
			default:
				return res, fmt.Errorf("handle page %d: %w", res.Pages, err)
			}
		}
		res.Settled = extreme

		switch {
		case page.Exhausted:
			res.Stop = StopExhausted
			return res, nil
		case beyond == 0:
			res.Stop = StopCaughtUp
			return res, nil
		}
	}
	res.Stop = StopPageBudget
	return res, nil
}
