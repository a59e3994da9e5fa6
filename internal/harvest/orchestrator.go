package harvest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/replay-harvester/internal/metrics"
)

// State is the lifecycle position of an orchestrator run.
type State string

// Orchestrator states. A run moves Init -> Sweeping -> Finalizing -> Done, or
// Sweeping -> Interrupted -> Done when its context is canceled.
const (
	StateIdle        State = "idle"
	StateInit        State = "init"
	StateSweeping    State = "sweeping"
	StateFinalizing  State = "finalizing"
	StateInterrupted State = "interrupted"
	StateDone        State = "done"
)

// ErrSweepInProgress is returned when Run is called while another run holds
// the orchestrator.
var ErrSweepInProgress = errors.New("sweep already in progress")

// DefaultMaxPages is the page budget of a request that names none.
const DefaultMaxPages = 55

const (
	defaultFormatConcurrency = 1
	defaultFlushTimeout      = 10 * time.Second
)

// SweepRequest selects the formats, direction and page budget of one run.
type SweepRequest struct {
	Formats   []string  `json:"formats"`
	Direction Direction `json:"direction"`
	MaxPages  int       `json:"max_pages"`
}

// Normalize trims and deduplicates formats and fills defaults.
func (r SweepRequest) Normalize() SweepRequest {
	out := SweepRequest{Direction: r.Direction, MaxPages: r.MaxPages}
	for _, f := range r.Formats {
		f = strings.TrimSpace(f)
		if f == "" || slices.Contains(out.Formats, f) {
			continue
		}
		out.Formats = append(out.Formats, f)
	}
	if out.Direction == 0 {
		out.Direction = Newer
	}
	if out.MaxPages == 0 {
		out.MaxPages = DefaultMaxPages
	}
	return out
}

// Validate checks a normalized request.
func (r SweepRequest) Validate() error {
	if len(r.Formats) == 0 {
		return errors.New("at least one format is required")
	}
	if !r.Direction.Valid() {
		return fmt.Errorf("invalid direction %d", int(r.Direction))
	}
	if r.MaxPages < 1 {
		return fmt.Errorf("max_pages must be >= 1, got %d", r.MaxPages)
	}
	return nil
}

// FormatReport is the per-format outcome of a run.
type FormatReport struct {
	Format         string         `json:"format"`
	Direction      Direction      `json:"direction"`
	Source         BoundarySource `json:"boundary_source"`
	BoundaryBefore int64          `json:"boundary_before"`
	BoundaryAfter  int64          `json:"boundary_after"`
	Advanced       bool           `json:"advanced"`
	Pages          int            `json:"pages"`
	Discovered     int            `json:"discovered"`
	Downloads      DownloadStats  `json:"downloads"`
	PageErrors     int            `json:"page_errors"`
	Stop           StopReason     `json:"stop"`
	LastError      string         `json:"last_error,omitempty"`
	FailedReplays  []string       `json:"failed_replays,omitempty"`
}

// Errors counts page and replay failures.
func (f FormatReport) Errors() int {
	return f.PageErrors + f.Downloads.Failed
}

// Report summarizes a whole run.
type Report struct {
	Direction   Direction                `json:"direction"`
	State       State                    `json:"state"`
	Interrupted bool                     `json:"interrupted"`
	StartedAt   time.Time                `json:"started_at"`
	FinishedAt  time.Time                `json:"finished_at"`
	Formats     map[string]*FormatReport `json:"formats"`
}

// Totals aggregates a report across formats.
type Totals struct {
	Formats    int `json:"formats"`
	Pages      int `json:"pages"`
	Discovered int `json:"discovered"`
	Downloaded int `json:"downloaded"`
	Errors     int `json:"errors"`
}

// Totals sums every format report.
func (r Report) Totals() Totals {
	t := Totals{Formats: len(r.Formats)}
	for _, f := range r.Formats {
		t.Pages += f.Pages
		t.Discovered += f.Discovered
		t.Downloaded += f.Downloads.Succeeded
		t.Errors += f.Errors()
	}
	return t
}

// OrchestratorConfig tunes checkpoint flushing and format fan-out.
type OrchestratorConfig struct {
	// CheckpointEveryPages flushes Newer boundaries after this many settled
	// pages. Zero disables periodic flushes.
	CheckpointEveryPages int
	FormatConcurrency    int
	// FlushTimeout bounds each checkpoint write. Writes run detached from the
	// run context so an interrupt cannot cut one short.
	FlushTimeout time.Duration
	// Topic receives one summary per format when a publisher is configured.
	Topic string
}

// Orchestrator runs sweeps across formats and owns checkpoint finalization.
type Orchestrator struct {
	store      CheckpointStore
	scanner    *Scanner
	engine     *Engine
	discoverer *Discoverer
	publisher  Publisher
	clock      Clock
	cfg        OrchestratorConfig
	logger     *zap.Logger

	running atomic.Bool
	mu      sync.RWMutex
	state   State
}

// NewOrchestrator wires the sweep components together. publisher and
// discoverer may be nil.
func NewOrchestrator(
	store CheckpointStore,
	scanner *Scanner,
	engine *Engine,
	discoverer *Discoverer,
	publisher Publisher,
	clock Clock,
	cfg OrchestratorConfig,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.FormatConcurrency <= 0 {
		cfg.FormatConcurrency = defaultFormatConcurrency
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = defaultFlushTimeout
	}
	if cfg.CheckpointEveryPages < 0 {
		cfg.CheckpointEveryPages = 0
	}
	if clock == nil {
		clock = wallClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:      store,
		scanner:    scanner,
		engine:     engine,
		discoverer: discoverer,
		publisher:  publisher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
		state:      StateIdle,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.logger.Debug("orchestrator state", zap.String("state", string(s)))
}

// boundaryUpdate is a checkpoint value a format is allowed to persist.
type boundaryUpdate struct {
	format string
	dir    Direction
	ts     int64
}

// Run executes one sweep. Canceling ctx interrupts the run: downloads in
// flight settle, the boundaries of settled pages are flushed once, and the
// partial report is returned with a nil error. Only a checkpoint write
// failure (or failing to load checkpoints) produces an error.
func (o *Orchestrator) Run(ctx context.Context, req SweepRequest) (Report, error) {
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return Report{}, err
	}
	if !o.running.CompareAndSwap(false, true) {
		return Report{}, ErrSweepInProgress
	}
	defer o.running.Store(false)

	report := Report{
		Direction: req.Direction,
		StartedAt: o.clock.Now(),
		Formats:   make(map[string]*FormatReport, len(req.Formats)),
	}
	finish := func(err error) (Report, error) {
		report.FinishedAt = o.clock.Now()
		o.setState(StateDone)
		report.State = StateDone
		metrics.ObserveSweep(req.Direction.String(), sweepResult(report, err))
		return report, err
	}

	o.setState(StateInit)
	checkpoints, err := o.store.Load(ctx)
	if err != nil {
		return finish(fmt.Errorf("load checkpoints: %w", err))
	}
	for _, format := range req.Formats {
		report.Formats[format] = &FormatReport{Format: format, Direction: req.Direction}
	}

	o.setState(StateSweeping)
	o.logger.Info("sweep started",
		zap.Strings("formats", req.Formats),
		zap.Stringer("direction", req.Direction),
		zap.Int("max_pages", req.MaxPages),
	)
	updates := make([]*boundaryUpdate, len(req.Formats))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.FormatConcurrency)
	for i, format := range req.Formats {
		g.Go(func() error {
			u, err := o.sweepFormat(gctx, req, format, checkpoints, report.Formats[format])
			updates[i] = u
			return err
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Error("sweep aborted", zap.Error(err))
		return finish(err)
	}

	pending := make([]boundaryUpdate, 0, len(updates))
	for _, u := range updates {
		if u != nil {
			pending = append(pending, *u)
		}
	}

	if ctx.Err() != nil {
		o.setState(StateInterrupted)
		report.Interrupted = true
		o.logger.Warn("sweep interrupted, flushing settled boundaries", zap.Int("formats", len(pending)))
	} else {
		o.setState(StateFinalizing)
	}
	after, err := o.persist(ctx, pending)
	if err != nil {
		o.logger.Error("checkpoint finalize failed", zap.Error(err))
		return finish(err)
	}
	for format, ts := range after {
		rep := report.Formats[format]
		rep.BoundaryAfter = ts
		rep.Advanced = ts != rep.BoundaryBefore
	}

	o.publish(ctx, report)
	totals := report.Totals()
	o.logger.Info("sweep finished",
		zap.Stringer("direction", req.Direction),
		zap.Bool("interrupted", report.Interrupted),
		zap.Int("pages", totals.Pages),
		zap.Int("discovered", totals.Discovered),
		zap.Int("downloaded", totals.Downloaded),
		zap.Int("errors", totals.Errors),
	)
	return finish(nil)
}

// sweepFormat scans one format and returns the boundary it may persist, or
// nil when its checkpoint must stay untouched.
func (o *Orchestrator) sweepFormat(
	ctx context.Context,
	req SweepRequest,
	format string,
	checkpoints Checkpoints,
	rep *FormatReport,
) (*boundaryUpdate, error) {
	dir := req.Direction
	logger := o.logger.With(zap.String("format", format), zap.Stringer("direction", dir))

	boundary, known := checkpoints.Get(format, dir)
	created := false
	// Listing requests spent before the scan count against the page budget.
	spent := 0
	rep.Source = SourceCheckpoint
	switch {
	case known:
	case dir.DiscoversBoundary() && o.discoverer != nil:
		ts, source, err := o.discoverer.OldestBoundary(ctx, format)
		rep.Source = source
		if err != nil {
			rep.LastError = err.Error()
			if ctx.Err() != nil {
				rep.Stop = StopInterrupted
				return nil, nil
			}
			rep.PageErrors++
			rep.Stop = StopPageError
			logger.Warn("boundary discovery failed", zap.Error(err))
			return nil, nil
		}
		if source == SourceNone {
			rep.Stop = StopExhausted
			logger.Info("nothing stored or listed, skipping format")
			return nil, nil
		}
		boundary, created = ts, true
		if source == SourceListing {
			spent = 1
		}
	default:
		rep.Source = SourceNone
	}
	rep.BoundaryBefore = boundary
	rep.BoundaryAfter = boundary

	settledPages := 0
	handle := func(ctx context.Context, page PageResult) error {
		stats := o.engine.Download(ctx, format, page.Fresh)
		for _, outcome := range stats.Outcomes {
			if !outcome.Succeeded() {
				rep.FailedReplays = append(rep.FailedReplays, outcome.ReplayID)
			}
		}
		stats.Outcomes = nil
		rep.Downloads.Merge(stats)
		if !stats.Complete() {
			return NewError(KindInterrupted, "download page", ctx.Err())
		}
		settledPages++
		if !dir.FlushesPeriodically() || o.cfg.CheckpointEveryPages == 0 ||
			settledPages%o.cfg.CheckpointEveryPages != 0 {
			return nil
		}
		after, err := o.persist(ctx, []boundaryUpdate{{format: format, dir: dir, ts: page.Extreme}})
		if err != nil {
			return err
		}
		rep.BoundaryAfter = after[format]
		logger.Debug("periodic checkpoint flush", zap.Int64("boundary", rep.BoundaryAfter))
		return nil
	}

	res, err := o.scanner.Scan(ctx, ScanRequest{
		Format:    format,
		Direction: dir,
		Boundary:  boundary,
		MaxPages:  req.MaxPages - spent,
	}, handle)
	rep.Pages = res.Pages + spent
	rep.Discovered = res.Discovered
	rep.Stop = res.Stop
	rep.PageErrors += res.PageErrors
	if res.LastErr != nil {
		rep.LastError = res.LastErr.Error()
	}
	if err != nil {
		return nil, err
	}

	target := finalBoundary(dir, boundary, res, rep.Downloads)
	logger.Info("format swept",
		zap.Int("pages", res.Pages),
		zap.Int("discovered", res.Discovered),
		zap.Int("downloaded", rep.Downloads.Succeeded),
		zap.Int("failed", rep.Downloads.Failed),
		zap.String("stop", string(res.Stop)),
		zap.Int64("boundary", boundary),
		zap.Int64("target", target),
	)
	if target == boundary && !created {
		return nil, nil
	}
	return &boundaryUpdate{format: format, dir: dir, ts: target}, nil
}

// finalBoundary applies the advancement rule: a Newer run that hit a page
// error keeps its boundary, and an Older run with no persisted replay keeps
// its boundary. Otherwise the boundary moves to the settled extreme.
func finalBoundary(dir Direction, boundary int64, res ScanResult, stats DownloadStats) int64 {
	if res.Stop == StopPageError && !dir.KeepsPartialProgress() {
		return boundary
	}
	if dir.RequiresSuccess() && stats.Succeeded == 0 {
		return boundary
	}
	return res.Settled
}

// persist advances the given boundaries in one store update and returns the
// resulting value per format. Advance never moves a boundary backward, so a
// stale update is a no-op.
func (o *Orchestrator) persist(ctx context.Context, updates []boundaryUpdate) (map[string]int64, error) {
	after := make(map[string]int64, len(updates))
	if len(updates) == 0 {
		return after, nil
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlushTimeout)
	defer cancel()

	err := o.store.Update(wctx, func(cps Checkpoints) error {
		for _, u := range updates {
			cps.Advance(u.format, u.dir, u.ts)
			after[u.format], _ = cps.Get(u.format, u.dir)
		}
		return nil
	})
	if err != nil {
		metrics.ObserveCheckpointWrite("error")
		return nil, fmt.Errorf("%w: %w", ErrCheckpointWrite, err)
	}
	metrics.ObserveCheckpointWrite("ok")
	for _, u := range updates {
		metrics.SetBoundary(u.format, u.dir.String(), after[u.format])
	}
	return after, nil
}

// publish sends one summary per format. Failures are logged only.
func (o *Orchestrator) publish(ctx context.Context, report Report) {
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.FlushTimeout)
	defer cancel()
	for _, rep := range report.Formats {
		payload := map[string]any{
			"format":          rep.Format,
			"direction":       rep.Direction.String(),
			"interrupted":     report.Interrupted,
			"boundary_before": rep.BoundaryBefore,
			"boundary_after":  rep.BoundaryAfter,
			"pages":           rep.Pages,
			"discovered":      rep.Discovered,
			"downloaded":      rep.Downloads.Succeeded,
			"errors":          rep.Errors(),
			"stop":            string(rep.Stop),
			"started_at":      report.StartedAt,
		}
		id, err := o.publisher.Publish(pctx, o.cfg.Topic, payload)
		if err != nil {
			o.logger.Warn("publish summary failed", zap.String("format", rep.Format), zap.Error(err))
			continue
		}
		o.logger.Debug("summary published", zap.String("format", rep.Format), zap.String("message_id", id))
	}
}

func sweepResult(report Report, err error) string {
	switch {
	case err != nil:
		return "error"
	case report.Interrupted:
		return "interrupted"
	default:
		return "ok"
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }
