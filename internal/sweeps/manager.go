package sweeps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

// ErrInvalidRequest marks a request rejected before it was started.
var ErrInvalidRequest = errors.New("invalid sweep request")

// Runner executes one sweep to completion.
type Runner interface {
	Run(ctx context.Context, req harvest.SweepRequest) (harvest.Report, error)
}

// IDGenerator produces sweep IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// Defaults fill the fields a submitted request leaves empty.
type Defaults struct {
	Formats  []string
	MaxPages int
}

// Manager starts sweeps in the background, one at a time, and records them
// in a Registry.
type Manager struct {
	runner   Runner
	registry *Registry
	ids      IDGenerator
	clock    harvest.Clock
	defaults Defaults
	logger   *zap.Logger

	baseCtx context.Context
	busy    atomic.Bool
	wg      sync.WaitGroup
}

// NewManager builds a Manager. Sweeps run under ctx, so canceling it
// interrupts whatever sweep is in flight.
func NewManager(
	ctx context.Context,
	runner Runner,
	registry *Registry,
	ids IDGenerator,
	clock harvest.Clock,
	defaults Defaults,
	logger *zap.Logger,
) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		runner:   runner,
		registry: registry,
		ids:      ids,
		clock:    clock,
		defaults: defaults,
		logger:   logger,
		baseCtx:  ctx,
	}
}

// Submit validates req and starts it in the background. It fails with
// harvest.ErrSweepInProgress while another submitted sweep runs.
func (m *Manager) Submit(req harvest.SweepRequest) (Sweep, error) {
	if len(req.Formats) == 0 {
		req.Formats = append([]string(nil), m.defaults.Formats...)
	}
	if req.MaxPages == 0 {
		req.MaxPages = m.defaults.MaxPages
	}
	req = req.Normalize()
	if err := req.Validate(); err != nil {
		return Sweep{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !m.busy.CompareAndSwap(false, true) {
		return Sweep{}, harvest.ErrSweepInProgress
	}

	id, err := m.ids.NewID()
	if err != nil {
		m.busy.Store(false)
		return Sweep{}, fmt.Errorf("generate sweep id: %w", err)
	}
	s := Sweep{ID: id, Request: req, Submitted: m.clock.Now()}
	if err := m.registry.Create(s); err != nil {
		m.busy.Store(false)
		return Sweep{}, err
	}
	s.Status = StatusRunning

	m.wg.Add(1)
	go m.run(s)
	return s, nil
}

func (m *Manager) run(s Sweep) {
	defer m.wg.Done()
	defer m.busy.Store(false)

	logger := m.logger.With(zap.String("sweep_id", s.ID))
	logger.Info("sweep submitted", zap.Strings("formats", s.Request.Formats), zap.Stringer("direction", s.Request.Direction))
	report, err := m.runner.Run(m.baseCtx, s.Request)
	if err != nil {
		logger.Error("sweep failed", zap.Error(err))
	}
	if ferr := m.registry.Finish(s.ID, report, err, m.clock.Now()); ferr != nil {
		logger.Warn("record sweep outcome failed", zap.Error(ferr))
	}
}

// Get returns a submitted sweep.
func (m *Manager) Get(id string) (Sweep, error) {
	return m.registry.Get(id)
}

// List returns every remembered sweep.
func (m *Manager) List() []Sweep {
	return m.registry.List()
}

// Busy reports whether a submitted sweep is running.
func (m *Manager) Busy() bool {
	return m.busy.Load()
}

// Wait blocks until every submitted sweep finished or timeout elapsed.
func (m *Manager) Wait(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
