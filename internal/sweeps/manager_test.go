package sweeps

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

type blockingRunner struct {
	mu      sync.Mutex
	reqs    []harvest.SweepRequest
	release chan struct{}
	err     error
}

func (r *blockingRunner) Run(ctx context.Context, req harvest.SweepRequest) (harvest.Report, error) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return harvest.Report{Interrupted: true, Formats: map[string]*harvest.FormatReport{}}, nil
		}
	}
	return harvest.Report{Formats: map[string]*harvest.FormatReport{}}, r.err
}

func (r *blockingRunner) requests() []harvest.SweepRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]harvest.SweepRequest(nil), r.reqs...)
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("sweep-%d", g.n), nil
}

type stubClock struct{}

func (stubClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

func newTestManager(ctx context.Context, runner Runner) *Manager {
	return NewManager(ctx, runner, NewRegistry(0), &seqIDs{}, stubClock{}, Defaults{
		Formats:  []string{"gen9ou", "gen9randombattle"},
		MaxPages: 9,
	}, nil)
}

func waitTerminal(t *testing.T, m *Manager, id string) Sweep {
	t.Helper()
	var s Sweep
	require.Eventually(t, func() bool {
		var err error
		s, err = m.Get(id)
		return err == nil && s.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return s
}

func TestSubmitAppliesDefaults(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{}
	m := newTestManager(context.Background(), runner)

	s, err := m.Submit(harvest.SweepRequest{Direction: harvest.Older})
	require.NoError(t, err)
	require.Equal(t, "sweep-1", s.ID)
	require.Equal(t, StatusRunning, s.Status)

	final := waitTerminal(t, m, s.ID)
	require.Equal(t, StatusSucceeded, final.Status)
	require.Equal(t, []harvest.SweepRequest{{
		Formats:   []string{"gen9ou", "gen9randombattle"},
		Direction: harvest.Older,
		MaxPages:  9,
	}}, runner.requests())
}

func TestSubmitRejectsInvalid(t *testing.T) {
	t.Parallel()

	m := newTestManager(context.Background(), &blockingRunner{})
	_, err := m.Submit(harvest.SweepRequest{Formats: []string{"gen9ou"}, MaxPages: -1})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.False(t, m.Busy())
}

func TestSubmitRejectsConcurrentSweep(t *testing.T) {
	t.Parallel()

	runner := &blockingRunner{release: make(chan struct{})}
	m := newTestManager(context.Background(), runner)

	first, err := m.Submit(harvest.SweepRequest{})
	require.NoError(t, err)
	_, err = m.Submit(harvest.SweepRequest{})
	require.ErrorIs(t, err, harvest.ErrSweepInProgress)

	close(runner.release)
	waitTerminal(t, m, first.ID)
	require.True(t, m.Wait(time.Second))
	require.False(t, m.Busy())

	_, err = m.Submit(harvest.SweepRequest{})
	require.NoError(t, err)
	require.True(t, m.Wait(time.Second))
}

func TestSubmitRecordsFailure(t *testing.T) {
	t.Parallel()

	m := newTestManager(context.Background(), &blockingRunner{err: errors.New("checkpoint write failed")})
	s, err := m.Submit(harvest.SweepRequest{})
	require.NoError(t, err)

	final := waitTerminal(t, m, s.ID)
	require.Equal(t, StatusFailed, final.Status)
	require.Equal(t, "checkpoint write failed", final.Error)
}

func TestCancelingBaseContextInterruptsSweep(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	runner := &blockingRunner{release: make(chan struct{})}
	m := newTestManager(ctx, runner)

	s, err := m.Submit(harvest.SweepRequest{})
	require.NoError(t, err)
	cancel()

	final := waitTerminal(t, m, s.ID)
	require.Equal(t, StatusInterrupted, final.Status)
	require.Len(t, m.List(), 1)
}
