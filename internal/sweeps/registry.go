// Package sweeps tracks sweeps started through the HTTP API and runs them in
// the background.
package sweeps

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

// Status is the lifecycle position of a submitted sweep.
type Status string

// Sweep statuses.
const (
	StatusRunning     Status = "running"
	StatusSucceeded   Status = "succeeded"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// ErrNotFound is returned for unknown sweep IDs.
var ErrNotFound = errors.New("sweep not found")

// Sweep is the registry record of one submitted run.
type Sweep struct {
	ID        string               `json:"sweep_id"`
	Status    Status               `json:"status"`
	Request   harvest.SweepRequest `json:"request"`
	Submitted time.Time            `json:"submitted_at"`
	Finished  *time.Time           `json:"finished_at,omitempty"`
	Error     string               `json:"error,omitempty"`
	Report    *harvest.Report      `json:"report,omitempty"`
	Totals    *harvest.Totals      `json:"totals,omitempty"`
}

// Terminal reports whether the sweep has stopped running.
func (s Sweep) Terminal() bool {
	return s.Status != StatusRunning
}

// Registry is an in-memory record of sweeps, newest last.
type Registry struct {
	mu     sync.RWMutex
	sweeps map[string]Sweep
	order  []string
	limit  int
}

// NewRegistry constructs a Registry that remembers at most limit finished
// sweeps. A non-positive limit keeps everything.
func NewRegistry(limit int) *Registry {
	return &Registry{sweeps: make(map[string]Sweep), limit: limit}
}

// Create stores a new sweep in running status.
func (r *Registry) Create(s Sweep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sweeps[s.ID]; exists {
		return fmt.Errorf("sweep %s already exists", s.ID)
	}
	s.Status = StatusRunning
	r.sweeps[s.ID] = s
	r.order = append(r.order, s.ID)
	r.evictLocked()
	return nil
}

// Finish records the outcome of a run.
func (r *Registry) Finish(id string, report harvest.Report, runErr error, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sweeps[id]
	if !ok {
		return ErrNotFound
	}
	switch {
	case runErr != nil:
		s.Status = StatusFailed
		s.Error = runErr.Error()
	case report.Interrupted:
		s.Status = StatusInterrupted
	default:
		s.Status = StatusSucceeded
	}
	finished := at
	s.Finished = &finished
	if report.Formats != nil {
		totals := report.Totals()
		s.Report = &report
		s.Totals = &totals
	}
	r.sweeps[id] = s
	return nil
}

// Get fetches a sweep by ID.
func (r *Registry) Get(id string) (Sweep, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sweeps[id]
	if !ok {
		return Sweep{}, ErrNotFound
	}
	return s, nil
}

// List returns every remembered sweep in submission order.
func (r *Registry) List() []Sweep {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Sweep, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sweeps[id])
	}
	return out
}

// evictLocked drops the oldest finished sweeps beyond the limit. Running
// sweeps are never evicted.
func (r *Registry) evictLocked() {
	if r.limit <= 0 {
		return
	}
	for i := 0; len(r.order) > r.limit && i < len(r.order); {
		id := r.order[i]
		if !r.sweeps[id].Terminal() {
			i++
			continue
		}
		delete(r.sweeps, id)
		r.order = slices.Delete(r.order, i, i+1)
	}
}
