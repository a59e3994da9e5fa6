package harvest

import (
	"context"
	"maps"
)

// Checkpoints is the whole checkpoint document: "{format}" holds the newer
// boundary and "{format}_oldest" the older one, both in epoch seconds.
type Checkpoints map[string]int64

// Get returns the boundary stored for format in direction d.
func (c Checkpoints) Get(format string, d Direction) (int64, bool) {
	ts, ok := c[d.Key(format)]
	return ts, ok
}

// Advance stores ts for (format, d) when the key is missing or ts moves the
// boundary further in d. It returns whether the document changed, so a stale
// writer can never move a boundary backwards.
func (c Checkpoints) Advance(format string, d Direction, ts int64) bool {
	key := d.Key(format)
	current, ok := c[key]
	if ok && !d.Beyond(ts, current) {
		return false
	}
	c[key] = ts
	return true
}

// Clone returns an independent copy.
func (c Checkpoints) Clone() Checkpoints {
	if c == nil {
		return Checkpoints{}
	}
	return maps.Clone(c)
}

// CheckpointStore persists the checkpoint document. Update must perform an
// atomic whole-document read-modify-write and serialize concurrent callers.
type CheckpointStore interface {
	Load(ctx context.Context) (Checkpoints, error)
	Update(ctx context.Context, mutate func(Checkpoints) error) error
}
