package harvest

import (
	"fmt"
	"strings"
)

// Direction selects which side of the stored boundary a sweep explores.
type Direction int

// Supported sweep directions.
const (
	Newer Direction = iota + 1
	Older
)

// directionRules carries the per-direction behavior so the scanner never
// branches on the direction itself.
type directionRules struct {
	name           string
	keySuffix      string
	beyond         func(ts, boundary int64) bool
	extreme        func(a, b int64) int64
	periodicFlush  bool
	requireSuccess bool
	discovers      bool
	keepsPartial   bool
}

var rules = map[Direction]directionRules{
	Newer: {
		name:          "newer",
		beyond:        func(ts, boundary int64) bool { return ts > boundary },
		extreme:       func(a, b int64) int64 { return max(a, b) },
		periodicFlush: true,
	},
	Older: {
		name:           "older",
		keySuffix:      "_oldest",
		beyond:         func(ts, boundary int64) bool { return ts < boundary },
		extreme:        func(a, b int64) int64 { return min(a, b) },
		requireSuccess: true,
		discovers:      true,
		keepsPartial:   true,
	},
}

// ParseDirection maps "newer"/"older" (case-insensitive) to a Direction.
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "newer", "":
		return Newer, nil
	case "older":
		return Older, nil
	default:
		return 0, fmt.Errorf("unknown direction %q", raw)
	}
}

func (d Direction) rules() directionRules {
	r, ok := rules[d]
	if !ok {
		panic(fmt.Sprintf("harvest: invalid direction %d", int(d)))
	}
	return r
}

// Valid reports whether d is one of the declared directions.
func (d Direction) Valid() bool {
	_, ok := rules[d]
	return ok
}

func (d Direction) String() string {
	if !d.Valid() {
		return fmt.Sprintf("direction(%d)", int(d))
	}
	return d.rules().name
}

// Beyond reports whether ts lies strictly past boundary in this direction.
func (d Direction) Beyond(ts, boundary int64) bool {
	return d.rules().beyond(ts, boundary)
}

// Extreme returns the more extreme of the two timestamps.
func (d Direction) Extreme(a, b int64) int64 {
	return d.rules().extreme(a, b)
}

// Key returns the checkpoint document key for a format in this direction.
func (d Direction) Key(format string) string {
	return format + d.rules().keySuffix
}

// FlushesPeriodically reports whether mid-sweep checkpoint flushes are allowed.
func (d Direction) FlushesPeriodically() bool {
	return d.rules().periodicFlush
}

// RequiresSuccess reports whether the boundary may only move after at least
// one replay of the run was persisted.
func (d Direction) RequiresSuccess() bool {
	return d.rules().requireSuccess
}

// DiscoversBoundary reports whether a missing checkpoint is derived from
// stored data instead of starting from zero.
func (d Direction) DiscoversBoundary() bool {
	return d.rules().discovers
}

// KeepsPartialProgress reports whether pages settled before a failed page may
// still move the boundary. Older sweeps walk away from the boundary, so the
// settled range is contiguous with it; Newer sweeps list from the top down and
// a failed page leaves a gap below everything already seen.
func (d Direction) KeepsPartialProgress() bool {
	return d.rules().keepsPartial
}

// MarshalText implements encoding.TextMarshaler. The zero Direction encodes
// as an empty string, so reports of runs that never started still marshal.
func (d Direction) MarshalText() ([]byte, error) {
	if d == 0 {
		return []byte{}, nil
	}
	if !d.Valid() {
		return nil, fmt.Errorf("invalid direction %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
