package harvest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyFor_UsesUTCDateOfReplay(t *testing.T) {
	t.Parallel()

	// 2024-03-01T23:30:00Z
	key := KeyFor("gen9ou", entry("gen9ou-2071234567", 1709335800))
	require.Equal(t, "2024-03-01", key.Date)
	require.Equal(t, "gen9ou/2024-03-01/gen9ou-2071234567.json", key.Path())
}

func TestBatch_DeduplicatesByReplayID(t *testing.T) {
	t.Parallel()

	b := NewBatch()
	require.True(t, b.Add(entry("a", 1)))
	require.True(t, b.Add(entry("b", 2)))
	require.False(t, b.Add(entry("a", 3)))
	require.Equal(t, 2, b.Len())
	require.Equal(t, []ListingEntry{entry("a", 1), entry("b", 2)}, b.Entries())
}

func TestDownloadStats_Merge(t *testing.T) {
	t.Parallel()

	s := DownloadStats{Attempted: 2, Succeeded: 1, Failed: 1, Bytes: 10}
	s.Merge(DownloadStats{Attempted: 1, Succeeded: 1, Skipped: 2, Bytes: 5})
	require.Equal(t, 3, s.Attempted)
	require.Equal(t, 2, s.Succeeded)
	require.Equal(t, int64(15), s.Bytes)
	require.False(t, s.Complete())
}
