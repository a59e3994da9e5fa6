package harvest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckpoints_AdvanceIsMonotonic(t *testing.T) {
	t.Parallel()

	cps := Checkpoints{}
	require.True(t, cps.Advance("gen9ou", Newer, 100))
	require.True(t, cps.Advance("gen9ou", Newer, 150))
	require.False(t, cps.Advance("gen9ou", Newer, 120))
	require.False(t, cps.Advance("gen9ou", Newer, 150))

	require.True(t, cps.Advance("gen9ou", Older, 90))
	require.True(t, cps.Advance("gen9ou", Older, 50))
	require.False(t, cps.Advance("gen9ou", Older, 70))

	require.Equal(t, Checkpoints{"gen9ou": 150, "gen9ou_oldest": 50}, cps)
}

func TestCheckpoints_GetMissing(t *testing.T) {
	t.Parallel()

	cps := Checkpoints{"gen9ou": 10}
	_, ok := cps.Get("gen9ou", Older)
	require.False(t, ok)
	v, ok := cps.Get("gen9ou", Newer)
	require.True(t, ok)
	require.Equal(t, int64(10), v)
}

func TestCheckpoints_CloneIsIndependent(t *testing.T) {
	t.Parallel()

	cps := Checkpoints{"a": 1}
	clone := cps.Clone()
	clone["a"] = 2
	require.Equal(t, int64(1), cps["a"])
	require.NotNil(t, Checkpoints(nil).Clone())
}
