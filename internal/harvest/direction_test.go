package harvest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseDirection(t *testing.T) {
	t.Parallel()

	cases := map[string]Direction{"newer": Newer, "NEWER": Newer, " older ": Older, "": Newer}
	for raw, want := range cases {
		got, err := ParseDirection(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	_, err := ParseDirection("sideways")
	require.Error(t, err)
}

func TestDirection_BeyondAndExtreme(t *testing.T) {
	t.Parallel()

	require.True(t, Newer.Beyond(101, 100))
	require.False(t, Newer.Beyond(100, 100))
	require.False(t, Newer.Beyond(99, 100))
	require.True(t, Older.Beyond(99, 100))
	require.False(t, Older.Beyond(100, 100))

	require.Equal(t, int64(120), Newer.Extreme(100, 120))
	require.Equal(t, int64(100), Older.Extreme(100, 120))
}

func TestDirection_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	require.Equal(t, "gen9ou", Newer.Key("gen9ou"))
	require.Equal(t, "gen9ou_oldest", Older.Key("gen9ou"))
	require.True(t, Newer.FlushesPeriodically())
	require.False(t, Older.FlushesPeriodically())
	require.True(t, Older.RequiresSuccess())
	require.False(t, Newer.RequiresSuccess())
}

func TestDirection_JSON(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(struct {
		D Direction `json:"d"`
	}{D: Older})
	require.NoError(t, err)
	require.JSONEq(t, `{"d":"older"}`, string(raw))

	var decoded struct {
		D Direction `json:"d"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"d":"newer"}`), &decoded))
	require.Equal(t, Newer, decoded.D)
	require.Error(t, json.Unmarshal([]byte(`{"d":"up"}`), &decoded))

	raw, err = json.Marshal(struct {
		D Direction `json:"d"`
	}{})
	require.NoError(t, err)
	require.JSONEq(t, `{"d":""}`, string(raw))

	_, err = Direction(9).MarshalText()
	require.Error(t, err)
	require.False(t, Direction(9).Valid())
}
