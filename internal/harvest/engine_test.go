package harvest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEngine_FailureDoesNotAbortBatch(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.fail["b"] = NewError(KindNotFound, "fetch replay b", nil)
	blobs := newFakeBlobs()
	engine := NewEngine(fetcher, blobs, EngineConfig{Concurrency: 2}, zap.NewNop())

	stats := engine.Download(context.Background(), "gen9ou",
		[]ListingEntry{entry("a", 1709251200), entry("b", 1709251300), entry("c", 1709337600)})

	require.Equal(t, 3, stats.Attempted)
	require.Equal(t, 2, stats.Succeeded)
	require.Equal(t, 1, stats.Failed)
	require.True(t, stats.Complete())
	require.Equal(t, []string{"a", "b", "c"}, fetcher.fetched())
	require.Contains(t, blobs.objects, "gen9ou/2024-03-01/a.json")
	require.Contains(t, blobs.objects, "gen9ou/2024-03-02/c.json")
	require.NotContains(t, blobs.objects, "gen9ou/2024-03-01/b.json")

	var failed []string
	for _, o := range stats.Outcomes {
		if !o.Succeeded() {
			failed = append(failed, o.ReplayID)
			require.ErrorIs(t, o.Err, ErrNotFound)
		}
	}
	require.Equal(t, []string{"b"}, failed)
}

func TestEngine_InvalidPayloadIsDecodeFailure(t *testing.T) {
	t.Parallel()

	fetcher := newFakeFetcher()
	fetcher.raw["bad"] = []byte("<html>rate limited</html>")
	blobs := newFakeBlobs()
	stats := NewEngine(fetcher, blobs, EngineConfig{}, nil).
		Download(context.Background(), "F", []ListingEntry{entry("bad", 1)})

	require.Equal(t, 1, stats.Failed)
	require.ErrorIs(t, stats.Outcomes[0].Err, ErrDecode)
	require.Zero(t, blobs.count())
}

func TestEngine_StorageFailureCounted(t *testing.T) {
	t.Parallel()

	blobs := newFakeBlobs()
	blobs.err = errors.New("disk full")
	stats := NewEngine(newFakeFetcher(), blobs, EngineConfig{}, nil).
		Download(context.Background(), "F", []ListingEntry{entry("a", 1), entry("b", 2)})

	require.Equal(t, 2, stats.Failed)
	require.Zero(t, stats.Succeeded)
}

func TestEngine_RefetchIsIdempotent(t *testing.T) {
	t.Parallel()

	blobs := newFakeBlobs()
	engine := NewEngine(newFakeFetcher(), blobs, EngineConfig{}, nil)
	batch := []ListingEntry{entry("a", 1709251200)}

	first := engine.Download(context.Background(), "F", batch)
	stored := append([]byte(nil), blobs.objects["F/2024-03-01/a.json"]...)
	second := engine.Download(context.Background(), "F", batch)

	require.Equal(t, 1, first.Succeeded)
	require.Equal(t, 1, second.Succeeded)
	require.Equal(t, stored, blobs.objects["F/2024-03-01/a.json"])
	require.Equal(t, 2, blobs.puts["F/2024-03-01/a.json"])
}

func TestEngine_CanceledItemsAreSkipped(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fetcher := newFakeFetcher()
	fetcher.onFetch = func(id string) {
		if id == "a" {
			cancel()
		}
	}
	stats := NewEngine(fetcher, newFakeBlobs(), EngineConfig{Concurrency: 1}, nil).
		Download(ctx, "F", []ListingEntry{entry("a", 1), entry("b", 2), entry("c", 3)})

	require.False(t, stats.Complete())
	require.Equal(t, 3, stats.Skipped)
	require.Zero(t, stats.Failed)
	require.Zero(t, stats.Attempted)
}
