package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"id":"a"}`)
	uri, err := store.PutObject(context.Background(), "gen9ou/2024-03-01/a.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://gen9ou/2024-03-01/a.json", uri)

	payload[0] = 'X'
	got, err := store.GetObject(context.Background(), "gen9ou/2024-03-01/a.json")
	require.NoError(t, err)
	require.Equal(t, `{"id":"a"}`, string(got))
}

func TestBlobStoreArchiveListing(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewBlobStore()
	for _, p := range []string{"F/2024-03-02/b.json", "F/2024-03-01/a.json", "G/2024-01-01/c.json"} {
		_, err := store.PutObject(ctx, p, "application/json", bytes.NewReader([]byte("{}")))
		require.NoError(t, err)
	}

	dates, err := store.ListDates(ctx, "F")
	require.NoError(t, err)
	require.Equal(t, []string{"2024-03-01", "2024-03-02"}, dates)

	objects, err := store.ListObjects(ctx, "F", "2024-03-01")
	require.NoError(t, err)
	require.Equal(t, []string{"F/2024-03-01/a.json"}, objects)
	require.Equal(t, 3, store.Len())

	_, err = store.GetObject(ctx, "missing")
	require.Error(t, err)
	_, err = store.PutObject(ctx, " ", "", bytes.NewReader(nil))
	require.Error(t, err)
}
