package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/replay-harvester/internal/app"
	"github.com/JakeFAU/replay-harvester/internal/config"
	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

func TestMain(m *testing.M) {
	newLogger = func(bool) (*zap.Logger, error) { return zap.NewNop(), nil }
	os.Exit(m.Run())
}

func newShowdown(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/search.json" {
			_, _ = w.Write([]byte(`[{"id":"gen9ou-3","uploadtime":1700000300},` +
				`{"id":"gen9ou-2","uploadtime":1700000200},{"id":"gen9ou-1","uploadtime":1700000100}]`))
			return
		}
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
		_, _ = fmt.Fprintf(w, `{"id":%q}`, id)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, dir, baseURL string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf(`
harvest:
  formats: [gen9ou]
showdown:
  base_url: %s
http:
  requests_per_second: 1000
  max_retries: 0
checkpoint:
  backend: file
  path: %s
storage:
  backend: memory
`, baseURL, filepath.Join(dir, "checkpoints.json"))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := executeRoot(context.Background(), root)
	return out.String(), err
}

func TestSweepCommandWritesReportAndCheckpoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, newShowdown(t).URL)

	out, err := execute(t, "--config", cfgPath, "sweep", "--direction", "newer", "--max-pages", "2")
	require.NoError(t, err)

	var got sweepOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Equal(t, 3, got.Totals.Downloaded)
	require.Equal(t, 1, got.Totals.Formats)
	require.False(t, got.Report.Interrupted)

	raw, err := os.ReadFile(filepath.Join(dir, "checkpoints.json"))
	require.NoError(t, err)
	require.JSONEq(t, `{"gen9ou":1700000300}`, string(raw))

	out, err = execute(t, "--config", cfgPath, "checkpoints")
	require.NoError(t, err)
	require.JSONEq(t, `{"gen9ou":1700000300}`, out)
}

func TestSweepCommandFormatsFlagOverridesConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, newShowdown(t).URL)

	out, err := execute(t, "--config", cfgPath, "sweep", "--formats", "gen9ou,gen9randombattle", "--direction", "older")
	require.NoError(t, err)

	var got sweepOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Report.Formats, 2)
	require.Contains(t, got.Report.Formats, "gen9randombattle")
}

func TestSweepCommandRejectsBadDirection(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfgPath := writeConfig(t, dir, "http://127.0.0.1:1")

	_, err := execute(t, "--config", cfgPath, "sweep", "--direction", "sideways")
	require.ErrorContains(t, err, "harvest.direction")
}

type unreadableStore struct{}

func (unreadableStore) Load(context.Context) (harvest.Checkpoints, error) {
	return nil, errors.New("disk gone")
}

func (unreadableStore) Update(context.Context, func(harvest.Checkpoints) error) error {
	return nil
}

// Not parallel: swaps the package-level app factory.
func TestFailedSweepStillClosesApp(t *testing.T) {
	var closed atomic.Int32
	orig := newApp
	newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app.App, error) {
		return app.New(ctx, cfg, logger,
			app.WithCheckpointStore(unreadableStore{}),
			app.WithCloser(func() error { closed.Add(1); return nil }),
		)
	}
	t.Cleanup(func() { newApp = orig })

	cfgPath := writeConfig(t, t.TempDir(), "http://127.0.0.1:1")
	_, err := execute(t, "--config", cfgPath, "sweep")
	require.ErrorContains(t, err, "disk gone")
	require.Equal(t, int32(1), closed.Load())

	_, err = execute(t, "--config", cfgPath, "checkpoints")
	require.ErrorContains(t, err, "disk gone")
	require.Equal(t, int32(2), closed.Load())
}

func TestServeAcceptsSweepsUntilCanceled(t *testing.T) {
	t.Parallel()

	srv := newShowdown(t)
	cfg, err := config.LoadWith(newViperFor(srv.URL), "")
	require.NoError(t, err)
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, ln, a) }()

	base := "http://" + ln.Addr().String()
	resp, err := http.Post(base+"/v1/sweeps", "application/json", strings.NewReader(`{"formats":["gen9ou"]}`))
	require.NoError(t, err)
	var accepted map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&accepted))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.NotEmpty(t, accepted["sweep_id"])

	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/sweeps/" + accepted["sweep_id"])
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status struct {
			Status string `json:"status"`
		}
		return json.NewDecoder(resp.Body).Decode(&status) == nil && status.Status == "succeeded"
	}, 5*time.Second, 20*time.Millisecond)

	resp, err = http.Get(base + "/v1/checkpoints")
	require.NoError(t, err)
	var cps struct {
		Checkpoints map[string]int64 `json:"checkpoints"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cps))
	require.NoError(t, resp.Body.Close())
	require.Equal(t, int64(1700000300), cps.Checkpoints["gen9ou"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}

func newViperFor(baseURL string) *viper.Viper {
	v := viper.New()
	v.Set("showdown.base_url", baseURL)
	v.Set("http.requests_per_second", 1000)
	v.Set("http.max_retries", 0)
	v.Set("checkpoint.backend", config.CheckpointMemory)
	v.Set("storage.backend", config.StorageMemory)
	return v
}
