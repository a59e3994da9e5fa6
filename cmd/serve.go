package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/replay-harvester/internal/api"
	"github.com/JakeFAU/replay-harvester/internal/app"
	"github.com/JakeFAU/replay-harvester/internal/clock/system"
	"github.com/JakeFAU/replay-harvester/internal/id/uuid"
	"github.com/JakeFAU/replay-harvester/internal/sweeps"
)

const (
	sweepHistory    = 100
	shutdownTimeout = 10 * time.Second
)

// newServeCmd creates the 'serve' subcommand, which exposes the HTTP control
// plane until the process is signaled.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serves the HTTP control plane",
		Long: `Starts the HTTP server exposing health probes, Prometheus metrics,
the checkpoint document and the sweep API (POST /v1/sweeps).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", fmt.Sprintf(":%d", appInstance.Config.Server.Port))
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}
			return serve(cmd.Context(), ln, appInstance)
		},
	}
}

// serve runs the API on ln until ctx is canceled, then drains requests and
// waits for a running sweep to checkpoint.
func serve(ctx context.Context, ln net.Listener, a *app.App) error {
	logger := a.Logger
	manager := sweeps.NewManager(
		ctx,
		a.Orchestrator,
		sweeps.NewRegistry(sweepHistory),
		uuid.New(),
		system.New(),
		sweeps.Defaults{Formats: a.Config.Harvest.Formats, MaxPages: a.Config.Harvest.MaxPages},
		logger.Named("sweeps"),
	)
	apiServer := api.NewServer(manager, a.Checkpoints, a.Config, logger.Named("api"))
	srv := &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case serveErr = <-errCh:
		logger.Error("http server error", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if !manager.Wait(shutdownTimeout) {
		logger.Warn("sweep still running at shutdown")
	}
	if serveErr != nil {
		return fmt.Errorf("serve http: %w", serveErr)
	}
	return nil
}
