// Package app initializes and holds long-lived application services, acting as
// a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	gcstorage "cloud.google.com/go/storage"
	gpubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/replay-harvester/internal/checkpoint/file"
	memorycheckpoint "github.com/JakeFAU/replay-harvester/internal/checkpoint/memory"
	"github.com/JakeFAU/replay-harvester/internal/checkpoint/postgres"
	"github.com/JakeFAU/replay-harvester/internal/checkpoint/sqlite"
	"github.com/JakeFAU/replay-harvester/internal/clock/system"
	"github.com/JakeFAU/replay-harvester/internal/config"
	"github.com/JakeFAU/replay-harvester/internal/harvest"
	"github.com/JakeFAU/replay-harvester/internal/metrics"
	pubsubpublisher "github.com/JakeFAU/replay-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/replay-harvester/internal/ratelimit"
	"github.com/JakeFAU/replay-harvester/internal/showdown"
	"github.com/JakeFAU/replay-harvester/internal/storage/gcs"
	"github.com/JakeFAU/replay-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/replay-harvester/internal/storage/memory"
)

// Archive is a blob store whose stored replays can be read back.
type Archive interface {
	harvest.BlobStore
	harvest.ArchiveReader
}

// App holds the shared, long-lived services of one process.
type App struct {
	Config       config.Config
	Logger       *zap.Logger
	Checkpoints  harvest.CheckpointStore
	Archive      Archive
	Publisher    harvest.Publisher
	Client       *showdown.Client
	Orchestrator *harvest.Orchestrator

	closers []func() error
}

// Option overrides a backend the config would otherwise build.
type Option func(*options)

type options struct {
	checkpoints harvest.CheckpointStore
	archive     Archive
	publisher   harvest.Publisher
	clock       harvest.Clock
	closers     []func() error
}

// WithCheckpointStore injects the checkpoint store.
func WithCheckpointStore(s harvest.CheckpointStore) Option {
	return func(o *options) { o.checkpoints = s }
}

// WithArchive injects the replay blob store.
func WithArchive(a Archive) Option {
	return func(o *options) { o.archive = a }
}

// WithPublisher injects the sweep summary publisher.
func WithPublisher(p harvest.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithCloser registers fn to run on Close, after every backend New opened.
func WithCloser(fn func() error) Option {
	return func(o *options) { o.closers = append(o.closers, fn) }
}

// WithClock injects the clock.
func WithClock(c harvest.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New builds every service from cfg. It fails fast when a configured backend
// cannot be initialized and releases whatever it already opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger, closers: o.closers}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.Checkpoints = o.checkpoints
	if a.Checkpoints == nil {
		if a.Checkpoints, err = a.newCheckpointStore(ctx); err != nil {
			return nil, err
		}
	}
	a.Archive = o.archive
	if a.Archive == nil {
		if a.Archive, err = a.newArchive(ctx); err != nil {
			return nil, err
		}
	}
	a.Publisher = o.publisher
	if a.Publisher == nil {
		if a.Publisher, err = a.newPublisher(ctx); err != nil {
			return nil, err
		}
	}
	clock := o.clock
	if clock == nil {
		clock = system.New()
	}

	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		Burst:             cfg.HTTP.Burst,
	})
	a.Client, err = showdown.New(showdown.Config{
		BaseURL:        cfg.Showdown.BaseURL,
		PageSize:       cfg.Showdown.PageSize,
		UserAgent:      cfg.HTTP.UserAgent,
		Timeout:        cfg.RequestTimeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: time.Duration(cfg.HTTP.BackoffInitialMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.HTTP.BackoffMaxMs) * time.Millisecond,
	}, limiter, logger.Named("showdown"))
	if err != nil {
		return nil, fmt.Errorf("build showdown client: %w", err)
	}

	scanner := harvest.NewScanner(a.Client, logger.Named("scanner"))
	engine := harvest.NewEngine(a.Client, a.Archive, harvest.EngineConfig{
		Concurrency: cfg.Harvest.DownloadConcurrency,
	}, logger.Named("engine"))
	discoverer := harvest.NewDiscoverer(a.Archive, a.Client, logger.Named("discovery"))
	a.Orchestrator = harvest.NewOrchestrator(
		a.Checkpoints,
		scanner,
		engine,
		discoverer,
		a.Publisher,
		clock,
		harvest.OrchestratorConfig{
			CheckpointEveryPages: cfg.Harvest.CheckpointEveryPages,
			FormatConcurrency:    cfg.Harvest.FormatConcurrency,
			FlushTimeout:         cfg.FlushTimeout(),
			Topic:                cfg.PubSub.TopicName,
		},
		logger.Named("orchestrator"),
	)

	logger.Info("application services initialized",
		zap.String("checkpoint_backend", cfg.Checkpoint.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("publishing", a.Publisher != nil && cfg.PubSub.TopicName != ""),
	)
	return a, nil
}

func (a *App) newCheckpointStore(ctx context.Context) (harvest.CheckpointStore, error) {
	cfg := a.Config
	switch cfg.Checkpoint.Backend {
	case config.CheckpointFile:
		s, err := file.New(cfg.Checkpoint.Path)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint file: %w", err)
		}
		a.Logger.Info("using file checkpoint store", zap.String("path", s.Path()))
		return s, nil
	case config.CheckpointPostgres:
		s, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			Table:    cfg.DB.Table,
			MaxConns: int32(max(cfg.DB.MaxOpenConns, 0)),
		})
		if err != nil {
			return nil, fmt.Errorf("open checkpoint database: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("ensure checkpoint schema: %w", err)
		}
		a.Logger.Info("using postgres checkpoint store", zap.String("table", cfg.DB.Table))
		return s, nil
	case config.CheckpointSQLite:
		s, err := sqlite.Open(ctx, cfg.Checkpoint.Path)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint sqlite: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.Logger.Info("using sqlite checkpoint store", zap.String("path", cfg.Checkpoint.Path))
		return s, nil
	case config.CheckpointMemory:
		a.Logger.Warn("using in-memory checkpoint store, boundaries are lost on exit")
		return memorycheckpoint.New(nil), nil
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s", cfg.Checkpoint.Backend)
	}
}

func (a *App) newArchive(ctx context.Context) (Archive, error) {
	cfg := a.Config
	switch cfg.Storage.Backend {
	case config.StorageLocal:
		dir := filepath.Join(cfg.Storage.BaseDir, cfg.Storage.Prefix)
		s, err := local.New(local.Config{BaseDir: dir})
		if err != nil {
			return nil, fmt.Errorf("open local storage: %w", err)
		}
		a.Logger.Info("using local replay storage", zap.String("dir", dir))
		return s, nil
	case config.StorageGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket, Prefix: cfg.Storage.Prefix})
		if err != nil {
			return nil, fmt.Errorf("open gcs storage: %w", err)
		}
		a.Logger.Info("using gcs replay storage", zap.String("bucket", cfg.Storage.GCSBucket))
		return s, nil
	case config.StorageMemory:
		a.Logger.Warn("using in-memory replay storage, replays are lost on exit")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Storage.Backend)
	}
}

// newPublisher returns nil when no topic is configured.
func (a *App) newPublisher(ctx context.Context) (harvest.Publisher, error) {
	cfg := a.Config.PubSub
	if cfg.TopicName == "" {
		return nil, nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	p := pubsubpublisher.New(client)
	a.closers = append(a.closers, p.Close)
	a.Logger.Info("publishing sweep summaries", zap.String("topic", cfg.TopicName))
	return p, nil
}

// Close releases every backend in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Logger.Warn("error closing application services", zap.Error(err))
		return err
	}
	return nil
}
