package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackzampolin/snapshelf/internal/blob"
	"github.com/jackzampolin/snapshelf/internal/catalog"
	"github.com/jackzampolin/snapshelf/internal/config"
	"github.com/jackzampolin/snapshelf/internal/defra"
	"github.com/jackzampolin/snapshelf/internal/home"
	"github.com/jackzampolin/snapshelf/internal/pipeline"
	"github.com/jackzampolin/snapshelf/internal/providers"
	"github.com/jackzampolin/snapshelf/internal/queue"
	"github.com/jackzampolin/snapshelf/internal/schema"
	"github.com/jackzampolin/snapshelf/internal/store"
)

// Runtime is the assembled store, queue and pipeline shared by the HTTP
// server and the local submit command.
type Runtime struct {
	Store     store.Store
	Queue     *queue.Queue
	Pipeline  *pipeline.Pipeline
	Blobs     pipeline.BlobStore
	Providers *providers.Registry

	// Set only for the defra store driver.
	DefraManager *defra.DockerManager
	DefraClient  *defra.Client

	logger *slog.Logger
}

// Build wires every collaborator named in cfg. The store is opened first
// and closed again if a later step fails.
func Build(ctx context.Context, cfg *config.Config, h *home.Dir, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := h.EnsureExists(); err != nil {
		return nil, err
	}
	rt := &Runtime{logger: logger}

	if err := rt.openStore(ctx, cfg, h); err != nil {
		return nil, err
	}
	ok := false
	defer func() {
		if !ok {
			rt.Close()
		}
	}()

	blobs, err := blob.New(ctx, cfg.BlobConfig(h.Path()), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob store: %w", err)
	}
	rt.Blobs = blobs

	registry, err := providers.NewRegistryFromConfig(cfg.ProvidersConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create providers: %w", err)
	}
	rt.Providers = registry

	rt.Queue = queue.New(rt.Store, append(cfg.QueueOptions(), queue.WithLogger(logger))...)

	pc := cfg.PipelineConfig()
	pc.SpoolDir = h.SpoolDir()
	pc.DownloadDir = h.DownloadsDir()
	deps := pipeline.Deps{
		Store:      rt.Store,
		Queue:      rt.Queue,
		Blobs:      blobs,
		Vision:     registry.Vision,
		Search:     catalog.NewGoogleBooks(cfg.GoogleBooksConfig(), logger),
		Catalog:    catalog.NewLibgen(cfg.LibgenConfig(), logger),
		Classifier: registry.Classifier,
		Formatter:  registry.Formatter,
		Logger:     logger,
	}
	if registry.OCR != nil {
		deps.OCR = registry.OCR
	}
	p, err := pipeline.New(pc, deps)
	if err != nil {
		return nil, err
	}
	rt.Pipeline = p

	ok = true
	return rt, nil
}

func (rt *Runtime) openStore(ctx context.Context, cfg *config.Config, h *home.Dir) error {
	switch cfg.Store.Driver {
	case "memory":
		rt.logger.Warn("using in-memory store, uploads are lost on exit")
		rt.Store = store.NewMemoryStore()

	case "sqlite", "":
		path := cfg.Store.Path
		if path == "" {
			path = h.DatabasePath()
		}
		s, err := store.OpenSQLite(ctx, path)
		if err != nil {
			return fmt.Errorf("failed to open sqlite store: %w", err)
		}
		rt.logger.Info("sqlite store opened", "path", path)
		rt.Store = s

	case "defra":
		mgr, err := NewDefraManager(cfg, h, rt.logger)
		if err != nil {
			return err
		}
		rt.DefraManager = mgr

		rt.logger.Info("starting DefraDB")
		if err := mgr.Start(ctx); err != nil {
			mgr.Close()
			return fmt.Errorf("failed to start DefraDB: %w", err)
		}
		rt.DefraClient = defra.NewClient(mgr.URL())
		rt.logger.Info("DefraDB is ready", "url", mgr.URL())

		if err := schema.Initialize(ctx, rt.DefraClient, rt.logger); err != nil {
			rt.stopDefra()
			return fmt.Errorf("schema initialization failed: %w", err)
		}
		rt.Store = store.NewDefraStore(rt.DefraClient)

	default:
		return fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	return nil
}

// NewDefraManager returns the docker manager for the configured DefraDB
// container, with its data under the home directory.
func NewDefraManager(cfg *config.Config, h *home.Dir, logger *slog.Logger) (*defra.DockerManager, error) {
	mgr, err := defra.NewDockerManager(defra.DockerConfig{
		ContainerName: cfg.Defra.ContainerName,
		Image:         cfg.Defra.Image,
		DataPath:      h.DefraDataPath(),
		HostPort:      cfg.Defra.Port,
		ReadyTimeout:  60 * time.Second,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create defra manager: %w", err)
	}
	return mgr, nil
}

func (rt *Runtime) stopDefra() {
	if rt.DefraManager == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt.logger.Info("stopping DefraDB")
	if err := rt.DefraManager.Stop(ctx); err != nil {
		rt.logger.Error("DefraDB stop error", "error", err)
	}
	if err := rt.DefraManager.Close(); err != nil {
		rt.logger.Error("DefraDB manager close error", "error", err)
	}
	rt.DefraManager = nil
}

// Close releases the store and stops DefraDB when this runtime started it.
func (rt *Runtime) Close() error {
	var errs []error
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	rt.stopDefra()
	return errors.Join(errs...)
}
