package main

import (
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/sonicvault/sonicvault-go/internal/catalog"
	"github.com/sonicvault/sonicvault-go/internal/config"
	"github.com/sonicvault/sonicvault-go/internal/download"
	apperrors "github.com/sonicvault/sonicvault-go/internal/errors"
	"github.com/sonicvault/sonicvault-go/internal/fsys"
	"github.com/sonicvault/sonicvault-go/internal/monitoring"
	"github.com/sonicvault/sonicvault-go/internal/resolver"
	"github.com/sonicvault/sonicvault-go/internal/storage"
	"github.com/sonicvault/sonicvault-go/internal/store"
)

// app wires the offline cache components for one CLI invocation.
type app struct {
	cfg       *config.Config
	out       io.Writer
	logger    *zap.Logger
	undoLog   func()
	kv        store.KeyValueStore
	fs        fsys.FileSystem
	store     *store.OfflineStore
	client    *catalog.Client
	resolver  *resolver.Resolver
	scheduler *download.Scheduler
	storage   *storage.Manager
	health    *monitoring.HealthChecker

	json bool
	auto bool
}

func newApp(cfg *config.Config, out io.Writer) (*app, error) {
	logger, undo, err := monitoring.InstallLogger(cfg.LogConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	kv, err := store.Open(cfg.Cache.Backend, cfg.CachePath())
	if err != nil {
		undo()
		return nil, apperrors.NewStorageError("failed to open offline store", err)
	}

	fs, err := fsys.NewOS(cfg.Download.DocumentDir)
	if err != nil {
		kv.Close()
		undo()
		return nil, apperrors.NewFileSystemError("failed to open document directory", err)
	}

	st := store.NewOfflineStore(kv, fs, monitoring.Component(logger, "store"))

	// The configured limit seeds the store; a limit set later with the
	// limit command wins.
	if _, ok, err := kv.GetInt(store.KeyAutoDownloadLimit); err == nil && !ok {
		if err := st.SetAutoDownloadLimit(cfg.Cache.AutoDownloadLimit); err != nil {
			logger.Warn("Failed to seed auto-download limit", zap.Error(err))
		}
	}

	client := catalog.NewClient(catalog.Config{
		BaseURL:  cfg.Server.URL,
		Token:    cfg.Server.Token,
		UserID:   cfg.Server.UserID,
		DeviceID: cfg.Server.DeviceID,
		Timeout:  cfg.ServerTimeout(),
	}, monitoring.Component(logger, "catalog"))

	transferCfg := download.DefaultTransferConfig()
	transferCfg.ArtworkSize = cfg.Download.ArtworkSize
	transferCfg.TagFiles = cfg.Download.TagFiles
	transferCfg.BandwidthLimitKbps = cfg.Download.BandwidthLimitKbps
	transferer := download.NewHTTPTransferer(client, fs, transferCfg, monitoring.Component(logger, "transfer"))

	scheduler := download.NewScheduler(download.Config{
		MaxConcurrent:   cfg.Download.MaxConcurrent,
		TransferTimeout: cfg.TransferTimeout(),
		DefaultQuality:  cfg.DefaultTier(),
	}, st, client, transferer, monitoring.Component(logger, "scheduler"))

	return &app{
		cfg:       cfg,
		out:       out,
		logger:    logger,
		undoLog:   undo,
		kv:        kv,
		fs:        fs,
		store:     st,
		client:    client,
		resolver:  resolver.New(client, fs.DocumentDir(), monitoring.Component(logger, "resolver")),
		scheduler: scheduler,
		storage: storage.NewManager(st, storage.Config{
			StaleAfter:     cfg.StaleAfter(),
			LargeFileBytes: cfg.LargeFileBytes(),
		}, monitoring.Component(logger, "storage")),
		health: monitoring.NewHealthChecker(version, kv, fs),
	}, nil
}

// Close stops the scheduler and releases the store.
func (a *app) Close() {
	a.scheduler.Stop()
	if err := a.kv.Close(); err != nil {
		a.logger.Warn("Failed to close offline store", zap.Error(err))
	}
	_ = a.logger.Sync()
	a.undoLog()
}
