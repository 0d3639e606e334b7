// Package daemon assembles a complete processing host from configuration:
// storage and queue backends, service clients, stage executors, worker
// pools, the stale lock sweeper and the spool admission loop, under a flock
// guard so only one daemon serves a spool at a time.
package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/redis/go-redis/v9"

	// Database drivers for the sqlite and postgres backends.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"docflow"
	"docflow/internal/budget"
	"docflow/internal/config"
	"docflow/internal/executor"
	"docflow/internal/orchestrator"
	"docflow/internal/records"
	"docflow/internal/services/commerce"
	"docflow/internal/services/extractor"
	"docflow/internal/services/objectstore"
	"docflow/internal/taskqueue"
	"docflow/internal/uploads"
	"docflow/pkg/api"
	"docflow/pkg/worker"
)

// Daemon owns the full processing lifecycle for one spool directory.
type Daemon struct {
	cfg    config.Config
	logger *slog.Logger

	lock    *flock.Flock
	bundle  *docflow.Bundle
	pool    *worker.Pool
	sweeper *orchestrator.Sweeper
	spool   *uploads.FilesystemSpool
	db      *sql.DB

	mu      sync.Mutex
	running bool
}

// New builds a daemon from cfg. Nothing starts until Run.
func New(cfg config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	d := &Daemon{
		cfg:    cfg,
		logger: logger,
		lock:   flock.New(cfg.LockFile),
	}

	spool, err := uploads.NewFilesystemSpool(cfg.Spool.Dir)
	if err != nil {
		return nil, err
	}
	d.spool = spool

	objects, err := objectstore.NewFilesystemStore(cfg.Spool.Dir)
	if err != nil {
		return nil, err
	}

	opts := docflow.Options{
		PipelineCeiling:  cfg.Ceiling(),
		ChunkThreshold:   cfg.Pipeline.ChunkThresholdRunes,
		ChunkSize:        cfg.Pipeline.ChunkSizeRunes,
		MaxAttempts:      cfg.Pipeline.MaxAttempts,
		LockTTL:          cfg.LockTTL(),
		BaseBackoff:      cfg.BaseBackoff(),
		RateLimitBackoff: cfg.RateLimitBackoff(),
		MaxBackoff:       cfg.MaxBackoff(),
		Visibility:       cfg.Visibility(),
		Observer:         docflow.NewLoggingObserver(logger),
	}

	bundle, db, err := buildBundle(cfg, opts)
	if err != nil {
		return nil, err
	}
	d.bundle = bundle
	d.db = db

	recordStore, err := buildRecordStore(cfg, db)
	if err != nil {
		return nil, err
	}

	extractClient, err := extractor.New(extractor.Config{
		BaseURL:           cfg.Extractor.BaseURL,
		APIKey:            cfg.Extractor.APIKey,
		RequestsPerSecond: cfg.Extractor.RequestsPerSecond,
		HTTPClient:        &http.Client{},
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	commerceClient, err := commerce.New(commerce.Config{
		BaseURL:    cfg.Commerce.BaseURL,
		APIKey:     cfg.Commerce.APIKey,
		HTTPClient: &http.Client{},
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	budgets := budget.New(budget.Config{
		PipelineCeiling: cfg.Ceiling(),
		ChunkThreshold:  cfg.Pipeline.ChunkThresholdRunes,
		ChunkSize:       cfg.Pipeline.ChunkSizeRunes,
	})
	pool, err := worker.New(worker.Config{
		Orchestrator: bundle.Orchestrator,
		Queue:        bundle.Queue,
		Executors: []executor.Executor{
			executor.NewExtraction(objects, extractClient, budgets),
			executor.NewPersist(recordStore),
			executor.NewSync(commerceClient, recordStore),
			executor.NewFinalize(spool),
		},
		Concurrency: map[api.Stage]int{
			api.StageExtracting: cfg.Workers.Extracting,
			api.StagePersisting: cfg.Workers.Persisting,
			api.StageSyncing:    cfg.Workers.Syncing,
			api.StageFinalizing: cfg.Workers.Finalizing,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	d.pool = pool
	d.sweeper = orchestrator.NewSweeper(bundle.Orchestrator, cfg.Pipeline.SweepSchedule, logger)

	return d, nil
}

func buildBundle(cfg config.Config, opts docflow.Options) (*docflow.Bundle, *sql.DB, error) {
	switch cfg.Storage.Backend {
	case "memory":
		b, err := docflow.NewInMemoryBundle(opts)
		return b, nil, err

	case "sqlite":
		db, err := sql.Open("sqlite", cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		b, err := docflow.NewSQLiteBundle(db, opts)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return b, db, nil

	case "postgres":
		db, err := sql.Open("pgx", cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		queue, err := buildQueue(cfg)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		b, err := docflow.NewPostgresBundle(db, queue, opts)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		return b, db, nil
	}
	return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// buildQueue covers the backends that pair with postgres storage.
func buildQueue(cfg config.Config) (docflow.Queue, error) {
	switch cfg.Queue.Backend {
	case "memory":
		return taskqueue.NewInMemoryQueue(cfg.Visibility()), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		return docflow.NewRedisQueue(client, "docflow", cfg.Visibility()), nil
	}
	return nil, fmt.Errorf("queue backend %q cannot pair with postgres storage", cfg.Queue.Backend)
}

func buildRecordStore(cfg config.Config, db *sql.DB) (records.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return records.NewInMemoryStore(), nil
	case "sqlite":
		return records.NewSQLiteStore(db)
	case "postgres":
		return records.NewPostgresStore(db)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}

// Run acquires the daemon lock and serves until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return errors.New("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another daemon already serves this spool (lock %s)", d.cfg.LockFile)
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("release_lock_failed", "error", err)
		}
	}()

	if err := d.sweeper.Start(); err != nil {
		return fmt.Errorf("start sweeper: %w", err)
	}
	defer d.sweeper.Stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.admitLoop(ctx)
	}()

	d.logger.Info("daemon_started",
		"spool", d.cfg.Spool.Dir,
		"storage", d.cfg.Storage.Backend,
		"queue", d.cfg.Queue.Backend)

	d.pool.Run(ctx)
	wg.Wait()

	d.logger.Info("daemon_stopped")
	return nil
}

// admitLoop rescans the inbox and admits new uploads. Admission dedup makes
// rescanning an already-admitted file a no-op.
func (d *Daemon) admitLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ScanInterval())
	defer ticker.Stop()

	d.scanOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.scanOnce(ctx)
		}
	}
}

func (d *Daemon) scanOnce(ctx context.Context) {
	pending, err := d.spool.Scan(ctx)
	if err != nil {
		d.logger.Warn("inbox_scan_failed", "error", err)
		return
	}
	for _, u := range pending {
		workflowID, err := d.bundle.Orchestrator.Admit(ctx, u.SourceUploadID, &api.Payload{
			DocumentRef: u.DocumentRef,
			ContentType: u.ContentType,
		})
		if err != nil {
			d.logger.Warn("admit_failed", "source_upload_id", u.SourceUploadID, "error", err)
			continue
		}
		d.logger.Debug("upload_admitted", "source_upload_id", u.SourceUploadID, "workflow_id", workflowID)
	}
}

// Close releases the database handle.
func (d *Daemon) Close() error {
	if d.db != nil {
		return d.db.Close()
	}
	return nil
}

// Stats returns the current queue depths, for the status command.
func (d *Daemon) Stats(ctx context.Context) (map[api.Stage]api.QueueStats, error) {
	return d.bundle.Orchestrator.QueueStats(ctx)
}

// Workflows lists instances matching opts, for the status command.
func (d *Daemon) Workflows(ctx context.Context, opts docflow.InstanceListOptions) ([]*docflow.WorkflowInstance, error) {
	return d.bundle.Orchestrator.ListWorkflows(ctx, opts)
}
