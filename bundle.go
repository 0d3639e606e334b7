package docflow

import (
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"docflow/internal/budget"
	"docflow/internal/executor"
	"docflow/internal/orchestrator"
	"docflow/internal/persistence"
	"docflow/internal/taskqueue"
	"docflow/pkg/api"
)

// Queue is the durable per-stage work queue consumed by worker pools.
type Queue = taskqueue.Queue

// Executor aliases so callers can supply stage implementations without
// importing internal packages.
type (
	StageExecutor = executor.Executor
	ObjectStore   = executor.ObjectStore
	CommerceSink  = executor.CommerceClient
)

// Options tunes an engine bundle. Zero values take the engine defaults.
type Options struct {
	// PipelineCeiling is the wall-clock budget per workflow, admission to
	// completion.
	PipelineCeiling time.Duration
	// ChunkThreshold / ChunkSize control extraction input splitting (runes).
	ChunkThreshold int
	ChunkSize      int

	// MaxAttempts is the per-stage retry ceiling.
	MaxAttempts int
	// LockTTL is the slack a stage lock outlives its budget by.
	LockTTL          time.Duration
	BaseBackoff      time.Duration
	RateLimitBackoff time.Duration
	MaxBackoff       time.Duration

	// Visibility is how long a dequeued job stays invisible before
	// redelivery. Used by the constructors that build their own queue.
	Visibility time.Duration

	Observer Observer
}

func (o Options) visibility() time.Duration {
	if o.Visibility > 0 {
		return o.Visibility
	}
	return 2 * time.Minute
}

func (o Options) budget() *budget.Manager {
	return budget.New(budget.Config{
		PipelineCeiling: o.PipelineCeiling,
		ChunkThreshold:  o.ChunkThreshold,
		ChunkSize:       o.ChunkSize,
	})
}

func (o Options) engineConfig(store persistence.InstanceStore, queue taskqueue.Queue) orchestrator.Config {
	var attempts map[api.Stage]int
	if o.MaxAttempts > 0 {
		attempts = make(map[api.Stage]int, len(api.PipelineStages))
		for _, stage := range api.PipelineStages {
			attempts[stage] = o.MaxAttempts
		}
	}
	return orchestrator.Config{
		Store:            store,
		Queue:            queue,
		Budget:           o.budget(),
		Observer:         o.Observer,
		LockTTL:          o.LockTTL,
		MaxAttempts:      attempts,
		BaseBackoff:      o.BaseBackoff,
		RateLimitBackoff: o.RateLimitBackoff,
		MaxBackoff:       o.MaxBackoff,
	}
}

// Bundle wires an Orchestrator to the Queue its workers consume. Both sit on
// the same backend so a crash loses neither state nor work.
type Bundle struct {
	Orchestrator Orchestrator
	Queue        Queue
}

// NewInMemoryBundle returns an engine backed entirely by in-memory state.
// For tests and embedded experiments; nothing survives a restart.
func NewInMemoryBundle(opts Options) (*Bundle, error) {
	store := persistence.NewInMemoryStore()
	queue := taskqueue.NewInMemoryQueue(opts.visibility())
	eng, err := orchestrator.New(opts.engineConfig(store, queue))
	if err != nil {
		return nil, err
	}
	return &Bundle{Orchestrator: eng, Queue: queue}, nil
}

// NewSQLiteBundle persists instances and stage jobs in the same SQLite
// database.
func NewSQLiteBundle(db *sql.DB, opts Options) (*Bundle, error) {
	store, err := persistence.NewSQLiteInstanceStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db, opts.visibility())
	if err != nil {
		return nil, err
	}
	eng, err := orchestrator.New(opts.engineConfig(store, queue))
	if err != nil {
		return nil, err
	}
	return &Bundle{Orchestrator: eng, Queue: queue}, nil
}

// NewPostgresBundle persists instances in PostgreSQL. The stage queue is
// supplied separately (typically NewRedisQueue); there is no Postgres queue
// backend.
func NewPostgresBundle(db *sql.DB, queue Queue, opts Options) (*Bundle, error) {
	store, err := persistence.NewPostgresInstanceStore(db)
	if err != nil {
		return nil, err
	}
	eng, err := orchestrator.New(opts.engineConfig(store, queue))
	if err != nil {
		return nil, err
	}
	return &Bundle{Orchestrator: eng, Queue: queue}, nil
}

// NewRedisQueue returns a Redis-backed stage queue. Keys are namespaced
// under prefix.
func NewRedisQueue(client *redis.Client, prefix string, visibility time.Duration) Queue {
	return taskqueue.NewRedisQueue(client, prefix, visibility)
}
