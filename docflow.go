package docflow

import (
	"docflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Orchestrator         = api.Orchestrator
	WorkflowInstance     = api.WorkflowInstance
	Payload              = api.Payload
	StatusView           = api.StatusView
	StageLease           = api.StageLease
	Stage                = api.Stage
	Status               = api.Status
	FaultKind            = api.FaultKind
	Outcome              = api.Outcome
	QueueStats           = api.QueueStats
	InstanceListOptions  = api.InstanceListOptions
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
)

// Re-export common observer helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Re-export stage and status values for convenience.

const (
	StageReceived   = api.StageReceived
	StageExtracting = api.StageExtracting
	StagePersisting = api.StagePersisting
	StageSyncing    = api.StageSyncing
	StageFinalizing = api.StageFinalizing
	StageCompleted  = api.StageCompleted
	StageFailed     = api.StageFailed

	StatusPending   = api.StatusPending
	StatusActive    = api.StatusActive
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
)

// Sentinel errors surfaced by the orchestrator.

var (
	ErrInstanceNotFound = api.ErrInstanceNotFound
	ErrStageConflict    = api.ErrStageConflict
	ErrLocked           = api.ErrLocked
	ErrTerminal         = api.ErrTerminal
)
