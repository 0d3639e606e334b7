package api

// Stage identifies where a workflow instance currently sits in the fixed
// document pipeline. The pipeline order is closed: received → extracting →
// persisting → syncing → finalizing → completed, with failed reachable from
// any non-terminal stage.
type Stage string

const (
	StageReceived   Stage = "received"
	StageExtracting Stage = "extracting"
	StagePersisting Stage = "persisting"
	StageSyncing    Stage = "syncing"
	StageFinalizing Stage = "finalizing"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// PipelineStages lists the executable stages in execution order. StageReceived
// is the admission state (nothing executes there), and StageCompleted /
// StageFailed are terminal.
var PipelineStages = []Stage{
	StageExtracting,
	StagePersisting,
	StageSyncing,
	StageFinalizing,
}

// stageSuccessors is the exhaustive transition table for successful outcomes.
// A stage missing from the table has no successor (it is terminal).
var stageSuccessors = map[Stage]Stage{
	StageReceived:   StageExtracting,
	StageExtracting: StagePersisting,
	StagePersisting: StageSyncing,
	StageSyncing:    StageFinalizing,
	StageFinalizing: StageCompleted,
}

// Next returns the stage that follows s on success. ok is false when s is
// terminal (completed / failed) or unknown.
func (s Stage) Next() (next Stage, ok bool) {
	next, ok = stageSuccessors[s]
	return next, ok
}

// Terminal reports whether the stage admits no further transitions.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// Executable reports whether s is one of the queue-backed pipeline stages.
func (s Stage) Executable() bool {
	_, ok := stageSuccessors[s]
	return ok && s != StageReceived
}

// Valid reports whether s is a member of the closed stage set.
func (s Stage) Valid() bool {
	switch s {
	case StageReceived, StageExtracting, StagePersisting, StageSyncing,
		StageFinalizing, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Status is the lifecycle flag orthogonal to Stage: Stage says where the
// instance is, Status says whether it is still moving.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Live reports whether the status still admits progress. Exactly one live
// instance may exist per source upload.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusActive
}
