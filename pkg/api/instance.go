package api

import (
	"encoding/gob"
	"time"
)

func init() {
	gob.Register(Payload{})
	gob.Register(map[string]string{})
}

// Payload is the carry-forward blob produced by one stage and consumed by the
// next. Admission fills DocumentRef/ContentType; extraction fills Text, Fields
// and Confidence; sync fills RemoteID.
type Payload struct {
	// DocumentRef locates the uploaded document in object storage.
	DocumentRef string
	// ContentType is the upload's media type ("application/pdf", "text/csv", ...).
	ContentType string
	// Text is the raw text pulled out of the document.
	Text string
	// Fields holds the structured data returned by the extraction service.
	Fields map[string]string
	// Confidence is the aggregated extraction confidence in [0,100].
	Confidence int
	// RemoteID is the identifier assigned by the commerce platform on sync.
	RemoteID string
}

// TerminalError records why an instance reached StatusFailed. It is present
// if and only if the instance failed.
type TerminalError struct {
	Kind    FaultKind
	Message string
}

// WorkflowInstance is the durable record tracking one document's progress
// through the pipeline. It is mutated exclusively by the orchestrator and is
// never deleted by the engine; failed and completed instances remain
// queryable as an audit trail.
type WorkflowInstance struct {
	// ID is globally unique, generated at admission, immutable.
	ID string
	// SourceUploadID identifies the originating document and is the
	// deduplication key: at most one live instance exists per upload.
	SourceUploadID string

	Stage  Stage
	Status Status

	// AttemptCounts maps stage → attempts started, including the one in
	// flight. It backs backoff and max-retry enforcement.
	AttemptCounts map[Stage]int

	// Confidence is set at most once, by the extraction stage.
	Confidence *int

	// LockToken is non-empty exactly while a worker is (believed to be)
	// executing a stage for this instance. LockExpiresAt bounds how long a
	// crashed worker can hold the instance hostage.
	LockToken     string
	LockExpiresAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	// StageStartedAt resets on every stage entry and backs budget enforcement.
	StageStartedAt time.Time

	Payload *Payload

	// TerminalError is non-nil if and only if Status == StatusFailed.
	TerminalError *TerminalError
}

// Attempts returns the attempts started for the given stage.
func (w *WorkflowInstance) Attempts(stage Stage) int {
	if w.AttemptCounts == nil {
		return 0
	}
	return w.AttemptCounts[stage]
}

// Clone returns a deep copy safe to hand out across goroutines.
func (w *WorkflowInstance) Clone() *WorkflowInstance {
	c := *w
	if w.AttemptCounts != nil {
		c.AttemptCounts = make(map[Stage]int, len(w.AttemptCounts))
		for k, v := range w.AttemptCounts {
			c.AttemptCounts[k] = v
		}
	}
	if w.Confidence != nil {
		v := *w.Confidence
		c.Confidence = &v
	}
	if w.Payload != nil {
		p := *w.Payload
		if w.Payload.Fields != nil {
			p.Fields = make(map[string]string, len(w.Payload.Fields))
			for k, v := range w.Payload.Fields {
				p.Fields[k] = v
			}
		}
		c.Payload = &p
	}
	if w.TerminalError != nil {
		te := *w.TerminalError
		c.TerminalError = &te
	}
	return &c
}

// StatusView is the read-only projection returned by GetStatus. Safe to poll.
type StatusView struct {
	WorkflowID    string
	Stage         Stage
	Status        Status
	Confidence    *int
	TerminalError *TerminalError
}

// InstanceListOptions controls how instances are listed. Zero values mean
// "no filter" for that field.
type InstanceListOptions struct {
	SourceUploadID string
	Stage          Stage
	Status         Status
}
