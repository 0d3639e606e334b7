// Package docflow is a durable orchestration engine for document ingestion
// pipelines. Uploaded business documents move through a fixed stage order:
// extraction via an external AI service, record persistence, sync to a
// commerce platform, finalization. Stage work travels through at-least-once
// queues, transitions are idempotent, and every workflow runs under a
// whole-pipeline timeout ceiling split into per-stage budgets.
//
// The engine is embeddable: construct a Bundle for your storage backend,
// hand its Orchestrator and Queue to a worker pool together with the stage
// executors, and admit work with Orchestrator.Admit. The docflowd daemon in
// cmd/docflowd is a ready-made host that scans a spool directory for
// uploads.
//
// Admission deduplicates on the source upload ID: while a live workflow
// exists for an upload, re-admitting it returns the existing workflow
// instead of creating a second one. Stage transitions are guarded by lock
// tokens, so a crashed worker's lease expires and a periodic sweep re-queues
// the stalled stage without ever running two attempts concurrently.
package docflow
