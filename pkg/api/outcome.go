package api

// OutcomeKind is an executor's verdict on a stage attempt.
type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeRetryable OutcomeKind = "retryable"
	OutcomeFatal     OutcomeKind = "fatal"
)

// Outcome is what a stage executor reports back to the orchestrator.
// Executors classify their own failures; the orchestrator only sees the
// kind, the fault reason and the payload.
type Outcome struct {
	Kind OutcomeKind

	// Payload is the carry-forward data produced by a successful attempt.
	Payload *Payload

	// Reason is set for retryable and fatal outcomes.
	Reason FaultKind
	// Err carries human-readable detail for the terminal error record.
	Err error
}

// Success builds a successful outcome carrying the next stage's input.
func Success(payload *Payload) Outcome {
	return Outcome{Kind: OutcomeSuccess, Payload: payload}
}

// Retryable builds an outcome asking the orchestrator for another attempt,
// subject to the stage's retry ceiling.
func Retryable(reason FaultKind, err error) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason, Err: err}
}

// Fatal builds a terminal outcome; the instance transitions to failed with
// no further attempts.
func Fatal(reason FaultKind, err error) Outcome {
	return Outcome{Kind: OutcomeFatal, Reason: reason, Err: err}
}

// OutcomeFromError classifies err into a retryable or fatal outcome using the
// fault taxonomy. A nil err yields Success with the given payload.
func OutcomeFromError(payload *Payload, err error) Outcome {
	if err == nil {
		return Success(payload)
	}
	kind := Classify(err)
	if kind.Retryable() {
		return Retryable(kind, err)
	}
	return Fatal(kind, err)
}
