package api

import "testing"

func TestStageNextFollowsPipelineOrder(t *testing.T) {
	order := []Stage{StageReceived, StageExtracting, StagePersisting, StageSyncing, StageFinalizing}
	for i, stage := range order {
		next, ok := stage.Next()
		if !ok {
			t.Fatalf("stage %s has no successor", stage)
		}
		want := StageCompleted
		if i+1 < len(order) {
			want = order[i+1]
		}
		if next != want {
			t.Fatalf("stage %s: next = %s, want %s", stage, next, want)
		}
	}
}

func TestTerminalStagesHaveNoSuccessor(t *testing.T) {
	for _, stage := range []Stage{StageCompleted, StageFailed} {
		if !stage.Terminal() {
			t.Fatalf("stage %s should be terminal", stage)
		}
		if _, ok := stage.Next(); ok {
			t.Fatalf("terminal stage %s has a successor", stage)
		}
	}
}

func TestExecutableCoversExactlyPipelineStages(t *testing.T) {
	executable := map[Stage]bool{}
	for _, stage := range PipelineStages {
		executable[stage] = true
	}
	all := []Stage{StageReceived, StageExtracting, StagePersisting, StageSyncing, StageFinalizing, StageCompleted, StageFailed}
	for _, stage := range all {
		if got := stage.Executable(); got != executable[stage] {
			t.Fatalf("stage %s: Executable() = %v, want %v", stage, got, executable[stage])
		}
	}
}

func TestFaultKindRetryable(t *testing.T) {
	retryable := []FaultKind{FaultTimeout, FaultTransient, FaultRateLimited}
	for _, k := range retryable {
		if !k.Retryable() {
			t.Fatalf("fault %s should be retryable", k)
		}
	}
	fatal := []FaultKind{FaultNotFound, FaultValidation}
	for _, k := range fatal {
		if k.Retryable() {
			t.Fatalf("fault %s should not be retryable", k)
		}
	}
}
