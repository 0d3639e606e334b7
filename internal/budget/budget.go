// Package budget divides the pipeline's wall-clock ceiling across the stages
// still to run, and carves per-call sub-deadlines out of each stage's share.
package budget

import (
	"time"

	"docflow/pkg/api"
)

// Default stage weights. Extraction runs several network calls (download plus
// one extraction call per chunk) so it gets the largest share; persistence is
// a single conditional write.
var defaultWeights = map[api.Stage]int{
	api.StageExtracting: 50,
	api.StagePersisting: 15,
	api.StageSyncing:    20,
	api.StageFinalizing: 15,
}

// Config tunes the budget manager. Zero values take defaults.
type Config struct {
	// PipelineCeiling is the maximum wall-clock time a workflow may spend
	// from admission to completion.
	PipelineCeiling time.Duration

	// StageWeights sets each stage's relative share of the remaining ceiling.
	StageWeights map[api.Stage]int

	// OverheadReserve is the fraction of a stage budget withheld from
	// network sub-deadlines, kept as headroom for serialization and
	// persistence overhead. Between 0 and 1.
	OverheadReserve float64

	// ChunkThreshold is the text length (in runes) above which extraction
	// input is split into bounded chunks.
	ChunkThreshold int

	// ChunkSize is the target chunk length in runes.
	ChunkSize int
}

// Manager allocates stage budgets and sub-deadlines.
type Manager struct {
	ceiling   time.Duration
	weights   map[api.Stage]int
	reserve   float64
	threshold int
	chunkSize int
}

// New creates a Manager, filling unset Config fields with defaults.
func New(cfg Config) *Manager {
	m := &Manager{
		ceiling:   cfg.PipelineCeiling,
		weights:   cfg.StageWeights,
		reserve:   cfg.OverheadReserve,
		threshold: cfg.ChunkThreshold,
		chunkSize: cfg.ChunkSize,
	}
	if m.ceiling <= 0 {
		m.ceiling = 15 * time.Minute
	}
	if len(m.weights) == 0 {
		m.weights = defaultWeights
	}
	if m.reserve <= 0 || m.reserve >= 1 {
		m.reserve = 0.2
	}
	if m.threshold <= 0 {
		m.threshold = 8000
	}
	if m.chunkSize <= 0 {
		m.chunkSize = 4000
	}
	return m
}

// Ceiling returns the whole-pipeline wall-clock ceiling.
func (m *Manager) Ceiling() time.Duration {
	return m.ceiling
}

// StageBudget returns the deadline budget for one attempt of the given stage,
// given the wall-clock time the pipeline has already consumed. The remaining
// ceiling is split across the stages still to run, weighted by expected cost,
// so the budgets handed out at any instant never sum to more than the time
// actually left.
func (m *Manager) StageBudget(stage api.Stage, elapsed time.Duration) time.Duration {
	remaining := m.ceiling - elapsed
	if remaining <= 0 {
		return 0
	}

	total := 0
	include := false
	for _, s := range api.PipelineStages {
		if s == stage {
			include = true
		}
		if include {
			total += m.weight(s)
		}
	}
	if total == 0 {
		return remaining
	}

	return time.Duration(int64(remaining) * int64(m.weight(stage)) / int64(total))
}

func (m *Manager) weight(stage api.Stage) int {
	if w, ok := m.weights[stage]; ok && w > 0 {
		return w
	}
	return 1
}

// SubDeadline carves the per-call deadline for one of parts network-bound
// sub-operations inside a stage. The overhead reserve is withheld first, so
// the sub-deadlines sum to strictly less than the stage budget.
func (m *Manager) SubDeadline(stageBudget time.Duration, parts int) time.Duration {
	if parts < 1 {
		parts = 1
	}
	usable := time.Duration(float64(stageBudget) * (1 - m.reserve))
	return usable / time.Duration(parts)
}

// NeedsChunking reports whether text is long enough that extraction must
// split it into bounded calls.
func (m *Manager) NeedsChunking(text string) bool {
	return len([]rune(text)) > m.threshold
}

// Chunks splits text into rune windows of at most ChunkSize. Short input
// comes back as a single chunk. This bounds the worst-case latency of one
// extraction call independent of document size.
func (m *Manager) Chunks(text string) []string {
	runes := []rune(text)
	if len(runes) <= m.threshold {
		return []string{text}
	}

	var chunks []string
	for start := 0; start < len(runes); start += m.chunkSize {
		end := start + m.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}
