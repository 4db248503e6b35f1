package scheduler

import "strings"

// Estimate modes.
const (
	EstimateStatic   = "static"
	EstimateAdaptive = "adaptive"
	EstimateLLM      = "llm_estimate"
)

// llmEstimateMs is the conservative fallback used in llm_estimate mode.
const llmEstimateMs = 10000

// adaptiveMinSamples is how many completions a task type needs before
// history influences the estimate; below it the static table stands.
const adaptiveMinSamples = 3

// staticEstimates maps task types to expected duration in milliseconds.
var staticEstimates = map[string]int{
	"analysis": 5000,
	"code_gen": 15000,
	"testing":  8000,
	"build":    12000,
	"review":   6000,
	"deploy":   20000,
	"file_io":  2000,
	"general":  5000,
}

// HistoryStats provides per-type duration history for adaptive
// estimates.
type HistoryStats interface {
	Stats(taskType string) (avgDurationMs float64, sampleCount int, ok bool)
}

// Estimator produces duration estimates under one of the three modes.
type Estimator struct {
	mode          string
	historyWeight float64
	history       HistoryStats
}

// NewEstimator creates an estimator. history may be nil for static and
// llm_estimate modes.
func NewEstimator(mode string, historyWeight float64, history HistoryStats) *Estimator {
	if mode == "" {
		mode = EstimateStatic
	}
	return &Estimator{mode: mode, historyWeight: historyWeight, history: history}
}

// Estimate returns the expected duration in milliseconds for a task
// type.
func (e *Estimator) Estimate(taskType string) int {
	static := staticEstimate(taskType)
	switch e.mode {
	case EstimateLLM:
		return llmEstimateMs
	case EstimateAdaptive:
		if e.history == nil {
			return static
		}
		avg, samples, ok := e.history.Stats(taskType)
		if !ok || samples < adaptiveMinSamples {
			return static
		}
		return int(e.historyWeight*avg + (1-e.historyWeight)*float64(static))
	default:
		return static
	}
}

func staticEstimate(taskType string) int {
	if ms, ok := staticEstimates[taskType]; ok {
		return ms
	}
	return staticEstimates["general"]
}

// taskTypeKeywords drives inferTaskType; first match wins.
var taskTypeKeywords = []struct {
	taskType string
	keywords []string
}{
	{"testing", []string{"test", "verify", "validate"}},
	{"review", []string{"review", "audit", "inspect"}},
	{"build", []string{"build", "compile", "package"}},
	{"deploy", []string{"deploy", "release", "rollout"}},
	{"analysis", []string{"analy", "investigate", "diagnose", "research"}},
	{"code_gen", []string{"implement", "write", "code", "refactor", "fix"}},
	{"file_io", []string{"read", "copy", "move", "upload", "download"}},
}

// inferTaskType classifies a task description by keyword match.
func inferTaskType(description string) string {
	lower := strings.ToLower(description)
	for _, entry := range taskTypeKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.taskType
			}
		}
	}
	return "general"
}
