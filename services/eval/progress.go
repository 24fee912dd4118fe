package eval

import "time"

// ETA is the throughput-based completion estimate. Both fields are nil
// until there is throughput to measure.
type ETA struct {
	QuestionsPerMinute        *float64 `json:"questions_per_minute"`
	EstimatedRemainingSeconds *float64 `json:"estimated_remaining_seconds"`
}

// EstimateETA computes questions per minute since startedAt and the
// seconds left for the remaining questions at that rate. It returns an
// empty ETA when nothing completed yet, startedAt is unset or no time has
// elapsed.
func EstimateETA(completed, total int, startedAt *time.Time, now time.Time) ETA {
	if completed <= 0 || startedAt == nil {
		return ETA{}
	}
	elapsed := now.Sub(*startedAt).Minutes()
	if elapsed <= 0 {
		return ETA{}
	}

	qpm := float64(completed) / elapsed
	remaining := total - completed
	if remaining < 0 {
		remaining = 0
	}
	seconds := float64(remaining) / qpm * 60
	return ETA{QuestionsPerMinute: &qpm, EstimatedRemainingSeconds: &seconds}
}

// Stage progress spans: generation covers [0, 50), evaluation [50, 100].
const (
	generationSpan = 50
	evaluationBase = 50
)

// StageProgress maps done/total within a stage onto the task-wide 0-100
// scale so progress never moves backwards across stages.
func StageProgress(stage TaskStatus, done, total int) int {
	base, span := 0, generationSpan
	if stage == StatusEvaluatingAnswers {
		base, span = evaluationBase, 100-evaluationBase
	}
	if total <= 0 {
		return base + span
	}
	if done > total {
		done = total
	}
	return base + done*span/total
}
