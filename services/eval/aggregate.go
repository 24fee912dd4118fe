package eval

// Distribution counts per-answer scores by band.
type Distribution struct {
	Excellent int `json:"excellent"`
	Good      int `json:"good"`
	Fair      int `json:"fair"`
	Poor      int `json:"poor"`
}

func (d *Distribution) add(score float64) {
	switch {
	case score >= 90:
		d.Excellent++
	case score >= 70:
		d.Good++
	case score >= 50:
		d.Fair++
	default:
		d.Poor++
	}
}

// Aggregate is the task score derived from its evaluations.
type Aggregate struct {
	// Score is the mean over answers of each answer's mean valid score.
	Score            float64      `json:"score"`
	EvaluatedAnswers int          `json:"evaluated_answers_count"`
	EvaluationsCount int          `json:"evaluations_count"`
	Min              float64      `json:"min_score"`
	Max              float64      `json:"max_score"`
	Distribution     Distribution `json:"score_distribution"`
}

// AggregateScores reduces evaluations to a task score. Invalid evaluations
// are ignored. With no valid evaluation the result is all zeros.
func AggregateScores(evals []*Evaluation) Aggregate {
	var order []string
	perAnswer := make(map[string][]float64)
	var agg Aggregate

	for _, e := range evals {
		if e == nil || !e.IsValid {
			continue
		}
		agg.EvaluationsCount++
		if _, seen := perAnswer[e.AnswerID]; !seen {
			order = append(order, e.AnswerID)
		}
		perAnswer[e.AnswerID] = append(perAnswer[e.AnswerID], e.Score)
	}
	if len(order) == 0 {
		return agg
	}

	var sum float64
	for i, id := range order {
		m := mean(perAnswer[id])
		sum += m
		agg.Distribution.add(m)
		if i == 0 || m < agg.Min {
			agg.Min = m
		}
		if i == 0 || m > agg.Max {
			agg.Max = m
		}
	}
	agg.EvaluatedAnswers = len(order)
	agg.Score = sum / float64(len(order))
	return agg
}

func mean(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// ResultSummary is stored on the task when it completes.
type ResultSummary struct {
	TotalQuestions      int          `json:"total_questions"`
	ValidAnswers        int          `json:"valid_answers"`
	FailedAnswers       int          `json:"failed_answers"`
	SuccessRate         float64      `json:"success_rate"`
	TotalCost           float64      `json:"total_cost"`
	TotalTokens         int          `json:"total_tokens"`
	AverageResponseTime float64      `json:"average_response_time"`
	EvaluationsCount    int          `json:"evaluations_count"`
	EvaluatedAnswers    int          `json:"evaluated_answers_count"`
	AverageScore        *float64     `json:"average_score"`
	ScoreDistribution   Distribution `json:"score_distribution"`
	Generation          *StageTotals `json:"generation,omitempty"`
	Evaluation          *StageTotals `json:"evaluation,omitempty"`
}

// Summarize builds the result summary of a task. Cost and tokens cover
// both generation and evaluation calls; the average response time is over
// valid answers, in seconds.
func Summarize(answers []*GeneratedAnswer, evals []*Evaluation, generation, evaluation *StageTotals) *ResultSummary {
	s := &ResultSummary{
		TotalQuestions: len(answers),
		Generation:     generation,
		Evaluation:     evaluation,
	}

	var latencyMs int64
	for _, a := range answers {
		s.TotalCost += a.Cost
		s.TotalTokens += a.TotalTokens
		if !a.IsValid {
			s.FailedAnswers++
			continue
		}
		s.ValidAnswers++
		latencyMs += a.LatencyMs
	}
	if s.TotalQuestions > 0 {
		s.SuccessRate = float64(s.ValidAnswers) / float64(s.TotalQuestions)
	}
	if s.ValidAnswers > 0 {
		s.AverageResponseTime = float64(latencyMs) / float64(s.ValidAnswers) / 1000
	}

	for _, e := range evals {
		s.TotalCost += e.Cost
		s.TotalTokens += e.TotalTokens
	}

	agg := AggregateScores(evals)
	s.EvaluationsCount = agg.EvaluationsCount
	s.EvaluatedAnswers = agg.EvaluatedAnswers
	s.ScoreDistribution = agg.Distribution
	if agg.EvaluatedAnswers > 0 {
		score := agg.Score
		s.AverageScore = &score
	}
	return s
}
