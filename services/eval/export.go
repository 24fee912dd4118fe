package eval

import (
	"bytes"
	"context"
	"fmt"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
)

// ExportOptions selects the file format and destination of an export.
// An unspecified format is inferred from the destination path.
type ExportOptions struct {
	Format      datasets.DataFormat
	Destination datasets.DataSource
}

// ExportResult describes a finished export.
type ExportResult struct {
	URI    string
	Format datasets.DataFormat
	Rows   int
}

// ExportColumns is the column order of exported result files.
var ExportColumns = []string{
	"question_id", "answer_id", "model_id", "prompt", "answer", "answer_valid",
	"prompt_tokens", "completion_tokens", "total_tokens", "cost", "latency_ms", "finish_reason",
	"score", "evaluator_type", "evaluator_id", "reasoning", "feedback", "parse_outcome",
	"evaluations",
}

// Export writes one row per generated answer to the destination.
func (s *Service) Export(ctx context.Context, id string, opts ExportOptions) (*ExportResult, error) {
	format := opts.Format
	if format == datasets.DataFormatUnspecified {
		path := destinationPath(opts.Destination)
		f, err := datasets.FormatFromPath(path)
		if err != nil {
			return nil, fmt.Errorf("%w: cannot infer export format from %q", ErrInvalidArgument, path)
		}
		format = f
	}

	sink, err := datasets.NewSink(opts.Destination)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	writer, err := datasets.NewWriter(format)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	res, err := s.GetResults(ctx, id)
	if err != nil {
		return nil, err
	}
	rows := ResultRows(res)

	fo := datasets.DefaultFormatOptions()
	fo.Columns = ExportColumns
	var buf bytes.Buffer
	if err := writer.Write(&buf, rows, fo); err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}
	if err := sink.Write(ctx, &buf); err != nil {
		return nil, fmt.Errorf("failed to write results: %w", err)
	}

	s.logger.InfoContext(ctx, "results exported", "task_id", id, "uri", sink.URI(), "format", format.String(), "rows", len(rows))
	return &ExportResult{URI: sink.URI(), Format: format, Rows: len(rows)}, nil
}

func destinationPath(ds datasets.DataSource) string {
	switch {
	case ds.LocalFile != nil:
		return ds.LocalFile.Path
	case ds.S3 != nil:
		return ds.S3.Key
	}
	return ""
}

// ResultRows flattens results into export rows. The score is the mean of
// the answer's valid evaluations, nil when there is none; the evaluator
// details come from its last evaluation.
func ResultRows(res *Results) []datasets.Row {
	rows := make([]datasets.Row, 0, len(res.Answers))
	for _, ar := range res.Answers {
		a := ar.Answer
		row := datasets.Row{
			"question_id":       a.QuestionID,
			"answer_id":         a.ID,
			"model_id":          a.ModelID,
			"prompt":            a.Prompt,
			"answer":            a.Answer,
			"answer_valid":      a.IsValid,
			"prompt_tokens":     int64(a.PromptTokens),
			"completion_tokens": int64(a.CompletionTokens),
			"total_tokens":      int64(a.TotalTokens),
			"cost":              a.Cost,
			"latency_ms":        a.LatencyMs,
			"finish_reason":     a.FinishReason,
			"score":             nil,
			"evaluator_type":    "",
			"evaluator_id":      "",
			"reasoning":         "",
			"feedback":          "",
			"parse_outcome":     "",
			"evaluations":       int64(len(ar.Evaluations)),
		}

		var scores []float64
		for _, e := range ar.Evaluations {
			if e.IsValid {
				scores = append(scores, e.Score)
			}
		}
		if len(scores) > 0 {
			row["score"] = mean(scores)
		}
		if n := len(ar.Evaluations); n > 0 {
			e := ar.Evaluations[n-1]
			row["evaluator_type"] = string(e.EvaluatorType)
			row["evaluator_id"] = e.EvaluatorID
			row["reasoning"] = e.Reasoning
			row["feedback"] = e.Feedback
			row["parse_outcome"] = string(e.ParseOutcome)
		}
		rows = append(rows, row)
	}
	return rows
}
