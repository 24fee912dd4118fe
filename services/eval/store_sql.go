package eval

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/database"
)

//go:embed migrations
var migrations embed.FS

// MigrationSchema prefixes the eval migration bookkeeping table.
const MigrationSchema = "eval"

// SQLStore is a PostgreSQL or SQLite implementation of Store.
type SQLStore struct {
	db *database.DB
}

// NewSQLStore creates a SQL-backed store.
func NewSQLStore(db *database.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate applies the task and result schema.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return database.Migrate(ctx, s.db, MigrationSchema, migrations)
}

const taskColumns = `id, name, description, dataset_id, dataset_version, model_id,
	evaluator_model_id, evaluation_mode, api_key, prompts, sampling, question_limit,
	status, progress, total_questions, completed_questions, failed_questions,
	score, error_message, result_summary, created_at, started_at, completed_at`

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateTask stores a new task.
func (s *SQLStore) CreateTask(ctx context.Context, t *Task) error {
	prompts, err := sonic.MarshalString(t.Prompts)
	if err != nil {
		return fmt.Errorf("failed to encode prompts: %w", err)
	}
	sampling, err := sonic.MarshalString(t.Sampling)
	if err != nil {
		return fmt.Errorf("failed to encode sampling: %w", err)
	}
	summary, err := encodeSummary(t.ResultSummary)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO eval_tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
	`),
		t.ID, t.Name, t.Description, t.DatasetID, t.DatasetVersion, t.ModelID,
		t.EvaluatorModelID, string(t.EvaluationMode), t.APIKey, prompts, sampling, t.QuestionLimit,
		string(t.Status), t.Progress, t.TotalQuestions, t.CompletedQuestions, t.FailedQuestions,
		nullFloat(t.Score), t.ErrorMessage, summary, t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.getTask(ctx, s.db, id)
}

func (s *SQLStore) getTask(ctx context.Context, q rowQuerier, id string) (*Task, error) {
	row := q.QueryRowContext(ctx, s.db.Rebind(`SELECT `+taskColumns+` FROM eval_tasks WHERE id = $1`), id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// setClause accumulates "col = $N" assignments.
type setClause struct {
	cols []string
	args []any
}

func (c *setClause) add(col string, v any) {
	c.args = append(c.args, v)
	c.cols = append(c.cols, fmt.Sprintf("%s = $%d", col, len(c.args)))
}

// UpdateTask writes only the fields set in u. The status guard is part of
// the UPDATE statement so a concurrent status change is never overwritten.
func (s *SQLStore) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error) {
	var set setClause
	if u.Status != nil {
		set.add("status", string(*u.Status))
	}
	if u.Progress != nil {
		set.add("progress", *u.Progress)
	}
	if u.TotalQuestions != nil {
		set.add("total_questions", *u.TotalQuestions)
	}
	if u.CompletedQuestions != nil {
		set.add("completed_questions", *u.CompletedQuestions)
	}
	if u.FailedQuestions != nil {
		set.add("failed_questions", *u.FailedQuestions)
	}
	if u.Score != nil {
		set.add("score", *u.Score)
	}
	if u.ErrorMessage != nil {
		set.add("error_message", *u.ErrorMessage)
	}
	if u.ResultSummary != nil {
		summary, err := encodeSummary(u.ResultSummary)
		if err != nil {
			return nil, err
		}
		set.add("result_summary", summary)
	}
	if u.StartedAt != nil {
		set.add("started_at", *u.StartedAt)
	}
	if u.CompletedAt != nil {
		set.add("completed_at", *u.CompletedAt)
	}
	if u.ModelID != nil {
		set.add("model_id", *u.ModelID)
	}
	if u.EvaluatorModelID != nil {
		set.add("evaluator_model_id", *u.EvaluatorModelID)
	}
	if u.EvaluationMode != nil {
		set.add("evaluation_mode", string(*u.EvaluationMode))
	}
	if u.Sampling != nil {
		sampling, err := sonic.MarshalString(*u.Sampling)
		if err != nil {
			return nil, fmt.Errorf("failed to encode sampling: %w", err)
		}
		set.add("sampling", sampling)
	}
	if u.Prompts != nil {
		prompts, err := sonic.MarshalString(*u.Prompts)
		if err != nil {
			return nil, fmt.Errorf("failed to encode prompts: %w", err)
		}
		set.add("prompts", prompts)
	}
	if u.QuestionLimit != nil {
		set.add("question_limit", *u.QuestionLimit)
	}
	if u.APIKey != nil {
		set.add("api_key", *u.APIKey)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(set.cols) > 0 {
		where := fmt.Sprintf(" WHERE id = $%d", len(set.args)+1)
		args := append(set.args, id)
		if u.IfStatus != nil {
			where += fmt.Sprintf(" AND status = $%d", len(args)+1)
			args = append(args, string(*u.IfStatus))
		}
		res, err := tx.ExecContext(ctx,
			s.db.Rebind(`UPDATE eval_tasks SET `+strings.Join(set.cols, ", ")+where), args...)
		if err != nil {
			return nil, fmt.Errorf("failed to update task %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to update task %s: %w", id, err)
		}
		if n == 0 {
			return nil, s.missOrConflict(ctx, tx, id, u.IfStatus)
		}
	}

	t, err := s.getTask(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if len(set.cols) == 0 && u.IfStatus != nil && t.Status != *u.IfStatus {
		return nil, fmt.Errorf("task %s is %s, expected %s: %w", id, t.Status, *u.IfStatus, ErrStatusConflict)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLStore) missOrConflict(ctx context.Context, q rowQuerier, id string, want *TaskStatus) error {
	var status string
	err := q.QueryRowContext(ctx, s.db.Rebind(`SELECT status FROM eval_tasks WHERE id = $1`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to read task %s: %w", id, err)
	}
	if want == nil {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("task %s is %s, expected %s: %w", id, status, *want, ErrStatusConflict)
}

// ListTasks returns tasks matching the query, newest first.
func (s *SQLStore) ListTasks(ctx context.Context, query ListTasksQuery) ([]*Task, int, error) {
	var conds []string
	var args []any
	if query.Status != "" {
		args = append(args, string(query.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if query.DatasetID != "" {
		args = append(args, query.DatasetID)
		conds = append(conds, fmt.Sprintf("dataset_id = $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT COUNT(*) FROM eval_tasks`+where), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count tasks: %w", err)
	}

	limit := query.Limit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	page := fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, limit, query.Offset)

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`SELECT `+taskColumns+` FROM eval_tasks`+where+page), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

const answerColumns = `id, task_id, question_id, model_id, prompt, answer, is_valid,
	prompt_tokens, completion_tokens, total_tokens, cost, latency_ms, finish_reason, created_at`

// CreateGeneratedAnswer stores one answer.
func (s *SQLStore) CreateGeneratedAnswer(ctx context.Context, a *GeneratedAnswer) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO generated_answers (`+answerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`),
		a.ID, a.TaskID, a.QuestionID, a.ModelID, a.Prompt, a.Answer, a.IsValid,
		a.PromptTokens, a.CompletionTokens, a.TotalTokens, a.Cost, a.LatencyMs, a.FinishReason, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert answer %s: %w", a.ID, err)
	}
	return nil
}

// ListGeneratedAnswers returns a task's answers in insertion order.
func (s *SQLStore) ListGeneratedAnswers(ctx context.Context, taskID string) ([]*GeneratedAnswer, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+answerColumns+` FROM generated_answers WHERE task_id = $1 ORDER BY seq
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	defer rows.Close()

	var out []*GeneratedAnswer
	for rows.Next() {
		var a GeneratedAnswer
		if err := rows.Scan(&a.ID, &a.TaskID, &a.QuestionID, &a.ModelID, &a.Prompt, &a.Answer, &a.IsValid,
			&a.PromptTokens, &a.CompletionTokens, &a.TotalTokens, &a.Cost, &a.LatencyMs, &a.FinishReason,
			&a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan answer: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

const evaluationColumns = `id, task_id, question_id, answer_id, score, evaluator_type, evaluator_id,
	reasoning, feedback, evaluation_prompt, parse_outcome, raw_output,
	prompt_tokens, completion_tokens, total_tokens, cost, is_valid, created_at`

// CreateEvaluation stores one evaluation.
func (s *SQLStore) CreateEvaluation(ctx context.Context, e *Evaluation) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO evaluations (`+evaluationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`),
		e.ID, e.TaskID, e.QuestionID, e.AnswerID, e.Score, string(e.EvaluatorType), e.EvaluatorID,
		e.Reasoning, e.Feedback, e.EvaluationPrompt, string(e.ParseOutcome), e.RawOutput,
		e.PromptTokens, e.CompletionTokens, e.TotalTokens, e.Cost, e.IsValid, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert evaluation %s: %w", e.ID, err)
	}
	return nil
}

// ListEvaluations returns a task's evaluations in insertion order.
func (s *SQLStore) ListEvaluations(ctx context.Context, taskID string) ([]*Evaluation, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+evaluationColumns+` FROM evaluations WHERE task_id = $1 ORDER BY seq
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	var out []*Evaluation
	for rows.Next() {
		var e Evaluation
		var evaluatorType, outcome string
		if err := rows.Scan(&e.ID, &e.TaskID, &e.QuestionID, &e.AnswerID, &e.Score, &evaluatorType, &e.EvaluatorID,
			&e.Reasoning, &e.Feedback, &e.EvaluationPrompt, &outcome, &e.RawOutput,
			&e.PromptTokens, &e.CompletionTokens, &e.TotalTokens, &e.Cost, &e.IsValid, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		e.EvaluatorType = EvaluatorType(evaluatorType)
		e.ParseOutcome = ParseOutcome(outcome)
		out = append(out, &e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var t Task
	var mode, status, prompts, sampling string
	var summary sql.NullString
	var score sql.NullFloat64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.DatasetID, &t.DatasetVersion, &t.ModelID,
		&t.EvaluatorModelID, &mode, &t.APIKey, &prompts, &sampling, &t.QuestionLimit,
		&status, &t.Progress, &t.TotalQuestions, &t.CompletedQuestions, &t.FailedQuestions,
		&score, &t.ErrorMessage, &summary, &t.CreatedAt, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}

	t.EvaluationMode = EvaluationMode(mode)
	t.Status = TaskStatus(status)
	if err := sonic.UnmarshalString(prompts, &t.Prompts); err != nil {
		return nil, fmt.Errorf("failed to decode prompts of task %s: %w", t.ID, err)
	}
	if err := sonic.UnmarshalString(sampling, &t.Sampling); err != nil {
		return nil, fmt.Errorf("failed to decode sampling of task %s: %w", t.ID, err)
	}
	if summary.Valid && summary.String != "" {
		var rs ResultSummary
		if err := sonic.UnmarshalString(summary.String, &rs); err != nil {
			return nil, fmt.Errorf("failed to decode result summary of task %s: %w", t.ID, err)
		}
		t.ResultSummary = &rs
	}
	if score.Valid {
		v := score.Float64
		t.Score = &v
	}
	if startedAt.Valid {
		ts := startedAt.Time
		t.StartedAt = &ts
	}
	if completedAt.Valid {
		ts := completedAt.Time
		t.CompletedAt = &ts
	}
	return &t, nil
}

func encodeSummary(rs *ResultSummary) (sql.NullString, error) {
	if rs == nil {
		return sql.NullString{}, nil
	}
	s, err := sonic.MarshalString(rs)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode result summary: %w", err)
	}
	return sql.NullString{String: s, Valid: true}, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
