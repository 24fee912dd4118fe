// Package eval runs evaluation tasks: it generates an answer for every
// question of a dataset version with a target model, scores every answer
// with an evaluator model or a rubric, and aggregates the scores.
package eval

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a task does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is matched by every *InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTaskRunning is returned when a task already has an active pipeline.
	ErrTaskRunning = errors.New("task is already running")
	// ErrTaskTerminal is returned when a finished task is advanced.
	ErrTaskTerminal = errors.New("task has finished")
	// ErrStatusConflict is returned when a conditional status write loses
	// against a concurrent one.
	ErrStatusConflict = errors.New("task status changed concurrently")
	// ErrInvalidArgument marks bad caller input.
	ErrInvalidArgument = errors.New("invalid argument")
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusConfigParams      TaskStatus = "CONFIG_PARAMS"
	StatusConfigPrompts     TaskStatus = "CONFIG_PROMPTS"
	StatusGeneratingAnswers TaskStatus = "GENERATING_ANSWERS"
	StatusEvaluatingAnswers TaskStatus = "EVALUATING_ANSWERS"
	StatusCompleted         TaskStatus = "COMPLETED"
	StatusFailed            TaskStatus = "FAILED"
	StatusCancelled         TaskStatus = "CANCELLED"
)

// EvaluationMode selects who scores the answers.
type EvaluationMode string

const (
	// ModeModel scores every answer with the evaluator model.
	ModeModel EvaluationMode = "model"
	// ModeRubric scores choice answers by comparison with the reference.
	ModeRubric EvaluationMode = "rubric"
	// ModeHybrid uses the rubric for choice and the model for text.
	ModeHybrid EvaluationMode = "hybrid"
)

// Valid reports whether m is a known mode.
func (m EvaluationMode) Valid() bool {
	switch m {
	case ModeModel, ModeRubric, ModeHybrid:
		return true
	}
	return false
}

// EvaluatorType identifies what produced an Evaluation.
type EvaluatorType string

const (
	EvaluatorModel  EvaluatorType = "model"
	EvaluatorRubric EvaluatorType = "rubric"
)

// SamplingParams are the generation settings of a task.
type SamplingParams struct {
	Temperature     float64 `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	TopK            int     `json:"top_k" yaml:"top_k" mapstructure:"top_k"`
	EnableReasoning bool    `json:"enable_reasoning" yaml:"enable_reasoning" mapstructure:"enable_reasoning"`
}

// DefaultTopK is the provider-side default; it is not sent on the wire.
const DefaultTopK = 50

// DefaultSamplingParams returns the defaults applied to new tasks.
func DefaultSamplingParams() SamplingParams {
	return SamplingParams{
		Temperature: 0.7,
		MaxTokens:   2000,
		TopK:        DefaultTopK,
	}
}

// Validate checks the parameter ranges.
func (p SamplingParams) Validate() error {
	if p.Temperature < 0 || p.Temperature > 2 {
		return fmt.Errorf("%w: temperature %.2f outside [0, 2]", ErrInvalidArgument, p.Temperature)
	}
	if p.MaxTokens <= 0 || p.MaxTokens > 32768 {
		return fmt.Errorf("%w: max_tokens %d outside [1, 32768]", ErrInvalidArgument, p.MaxTokens)
	}
	if p.TopK < 1 || p.TopK > 100 {
		return fmt.Errorf("%w: top_k %d outside [1, 100]", ErrInvalidArgument, p.TopK)
	}
	return nil
}

// PromptConfig holds the prompts of a task. Empty fields fall back to the
// built-in defaults for the question type; SystemPrompt overrides both
// type-specific system prompts.
type PromptConfig struct {
	SystemPrompt           string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" mapstructure:"system_prompt"`
	ChoiceSystemPrompt     string `json:"choice_system_prompt,omitempty" yaml:"choice_system_prompt,omitempty" mapstructure:"choice_system_prompt"`
	TextSystemPrompt       string `json:"text_system_prompt,omitempty" yaml:"text_system_prompt,omitempty" mapstructure:"text_system_prompt"`
	ChoiceEvaluationPrompt string `json:"choice_evaluation_prompt,omitempty" yaml:"choice_evaluation_prompt,omitempty" mapstructure:"choice_evaluation_prompt"`
	TextEvaluationPrompt   string `json:"text_evaluation_prompt,omitempty" yaml:"text_evaluation_prompt,omitempty" mapstructure:"text_evaluation_prompt"`
}

// Task is one configured run of the generate-then-evaluate pipeline.
type Task struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	DatasetID        string         `json:"dataset_id"`
	DatasetVersion   int            `json:"dataset_version"`
	ModelID          string         `json:"model_id"`
	EvaluatorModelID string         `json:"evaluator_model_id,omitempty"`
	EvaluationMode   EvaluationMode `json:"evaluation_mode"`
	// APIKey overrides the provider credential. Never returned by read APIs.
	APIKey        string         `json:"-"`
	Prompts       PromptConfig   `json:"prompts"`
	Sampling      SamplingParams `json:"sampling"`
	QuestionLimit int            `json:"question_limit"`

	Status             TaskStatus     `json:"status"`
	Progress           int            `json:"progress"`
	TotalQuestions     int            `json:"total_questions"`
	CompletedQuestions int            `json:"completed_questions"`
	FailedQuestions    int            `json:"failed_questions"`
	Score              *float64       `json:"score,omitempty"`
	ErrorMessage       string         `json:"error_message,omitempty"`
	ResultSummary      *ResultSummary `json:"result_summary,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EvaluatorModel returns the model that scores answers.
func (t *Task) EvaluatorModel() string {
	if t.EvaluatorModelID != "" {
		return t.EvaluatorModelID
	}
	return t.ModelID
}

// Redacted returns a copy without the credential.
func (t *Task) Redacted() *Task {
	c := *t
	c.APIKey = ""
	return &c
}

// TaskUpdate is a partial task write. Nil fields are left untouched. When
// IfStatus is set the write only applies if the stored status still equals
// it; otherwise the store returns ErrStatusConflict.
type TaskUpdate struct {
	IfStatus *TaskStatus

	Status             *TaskStatus
	Progress           *int
	TotalQuestions     *int
	CompletedQuestions *int
	FailedQuestions    *int
	Score              *float64
	ErrorMessage       *string
	ResultSummary      *ResultSummary
	StartedAt          *time.Time
	CompletedAt        *time.Time

	ModelID          *string
	EvaluatorModelID *string
	EvaluationMode   *EvaluationMode
	Sampling         *SamplingParams
	Prompts          *PromptConfig
	QuestionLimit    *int
	APIKey           *string
}

// Apply writes the non-nil fields of u onto t.
func (u TaskUpdate) Apply(t *Task) {
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Progress != nil {
		t.Progress = *u.Progress
	}
	if u.TotalQuestions != nil {
		t.TotalQuestions = *u.TotalQuestions
	}
	if u.CompletedQuestions != nil {
		t.CompletedQuestions = *u.CompletedQuestions
	}
	if u.FailedQuestions != nil {
		t.FailedQuestions = *u.FailedQuestions
	}
	if u.Score != nil {
		s := *u.Score
		t.Score = &s
	}
	if u.ErrorMessage != nil {
		t.ErrorMessage = *u.ErrorMessage
	}
	if u.ResultSummary != nil {
		rs := *u.ResultSummary
		t.ResultSummary = &rs
	}
	if u.StartedAt != nil {
		ts := *u.StartedAt
		t.StartedAt = &ts
	}
	if u.CompletedAt != nil {
		ts := *u.CompletedAt
		t.CompletedAt = &ts
	}
	if u.ModelID != nil {
		t.ModelID = *u.ModelID
	}
	if u.EvaluatorModelID != nil {
		t.EvaluatorModelID = *u.EvaluatorModelID
	}
	if u.EvaluationMode != nil {
		t.EvaluationMode = *u.EvaluationMode
	}
	if u.Sampling != nil {
		t.Sampling = *u.Sampling
	}
	if u.Prompts != nil {
		t.Prompts = *u.Prompts
	}
	if u.QuestionLimit != nil {
		t.QuestionLimit = *u.QuestionLimit
	}
	if u.APIKey != nil {
		t.APIKey = *u.APIKey
	}
}

// GeneratedAnswer is the stage 1 record for one question.
type GeneratedAnswer struct {
	ID               string    `json:"id"`
	TaskID           string    `json:"task_id"`
	QuestionID       string    `json:"question_id"`
	ModelID          string    `json:"model_id"`
	Prompt           string    `json:"prompt"`
	Answer           string    `json:"answer"`
	IsValid          bool      `json:"is_valid"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	LatencyMs        int64     `json:"latency_ms"`
	FinishReason     string    `json:"finish_reason"`
	CreatedAt        time.Time `json:"created_at"`
}

// ParseOutcome tags how a score was read from evaluator output.
type ParseOutcome string

const (
	OutcomeParsed    ParseOutcome = "parsed"
	OutcomeRecovered ParseOutcome = "recovered"
	OutcomeDefaulted ParseOutcome = "defaulted"
)

// Evaluation is the stage 2 record for one generated answer.
type Evaluation struct {
	ID               string        `json:"id"`
	TaskID           string        `json:"task_id"`
	QuestionID       string        `json:"question_id"`
	AnswerID         string        `json:"answer_id"`
	Score            float64       `json:"score"`
	EvaluatorType    EvaluatorType `json:"evaluator_type"`
	EvaluatorID      string        `json:"evaluator_id"`
	Reasoning        string        `json:"reasoning"`
	Feedback         string        `json:"feedback"`
	EvaluationPrompt string        `json:"evaluation_prompt"`
	ParseOutcome     ParseOutcome  `json:"parse_outcome"`
	RawOutput        string        `json:"raw_output"`
	PromptTokens     int           `json:"prompt_tokens"`
	CompletionTokens int           `json:"completion_tokens"`
	TotalTokens      int           `json:"total_tokens"`
	Cost             float64       `json:"cost"`
	IsValid          bool          `json:"is_valid"`
	CreatedAt        time.Time     `json:"created_at"`
}

// ListTasksQuery filters tasks.
type ListTasksQuery struct {
	Status    TaskStatus `json:"status,omitempty" mapstructure:"status"`
	DatasetID string     `json:"dataset_id,omitempty" mapstructure:"dataset_id"`
	Limit     int        `json:"limit,omitempty" mapstructure:"limit"`
	Offset    int        `json:"offset,omitempty" mapstructure:"offset"`
}

// CreateTaskInput contains input for creating a task. Zero sampling
// values take the defaults.
type CreateTaskInput struct {
	Name             string         `json:"name" yaml:"name" mapstructure:"name"`
	Description      string         `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`
	DatasetID        string         `json:"dataset_id" yaml:"dataset_id" mapstructure:"dataset_id"`
	DatasetVersion   int            `json:"dataset_version,omitempty" yaml:"dataset_version,omitempty" mapstructure:"dataset_version"`
	ModelID          string         `json:"model_id" yaml:"model_id" mapstructure:"model_id"`
	EvaluatorModelID string         `json:"evaluator_model_id,omitempty" yaml:"evaluator_model_id,omitempty" mapstructure:"evaluator_model_id"`
	EvaluationMode   EvaluationMode `json:"evaluation_mode,omitempty" yaml:"evaluation_mode,omitempty" mapstructure:"evaluation_mode"`
	APIKey           string         `json:"api_key,omitempty" yaml:"api_key,omitempty" mapstructure:"api_key"`
	Prompts          PromptConfig   `json:"prompts,omitempty" yaml:"prompts,omitempty" mapstructure:"prompts"`
	Sampling         SamplingParams `json:"sampling,omitempty" yaml:"sampling,omitempty" mapstructure:"sampling"`
	QuestionLimit    int            `json:"question_limit,omitempty" yaml:"question_limit,omitempty" mapstructure:"question_limit"`
}

// UpdateParamsInput changes model and sampling settings while the task is
// in CONFIG_PARAMS. Nil fields are kept.
type UpdateParamsInput struct {
	ModelID          *string         `json:"model_id,omitempty" mapstructure:"model_id"`
	EvaluatorModelID *string         `json:"evaluator_model_id,omitempty" mapstructure:"evaluator_model_id"`
	EvaluationMode   *EvaluationMode `json:"evaluation_mode,omitempty" mapstructure:"evaluation_mode"`
	Sampling         *SamplingParams `json:"sampling,omitempty" mapstructure:"sampling"`
	QuestionLimit    *int            `json:"question_limit,omitempty" mapstructure:"question_limit"`
	APIKey           *string         `json:"api_key,omitempty" mapstructure:"api_key"`
}

// Progress is a point-in-time view of a task's advancement.
type Progress struct {
	TaskID    string     `json:"task_id"`
	Status    TaskStatus `json:"status"`
	Progress  int        `json:"progress"`
	Total     int        `json:"total"`
	Completed int        `json:"completed"`
	Failed    int        `json:"failed"`
	ETA       ETA        `json:"eta"`
}

// Results bundles everything a task produced.
type Results struct {
	Task      *Task          `json:"task"`
	Answers   []AnswerResult `json:"answers"`
	Aggregate Aggregate      `json:"aggregate"`
	Summary   *ResultSummary `json:"summary"`
}

// AnswerResult is one generated answer with its evaluations.
type AnswerResult struct {
	Answer      *GeneratedAnswer `json:"answer"`
	Evaluations []*Evaluation    `json:"evaluations"`
}
