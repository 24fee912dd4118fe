package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/runtime"
)

// QuestionSource lists the questions a task runs against.
type QuestionSource interface {
	ListValidQuestions(ctx context.Context, datasetID string, version int) ([]datasets.Question, error)
}

// ServiceConfig tunes the pipeline.
type ServiceConfig struct {
	// ItemDelay is the pause between two items of a stage.
	ItemDelay time.Duration
	// RunLockTTL bounds how long a cross-process lock is held without a
	// refresh.
	RunLockTTL time.Duration
}

// DefaultServiceConfig returns the production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ItemDelay:  DefaultItemDelay,
		RunLockTTL: 6 * time.Hour,
	}
}

// run is an active pipeline.
type run struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	lock   RunLock
}

// Service orchestrates evaluation tasks.
type Service struct {
	store     Store
	questions QuestionSource
	catalog   *runtime.Catalog
	adapter   *Adapter
	runner    *Runner
	cfg       ServiceConfig
	logger    *slog.Logger
	locker    RunLocker
	now       func() time.Time

	mu      sync.Mutex
	runs    map[string]*run
	closed  bool
	baseCtx context.Context
	stopAll context.CancelFunc
	wg      sync.WaitGroup
}

// NewService creates a service. Pipelines run in background goroutines
// until they finish or Close is called.
func NewService(store Store, questions QuestionSource, catalog *runtime.Catalog, adapter *Adapter, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, stopAll := context.WithCancel(context.Background())
	return &Service{
		store:     store,
		questions: questions,
		catalog:   catalog,
		adapter:   adapter,
		runner:    NewRunner(store, cfg.ItemDelay, logger),
		cfg:       cfg,
		logger:    logger.With("component", "eval"),
		now:       func() time.Time { return time.Now().UTC() },
		runs:      make(map[string]*run),
		baseCtx:   baseCtx,
		stopAll:   stopAll,
	}
}

// WithRunLocker enables cross-process deduplication of pipelines.
func (s *Service) WithRunLocker(l RunLocker) *Service {
	s.locker = l
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// CreateTask creates a task in CONFIG_PARAMS.
func (s *Service) CreateTask(ctx context.Context, input CreateTaskInput) (*Task, error) {
	if input.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if input.DatasetID == "" {
		return nil, fmt.Errorf("%w: dataset_id is required", ErrInvalidArgument)
	}
	if input.ModelID == "" {
		return nil, fmt.Errorf("%w: model_id is required", ErrInvalidArgument)
	}
	mode := input.EvaluationMode
	if mode == "" {
		mode = ModeModel
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown evaluation_mode %q", ErrInvalidArgument, mode)
	}
	if input.QuestionLimit < 0 {
		return nil, fmt.Errorf("%w: question_limit must not be negative", ErrInvalidArgument)
	}
	sampling := withSamplingDefaults(input.Sampling)
	if err := sampling.Validate(); err != nil {
		return nil, err
	}
	version := input.DatasetVersion
	if version <= 0 {
		version = 1
	}

	task := &Task{
		ID:               uuid.New().String(),
		Name:             input.Name,
		Description:      input.Description,
		DatasetID:        input.DatasetID,
		DatasetVersion:   version,
		ModelID:          input.ModelID,
		EvaluatorModelID: input.EvaluatorModelID,
		EvaluationMode:   mode,
		APIKey:           input.APIKey,
		Prompts:          input.Prompts,
		Sampling:         sampling,
		QuestionLimit:    input.QuestionLimit,
		Status:           StatusConfigParams,
		CreatedAt:        s.now(),
	}

	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	s.logger.InfoContext(ctx, "task created", "task_id", task.ID, "model", task.ModelID, "dataset", task.DatasetID)
	return task.Redacted(), nil
}

// withSamplingDefaults fills an all-zero parameter set with the defaults
// and zero max_tokens/top_k with theirs. An explicit temperature of 0 is
// kept.
func withSamplingDefaults(p SamplingParams) SamplingParams {
	if p == (SamplingParams{}) {
		return DefaultSamplingParams()
	}
	def := DefaultSamplingParams()
	if p.MaxTokens == 0 {
		p.MaxTokens = def.MaxTokens
	}
	if p.TopK == 0 {
		p.TopK = def.TopK
	}
	return p
}

// GetTask retrieves a task without its credential.
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return t.Redacted(), nil
}

// ListTasks returns tasks matching the query.
func (s *Service) ListTasks(ctx context.Context, query ListTasksQuery) ([]*Task, int, error) {
	tasks, total, err := s.store.ListTasks(ctx, query)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list tasks: %w", err)
	}
	for i, t := range tasks {
		tasks[i] = t.Redacted()
	}
	return tasks, total, nil
}

// UpdateParams changes model and sampling settings of a task that is
// still in CONFIG_PARAMS.
func (s *Service) UpdateParams(ctx context.Context, id string, in UpdateParamsInput) (*Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if t.Status != StatusConfigParams {
		return nil, fmt.Errorf("task %s is %s, parameters are editable in %s only: %w",
			id, t.Status, StatusConfigParams, ErrInvalidTransition)
	}

	u := TaskUpdate{
		ModelID:          in.ModelID,
		EvaluatorModelID: in.EvaluatorModelID,
		EvaluationMode:   in.EvaluationMode,
		QuestionLimit:    in.QuestionLimit,
		APIKey:           in.APIKey,
	}
	if in.ModelID != nil && *in.ModelID == "" {
		return nil, fmt.Errorf("%w: model_id must not be empty", ErrInvalidArgument)
	}
	if in.EvaluationMode != nil && !in.EvaluationMode.Valid() {
		return nil, fmt.Errorf("%w: unknown evaluation_mode %q", ErrInvalidArgument, *in.EvaluationMode)
	}
	if in.QuestionLimit != nil && *in.QuestionLimit < 0 {
		return nil, fmt.Errorf("%w: question_limit must not be negative", ErrInvalidArgument)
	}
	if in.Sampling != nil {
		sampling := withSamplingDefaults(*in.Sampling)
		if err := sampling.Validate(); err != nil {
			return nil, err
		}
		u.Sampling = &sampling
	}

	status := StatusConfigParams
	u.IfStatus = &status
	updated, err := s.store.UpdateTask(ctx, id, u)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return updated.Redacted(), nil
}

// UpdatePrompts replaces the prompt configuration of a task that has not
// started generating.
func (s *Service) UpdatePrompts(ctx context.Context, id string, prompts PromptConfig) (*Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	if t.Status != StatusConfigParams && t.Status != StatusConfigPrompts {
		return nil, fmt.Errorf("task %s is %s, prompts are no longer editable: %w", id, t.Status, ErrInvalidTransition)
	}

	status := t.Status
	updated, err := s.store.UpdateTask(ctx, id, TaskUpdate{IfStatus: &status, Prompts: &prompts})
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return updated.Redacted(), nil
}

// Advance runs the step for the task's current status: it confirms the
// parameters, starts the pipeline, or resumes an interrupted one.
func (s *Service) Advance(ctx context.Context, id string) (*Task, error) {
	if s.isRunning(id) {
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskRunning)
	}

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	switch {
	case t.Status.IsTerminal():
		return nil, fmt.Errorf("task %s is %s: %w", id, t.Status, ErrTaskTerminal)
	case t.Status == StatusConfigParams:
		return s.confirmParams(ctx, t)
	}

	r, err := s.reserve(ctx, id)
	if err != nil {
		return nil, err
	}

	if t.Status == StatusConfigPrompts {
		u, err := Transition(t, StatusGeneratingAnswers, s.now())
		if err == nil {
			t, err = s.store.UpdateTask(ctx, id, u)
		}
		if err != nil {
			s.abandon(id, r)
			return nil, fmt.Errorf("failed to start task: %w", err)
		}
	}

	s.logger.InfoContext(ctx, "pipeline starting", "task_id", id, "status", t.Status)
	go s.pipeline(id, r)
	return t.Redacted(), nil
}

// confirmParams validates the sampling parameters and model references and
// moves the task to CONFIG_PROMPTS.
func (s *Service) confirmParams(ctx context.Context, t *Task) (*Task, error) {
	if err := t.Sampling.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.catalog.Get(t.ModelID); err != nil {
		return nil, fmt.Errorf("%w: model %q: %v", ErrInvalidArgument, t.ModelID, err)
	}
	if t.EvaluationMode != ModeRubric {
		if _, err := s.catalog.Get(t.EvaluatorModel()); err != nil {
			return nil, fmt.Errorf("%w: evaluator model %q: %v", ErrInvalidArgument, t.EvaluatorModel(), err)
		}
	}

	u, err := Transition(t, StatusConfigPrompts, s.now())
	if err != nil {
		return nil, err
	}
	updated, err := s.store.UpdateTask(ctx, t.ID, u)
	if err != nil {
		return nil, fmt.Errorf("failed to update task: %w", err)
	}
	return updated.Redacted(), nil
}

// Cancel moves a task to CANCELLED. A running pipeline notices before its
// next item.
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	for attempt := 0; ; attempt++ {
		t, err := s.store.GetTask(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to get task: %w", err)
		}
		u, err := Transition(t, StatusCancelled, s.now())
		if err != nil {
			return nil, err
		}
		updated, err := s.store.UpdateTask(ctx, id, u)
		if errors.Is(err, ErrStatusConflict) && attempt < 2 {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to cancel task: %w", err)
		}
		s.logger.InfoContext(ctx, "task cancelled", "task_id", id, "from", t.Status)
		return updated.Redacted(), nil
	}
}

// GetProgress reports the task's advancement and, while it runs, the ETA
// of the current stage.
func (s *Service) GetProgress(ctx context.Context, id string) (*Progress, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	p := &Progress{
		TaskID:    t.ID,
		Status:    t.Status,
		Progress:  t.Progress,
		Total:     t.TotalQuestions,
		Completed: t.CompletedQuestions,
		Failed:    t.FailedQuestions,
	}
	if t.Status.IsRunning() {
		p.ETA = EstimateETA(t.CompletedQuestions+t.FailedQuestions, t.TotalQuestions, t.StartedAt, s.now())
	}
	return p, nil
}

// Wait blocks until the task's active pipeline ends or ctx is done. It
// returns at once when no pipeline runs.
func (s *Service) Wait(ctx context.Context, id string) error {
	s.mu.Lock()
	r := s.runs[id]
	s.mu.Unlock()
	if r == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ResumeInterrupted restarts pipelines of tasks left in a running status,
// typically by a previous process. It returns how many were resumed.
func (s *Service) ResumeInterrupted(ctx context.Context) (int, error) {
	resumed := 0
	for _, status := range []TaskStatus{StatusGeneratingAnswers, StatusEvaluatingAnswers} {
		tasks, _, err := s.store.ListTasks(ctx, ListTasksQuery{Status: status})
		if err != nil {
			return resumed, fmt.Errorf("failed to list %s tasks: %w", status, err)
		}
		for _, t := range tasks {
			if _, err := s.Advance(ctx, t.ID); err != nil {
				if errors.Is(err, ErrTaskRunning) {
					continue
				}
				return resumed, err
			}
			resumed++
		}
	}
	return resumed, nil
}

// Close stops every pipeline and waits for them. Interrupted tasks keep
// their status and can be resumed.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stopAll()
	s.wg.Wait()
	return nil
}

func (s *Service) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.runs[id]
	return ok
}

// reserve claims the pipeline slot of a task in this process and, when a
// locker is configured, across processes.
func (s *Service) reserve(ctx context.Context, id string) (*run, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("service is closed")
	}
	if _, ok := s.runs[id]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, ErrTaskRunning)
	}
	runCtx, cancel := context.WithCancel(s.baseCtx)
	r := &run{ctx: runCtx, cancel: cancel, done: make(chan struct{})}
	s.runs[id] = r
	s.wg.Add(1)
	s.mu.Unlock()

	if s.locker != nil {
		lock, err := s.locker.Acquire(ctx, runLockKey(id), s.cfg.RunLockTTL)
		if err != nil {
			s.abandon(id, r)
			if errors.Is(err, ErrTaskRunning) {
				return nil, fmt.Errorf("task %s: %w", id, err)
			}
			return nil, fmt.Errorf("failed to lock task %s: %w", id, err)
		}
		r.lock = lock
	}
	return r, nil
}

// abandon releases a reserved slot whose pipeline never started.
func (s *Service) abandon(id string, r *run) {
	s.finish(id, r)
	s.wg.Done()
}

func (s *Service) finish(id string, r *run) {
	if r.lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.lock.Release(ctx); err != nil {
			s.logger.Warn("failed to release run lock", "task_id", id, "error", err)
		}
		cancel()
	}
	r.cancel()

	s.mu.Lock()
	delete(s.runs, id)
	s.mu.Unlock()
	close(r.done)
}

// keepLock refreshes the run lock until ctx is done.
func (s *Service) keepLock(ctx context.Context, id string, lock RunLock) {
	interval := s.cfg.RunLockTTL / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, s.cfg.RunLockTTL); err != nil && ctx.Err() == nil {
				s.logger.WarnContext(ctx, "failed to refresh run lock", "task_id", id, "error", err)
			}
		}
	}
}

func (s *Service) pipeline(id string, r *run) {
	defer s.wg.Done()
	defer s.finish(id, r)
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("pipeline panicked", "task_id", id, "panic", p)
			s.fail(r.ctx, id, fmt.Errorf("internal error: %v", p))
		}
	}()

	ctx := r.ctx
	if r.lock != nil {
		go s.keepLock(ctx, id, r.lock)
	}

	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load task", "task_id", id, "error", err)
		return
	}
	logger := s.logger.With("task_id", id)

	p, err := s.prepare(ctx, t)
	if err != nil {
		if ctx.Err() == nil {
			logger.ErrorContext(ctx, "task configuration rejected", "error", err)
		}
		s.stageEnded(ctx, id, err, StageTotals{})
		return
	}

	var genTotals *StageTotals
	if t.Status == StatusGeneratingAnswers {
		totals, err := s.generate(ctx, p)
		if stop := s.stageEnded(ctx, id, err, totals); stop {
			return
		}
		genTotals = &totals

		if _, err := s.advanceStatus(ctx, id, StatusEvaluatingAnswers, TaskUpdate{}); err != nil {
			s.stageEnded(ctx, id, err, StageTotals{})
			return
		}
	}

	evalTotals, err := s.evaluate(ctx, p)
	if stop := s.stageEnded(ctx, id, err, evalTotals); stop {
		return
	}

	if err := s.complete(ctx, id, genTotals, &evalTotals); err != nil {
		s.stageEnded(ctx, id, err, StageTotals{})
		return
	}
	logger.InfoContext(ctx, "task completed")
}

// stageEnded decides whether the pipeline stops after a stage. A done
// context or a task that left its stage stops quietly; other errors fail
// the task.
func (s *Service) stageEnded(ctx context.Context, id string, err error, totals StageTotals) bool {
	switch {
	case ctx.Err() != nil:
		s.logger.Info("pipeline interrupted", "task_id", id)
		return true
	case errors.Is(err, ErrStatusConflict):
		return true
	case err != nil:
		s.logger.ErrorContext(ctx, "pipeline failed", "task_id", id, "error", err)
		s.fail(ctx, id, err)
		return true
	case totals.Cancelled:
		return true
	}
	return false
}

// advanceStatus moves a task forward with extra fields, guarded by its
// current status.
func (s *Service) advanceStatus(ctx context.Context, id string, to TaskStatus, extra TaskUpdate) (*Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	u, err := Transition(t, to, s.now())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStatusConflict, err)
	}
	extra.IfStatus, extra.Status = u.IfStatus, u.Status
	extra.StartedAt, extra.CompletedAt = u.StartedAt, u.CompletedAt
	return s.store.UpdateTask(ctx, id, extra)
}

// fail moves the task to FAILED with the cause as message, best effort.
// A task that already finished is left alone.
func (s *Service) fail(ctx context.Context, id string, cause error) {
	msg := cause.Error()
	_, err := s.advanceStatus(ctx, id, StatusFailed, TaskUpdate{ErrorMessage: &msg})
	if err != nil && !errors.Is(err, ErrStatusConflict) {
		s.logger.WarnContext(ctx, "failed to mark task failed", "task_id", id, "error", err)
	}
}

// plan is a task resolved against the catalog and question store.
type plan struct {
	task      *Task
	target    *ModelBinding
	evaluator *ModelBinding
	questions []datasets.Question
	byID      map[string]*datasets.Question
}

func (s *Service) prepare(ctx context.Context, t *Task) (*plan, error) {
	p := &plan{task: t}

	var err error
	if t.Status == StatusGeneratingAnswers {
		if p.target, err = s.adapter.Bind(ctx, t.ModelID, t.APIKey); err != nil {
			return nil, err
		}
	}
	if t.EvaluationMode != ModeRubric {
		if p.evaluator, err = s.adapter.Bind(ctx, t.EvaluatorModel(), t.APIKey); err != nil {
			return nil, err
		}
	}

	questions, err := s.questions.ListValidQuestions(ctx, t.DatasetID, t.DatasetVersion)
	if err != nil && !errors.Is(err, datasets.ErrNotFound) {
		return nil, fmt.Errorf("failed to load questions: %w", err)
	}
	if t.QuestionLimit > 0 && len(questions) > t.QuestionLimit {
		questions = questions[:t.QuestionLimit]
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: dataset %s version %d has no valid questions",
			ErrConfiguration, t.DatasetID, t.DatasetVersion)
	}

	p.questions = questions
	p.byID = make(map[string]*datasets.Question, len(questions))
	for i := range questions {
		p.byID[questions[i].ID] = &questions[i]
	}
	return p, nil
}

func (s *Service) generate(ctx context.Context, p *plan) (StageTotals, error) {
	t := p.task
	existing, err := s.store.ListGeneratedAnswers(ctx, t.ID)
	if err != nil {
		return StageTotals{}, fmt.Errorf("failed to list answers: %w", err)
	}
	done := make(map[string]bool, len(existing))
	var doneValid, doneInvalid int
	for _, a := range existing {
		if done[a.QuestionID] {
			continue
		}
		done[a.QuestionID] = true
		if a.IsValid {
			doneValid++
		} else {
			doneInvalid++
		}
	}

	var todo []datasets.Question
	for _, q := range p.questions {
		if !done[q.ID] {
			todo = append(todo, q)
		}
	}

	return Run(ctx, s.runner, Stage[datasets.Question, *GeneratedAnswer]{
		Name:        "generation",
		Status:      StatusGeneratingAnswers,
		TaskID:      t.ID,
		Items:       todo,
		DoneValid:   doneValid,
		DoneInvalid: doneInvalid,
		Process: func(ctx context.Context, q datasets.Question) (*GeneratedAnswer, error) {
			system := t.Prompts.SystemPromptFor(q.Type)
			res := s.adapter.Generate(ctx, GenerateRequest{
				Model:        p.target,
				Question:     q.Body,
				SystemPrompt: system,
				Sampling:     t.Sampling,
			})
			a := &GeneratedAnswer{
				ID:               uuid.New().String(),
				TaskID:           t.ID,
				QuestionID:       q.ID,
				ModelID:          t.ModelID,
				Prompt:           BuildPrompt(system, q.Body),
				Answer:           res.Text,
				IsValid:          res.Success,
				PromptTokens:     res.Usage.PromptTokens,
				CompletionTokens: res.Usage.CompletionTokens,
				TotalTokens:      res.Usage.TotalTokens,
				Cost:             res.Cost,
				LatencyMs:        res.Latency.Milliseconds(),
				FinishReason:     res.FinishReason,
				CreatedAt:        s.now(),
			}
			if !res.Success {
				a.Answer = FailedAnswerPrefix + res.Error
			}
			return a, nil
		},
		Failed: func(q datasets.Question, err error) *GeneratedAnswer {
			return &GeneratedAnswer{
				ID:         uuid.New().String(),
				TaskID:     t.ID,
				QuestionID: q.ID,
				ModelID:    t.ModelID,
				Prompt:     BuildPrompt(t.Prompts.SystemPromptFor(q.Type), q.Body),
				Answer:     FailedAnswerPrefix + err.Error(),
				CreatedAt:  s.now(),
			}
		},
		Valid: func(a *GeneratedAnswer) bool { return a.IsValid },
		Persist: func(ctx context.Context, a *GeneratedAnswer) error {
			return s.store.CreateGeneratedAnswer(ctx, a)
		},
		Key: func(q datasets.Question) string { return q.ID },
	})
}

func (s *Service) evaluate(ctx context.Context, p *plan) (StageTotals, error) {
	t := p.task
	answers, err := s.store.ListGeneratedAnswers(ctx, t.ID)
	if err != nil {
		return StageTotals{}, fmt.Errorf("failed to list answers: %w", err)
	}
	existing, err := s.store.ListEvaluations(ctx, t.ID)
	if err != nil {
		return StageTotals{}, fmt.Errorf("failed to list evaluations: %w", err)
	}

	done := make(map[string]bool, len(existing))
	var doneValid, doneInvalid int
	for _, e := range existing {
		if done[e.AnswerID] {
			continue
		}
		done[e.AnswerID] = true
		if e.IsValid {
			doneValid++
		} else {
			doneInvalid++
		}
	}

	var todo []*GeneratedAnswer
	for _, a := range answers {
		if a.IsValid && !done[a.ID] {
			todo = append(todo, a)
		}
	}

	return Run(ctx, s.runner, Stage[*GeneratedAnswer, *Evaluation]{
		Name:        "evaluation",
		Status:      StatusEvaluatingAnswers,
		TaskID:      t.ID,
		Items:       todo,
		DoneValid:   doneValid,
		DoneInvalid: doneInvalid,
		Process: func(ctx context.Context, a *GeneratedAnswer) (*Evaluation, error) {
			q, ok := p.byID[a.QuestionID]
			if !ok {
				return nil, fmt.Errorf("question %s is no longer in the dataset", a.QuestionID)
			}
			if useRubric(t.EvaluationMode, q.Type) {
				return s.rubricEvaluation(t, q, a)
			}
			return s.modelEvaluation(ctx, p, q, a), nil
		},
		Failed: func(a *GeneratedAnswer, err error) *Evaluation {
			return &Evaluation{
				ID:            uuid.New().String(),
				TaskID:        t.ID,
				QuestionID:    a.QuestionID,
				AnswerID:      a.ID,
				EvaluatorType: evaluatorTypeFor(t.EvaluationMode, p.byID[a.QuestionID]),
				Reasoning:     "评估失败: " + err.Error(),
				Feedback:      err.Error(),
				CreatedAt:     s.now(),
			}
		},
		Valid: func(e *Evaluation) bool { return e.IsValid },
		Persist: func(ctx context.Context, e *Evaluation) error {
			return s.store.CreateEvaluation(ctx, e)
		},
		Key: func(a *GeneratedAnswer) string { return a.QuestionID },
	})
}

func useRubric(mode EvaluationMode, qt datasets.QuestionType) bool {
	switch mode {
	case ModeRubric:
		return true
	case ModeHybrid:
		return qt == datasets.QuestionTypeChoice
	}
	return false
}

func evaluatorTypeFor(mode EvaluationMode, q *datasets.Question) EvaluatorType {
	if q != nil && useRubric(mode, q.Type) || q == nil && mode == ModeRubric {
		return EvaluatorRubric
	}
	return EvaluatorModel
}

func (s *Service) rubricEvaluation(t *Task, q *datasets.Question, a *GeneratedAnswer) (*Evaluation, error) {
	res, err := RubricScore(q.Type, a.Answer, q.ReferenceAnswer)
	if err != nil {
		return nil, err
	}
	return &Evaluation{
		ID:            uuid.New().String(),
		TaskID:        t.ID,
		QuestionID:    q.ID,
		AnswerID:      a.ID,
		Score:         res.Score,
		EvaluatorType: EvaluatorRubric,
		EvaluatorID:   RubricEvaluatorID,
		Reasoning:     res.Label,
		Feedback:      res.Feedback,
		ParseOutcome:  OutcomeParsed,
		IsValid:       true,
		CreatedAt:     s.now(),
	}, nil
}

func (s *Service) modelEvaluation(ctx context.Context, p *plan, q *datasets.Question, a *GeneratedAnswer) *Evaluation {
	t := p.task
	res := s.adapter.Evaluate(ctx, EvaluateRequest{
		Model:           p.evaluator,
		Question:        q.Body,
		Answer:          a.Answer,
		ReferenceAnswer: q.ReferenceAnswer,
		Template:        t.Prompts.EvaluationPromptFor(q.Type),
		QuestionType:    q.Type,
	})

	e := &Evaluation{
		ID:               uuid.New().String(),
		TaskID:           t.ID,
		QuestionID:       q.ID,
		AnswerID:         a.ID,
		EvaluatorType:    EvaluatorModel,
		EvaluatorID:      t.EvaluatorModel(),
		EvaluationPrompt: res.Prompt,
		RawOutput:        res.Text,
		PromptTokens:     res.Usage.PromptTokens,
		CompletionTokens: res.Usage.CompletionTokens,
		TotalTokens:      res.Usage.TotalTokens,
		Cost:             res.Cost,
		IsValid:          res.Success,
		CreatedAt:        s.now(),
	}
	if !res.Success {
		e.Reasoning = "评估失败: " + res.Error
		e.Feedback = res.Error
		return e
	}
	e.Score = res.Parsed.Score
	e.Reasoning = res.Parsed.Reasoning
	e.Feedback = res.Parsed.Feedback
	e.ParseOutcome = res.Parsed.Outcome
	return e
}

// complete aggregates the evaluations and moves the task to COMPLETED.
func (s *Service) complete(ctx context.Context, id string, generation, evaluation *StageTotals) error {
	answers, err := s.store.ListGeneratedAnswers(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list answers: %w", err)
	}
	evals, err := s.store.ListEvaluations(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to list evaluations: %w", err)
	}

	// A finished task reports the generation counts over the whole question
	// list, not the counts of the evaluation pass.
	summary := Summarize(answers, evals, generation, evaluation)
	progress := 100
	u := TaskUpdate{
		ResultSummary:      summary,
		Progress:           &progress,
		TotalQuestions:     &summary.TotalQuestions,
		CompletedQuestions: &summary.ValidAnswers,
		FailedQuestions:    &summary.FailedAnswers,
	}
	if agg := AggregateScores(evals); agg.EvaluatedAnswers > 0 {
		score := agg.Score
		u.Score = &score
	}
	_, err = s.advanceStatus(ctx, id, StatusCompleted, u)
	return err
}

// GetResults returns every answer of a task with its evaluations and the
// aggregate score.
func (s *Service) GetResults(ctx context.Context, id string) (*Results, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	answers, err := s.store.ListGeneratedAnswers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list answers: %w", err)
	}
	evals, err := s.store.ListEvaluations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}

	byAnswer := make(map[string][]*Evaluation)
	for _, e := range evals {
		byAnswer[e.AnswerID] = append(byAnswer[e.AnswerID], e)
	}

	res := &Results{
		Task:      t.Redacted(),
		Answers:   make([]AnswerResult, 0, len(answers)),
		Aggregate: AggregateScores(evals),
		Summary:   t.ResultSummary,
	}
	for _, a := range answers {
		res.Answers = append(res.Answers, AnswerResult{Answer: a, Evaluations: byAnswer[a.ID]})
	}
	if res.Summary == nil {
		res.Summary = Summarize(answers, evals, nil, nil)
	}
	return res, nil
}
