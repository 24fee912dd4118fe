package eval

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/testutil"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/runtime"
)

const (
	choice = datasets.QuestionTypeChoice
	text   = datasets.QuestionTypeText
)

func TestService_CreateTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.svc.CreateTask(ctx, CreateTaskInput{
		Name:      "baseline",
		DatasetID: "ds",
		ModelID:   "target",
		APIKey:    "secret",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, StatusConfigParams, task.Status)
	assert.Equal(t, ModeModel, task.EvaluationMode)
	assert.Equal(t, 1, task.DatasetVersion)
	assert.Equal(t, DefaultSamplingParams(), task.Sampling)
	assert.Empty(t, task.APIKey, "credentials are never returned")
	assert.Equal(t, "target", task.EvaluatorModel())

	stored, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", stored.APIKey)
}

func TestService_CreateTaskRejectsBadInput(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	valid := CreateTaskInput{Name: "n", DatasetID: "ds", ModelID: "target"}

	cases := map[string]func(in *CreateTaskInput){
		"no name":        func(in *CreateTaskInput) { in.Name = "" },
		"no dataset":     func(in *CreateTaskInput) { in.DatasetID = "" },
		"no model":       func(in *CreateTaskInput) { in.ModelID = "" },
		"unknown mode":   func(in *CreateTaskInput) { in.EvaluationMode = "vibes" },
		"negative limit": func(in *CreateTaskInput) { in.QuestionLimit = -1 },
		"hot sampling":   func(in *CreateTaskInput) { in.Sampling = SamplingParams{Temperature: 3} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := valid
			mutate(&in)
			_, err := env.svc.CreateTask(ctx, in)
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestService_UpdateParams(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, ModeModel)

	mode := ModeHybrid
	limit := 2
	sampling := SamplingParams{Temperature: 0, MaxTokens: 512}
	updated, err := env.svc.UpdateParams(ctx, task.ID, UpdateParamsInput{
		EvaluationMode: &mode,
		QuestionLimit:  &limit,
		Sampling:       &sampling,
	})
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, updated.EvaluationMode)
	assert.Equal(t, 2, updated.QuestionLimit)
	assert.Equal(t, SamplingParams{Temperature: 0, MaxTokens: 512, TopK: DefaultTopK}, updated.Sampling)
	assert.Equal(t, "target", updated.ModelID)

	bad := SamplingParams{Temperature: 1, MaxTokens: 99999}
	_, err = env.svc.UpdateParams(ctx, task.ID, UpdateParamsInput{Sampling: &bad})
	assert.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.svc.Advance(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.svc.UpdateParams(ctx, task.ID, UpdateParamsInput{QuestionLimit: &limit})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_UpdatePrompts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, ModeModel)

	_, err := env.svc.Advance(ctx, task.ID)
	require.NoError(t, err)

	prompts := PromptConfig{SystemPrompt: "answer in one word"}
	updated, err := env.svc.UpdatePrompts(ctx, task.ID, prompts)
	require.NoError(t, err)
	assert.Equal(t, prompts, updated.Prompts)
	assert.Equal(t, StatusConfigPrompts, updated.Status)

	_, err = env.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.svc.UpdatePrompts(ctx, task.ID, prompts)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestService_ConfirmRejectsUnknownModel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	task, err := env.svc.CreateTask(ctx, CreateTaskInput{Name: "n", DatasetID: "ds", ModelID: "nope"})
	require.NoError(t, err)

	_, err = env.svc.Advance(ctx, task.ID)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	got, err := env.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfigParams, got.Status)
}

func TestService_FullPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice, text, choice)
	task := env.createTask(t, ModeModel)

	done := env.runTask(t, task.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	require.NotNil(t, done.Score)
	assert.InDelta(t, 80, *done.Score, 1e-9)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 6, env.provider.Calls())

	require.NotNil(t, done.ResultSummary)
	s := done.ResultSummary
	assert.Equal(t, 3, s.TotalQuestions)
	assert.Equal(t, 3, s.ValidAnswers)
	assert.Equal(t, 1.0, s.SuccessRate)
	assert.Equal(t, 3*15+3*30, s.TotalTokens)
	assert.InDelta(t, 3*0.015+3*0.06, s.TotalCost, 1e-9)
	require.NotNil(t, s.Generation)
	assert.Equal(t, StageTotals{Total: 3, Completed: 3}, *s.Generation)
	require.NotNil(t, s.Evaluation)
	assert.Equal(t, StageTotals{Total: 3, Completed: 3}, *s.Evaluation)

	res, err := env.svc.GetResults(context.Background(), task.ID)
	require.NoError(t, err)
	require.Len(t, res.Answers, 3)
	for _, ar := range res.Answers {
		assert.True(t, ar.Answer.IsValid)
		assert.Equal(t, "A", ar.Answer.Answer)
		require.Len(t, ar.Evaluations, 1)
		e := ar.Evaluations[0]
		assert.Equal(t, EvaluatorModel, e.EvaluatorType)
		assert.Equal(t, "judge", e.EvaluatorID)
		assert.Equal(t, OutcomeParsed, e.ParseOutcome)
		assert.Equal(t, "ok", e.Reasoning)
		assert.Equal(t, ar.Answer.QuestionID, e.QuestionID)
	}
	assert.Equal(t, "qa", res.Answers[0].Answer.QuestionID)
	assert.Contains(t, res.Answers[0].Answer.Prompt, DefaultChoiceSystemPrompt)
	assert.Contains(t, res.Answers[1].Answer.Prompt, DefaultTextSystemPrompt)
	assert.InDelta(t, 80, res.Aggregate.Score, 1e-9)
}

func TestService_HybridMode(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice, text, choice)
	task := env.createTask(t, ModeHybrid)

	done := env.runTask(t, task.ID)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Score)
	assert.InDelta(t, (100.0+80.0+100.0)/3, *done.Score, 1e-9)
	assert.Equal(t, 4, env.provider.Calls(), "only the text answer goes to the judge")

	res, err := env.svc.GetResults(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, EvaluatorRubric, res.Answers[0].Evaluations[0].EvaluatorType)
	assert.Equal(t, RubricEvaluatorID, res.Answers[0].Evaluations[0].EvaluatorID)
	assert.Equal(t, EvaluatorModel, res.Answers[1].Evaluations[0].EvaluatorType)
}

func TestService_RubricModeNeedsNoEvaluator(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice, text)

	task, err := env.svc.CreateTask(context.Background(), CreateTaskInput{
		Name: "rubric", DatasetID: "ds", ModelID: "target", EvaluatorModelID: "unknown-judge",
		EvaluationMode: ModeRubric,
	})
	require.NoError(t, err)

	done := env.runTask(t, task.ID)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.Score)
	assert.Equal(t, 100.0, *done.Score)
	assert.Equal(t, 2, env.provider.Calls())

	res, err := env.svc.GetResults(context.Background(), task.ID)
	require.NoError(t, err)
	textEval := res.Answers[1].Evaluations[0]
	assert.False(t, textEval.IsValid)
	assert.Contains(t, textEval.Reasoning, "评估失败")
	assert.Equal(t, 1, done.ResultSummary.EvaluatedAnswers)
	require.NotNil(t, done.ResultSummary.Evaluation)
	assert.Equal(t, 1, done.ResultSummary.Evaluation.Failed)
}

func TestService_FailedAnswersAreNotEvaluated(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice, text, choice)
	env.provider.answer = func(req runtime.ChatRequest) (*runtime.ChatResponse, error) {
		if lastUserMessage(req) == "question b" {
			return nil, &runtime.APIError{Provider: "openai", StatusCode: http.StatusBadRequest, Message: "content filtered"}
		}
		return &runtime.ChatResponse{Text: "A", TotalTokens: 15}, nil
	}
	task := env.createTask(t, ModeModel)

	done := env.runTask(t, task.ID)
	require.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 2, done.ResultSummary.ValidAnswers)
	assert.Equal(t, 1, done.ResultSummary.FailedAnswers)
	assert.Equal(t, StageTotals{Total: 3, Completed: 2, Failed: 1}, *done.ResultSummary.Generation)
	assert.Equal(t, StageTotals{Total: 2, Completed: 2}, *done.ResultSummary.Evaluation)
	assert.Equal(t, 3, done.TotalQuestions)
	assert.Equal(t, 2, done.CompletedQuestions)
	assert.Equal(t, 1, done.FailedQuestions)

	res, err := env.svc.GetResults(context.Background(), task.ID)
	require.NoError(t, err)
	failed := res.Answers[1]
	assert.False(t, failed.Answer.IsValid)
	assert.Contains(t, failed.Answer.Answer, FailedAnswerPrefix)
	assert.Contains(t, failed.Answer.Answer, "content filtered")
	assert.Empty(t, failed.Evaluations)
}

func TestService_AllAnswersFail(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, text, text)
	env.provider.answer = func(req runtime.ChatRequest) (*runtime.ChatResponse, error) {
		return nil, &runtime.APIError{Provider: "openai", StatusCode: http.StatusForbidden}
	}
	task := env.createTask(t, ModeModel)

	done := env.runTask(t, task.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Nil(t, done.Score)
	assert.Equal(t, 0.0, done.ResultSummary.SuccessRate)
	assert.Nil(t, done.ResultSummary.AverageScore)
}

func TestService_QuestionLimit(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice, choice, choice, choice)
	task := env.createTask(t, ModeRubric)

	limit := 2
	_, err := env.svc.UpdateParams(context.Background(), task.ID, UpdateParamsInput{QuestionLimit: &limit})
	require.NoError(t, err)

	done := env.runTask(t, task.ID)
	assert.Equal(t, 2, done.ResultSummary.TotalQuestions)
}

func TestService_MissingCredentialFailsTask(t *testing.T) {
	env := newTestEnv(t, withCredential(""))
	env.addQuestions(t, choice)
	task := env.createTask(t, ModeModel)

	done := env.runTask(t, task.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "no API key")
	assert.Zero(t, env.provider.Calls())
}

func TestService_TaskCredentialOverridesEnvironment(t *testing.T) {
	env := newTestEnv(t, withCredential(""))
	env.addQuestions(t, choice)

	task, err := env.svc.CreateTask(context.Background(), CreateTaskInput{
		Name: "n", DatasetID: "ds", ModelID: "target", EvaluationMode: ModeRubric, APIKey: "task-key",
	})
	require.NoError(t, err)

	done := env.runTask(t, task.ID)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestService_EmptyDatasetFailsTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t, ModeModel)

	done := env.runTask(t, task.ID)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "no valid questions")
}

func TestService_AdvanceTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	task := env.createTask(t, ModeModel)

	_, err := env.svc.Cancel(ctx, task.ID)
	require.NoError(t, err)

	_, err = env.svc.Advance(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskTerminal)

	_, err = env.svc.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = env.svc.Advance(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_AdvanceWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice, choice)
	env.provider.block = make(chan struct{})
	task := env.createTask(t, ModeRubric)
	ctx := testutil.TestContext(t)

	_, err := env.svc.Advance(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.svc.Advance(ctx, task.ID)
	require.NoError(t, err)

	testutil.WaitFor(t, 5*time.Second, func() bool { return env.provider.Calls() >= 1 }, "generation started")

	_, err = env.svc.Advance(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskRunning)
	n, err := env.svc.ResumeInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	close(env.provider.block)
	require.NoError(t, env.svc.Wait(ctx, task.ID))

	done, err := env.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	answers, err := env.store.ListGeneratedAnswers(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, answers, 2)
}

func TestService_CancelStopsPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice, choice, choice, choice, choice)
	task := env.createTask(t, ModeRubric)

	var once sync.Once
	env.provider.observed = func(req runtime.ChatRequest) {
		if lastUserMessage(req) == "question b" {
			once.Do(func() {
				_, err := env.svc.Cancel(context.Background(), task.ID)
				assert.NoError(t, err)
			})
		}
	}

	done := env.runTask(t, task.ID)
	assert.Equal(t, StatusCancelled, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Equal(t, 2, env.provider.Calls())

	answers, err := env.store.ListGeneratedAnswers(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Len(t, answers, 2, "the item in flight is still recorded")
	evals, err := env.store.ListEvaluations(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Empty(t, evals)
}

func TestService_ResumeInterrupted(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice, choice, choice)
	ctx := testutil.TestContext(t)

	started := time.Now().Add(-time.Minute)
	task := &Task{
		ID:             "interrupted",
		Name:           "resume me",
		DatasetID:      "ds",
		DatasetVersion: 1,
		ModelID:        "target",
		EvaluationMode: ModeRubric,
		Sampling:       DefaultSamplingParams(),
		Status:         StatusGeneratingAnswers,
		CreatedAt:      started,
		StartedAt:      &started,
	}
	require.NoError(t, env.store.CreateTask(ctx, task))
	require.NoError(t, env.store.CreateGeneratedAnswer(ctx, &GeneratedAnswer{
		ID: "earlier", TaskID: task.ID, QuestionID: "qa", ModelID: "target", Answer: "A", IsValid: true,
	}))

	n, err := env.svc.ResumeInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.NoError(t, env.svc.Wait(ctx, task.ID))

	done, err := env.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, started.Unix(), done.StartedAt.Unix(), "start time survives a resume")
	assert.Equal(t, 2, env.provider.Calls())

	answers, err := env.store.ListGeneratedAnswers(ctx, task.ID)
	require.NoError(t, err)
	assert.Len(t, answers, 3)
	assert.Equal(t, StageTotals{Total: 3, Completed: 3, Skipped: 1}, *done.ResultSummary.Generation)
}

func TestService_ResumeEvaluationOnly(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, text, text)
	ctx := testutil.TestContext(t)

	task := &Task{
		ID: "evaluating", Name: "n", DatasetID: "ds", DatasetVersion: 1,
		ModelID: "target", EvaluatorModelID: "judge", EvaluationMode: ModeModel,
		Sampling: DefaultSamplingParams(), Status: StatusEvaluatingAnswers, CreatedAt: time.Now(),
	}
	require.NoError(t, env.store.CreateTask(ctx, task))
	for _, qid := range []string{"qa", "qb"} {
		require.NoError(t, env.store.CreateGeneratedAnswer(ctx, &GeneratedAnswer{
			ID: "ans-" + qid, TaskID: task.ID, QuestionID: qid, Answer: "text", IsValid: true,
		}))
	}
	require.NoError(t, env.store.CreateEvaluation(ctx, &Evaluation{
		ID: "ev-qa", TaskID: task.ID, QuestionID: "qa", AnswerID: "ans-qa", Score: 60, IsValid: true,
	}))

	_, err := env.svc.Advance(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, env.svc.Wait(ctx, task.ID))

	done, err := env.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, 1, env.provider.Calls(), "only the unevaluated answer is scored")
	require.NotNil(t, done.Score)
	assert.InDelta(t, 70, *done.Score, 1e-9)
}

func TestService_GetProgress(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	started := time.Now().Add(-10 * time.Minute)
	require.NoError(t, env.store.CreateTask(ctx, &Task{
		ID: "running", Status: StatusGeneratingAnswers, StartedAt: &started,
		TotalQuestions: 20, CompletedQuestions: 4, FailedQuestions: 1, Progress: 12, CreatedAt: started,
	}))

	p, err := env.svc.GetProgress(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, 12, p.Progress)
	assert.Equal(t, 20, p.Total)
	require.NotNil(t, p.ETA.QuestionsPerMinute)
	assert.InDelta(t, 0.5, *p.ETA.QuestionsPerMinute, 0.01)
	require.NotNil(t, p.ETA.EstimatedRemainingSeconds)
	assert.InDelta(t, 1800, *p.ETA.EstimatedRemainingSeconds, 30)

	task := env.createTask(t, ModeModel)
	p, err = env.svc.GetProgress(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, p.ETA.QuestionsPerMinute)
	assert.Nil(t, p.ETA.EstimatedRemainingSeconds)
}

func TestService_ListTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	first := env.createTask(t, ModeModel)
	second := env.createTask(t, ModeModel)
	_, err := env.svc.Cancel(ctx, first.ID)
	require.NoError(t, err)

	tasks, total, err := env.svc.ListTasks(ctx, ListTasksQuery{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, tasks, 2)
	assert.Equal(t, second.ID, tasks[0].ID, "newest first")

	tasks, total, err = env.svc.ListTasks(ctx, ListTasksQuery{Status: StatusCancelled})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, first.ID, tasks[0].ID)

	tasks, _, err = env.svc.ListTasks(ctx, ListTasksQuery{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, first.ID, tasks[0].ID)
}

type fakeLock struct {
	mu       sync.Mutex
	released bool
}

func (l *fakeLock) Refresh(ctx context.Context, ttl time.Duration) error { return nil }

func (l *fakeLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = true
	return nil
}

type fakeLocker struct {
	held bool
	lock *fakeLock
	err  error
}

func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (RunLock, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.held {
		return nil, ErrTaskRunning
	}
	f.lock = &fakeLock{}
	return f.lock, nil
}

func TestService_RunLockHeldElsewhere(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice)
	env.svc.WithRunLocker(&fakeLocker{held: true})
	ctx := context.Background()
	task := env.createTask(t, ModeRubric)

	_, err := env.svc.Advance(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.svc.Advance(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskRunning)

	got, err := env.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusConfigPrompts, got.Status, "a refused lock leaves the task untouched")
}

func TestService_RunLockReleased(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice)
	locker := &fakeLocker{}
	env.svc.WithRunLocker(locker)
	task := env.createTask(t, ModeRubric)

	done := env.runTask(t, task.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, locker.lock)
	locker.lock.mu.Lock()
	defer locker.lock.mu.Unlock()
	assert.True(t, locker.lock.released)
}

func TestService_RunLockError(t *testing.T) {
	env := newTestEnv(t)
	env.svc.WithRunLocker(&fakeLocker{err: errors.New("redis down")})
	ctx := context.Background()
	task := env.createTask(t, ModeRubric)

	_, err := env.svc.Advance(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.svc.Advance(ctx, task.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
	assert.False(t, env.svc.isRunning(task.ID))
}

func TestService_CloseInterruptsPipeline(t *testing.T) {
	env := newTestEnv(t)
	env.addQuestions(t, choice, choice)
	env.provider.block = make(chan struct{})
	task := env.createTask(t, ModeRubric)
	ctx := testutil.TestContext(t)

	_, err := env.svc.Advance(ctx, task.ID)
	require.NoError(t, err)
	_, err = env.svc.Advance(ctx, task.ID)
	require.NoError(t, err)
	testutil.WaitFor(t, 5*time.Second, func() bool { return env.provider.Calls() >= 1 }, "generation started")

	require.NoError(t, env.svc.Close())

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusGeneratingAnswers, got.Status, "an interrupted task stays resumable")
	answers, err := env.store.ListGeneratedAnswers(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, answers)

	_, err = env.svc.Advance(ctx, task.ID)
	assert.Error(t, err)
}
