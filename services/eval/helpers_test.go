package eval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/testutil"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/runtime"
)

// scriptedProvider answers generation calls with answer and evaluation
// calls with judge, unless the hooks are set.
type scriptedProvider struct {
	mu       sync.Mutex
	calls    int
	requests []runtime.ChatRequest

	answer   func(req runtime.ChatRequest) (*runtime.ChatResponse, error)
	judge    func(req runtime.ChatRequest) (*runtime.ChatResponse, error)
	observed func(req runtime.ChatRequest)
	// block holds generation calls until it is closed.
	block chan struct{}
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Chat(ctx context.Context, req runtime.ChatRequest) (*runtime.ChatResponse, error) {
	p.mu.Lock()
	p.calls++
	p.requests = append(p.requests, req)
	observed := p.observed
	p.mu.Unlock()

	if observed != nil {
		observed(req)
	}
	if p.block != nil && !isEvaluation(req) {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if isEvaluation(req) {
		if p.judge != nil {
			return p.judge(req)
		}
		return &runtime.ChatResponse{
			Text:             `{"score": 80, "reasoning": "ok", "feedback": "fine"}`,
			PromptTokens:     20,
			CompletionTokens: 10,
			TotalTokens:      30,
		}, nil
	}
	if p.answer != nil {
		return p.answer(req)
	}
	return &runtime.ChatResponse{
		Text:             "A",
		PromptTokens:     10,
		CompletionTokens: 5,
		TotalTokens:      15,
		FinishReason:     "stop",
	}, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func isEvaluation(req runtime.ChatRequest) bool {
	return len(req.Messages) > 0 && req.Messages[0].Content == EvaluatorSystemPrompt
}

func lastUserMessage(req runtime.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}

type staticProviders struct {
	provider runtime.Provider
	err      error
}

func (s staticProviders) Get(ctx context.Context, ep runtime.Endpoint) (runtime.Provider, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.provider, nil
}

func testCatalog() *runtime.Catalog {
	return runtime.NewCatalog(
		runtime.ModelRecord{ID: "target", Name: "target-model", Provider: runtime.ProviderOpenAI, CostPer1KTokens: 1},
		runtime.ModelRecord{ID: "judge", Name: "judge-model", Provider: runtime.ProviderOpenAI, CostPer1KTokens: 2},
	)
}

func fastAdapterConfig() AdapterConfig {
	cfg := DefaultAdapterConfig()
	cfg.CallTimeout = 2 * time.Second
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	return cfg
}

type testEnv struct {
	svc       *Service
	store     *MemoryStore
	questions *datasets.MemoryStore
	provider  *scriptedProvider
}

type envOption func(*envConfig)

type envConfig struct {
	credential string
	delay      time.Duration
}

func withCredential(key string) envOption {
	return func(c *envConfig) { c.credential = key }
}

func withItemDelay(d time.Duration) envOption {
	return func(c *envConfig) { c.delay = d }
}

func newTestEnv(t *testing.T, opts ...envOption) *testEnv {
	t.Helper()
	cfg := envConfig{credential: "test-key"}
	for _, opt := range opts {
		opt(&cfg)
	}

	store := NewMemoryStore()
	questions := datasets.NewMemoryStore()
	provider := &scriptedProvider{}
	catalog := testCatalog()
	logger := testutil.DiscardLogger()

	adapter := NewAdapter(staticProviders{provider: provider}, catalog,
		func(string) string { return cfg.credential }, fastAdapterConfig(), logger)
	svc := NewService(store, questions, catalog, adapter,
		ServiceConfig{ItemDelay: cfg.delay, RunLockTTL: time.Minute}, logger)
	t.Cleanup(func() { _ = svc.Close() })

	return &testEnv{svc: svc, store: store, questions: questions, provider: provider}
}

// addQuestions stores one valid question per type in dataset "ds" version
// 1. Choice questions reference "A".
func (e *testEnv) addQuestions(t *testing.T, types ...datasets.QuestionType) {
	t.Helper()
	var qs []*datasets.Question
	for i, qt := range types {
		ref := "A"
		if qt == datasets.QuestionTypeText {
			ref = "reference text"
		}
		qs = append(qs, &datasets.Question{
			ID:              "q" + string(rune('a'+i)),
			DatasetID:       "ds",
			Version:         1,
			Body:            "question " + string(rune('a'+i)),
			Type:            qt,
			ReferenceAnswer: ref,
			Position:        i,
			IsValid:         true,
			CreatedAt:       time.Now(),
		})
	}
	require.NoError(t, e.questions.AddQuestions(context.Background(), qs))
}

func (e *testEnv) createTask(t *testing.T, mode EvaluationMode) *Task {
	t.Helper()
	task, err := e.svc.CreateTask(context.Background(), CreateTaskInput{
		Name:             "task",
		DatasetID:        "ds",
		DatasetVersion:   1,
		ModelID:          "target",
		EvaluatorModelID: "judge",
		EvaluationMode:   mode,
	})
	require.NoError(t, err)
	return task
}

// runTask moves a new task through both configuration steps into the
// pipeline and waits for it to finish.
func (e *testEnv) runTask(t *testing.T, id string) *Task {
	t.Helper()
	ctx := testutil.TestContext(t)

	task, err := e.svc.Advance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusConfigPrompts, task.Status)

	task, err = e.svc.Advance(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusGeneratingAnswers, task.Status)

	require.NoError(t, e.svc.Wait(ctx, id))
	task, err = e.svc.GetTask(ctx, id)
	require.NoError(t, err)
	return task
}

var errBoom = errors.New("boom")
