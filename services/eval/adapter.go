package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/pkg/telemetry"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/datasets"
	"github.com/jerryliujy/LLM-Evaluation-Project-sub000/services/runtime"
)

// ErrConfiguration marks task setup problems: unknown model, missing
// credential, empty question set. They fail the task before any item runs.
var ErrConfiguration = errors.New("configuration error")

const (
	evaluationTemperature = 0.3
	evaluationMaxTokens   = 1000
	tracerName            = "llmeval/eval"
)

// ProviderSource hands out providers for endpoints. *runtime.Pool
// implements it.
type ProviderSource interface {
	Get(ctx context.Context, ep runtime.Endpoint) (runtime.Provider, error)
}

// CredentialResolver returns the environment credential for a provider,
// or "" when none is configured.
type CredentialResolver func(provider string) string

// AdapterConfig bounds every model call.
type AdapterConfig struct {
	// CallTimeout limits one attempt.
	CallTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// DefaultCostPer1K applies to catalog records without a rate.
	DefaultCostPer1K float64
}

// DefaultAdapterConfig returns the production defaults.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		CallTimeout:      120 * time.Second,
		MaxRetries:       2,
		InitialBackoff:   time.Second,
		MaxBackoff:       10 * time.Second,
		DefaultCostPer1K: runtime.DefaultCostPer1KTokens,
	}
}

// Adapter wraps single model calls for answer generation and evaluation
// with timeouts, retries and cost accounting.
type Adapter struct {
	providers   ProviderSource
	catalog     *runtime.Catalog
	credentials CredentialResolver
	cfg         AdapterConfig
	logger      *slog.Logger
}

// NewAdapter creates an adapter. credentials may be nil.
func NewAdapter(providers ProviderSource, catalog *runtime.Catalog, credentials CredentialResolver, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if credentials == nil {
		credentials = func(string) string { return "" }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{
		providers:   providers,
		catalog:     catalog,
		credentials: credentials,
		cfg:         cfg,
		logger:      logger.With("component", "adapter"),
	}
}

// ModelBinding is a resolved model: its catalog record, rate and provider.
type ModelBinding struct {
	Record   runtime.ModelRecord
	Rate     float64
	provider runtime.Provider
}

// Bind resolves modelID against the catalog and obtains a provider. The
// task credential wins over the environment one. Failures wrap
// ErrConfiguration.
func (a *Adapter) Bind(ctx context.Context, modelID, apiKey string) (*ModelBinding, error) {
	rec, err := a.catalog.Get(modelID)
	if err != nil {
		return nil, fmt.Errorf("%w: model %q: %v", ErrConfiguration, modelID, err)
	}

	key := apiKey
	if key == "" {
		key = a.credentials(rec.Provider)
	}
	if key == "" {
		return nil, fmt.Errorf("%w: no API key for model %q (provider %s)", ErrConfiguration, modelID, rec.Provider)
	}

	provider, err := a.providers.Get(ctx, runtime.EndpointFor(rec, key))
	if err != nil {
		return nil, fmt.Errorf("%w: provider for model %q: %v", ErrConfiguration, modelID, err)
	}

	rate := rec.CostPer1KTokens
	if rate <= 0 {
		rate = a.cfg.DefaultCostPer1K
	}
	return &ModelBinding{Record: rec, Rate: rate, provider: provider}, nil
}

// Usage is token accounting for one call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// InvocationResult is the uniform outcome of a model call. Failures are
// reported through Success and Error, never returned as Go errors.
type InvocationResult struct {
	Success      bool
	Text         string
	Usage        Usage
	Cost         float64
	Latency      time.Duration
	Error        string
	FinishReason string
	Attempts     int
}

// GenerateRequest asks the target model to answer one question.
type GenerateRequest struct {
	Model        *ModelBinding
	Question     string
	SystemPrompt string
	Sampling     SamplingParams
}

// Generate answers one question.
func (a *Adapter) Generate(ctx context.Context, req GenerateRequest) InvocationResult {
	var messages []runtime.Message
	if req.SystemPrompt != "" {
		messages = append(messages, runtime.Message{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, runtime.Message{Role: "user", Content: req.Question})

	chat := runtime.ChatRequest{
		Model:           req.Model.Record.Name,
		Messages:        messages,
		Temperature:     req.Sampling.Temperature,
		MaxTokens:       req.Sampling.MaxTokens,
		EnableReasoning: req.Sampling.EnableReasoning,
	}
	if req.Sampling.TopK != DefaultTopK {
		chat.TopK = req.Sampling.TopK
	}
	return a.invoke(ctx, "generate", req.Model, chat)
}

// EvaluateRequest asks the evaluator model to score one answer.
type EvaluateRequest struct {
	Model           *ModelBinding
	Question        string
	Answer          string
	ReferenceAnswer string
	// Template is the evaluation prompt; empty selects the default for
	// QuestionType.
	Template     string
	QuestionType datasets.QuestionType
}

// EvaluationResult is an invocation plus the parsed score.
type EvaluationResult struct {
	InvocationResult
	Parsed ParsedScore
	// Prompt is the rendered evaluation prompt actually sent.
	Prompt string
}

// Evaluate scores one answer. The raw output goes through ParseScore.
func (a *Adapter) Evaluate(ctx context.Context, req EvaluateRequest) EvaluationResult {
	tmpl := req.Template
	if tmpl == "" {
		tmpl = PromptConfig{}.EvaluationPromptFor(req.QuestionType)
	}
	prompt, ok := RenderEvaluationPrompt(tmpl, req.Question, req.Answer, req.ReferenceAnswer)
	if !ok {
		a.logger.WarnContext(ctx, "evaluation template failed to format, using fallback")
	}

	chat := runtime.ChatRequest{
		Model: req.Model.Record.Name,
		Messages: []runtime.Message{
			{Role: "system", Content: EvaluatorSystemPrompt},
			{Role: "user", Content: prompt},
		},
		Temperature: evaluationTemperature,
		MaxTokens:   evaluationMaxTokens,
	}

	res := EvaluationResult{
		InvocationResult: a.invoke(ctx, "evaluate", req.Model, chat),
		Prompt:           prompt,
	}
	if res.Success {
		res.Parsed = ParseScore(res.Text)
	}
	return res
}

func (a *Adapter) invoke(ctx context.Context, kind string, model *ModelBinding, req runtime.ChatRequest) (res InvocationResult) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "eval.invoke",
		"kind", kind, "model", model.Record.ID, "provider", model.Record.Provider)
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			res = InvocationResult{Error: fmt.Sprintf("provider panic: %v", r), Attempts: res.Attempts}
		}
		res.Latency = time.Since(start)
		var spanErr error
		if !res.Success {
			spanErr = errors.New(res.Error)
		}
		telemetry.EndSpan(span, spanErr)
	}()

	op := func() (*runtime.ChatResponse, error) {
		res.Attempts++
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
		defer cancel()

		resp, err := model.provider.Chat(callCtx, req)
		if err != nil {
			if ctx.Err() != nil || !runtime.IsRetryable(err) {
				return nil, backoff.Permanent(err)
			}
			a.logger.WarnContext(ctx, "model call failed",
				"kind", kind, "model", model.Record.ID, "attempt", res.Attempts, "error", err)
			return nil, err
		}
		return resp, nil
	}

	resp, err := backoff.RetryWithData(op, a.retryPolicy(ctx))
	if err != nil {
		res.Error = err.Error()
		return res
	}

	res.Success = true
	res.Text = resp.Text
	res.FinishReason = resp.FinishReason
	res.Usage = Usage{
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		TotalTokens:      resp.TotalTokens,
	}
	res.Cost = CallCost(res.Usage.TotalTokens, model.Rate)
	return res
}

func (a *Adapter) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if a.cfg.InitialBackoff > 0 {
		b.InitialInterval = a.cfg.InitialBackoff
	}
	if a.cfg.MaxBackoff > 0 {
		b.MaxInterval = a.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0
	retries := a.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// CallCost is total_tokens / 1000 × rate.
func CallCost(totalTokens int, ratePer1K float64) float64 {
	return float64(totalTokens) / 1000 * ratePer1K
}
