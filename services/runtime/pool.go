package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Provider names.
const (
	ProviderOpenAI    = "openai"
	ProviderDashScope = "dashscope"
	ProviderGemini    = "gemini"
	ProviderArk       = "ark"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("provider pool closed")

// ErrUnknownProvider is returned for a provider name with no factory.
var ErrUnknownProvider = errors.New("unknown provider")

// Endpoint identifies one provider client: where it points and with which
// credential.
type Endpoint struct {
	Provider string
	BaseURL  string
	Model    string
	APIKey   string
}

// EndpointFor builds the endpoint for a catalog record and credential.
func EndpointFor(rec ModelRecord, apiKey string) Endpoint {
	return Endpoint{
		Provider: rec.Provider,
		BaseURL:  rec.APIEndpoint,
		Model:    rec.Name,
		APIKey:   apiKey,
	}
}

type poolKey struct {
	provider    string
	baseURL     string
	model       string
	fingerprint string
}

func (e Endpoint) key() poolKey {
	sum := sha256.Sum256([]byte(e.APIKey))
	return poolKey{
		provider:    e.Provider,
		baseURL:     e.BaseURL,
		model:       e.Model,
		fingerprint: hex.EncodeToString(sum[:8]),
	}
}

// Factory builds a provider for an endpoint.
type Factory func(ctx context.Context, ep Endpoint) (Provider, error)

// Pool caches provider clients per endpoint and credential. It is safe for
// concurrent use; Close releases every client it created.
type Pool struct {
	mu        sync.Mutex
	factories map[string]Factory
	providers map[poolKey]Provider
	closed    bool
	logger    *slog.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithFactory registers or replaces the factory for a provider name.
func WithFactory(provider string, f Factory) PoolOption {
	return func(p *Pool) {
		p.factories[provider] = f
	}
}

// WithHTTPClient makes the OpenAI-compatible providers use client.
func WithHTTPClient(client HTTPDoer) PoolOption {
	return func(p *Pool) {
		f := openAIFactory(client)
		p.factories[ProviderOpenAI] = f
		p.factories[ProviderDashScope] = f
	}
}

// NewPool creates a pool with factories for the built-in providers.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		factories: map[string]Factory{
			ProviderOpenAI:    openAIFactory(nil),
			ProviderDashScope: openAIFactory(nil),
			ProviderGemini: func(ctx context.Context, ep Endpoint) (Provider, error) {
				return NewGeminiProvider(ctx, ep.BaseURL, ep.APIKey)
			},
			ProviderArk: func(_ context.Context, ep Endpoint) (Provider, error) {
				return NewArkProvider(ep.BaseURL, ep.APIKey)
			},
		},
		providers: make(map[poolKey]Provider),
		logger:    logger.With("component", "provider_pool"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func openAIFactory(client HTTPDoer) Factory {
	return func(_ context.Context, ep Endpoint) (Provider, error) {
		return NewOpenAIProvider(ep.Provider, ep.BaseURL, ep.APIKey, client), nil
	}
}

// Get returns the cached provider for ep, creating it on first use.
func (p *Pool) Get(ctx context.Context, ep Endpoint) (Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	k := ep.key()
	if prov, ok := p.providers[k]; ok {
		return prov, nil
	}

	factory, ok := p.factories[ep.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, ep.Provider)
	}

	prov, err := factory(ctx, ep)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s provider: %w", ep.Provider, err)
	}
	p.providers[k] = prov

	p.logger.DebugContext(ctx, "provider created",
		"provider", ep.Provider,
		"model", ep.Model,
		"base_url", ep.BaseURL,
	)
	return prov, nil
}

// Len returns the number of cached providers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.providers)
}

// Close releases all cached providers. Further Get calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for k, prov := range p.providers {
		if c, ok := prov.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		delete(p.providers, k)
	}
	return errors.Join(errs...)
}
