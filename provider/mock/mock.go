package mock

import (
	"context"
	"sync"

	"github.com/evalgate/evalgate"
)

// Provider is a scriptable in-memory backend for tests and examples. By
// default it is configured, validates every key, and judges everything
// consistent.
type Provider struct {
	id         string
	name       string
	models     []string
	configured bool
	validKeys  bool
	raw        string
	outcome    *evalgate.Outcome
	evalFunc   func(ctx context.Context, req evalgate.Request) evalgate.Outcome

	mu    sync.Mutex
	calls []evalgate.Request
}

var _ evalgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithID sets the provider id.
func WithID(id string) Option {
	return func(p *Provider) { p.id = id }
}

// WithName sets the display name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithModels sets the model list.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithConfigured overrides the configured state.
func WithConfigured(ok bool) Option {
	return func(p *Provider) { p.configured = ok }
}

// WithValidKeys makes ValidateKey return ok for every key.
func WithValidKeys(ok bool) Option {
	return func(p *Provider) { p.validKeys = ok }
}

// WithRawResponse makes every evaluation normalize the given raw reply, as
// if a backend had returned it.
func WithRawResponse(raw string) Option {
	return func(p *Provider) { p.raw = raw }
}

// WithOutcome pins every evaluation to a fixed outcome.
func WithOutcome(out evalgate.Outcome) Option {
	return func(p *Provider) { p.outcome = &out }
}

// WithEvaluateFunc scripts evaluations per call.
func WithEvaluateFunc(fn func(ctx context.Context, req evalgate.Request) evalgate.Outcome) Option {
	return func(p *Provider) { p.evalFunc = fn }
}

// New creates a mock provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		id:         "mock",
		name:       "Mock",
		models:     []string{"mock-model"},
		configured: true,
		validKeys:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// FromConfig adapts a configuration entry, so "type: mock" works in config
// files. The provider counts as configured when it has keys.
func FromConfig(cfg evalgate.ProviderConfig) *Provider {
	opts := []Option{WithConfigured(len(cfg.Keys) > 0)}
	if cfg.ID != "" {
		opts = append(opts, WithID(cfg.ID), WithName(cfg.DisplayName()))
	}
	if cfg.Model != "" {
		opts = append(opts, WithModels(cfg.Model))
	}
	return New(opts...)
}

func (p *Provider) ID() string   { return p.id }
func (p *Provider) Name() string { return p.name }

func (p *Provider) Models() []string { return p.models }

func (p *Provider) Configured() bool { return p.configured }

func (p *Provider) ValidateKey(ctx context.Context, key string) bool { return p.validKeys }

func (p *Provider) Evaluate(ctx context.Context, req evalgate.Request) evalgate.Outcome {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()

	if p.evalFunc != nil {
		return p.evalFunc(ctx, req)
	}
	if p.outcome != nil {
		out := *p.outcome
		if out.Provider == "" {
			out.Provider = p.id
		}
		return out
	}
	if p.raw != "" {
		verdict, justification := evalgate.Normalize(p.raw)
		return evalgate.Outcome{
			Verdict:       verdict,
			Justification: justification,
			Provider:      p.id,
			Model:         p.models[0],
			Attempts:      1,
		}
	}
	return evalgate.Outcome{
		Verdict:       evalgate.VerdictConsistent,
		Justification: "mock",
		Provider:      p.id,
		Model:         p.models[0],
		Attempts:      1,
	}
}

// Calls returns the evaluations seen so far.
func (p *Provider) Calls() []evalgate.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]evalgate.Request(nil), p.calls...)
}
