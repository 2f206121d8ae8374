package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/evalgate/evalgate"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultTimeout = 60 * time.Second

	// Free-tier quotas are per key per minute, so rotation is proactive and
	// the retry budget is generous.
	defaultMaxAttempts = 5

	maxDocChars = 8000
)

var defaultModels = []string{
	"gemini-2.0-flash",
	"gemini-1.5-flash",
	"gemini-1.5-pro",
}

// Provider is the Gemini API adapter. It authenticates per request with a
// key query parameter and rotates proactively across its key pool before
// every call.
type Provider struct {
	id         string
	name       string
	baseURL    string
	httpClient *http.Client
	models     []string
	model      string
	prompt     string
	keys       []string

	pool    *evalgate.KeyPool
	retrier *evalgate.Retrier

	poolOpts  []evalgate.PoolOption
	retryOpts []evalgate.RetryOption
}

var _ evalgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithModels sets the list of supported models.
func WithModels(models ...string) Option {
	return func(p *Provider) { p.models = models }
}

// WithPoolOptions appends options to the key pool, for tests and shared
// cooldown stores.
func WithPoolOptions(opts ...evalgate.PoolOption) Option {
	return func(p *Provider) { p.poolOpts = append(p.poolOpts, opts...) }
}

// WithRetryOptions appends options to the retry loop.
func WithRetryOptions(opts ...evalgate.RetryOption) Option {
	return func(p *Provider) { p.retryOpts = append(p.retryOpts, opts...) }
}

// New creates a new Gemini provider from its configuration.
func New(cfg evalgate.ProviderConfig, opts ...Option) *Provider {
	p := &Provider{
		id:         cfg.ID,
		name:       cfg.DisplayName(),
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		models:     defaultModels,
		prompt:     cfg.Prompt,
		keys:       append([]string(nil), cfg.Keys...),
	}
	if p.id == "" {
		p.id = "gemini"
		p.name = "Gemini"
	}
	if cfg.BaseURL != "" {
		p.baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Timeout > 0 {
		p.httpClient = &http.Client{Timeout: cfg.Timeout.Std()}
	}
	for _, opt := range opts {
		opt(p)
	}

	p.model = cfg.Model
	if p.model == "" && len(p.models) > 0 {
		p.model = p.models[0]
	}

	poolOpts := []evalgate.PoolOption{evalgate.WithPolicy(evalgate.RotateAuto)}
	if cfg.KeySpacing > 0 {
		poolOpts = append(poolOpts, evalgate.WithSpacing(cfg.KeySpacing.Std()))
	}
	p.pool = evalgate.NewKeyPool(p.id, p.keys, append(poolOpts, p.poolOpts...)...)

	retryOpts := []evalgate.RetryOption{evalgate.WithMaxAttempts(defaultMaxAttempts)}
	if cfg.MaxAttempts > 0 {
		retryOpts = append(retryOpts, evalgate.WithMaxAttempts(cfg.MaxAttempts))
	}
	if cfg.RetryDelay > 0 {
		retryOpts = append(retryOpts, evalgate.WithRetryDelay(cfg.RetryDelay.Std()))
	}
	p.retrier = evalgate.NewRetrier(p.pool, append(retryOpts, p.retryOpts...)...)

	return p
}

func (p *Provider) ID() string   { return p.id }
func (p *Provider) Name() string { return p.name }

func (p *Provider) Models() []string { return p.models }

func (p *Provider) Configured() bool { return len(p.keys) > 0 }

// ValidateKey performs a minimal generation call with the given key. It does
// not touch the pool's rotation state. Rate limits count as valid: the key
// authenticated, it is just busy.
func (p *Provider) ValidateKey(ctx context.Context, key string) bool {
	_, err := p.generate(ctx, key, p.model, "ping")
	if err == nil {
		return true
	}
	var rle *evalgate.RateLimitError
	return errors.As(err, &rle)
}

// Evaluate judges one triple via the retry loop.
func (p *Provider) Evaluate(ctx context.Context, req evalgate.Request) evalgate.Outcome {
	if !p.Configured() {
		return evalgate.Outcome{
			Verdict:       evalgate.VerdictError,
			Justification: "provider unconfigured",
			Provider:      p.id,
		}
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	req.Reference = evalgate.TruncateDoc(req.Reference, maxDocChars)
	prompt := evalgate.RenderPrompt(p.prompt, req)

	return p.retrier.Do(ctx, p.id, model, func(ctx context.Context, key string) (string, error) {
		return p.generate(ctx, key, model, prompt)
	})
}

// Gemini API types.
type generateRequest struct {
	Contents         []content         `json:"contents"`
	GenerationConfig *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature *float64 `json:"temperature,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

func (p *Provider) generate(ctx context.Context, key, model, prompt string) (string, error) {
	temperature := 0.0
	body := generateRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: prompt}},
		}},
		GenerationConfig: &generationConfig{Temperature: &temperature},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal gemini request: %w", err)
	}
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, key)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create gemini request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", evalgate.ErrProviderUnavailable
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return "", err
	}

	var resp generateResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", evalgate.ErrEmptyResponse
	}
	return resp.Candidates[0].Content.Parts[0].Text, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		rle := &evalgate.RateLimitError{Message: string(body)}
		// Error payloads carry RetryInfo like retryDelay: "38s".
		if d, ok := evalgate.ParseRetryAfter(string(body)); ok {
			rle.RetryAfter = d
		}
		return rle
	case http.StatusUnauthorized, http.StatusForbidden:
		return evalgate.ErrAuthFailed
	case http.StatusBadRequest:
		return fmt.Errorf("%w: %s", evalgate.ErrInvalidRequest, string(body))
	default:
		return evalgate.ErrProviderUnavailable
	}
}
