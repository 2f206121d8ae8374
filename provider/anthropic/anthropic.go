package anthropic

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
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
	defaultTimeout = 60 * time.Second

	defaultMaxAttempts = 3
	defaultRetryDelay  = 30 * time.Second

	maxTokens   = 1024
	maxDocChars = 8000
)

var defaultModels = []string{
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
}

// Provider is the Anthropic messages adapter. Authentication uses the
// x-api-key header plus a pinned anthropic-version; replies come back as
// typed content blocks.
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

// WithPoolOptions appends options to the key pool.
func WithPoolOptions(opts ...evalgate.PoolOption) Option {
	return func(p *Provider) { p.poolOpts = append(p.poolOpts, opts...) }
}

// WithRetryOptions appends options to the retry loop.
func WithRetryOptions(opts ...evalgate.RetryOption) Option {
	return func(p *Provider) { p.retryOpts = append(p.retryOpts, opts...) }
}

// New creates a new Anthropic provider from its configuration.
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
		p.id = "anthropic"
		p.name = "Anthropic"
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

	policy := evalgate.RotateManual
	if cfg.AutoRotate {
		policy = evalgate.RotateAuto
	}
	poolOpts := []evalgate.PoolOption{evalgate.WithPolicy(policy)}
	if cfg.KeySpacing > 0 {
		poolOpts = append(poolOpts, evalgate.WithSpacing(cfg.KeySpacing.Std()))
	}
	p.pool = evalgate.NewKeyPool(p.id, p.keys, append(poolOpts, p.poolOpts...)...)

	retryOpts := []evalgate.RetryOption{
		evalgate.WithMaxAttempts(defaultMaxAttempts),
		evalgate.WithRetryDelay(defaultRetryDelay),
	}
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

// ValidateKey sends a one-token message with the given key. A rate-limited
// key counts as valid since it did authenticate.
func (p *Provider) ValidateKey(ctx context.Context, key string) bool {
	_, err := p.message(ctx, key, p.model, "ping", 1)
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
		return p.message(ctx, key, model, prompt, maxTokens)
	})
}

// Anthropic API types.
type messageRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messageResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

func (p *Provider) message(ctx context.Context, key, model, prompt string, budget int) (string, error) {
	body := messageRequest{
		Model:     model,
		MaxTokens: budget,
		Messages:  []chatMessage{{Role: "user", Content: prompt}},
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal message request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create message request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", evalgate.ErrProviderUnavailable
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return "", err
	}

	var resp messageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode message response: %w", err)
	}
	for _, block := range resp.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", evalgate.ErrEmptyResponse
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		rle := &evalgate.RateLimitError{Message: string(body)}
		if d, ok := evalgate.ParseRetryAfter("retry-after: " + resp.Header.Get("Retry-After")); ok {
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
