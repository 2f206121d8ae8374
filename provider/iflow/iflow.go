package iflow

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
	defaultBaseURL = "https://apis.iflow.cn/v1"
	defaultTimeout = 60 * time.Second

	defaultMaxAttempts = 3
	defaultRetryDelay  = 10 * time.Second

	// iFlow-hosted models have tight context windows; references are capped
	// harder than elsewhere.
	maxDocChars = 3000
)

var defaultModels = []string{
	"deepseek-v3",
	"qwen2.5-72b-instruct",
}

// Provider is the iFlow adapter. The wire shape is chat-completions, but
// failures arrive as business code/msg pairs inside HTTP-200 bodies, so the
// response body is classified before it is trusted.
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

// New creates a new iFlow provider from its configuration. The default
// prompt is the labeled-line variant; the hosted models follow line markers
// more reliably than JSON.
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
		p.id = "iflow"
		p.name = "iFlow"
	}
	if p.prompt == "" {
		p.prompt = evalgate.LinePrompt
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

// ValidateKey sends a minimal completion with the given key. A rate-limited
// key still authenticated, so it counts as valid.
func (p *Provider) ValidateKey(ctx context.Context, key string) bool {
	_, err := p.complete(ctx, key, p.model, "ping")
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
		return p.complete(ctx, key, model, prompt)
	})
}

// iFlow API types. Success and failure share one envelope: a failed call is
// HTTP 200 with code/msg set and no choices.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Code    int    `json:"code"`
	Msg     string `json:"msg"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (p *Provider) complete(ctx context.Context, key, model, prompt string) (string, error) {
	body := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", evalgate.ErrProviderUnavailable
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return "", err
	}

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", evalgate.ErrProviderUnavailable
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if err := mapBusinessError(resp.Code, resp.Msg); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", evalgate.ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// mapBusinessError classifies the in-body code/msg contract: the 4290x range
// is rate limiting, the 4010x range is authentication.
func mapBusinessError(code int, msg string) error {
	switch {
	case code == 0:
		return nil
	case code >= 42900 && code < 43000:
		rle := &evalgate.RateLimitError{Message: msg}
		if d, ok := evalgate.ParseRetryAfter(msg); ok {
			rle.RetryAfter = d
		}
		return rle
	case code >= 40100 && code < 40200:
		return fmt.Errorf("%w: %s", evalgate.ErrAuthFailed, msg)
	default:
		return fmt.Errorf("%w: code %d: %s", evalgate.ErrProviderUnavailable, code, msg)
	}
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		rle := &evalgate.RateLimitError{Message: string(body)}
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
