package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/evalgate/evalgate"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	defaultTimeout = 60 * time.Second

	// Paid quotas recover quickly; a short budget with a longer fixed wait
	// covers the common burst case.
	defaultMaxAttempts = 3
	defaultRetryDelay  = 30 * time.Second

	maxDocChars = 8000
)

var defaultModels = []string{
	"gpt-4o-mini",
	"gpt-4o",
	"gpt-3.5-turbo",
}

// Provider is the OpenAI chat-completions adapter. It authenticates with a
// Bearer token and keeps its key until a failure forces rotation.
type Provider struct {
	id         string
	name       string
	baseURL    string
	httpClient *http.Client
	models     []string
	model      string
	prompt     string
	keys       []string
	stream     bool

	pool    *evalgate.KeyPool
	retrier *evalgate.Retrier

	poolOpts  []evalgate.PoolOption
	retryOpts []evalgate.RetryOption
}

var _ evalgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL, e.g. an OpenAI-compatible gateway.
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

// New creates a new OpenAI provider from its configuration.
func New(cfg evalgate.ProviderConfig, opts ...Option) *Provider {
	p := &Provider{
		id:         cfg.ID,
		name:       cfg.DisplayName(),
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		models:     defaultModels,
		prompt:     cfg.Prompt,
		keys:       append([]string(nil), cfg.Keys...),
		stream:     cfg.Stream,
	}
	if p.id == "" {
		p.id = "openai"
		p.name = "OpenAI"
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

// ValidateKey lists models with the given key. Listing is free and exercises
// only authentication.
func (p *Provider) ValidateKey(ctx context.Context, key string) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
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

// OpenAI API types.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (p *Provider) complete(ctx context.Context, key, model, prompt string) (string, error) {
	body := chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: 0,
		Stream:      p.stream,
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

	if p.stream {
		return accumulateStream(ctx, httpResp.Body)
	}

	var resp chatResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", evalgate.ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

// accumulateStream drains an SSE body into the full reply text, honoring
// cancellation between events.
func accumulateStream(ctx context.Context, body io.Reader) (string, error) {
	var sb strings.Builder
	reader := bufio.NewReader(body)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if len(chunk.Choices) > 0 {
			sb.WriteString(chunk.Choices[0].Delta.Content)
		}
	}
	if sb.Len() == 0 {
		return "", evalgate.ErrEmptyResponse
	}
	return sb.String(), nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		rle := &evalgate.RateLimitError{Message: string(body)}
		// Messages read "Please try again in 20s."; the Retry-After header
		// is a fallback.
		if d, ok := evalgate.ParseRetryAfter(string(body)); ok {
			rle.RetryAfter = d
		} else if d, ok := evalgate.ParseRetryAfter("retry-after: " + resp.Header.Get("Retry-After")); ok {
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
