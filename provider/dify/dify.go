package dify

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
	defaultBaseURL = "https://api.dify.ai/v1"
	defaultTimeout = 120 * time.Second

	defaultMaxAttempts = 3
	defaultRetryDelay  = 10 * time.Second

	// Dify apps proxy to whatever model the app is bound to; context limits
	// are unknown here, so references are capped conservatively.
	maxDocChars = 8000
)

// Provider is the Dify application adapter. Keys are app tokens sent as
// Bearer credentials; the model is fixed by the Dify app itself, so the
// model list is nominal.
type Provider struct {
	id         string
	name       string
	baseURL    string
	httpClient *http.Client
	prompt     string
	keys       []string
	user       string
	stream     bool

	pool    *evalgate.KeyPool
	retrier *evalgate.Retrier

	poolOpts  []evalgate.PoolOption
	retryOpts []evalgate.RetryOption
}

var _ evalgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL, e.g. a self-hosted Dify.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = strings.TrimRight(url, "/") }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// WithPoolOptions appends options to the key pool.
func WithPoolOptions(opts ...evalgate.PoolOption) Option {
	return func(p *Provider) { p.poolOpts = append(p.poolOpts, opts...) }
}

// WithRetryOptions appends options to the retry loop.
func WithRetryOptions(opts ...evalgate.RetryOption) Option {
	return func(p *Provider) { p.retryOpts = append(p.retryOpts, opts...) }
}

// New creates a new Dify provider from its configuration. AppID becomes the
// end-user identifier Dify tracks sessions under.
func New(cfg evalgate.ProviderConfig, opts ...Option) *Provider {
	p := &Provider{
		id:         cfg.ID,
		name:       cfg.DisplayName(),
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		prompt:     cfg.Prompt,
		keys:       append([]string(nil), cfg.Keys...),
		user:       cfg.AppID,
		stream:     cfg.Stream,
	}
	if p.id == "" {
		p.id = "dify"
		p.name = "Dify"
	}
	if p.user == "" {
		p.user = "evalgate"
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

// Models returns a nominal entry; the effective model is configured inside
// the Dify app.
func (p *Provider) Models() []string { return []string{"dify-app"} }

func (p *Provider) Configured() bool { return len(p.keys) > 0 }

// ValidateKey fetches the app parameters endpoint, which is cheap and only
// checks the app token.
func (p *Provider) ValidateKey(ctx context.Context, key string) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/parameters", nil)
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
	req.Reference = evalgate.TruncateDoc(req.Reference, maxDocChars)
	prompt := evalgate.RenderPrompt(p.prompt, req)

	return p.retrier.Do(ctx, p.id, "dify-app", func(ctx context.Context, key string) (string, error) {
		return p.chat(ctx, key, prompt)
	})
}

// Dify API types.
type chatRequest struct {
	Inputs       map[string]any `json:"inputs"`
	Query        string         `json:"query"`
	ResponseMode string         `json:"response_mode"`
	User         string         `json:"user"`
}

// chatResponse tolerates the answer moving between fields across Dify app
// types and versions.
type chatResponse struct {
	Answer  string `json:"answer"`
	Message string `json:"message"`
	Data    struct {
		Answer string `json:"answer"`
	} `json:"data"`
}

type streamEvent struct {
	Event   string `json:"event"`
	Answer  string `json:"answer"`
	Message string `json:"message"`
}

func (p *Provider) chat(ctx context.Context, key, prompt string) (string, error) {
	mode := "blocking"
	if p.stream {
		mode = "streaming"
	}
	body := chatRequest{
		Inputs:       map[string]any{},
		Query:        prompt,
		ResponseMode: mode,
		User:         p.user,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat-messages", bytes.NewReader(jsonBody))
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
	switch {
	case resp.Answer != "":
		return resp.Answer, nil
	case resp.Message != "":
		return resp.Message, nil
	case resp.Data.Answer != "":
		return resp.Data.Answer, nil
	}
	return "", evalgate.ErrEmptyResponse
}

// accumulateStream collects message events into the full answer. An error
// event aborts the whole attempt.
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
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		switch ev.Event {
		case "message", "agent_message":
			sb.WriteString(ev.Answer)
		case "message_end":
			return finishStream(sb.String())
		case "error":
			return "", fmt.Errorf("%w: %s", evalgate.ErrProviderUnavailable, ev.Message)
		}
	}
	return finishStream(sb.String())
}

func finishStream(answer string) (string, error) {
	if answer == "" {
		return "", evalgate.ErrEmptyResponse
	}
	return answer, nil
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
