package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgate/evalgate"
)

func instantSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func testOptions(extra ...Option) []Option {
	opts := []Option{
		WithPoolOptions(evalgate.WithSpacing(0), evalgate.WithSleep(instantSleep)),
		WithRetryOptions(evalgate.WithRetrySleep(instantSleep)),
	}
	return append(opts, extra...)
}

func messageBody(text string) string {
	quoted, _ := json.Marshal(text)
	return `{"content": [{"type": "text", "text": ` + string(quoted) + `}]}`
}

func TestEvaluateSuccess(t *testing.T) {
	var gotKey, gotVersion, gotPath string
	var gotReq messageRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(messageBody(`{"result": "是", "reason": "一致"}`)))
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:      "anthropic",
		Keys:    []string{"sk-ant"},
		BaseURL: ts.URL,
	}, testOptions()...)

	out := p.Evaluate(context.Background(), evalgate.Request{Question: "q", Answer: "a", Reference: "ref"})

	assert.Equal(t, evalgate.VerdictConsistent, out.Verdict)
	assert.Equal(t, "sk-ant", gotKey)
	assert.Equal(t, "2023-06-01", gotVersion)
	assert.Equal(t, "/v1/messages", gotPath)
	assert.Equal(t, "claude-3-5-sonnet-20241022", gotReq.Model)
	assert.Equal(t, 1024, gotReq.MaxTokens)
}

func TestEvaluateSkipsNonTextBlocks(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content": [
			{"type": "thinking", "text": ""},
			{"type": "text", "text": "判断结果：【是】\n判断依据：回答与文档一致"}
		]}`))
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:      "anthropic",
		Keys:    []string{"sk-ant"},
		BaseURL: ts.URL,
	}, testOptions()...)

	out := p.Evaluate(context.Background(), evalgate.Request{Question: "q", Answer: "a", Reference: "r"})

	assert.Equal(t, evalgate.VerdictConsistent, out.Verdict)
	assert.Equal(t, "回答与文档一致", out.Justification)
}

func TestEvaluateRateLimitHonorsRetryAfterHeader(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(messageBody(`{"result": "不确定", "reason": "文档未提及"}`)))
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:      "anthropic",
		Keys:    []string{"sk-ant"},
		BaseURL: ts.URL,
	}, testOptions()...)

	out := p.Evaluate(context.Background(), evalgate.Request{Question: "q", Answer: "a", Reference: "r"})

	assert.Equal(t, evalgate.VerdictUncertain, out.Verdict)
	assert.Equal(t, 2, out.Attempts)
}

func TestValidateKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("x-api-key") {
		case "good":
			w.Write([]byte(messageBody("pong")))
		case "busy":
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:      "anthropic",
		Keys:    []string{"good"},
		BaseURL: ts.URL,
	}, testOptions()...)

	assert.True(t, p.ValidateKey(context.Background(), "good"))
	// A rate-limited key authenticated, so it still counts as valid.
	assert.True(t, p.ValidateKey(context.Background(), "busy"))
	assert.False(t, p.ValidateKey(context.Background(), "bad"))
}

func TestEvaluateAuthFailureIsFatal(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:      "anthropic",
		Keys:    []string{"sk-ant"},
		BaseURL: ts.URL,
	}, testOptions()...)

	out := p.Evaluate(context.Background(), evalgate.Request{Question: "q", Answer: "a", Reference: "r"})

	assert.Equal(t, evalgate.VerdictError, out.Verdict)
	assert.Equal(t, 1, calls)
}
