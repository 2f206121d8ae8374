package dify

import (
	"context"
	"encoding/json"
	"fmt"
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

func TestEvaluateBlocking(t *testing.T) {
	var gotAuth, gotPath string
	var gotReq chatRequest
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(`{"answer": "{\"result\": \"是\", \"reason\": \"一致\"}"}`))
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:      "dify",
		Keys:    []string{"app-token"},
		BaseURL: ts.URL,
		AppID:   "tester",
	}, testOptions()...)

	out := p.Evaluate(context.Background(), evalgate.Request{Question: "q", Answer: "a", Reference: "ref"})

	assert.Equal(t, evalgate.VerdictConsistent, out.Verdict)
	assert.Equal(t, "Bearer app-token", gotAuth)
	assert.Equal(t, "/chat-messages", gotPath)
	assert.Equal(t, "blocking", gotReq.ResponseMode)
	assert.Equal(t, "tester", gotReq.User)
	assert.Contains(t, gotReq.Query, "ref")
}

func TestEvaluateAnswerFieldFallbacks(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"answer", `{"answer": "判断结果：否\n判断依据：矛盾"}`},
		{"message", `{"message": "判断结果：否\n判断依据：矛盾"}`},
		{"data.answer", `{"data": {"answer": "判断结果：否\n判断依据：矛盾"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer ts.Close()

			p := New(evalgate.ProviderConfig{
				ID:      "dify",
				Keys:    []string{"app-token"},
				BaseURL: ts.URL,
			}, testOptions()...)

			out := p.Evaluate(context.Background(), evalgate.Request{Question: "q", Answer: "a", Reference: "r"})
			assert.Equal(t, evalgate.VerdictInconsistent, out.Verdict)
			assert.Equal(t, "矛盾", out.Justification)
		})
	}
}

func TestEvaluateStreaming(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "streaming", req.ResponseMode)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\": \"message\", \"answer\": \"判断结果：是\\n\"}\n\n")
		fmt.Fprint(w, "data: {\"event\": \"message\", \"answer\": \"判断依据：语义一致\"}\n\n")
		fmt.Fprint(w, "data: {\"event\": \"message_end\"}\n\n")
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:      "dify",
		Keys:    []string{"app-token"},
		BaseURL: ts.URL,
		Stream:  true,
	}, testOptions()...)

	out := p.Evaluate(context.Background(), evalgate.Request{Question: "q", Answer: "a", Reference: "r"})

	assert.Equal(t, evalgate.VerdictConsistent, out.Verdict)
	assert.Equal(t, "语义一致", out.Justification)
}

func TestEvaluateStreamErrorEvent(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"event\": \"error\", \"message\": \"internal error\"}\n\n")
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:          "dify",
		Keys:        []string{"app-token"},
		BaseURL:     ts.URL,
		Stream:      true,
		MaxAttempts: 2,
	}, testOptions()...)

	out := p.Evaluate(context.Background(), evalgate.Request{Question: "q", Answer: "a", Reference: "r"})

	assert.Equal(t, evalgate.VerdictError, out.Verdict)
	assert.Contains(t, out.Justification, "retries exhausted")
}

func TestEvaluateAuthFailureIsFatal(t *testing.T) {
	calls := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:      "dify",
		Keys:    []string{"app-token"},
		BaseURL: ts.URL,
	}, testOptions()...)

	out := p.Evaluate(context.Background(), evalgate.Request{Question: "q", Answer: "a", Reference: "r"})

	assert.Equal(t, evalgate.VerdictError, out.Verdict)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, out.Attempts)
}

func TestValidateKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/parameters", r.URL.Path)
		if r.Header.Get("Authorization") == "Bearer good" {
			w.Write([]byte(`{}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	p := New(evalgate.ProviderConfig{
		ID:      "dify",
		Keys:    []string{"good"},
		BaseURL: ts.URL,
	}, testOptions()...)

	assert.True(t, p.ValidateKey(context.Background(), "good"))
	assert.False(t, p.ValidateKey(context.Background(), "bad"))
}
