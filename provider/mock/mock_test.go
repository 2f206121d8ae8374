package mock

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalgate/evalgate"
)

func TestDefaults(t *testing.T) {
	p := New()

	assert.Equal(t, "mock", p.ID())
	assert.True(t, p.Configured())
	assert.True(t, p.ValidateKey(context.Background(), "anything"))

	out := p.Evaluate(context.Background(), evalgate.Request{Question: "q"})
	assert.Equal(t, evalgate.VerdictConsistent, out.Verdict)
	assert.Equal(t, "mock", out.Provider)
}

func TestWithRawResponseNormalizes(t *testing.T) {
	p := New(WithRawResponse(`{"result": "否", "reason": "回答与文档矛盾"}`))

	out := p.Evaluate(context.Background(), evalgate.Request{})

	assert.Equal(t, evalgate.VerdictInconsistent, out.Verdict)
	assert.Equal(t, "回答与文档矛盾", out.Justification)
}

func TestWithOutcomeFillsProvider(t *testing.T) {
	p := New(WithID("judge"), WithOutcome(evalgate.Outcome{Verdict: evalgate.VerdictUncertain}))

	out := p.Evaluate(context.Background(), evalgate.Request{})

	assert.Equal(t, evalgate.VerdictUncertain, out.Verdict)
	assert.Equal(t, "judge", out.Provider)
}

func TestRecordsCalls(t *testing.T) {
	p := New()

	p.Evaluate(context.Background(), evalgate.Request{Question: "first"})
	p.Evaluate(context.Background(), evalgate.Request{Question: "second"})

	calls := p.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "first", calls[0].Question)
	assert.Equal(t, "second", calls[1].Question)
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(evalgate.ProviderConfig{ID: "m1", Name: "本地", Model: "scripted"})

	assert.Equal(t, "m1", p.ID())
	assert.Equal(t, "本地", p.Name())
	assert.Equal(t, []string{"scripted"}, p.Models())
	assert.False(t, p.Configured())
}
