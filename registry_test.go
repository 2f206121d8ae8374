package evalgate

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider is a minimal in-test backend.
type stubProvider struct {
	id         string
	configured bool
	valid      bool
	out        Outcome
	calls      int
}

func (s *stubProvider) ID() string       { return s.id }
func (s *stubProvider) Name() string     { return s.id }
func (s *stubProvider) Models() []string { return []string{"stub-model"} }

func (s *stubProvider) ValidateKey(context.Context, string) bool { return s.valid }
func (s *stubProvider) Configured() bool                         { return s.configured }

func (s *stubProvider) Evaluate(_ context.Context, _ Request) Outcome {
	s.calls++
	out := s.out
	out.Provider = s.id
	return out
}

func stubBuild(stubs map[string]*stubProvider) BuildFunc {
	return func(cfg ProviderConfig) (Provider, error) {
		p, ok := stubs[cfg.ID]
		if !ok {
			return nil, fmt.Errorf("build failed for %s", cfg.ID)
		}
		return p, nil
	}
}

func TestRegistryAutoSelectPrefersConfigured(t *testing.T) {
	stubs := map[string]*stubProvider{
		"a": {id: "a"},
		"b": {id: "b", configured: true},
	}
	cfgs := []ProviderConfig{
		{ID: "a", Type: "mock"},
		{ID: "b", Type: "mock"},
	}

	r := NewRegistry(cfgs, "", stubBuild(stubs))
	assert.Equal(t, "b", r.CurrentID())
}

func TestRegistryAutoSelectFallsBackToFirst(t *testing.T) {
	stubs := map[string]*stubProvider{
		"a": {id: "a"},
		"b": {id: "b"},
	}
	cfgs := []ProviderConfig{
		{ID: "a", Type: "mock"},
		{ID: "b", Type: "mock"},
	}

	r := NewRegistry(cfgs, "", stubBuild(stubs))
	assert.Equal(t, "a", r.CurrentID())
}

func TestRegistryDefaultProviderWins(t *testing.T) {
	stubs := map[string]*stubProvider{
		"a": {id: "a", configured: true},
		"b": {id: "b", configured: true},
	}
	cfgs := []ProviderConfig{
		{ID: "a", Type: "mock"},
		{ID: "b", Type: "mock"},
	}

	r := NewRegistry(cfgs, "b", stubBuild(stubs))
	assert.Equal(t, "b", r.CurrentID())
}

func TestRegistrySkipsFailedBuilds(t *testing.T) {
	stubs := map[string]*stubProvider{
		"ok": {id: "ok", configured: true},
	}
	cfgs := []ProviderConfig{
		{ID: "broken", Type: "mock"},
		{ID: "ok", Type: "mock"},
	}

	r := NewRegistry(cfgs, "", stubBuild(stubs))

	assert.Equal(t, "ok", r.CurrentID())
	_, found := r.Provider("broken")
	assert.False(t, found)
	assert.Equal(t, 1, r.Summary().Total)
}

func TestRegistrySwitch(t *testing.T) {
	stubs := map[string]*stubProvider{
		"a": {id: "a", configured: true},
		"b": {id: "b", configured: true},
	}
	cfgs := []ProviderConfig{
		{ID: "a", Type: "mock"},
		{ID: "b", Type: "mock"},
	}
	r := NewRegistry(cfgs, "", stubBuild(stubs))

	assert.True(t, r.Switch("b"))
	assert.Equal(t, "b", r.CurrentID())

	assert.False(t, r.Switch("nope"))
	assert.Equal(t, "b", r.CurrentID())
}

func TestRegistryEvaluate(t *testing.T) {
	stubs := map[string]*stubProvider{
		"a": {id: "a", configured: true, out: Outcome{Verdict: VerdictConsistent, Justification: "ok", Attempts: 1}},
		"u": {id: "u"},
	}
	cfgs := []ProviderConfig{
		{ID: "a", Type: "mock"},
		{ID: "u", Type: "mock"},
	}
	r := NewRegistry(cfgs, "", stubBuild(stubs))
	ctx := context.Background()

	out := r.Evaluate(ctx, "q", "ans", "ref")
	assert.Equal(t, VerdictConsistent, out.Verdict)
	assert.Equal(t, "a", out.Provider)
	assert.Equal(t, 1, stubs["a"].calls)

	// Unconfigured providers are never invoked.
	out = r.Evaluate(ctx, "q", "ans", "ref", WithProvider("u"))
	assert.Equal(t, VerdictError, out.Verdict)
	assert.Equal(t, "provider unconfigured", out.Justification)
	assert.Equal(t, 0, stubs["u"].calls)

	// Unknown target.
	out = r.Evaluate(ctx, "q", "ans", "ref", WithProvider("nope"))
	assert.Equal(t, VerdictError, out.Verdict)
	assert.Equal(t, "provider unavailable", out.Justification)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats["a"].Consistent)
	assert.Equal(t, int64(1), stats["u"].Errors)
}

func TestRegistryProvidersListing(t *testing.T) {
	stubs := map[string]*stubProvider{
		"a": {id: "a"},
		"b": {id: "b", configured: true},
	}
	cfgs := []ProviderConfig{
		{ID: "a", Type: "mock"},
		{ID: "b", Type: "mock", Model: "custom-model"},
	}
	r := NewRegistry(cfgs, "", stubBuild(stubs))

	infos := r.Providers()
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].ID)
	assert.False(t, infos[0].Current)
	assert.Equal(t, "stub-model", infos[0].DefaultModel)

	assert.Equal(t, "b", infos[1].ID)
	assert.True(t, infos[1].Current)
	assert.True(t, infos[1].Configured)
	assert.Equal(t, "custom-model", infos[1].DefaultModel)
}

func TestRegistryValidationReport(t *testing.T) {
	stubs := map[string]*stubProvider{
		"good": {id: "good", configured: true, valid: true},
		"bad":  {id: "bad", configured: true, valid: false},
		"none": {id: "none"},
	}
	cfgs := []ProviderConfig{
		{ID: "good", Type: "mock", Keys: []string{"k"}},
		{ID: "bad", Type: "mock", Keys: []string{"k"}},
		{ID: "none", Type: "mock"},
	}
	r := NewRegistry(cfgs, "", stubBuild(stubs))

	rep := r.ValidationReport(context.Background())
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 1, rep.Valid)
	assert.Equal(t, 1, rep.Invalid)
	assert.Equal(t, 1, rep.Unconfigured)

	require.Len(t, rep.Entries, 3)
	assert.Equal(t, ValidationValid, rep.Entries[0].Status)
	assert.Equal(t, ValidationInvalid, rep.Entries[1].Status)
	assert.Equal(t, ValidationUnconfigured, rep.Entries[2].Status)
}

func TestRegistrySummary(t *testing.T) {
	stubs := map[string]*stubProvider{
		"a": {id: "a", configured: true},
		"b": {id: "b"},
	}
	cfgs := []ProviderConfig{
		{ID: "a", Type: "mock"},
		{ID: "b", Type: "mock"},
	}
	r := NewRegistry(cfgs, "", stubBuild(stubs))

	s := r.Summary()
	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.Configured)
	assert.Equal(t, "a", s.CurrentID)
}
