package evalgate

import (
	"context"
	"log/slog"
	"sync"
)

// Registry owns the set of configured providers and the current selection.
// Providers register in configuration order; that order is the tiebreak for
// auto-selection and the order of every listing.
type Registry struct {
	mu        sync.RWMutex
	order     []string
	providers map[string]Provider
	configs   map[string]ProviderConfig
	current   string

	stats *StatsTracker
	log   *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the structured logger used for registration warnings.
func WithLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = l }
}

// NewRegistry builds providers from their configurations and registers them.
// A provider whose build fails is skipped with a warning; one broken backend
// must not take the gateway down. The initial selection honors
// defaultProvider when given and resolvable, otherwise auto-selects.
func NewRegistry(cfgs []ProviderConfig, defaultProvider string, build BuildFunc, opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[string]Provider, len(cfgs)),
		configs:   make(map[string]ProviderConfig, len(cfgs)),
		stats:     NewStatsTracker(),
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, cfg := range cfgs {
		if _, dup := r.providers[cfg.ID]; dup {
			r.log.Warn("duplicate provider id, skipping", "id", cfg.ID)
			continue
		}
		p, err := build(cfg)
		if err != nil {
			r.log.Warn("provider build failed, skipping", "id", cfg.ID, "type", cfg.Type, "error", err)
			continue
		}
		r.order = append(r.order, cfg.ID)
		r.providers[cfg.ID] = p
		r.configs[cfg.ID] = cfg
	}

	if defaultProvider != "" && r.Switch(defaultProvider) {
		return r
	}
	r.AutoSelect()
	return r
}

// AutoSelect picks the first configured provider in registration order, or
// the first registered one when none is configured, and returns its id.
// Callers always end up with a selection as long as anything registered.
func (r *Registry) AutoSelect() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.order {
		if r.providers[id].Configured() {
			r.current = id
			return id
		}
	}
	if len(r.order) > 0 {
		r.current = r.order[0]
		return r.current
	}
	return ""
}

// Switch changes the current selection. Unknown ids leave the selection
// untouched and return false.
func (r *Registry) Switch(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[id]; !ok {
		return false
	}
	r.current = id
	return true
}

// CurrentID returns the id of the current selection, empty when nothing
// registered.
func (r *Registry) CurrentID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Current returns the currently selected provider.
func (r *Registry) Current() (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[r.current]
	return p, ok
}

// Provider returns a registered provider by id.
func (r *Registry) Provider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// EvalOption adjusts a single Evaluate call.
type EvalOption func(*evalOptions)

type evalOptions struct {
	providerID string
	model      string
}

// WithProvider targets a specific provider instead of the current selection.
func WithProvider(id string) EvalOption {
	return func(o *evalOptions) { o.providerID = id }
}

// WithModel overrides the provider's default model for this call.
func WithModel(model string) EvalOption {
	return func(o *evalOptions) { o.model = model }
}

// Evaluate judges one (question, answer, reference) triple with the current
// or explicitly chosen provider. Like Provider.Evaluate it never returns an
// error; unroutable requests come back as VerdictError outcomes.
func (r *Registry) Evaluate(ctx context.Context, question, answer, reference string, opts ...EvalOption) Outcome {
	var o evalOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := o.providerID
	if id == "" {
		id = r.CurrentID()
	}
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return Outcome{Verdict: VerdictError, Justification: "provider unavailable", Provider: id}
	}
	if !p.Configured() {
		out := Outcome{Verdict: VerdictError, Justification: "provider unconfigured", Provider: id}
		r.stats.Record(id, out.Verdict)
		return out
	}

	out := p.Evaluate(ctx, Request{
		Question:  question,
		Answer:    answer,
		Reference: reference,
		Model:     o.model,
	})
	r.stats.Record(id, out.Verdict)
	return out
}

// Providers lists registration-order info on every provider.
func (r *Registry) Providers() []ProviderInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]ProviderInfo, 0, len(r.order))
	for _, id := range r.order {
		p := r.providers[id]
		models := p.Models()
		var def string
		if len(models) > 0 {
			def = models[0]
		}
		if m := r.configs[id].Model; m != "" {
			def = m
		}
		infos = append(infos, ProviderInfo{
			ID:           id,
			Name:         p.Name(),
			Models:       models,
			DefaultModel: def,
			Configured:   p.Configured(),
			Current:      id == r.current,
		})
	}
	return infos
}

// Summary returns aggregate registry counts.
func (r *Registry) Summary() Summary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Summary{Total: len(r.order), CurrentID: r.current}
	for _, id := range r.order {
		if r.providers[id].Configured() {
			s.Configured++
		}
	}
	return s
}

// ValidationReport live-checks the first key of every configured provider.
// Providers without keys are reported unconfigured rather than failed.
func (r *Registry) ValidationReport(ctx context.Context) ValidationReport {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	providers := make(map[string]Provider, len(r.providers))
	configs := make(map[string]ProviderConfig, len(r.configs))
	for id, p := range r.providers {
		providers[id] = p
		configs[id] = r.configs[id]
	}
	r.mu.RUnlock()

	var rep ValidationReport
	for _, id := range order {
		p := providers[id]
		entry := ValidationEntry{ID: id, Name: p.Name()}
		keys := configs[id].Keys
		switch {
		case !p.Configured() || len(keys) == 0:
			entry.Status = ValidationUnconfigured
			rep.Unconfigured++
		case p.ValidateKey(ctx, keys[0]):
			entry.Status = ValidationValid
			rep.Valid++
		default:
			entry.Status = ValidationInvalid
			rep.Invalid++
		}
		rep.Entries = append(rep.Entries, entry)
		rep.Total++
	}
	return rep
}

// Stats returns a snapshot of per-provider outcome counts.
func (r *Registry) Stats() map[string]ProviderStats {
	return r.stats.Snapshot()
}
