// Package backends wires the concrete provider adapters to configuration,
// keeping the root package free of backend imports.
package backends

import (
	"fmt"
	"strings"

	"github.com/evalgate/evalgate"
	"github.com/evalgate/evalgate/provider/anthropic"
	"github.com/evalgate/evalgate/provider/dify"
	"github.com/evalgate/evalgate/provider/gemini"
	"github.com/evalgate/evalgate/provider/iflow"
	"github.com/evalgate/evalgate/provider/mock"
	"github.com/evalgate/evalgate/provider/openai"
)

// Build constructs a provider by its configured type. It satisfies
// evalgate.BuildFunc.
func Build(cfg evalgate.ProviderConfig) (evalgate.Provider, error) {
	return build(cfg, nil)
}

// Instrumented returns a build function whose providers report their
// attempts, waits and outcomes to m.
func Instrumented(m evalgate.Meter) evalgate.BuildFunc {
	return func(cfg evalgate.ProviderConfig) (evalgate.Provider, error) {
		return build(cfg, m)
	}
}

func build(cfg evalgate.ProviderConfig, m evalgate.Meter) (evalgate.Provider, error) {
	switch strings.ToLower(cfg.Type) {
	case "gemini":
		var opts []gemini.Option
		if m != nil {
			opts = append(opts,
				gemini.WithPoolOptions(evalgate.WithPoolMeter(m)),
				gemini.WithRetryOptions(evalgate.WithRetryMeter(m)),
			)
		}
		return gemini.New(cfg, opts...), nil
	case "openai":
		var opts []openai.Option
		if m != nil {
			opts = append(opts,
				openai.WithPoolOptions(evalgate.WithPoolMeter(m)),
				openai.WithRetryOptions(evalgate.WithRetryMeter(m)),
			)
		}
		return openai.New(cfg, opts...), nil
	case "anthropic":
		var opts []anthropic.Option
		if m != nil {
			opts = append(opts,
				anthropic.WithPoolOptions(evalgate.WithPoolMeter(m)),
				anthropic.WithRetryOptions(evalgate.WithRetryMeter(m)),
			)
		}
		return anthropic.New(cfg, opts...), nil
	case "dify":
		var opts []dify.Option
		if m != nil {
			opts = append(opts,
				dify.WithPoolOptions(evalgate.WithPoolMeter(m)),
				dify.WithRetryOptions(evalgate.WithRetryMeter(m)),
			)
		}
		return dify.New(cfg, opts...), nil
	case "iflow":
		var opts []iflow.Option
		if m != nil {
			opts = append(opts,
				iflow.WithPoolOptions(evalgate.WithPoolMeter(m)),
				iflow.WithRetryOptions(evalgate.WithRetryMeter(m)),
			)
		}
		return iflow.New(cfg, opts...), nil
	case "mock":
		return mock.FromConfig(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// NewRegistry builds a registry from a full configuration. The top-level
// prompt template applies to every provider that does not set its own; m may
// be nil for unmetered providers.
func NewRegistry(cfg evalgate.Config, m evalgate.Meter, opts ...evalgate.RegistryOption) *evalgate.Registry {
	pcs := make([]evalgate.ProviderConfig, len(cfg.Providers))
	copy(pcs, cfg.Providers)
	for i := range pcs {
		if pcs[i].Prompt == "" {
			pcs[i].Prompt = cfg.Prompt
		}
	}
	bf := evalgate.BuildFunc(Build)
	if m != nil {
		bf = Instrumented(m)
	}
	return evalgate.NewRegistry(pcs, cfg.DefaultProvider, bf, opts...)
}
