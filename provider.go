package evalgate

import "context"

// Provider is the uniform contract every backend adapter must satisfy.
//
// Evaluate is the only operation with side effects (network I/O, key
// rotation, waiting). It never returns a raw error: every failure path
// terminates in an Outcome with VerdictError and a reason.
type Provider interface {
	// ID returns the configured provider id (e.g. "gemini", "dify-prod").
	ID() string

	// Name returns the human-readable display name.
	Name() string

	// Models returns the supported model identifiers. Never empty for a
	// configured provider; the first element is the default.
	Models() []string

	// ValidateKey performs a minimal live check of one credential. It must
	// not mutate the pool's rotation state, and must map network or auth
	// failures to false rather than fail.
	ValidateKey(ctx context.Context, key string) bool

	// Configured reports whether at least one key is present and a live
	// client could be constructed.
	Configured() bool

	// Evaluate judges one (question, answer, reference) triple.
	Evaluate(ctx context.Context, req Request) Outcome
}

// ProviderConfig is the immutable per-backend configuration snapshot read at
// construction time. The registry never reads configuration storage itself;
// the caller supplies these.
type ProviderConfig struct {
	ID      string   `yaml:"id"`
	Type    string   `yaml:"type"`
	Name    string   `yaml:"name"`
	Keys    []string `yaml:"keys"`
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url"`
	// AppID is used by app-token backends (Dify-style).
	AppID string `yaml:"app_id"`

	// AutoRotate selects proactive key rotation before every call instead of
	// forced-only rotation after failures.
	AutoRotate bool `yaml:"auto_rotate"`
	// KeySpacing is the minimum inter-use spacing per key under auto
	// rotation. Zero means the 60s default.
	KeySpacing Duration `yaml:"key_spacing"`
	// MaxAttempts bounds the retry loop. Zero means the provider default.
	MaxAttempts int `yaml:"max_attempts"`
	// RetryDelay is the fixed wait after transient failures. Zero means the
	// provider default.
	RetryDelay Duration `yaml:"retry_delay"`
	// Timeout is the per-request HTTP timeout. Zero means 60s.
	Timeout Duration `yaml:"timeout"`
	// Stream enables SSE streaming on backends that support it.
	Stream bool `yaml:"stream"`
	// Prompt overrides the default prompt template for this provider.
	Prompt string `yaml:"prompt"`
}

// DisplayName returns the configured name, falling back to the id.
func (c ProviderConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// BuildFunc constructs a Provider from its configuration. The registry uses
// it so the root package never imports backend packages.
type BuildFunc func(ProviderConfig) (Provider, error)
