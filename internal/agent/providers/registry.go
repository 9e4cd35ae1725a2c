package providers

import (
	"fmt"
	"time"

	"github.com/charliefox/agentloop/internal/agent"
)

// ProviderConfig carries the untyped configuration a caller supplies for a
// provider construction, keyed the same way across provider dialects so a
// single RunRequest.Metadata-derived map can drive any of them.
type ProviderConfig struct {
	APIKey          string
	BaseURL         string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// ErrModelNotFound is returned by Registry.Create when the provider key
// does not match any registered factory.
type ErrModelNotFound struct {
	ProviderKey string
}

func (e *ErrModelNotFound) Error() string {
	return fmt.Sprintf("model not found: unknown provider %q", e.ProviderKey)
}

// ProviderFactory constructs a provider for one provider key.
type ProviderFactory func(modelID string, cfg ProviderConfig) (agent.LLMProvider, error)

// Registry resolves a provider key (e.g. "anthropic", "openai", "google",
// "bedrock") to a constructed LLMProvider, implementing this runtime's
// create_provider collaborator (§6). Unknown keys fail with
// ErrModelNotFound so the run engine can treat provider construction
// failure as fatal per §4.5.
type Registry struct {
	factories map[string]ProviderFactory
}

// NewRegistry builds a Registry pre-populated with the built-in Anthropic,
// OpenAI, Google, and Bedrock factories.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]ProviderFactory)}
	r.Register("anthropic", func(modelID string, cfg ProviderConfig) (agent.LLMProvider, error) {
		return NewAnthropicProvider(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: modelID,
		})
	})
	r.Register("openai", func(modelID string, cfg ProviderConfig) (agent.LLMProvider, error) {
		return NewOpenAIProvider(cfg.APIKey), nil
	})
	r.Register("google", func(modelID string, cfg ProviderConfig) (agent.LLMProvider, error) {
		return NewGoogleProvider(GoogleConfig{
			APIKey:       cfg.APIKey,
			MaxRetries:   cfg.MaxRetries,
			RetryDelay:   cfg.RetryDelay,
			DefaultModel: modelID,
		})
	})
	r.Register("bedrock", func(modelID string, cfg ProviderConfig) (agent.LLMProvider, error) {
		return NewBedrockProvider(BedrockConfig{
			Region:          cfg.Region,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			DefaultModel:    modelID,
			MaxRetries:      cfg.MaxRetries,
			RetryDelay:      cfg.RetryDelay,
		})
	})
	return r
}

// Register adds or replaces the factory for a provider key.
func (r *Registry) Register(providerKey string, factory ProviderFactory) {
	r.factories[providerKey] = factory
}

// Create constructs a provider for providerKey/modelID. Returns
// *ErrModelNotFound for an unregistered key.
func (r *Registry) Create(providerKey, modelID string, cfg ProviderConfig) (agent.LLMProvider, error) {
	factory, ok := r.factories[providerKey]
	if !ok {
		return nil, &ErrModelNotFound{ProviderKey: providerKey}
	}
	return factory(modelID, cfg)
}

// boundRegistry closes a Registry over one ProviderConfig so it satisfies
// agent.ProviderRegistry, the run engine's narrow construction interface.
type boundRegistry struct {
	reg *Registry
	cfg ProviderConfig
}

func (b boundRegistry) Create(providerKey, modelID string) (agent.LLMProvider, error) {
	return b.reg.Create(providerKey, modelID, b.cfg)
}

// Bind fixes the credentials/config a run engine's ProviderRegistry calls
// will use, producing the narrow agent.ProviderRegistry the engine expects.
func (r *Registry) Bind(cfg ProviderConfig) agent.ProviderRegistry {
	return boundRegistry{reg: r, cfg: cfg}
}
