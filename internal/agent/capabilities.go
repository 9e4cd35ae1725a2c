package agent

import "context"

// Capabilities describes what a provider/model combination supports. The
// run engine consults it to decide whether thinking content must be
// stripped before re-sending a transcript, whether parallel tool calls can
// be requested, and how large the usable context window is.
type Capabilities struct {
	SupportsThinking     bool
	SupportsParallelTool bool
	SupportsVision       bool
	ContextWindowTokens  int
	MaxOutputTokens      int
}

// DefaultCapabilities is used when a provider does not implement
// CapabilitiesProvider.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		SupportsThinking:     false,
		SupportsParallelTool: true,
		SupportsVision:       false,
		ContextWindowTokens:  0,
		MaxOutputTokens:      0,
	}
}

// CapabilitiesProvider is implemented by providers that can report their
// model capabilities. Providers that don't implement it fall back to
// DefaultCapabilities.
type CapabilitiesProvider interface {
	Capabilities(ctx context.Context) (Capabilities, error)
}

// resolveCapabilities reads capabilities off provider if it implements
// CapabilitiesProvider, otherwise returns DefaultCapabilities.
func resolveCapabilities(ctx context.Context, provider interface{}) Capabilities {
	if cp, ok := provider.(CapabilitiesProvider); ok {
		if caps, err := cp.Capabilities(ctx); err == nil {
			return caps
		}
	}
	return DefaultCapabilities()
}
