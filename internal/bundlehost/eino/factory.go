package eino

import (
	"context"
	"fmt"

	"github.com/amplifier-run/runtime/internal/bundle"
	"github.com/amplifier-run/runtime/internal/provider"
	"github.com/amplifier-run/runtime/internal/session"
	"github.com/amplifier-run/runtime/pkg/bundlehost"
)

// NewProvider builds the Eino provider named by def.Provider, reading
// its API key from the environment (spec §6's provider env vars).
func NewProvider(ctx context.Context, def *bundle.Definition) (provider.Provider, error) {
	switch def.Provider {
	case "anthropic", "":
		return provider.NewAnthropicProvider(ctx, &provider.AnthropicConfig{Model: def.Model})
	case "openai":
		return provider.NewOpenAIProvider(ctx, &provider.OpenAIConfig{Model: def.Model})
	default:
		return nil, fmt.Errorf("unsupported provider %q", def.Provider)
	}
}

// Factory builds a session.HostFactory backed by bundles resolved
// through bm and a fixed max-tokens budget.
func Factory(bm *bundle.Manager, maxTokens int) session.HostFactory {
	return func(ctx context.Context, opts session.CreateOptions) (bundlehost.Host, error) {
		stored, err := bm.Get(opts.Bundle)
		if err != nil {
			return nil, err
		}
		def := *stored
		if opts.Provider != "" {
			def.Provider = opts.Provider
		}
		if opts.Model != "" {
			def.Model = opts.Model
		}
		prov, err := NewProvider(ctx, &def)
		if err != nil {
			return nil, err
		}
		return New(prov, def.Model, maxTokens), nil
	}
}
