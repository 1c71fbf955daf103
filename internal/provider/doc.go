// Package provider wraps LLM providers behind a single streaming
// completion interface built on the Eino framework.
//
// # Supported providers
//
// Anthropic (direct API or Bedrock) and OpenAI (native API, Azure, or any
// OpenAI-compatible endpoint) are implemented. Both expose the same
// Provider interface, so internal/bundlehost/eino can drive either one
// without provider-specific branches.
//
//	p, err := NewAnthropicProvider(ctx, &AnthropicConfig{
//	    ID:        "anthropic",
//	    APIKey:    "sk-...",
//	    Model:     "claude-sonnet-4-20250514",
//	    MaxTokens: 8192,
//	})
//
// # Streaming completions
//
//	stream, err := p.CreateCompletion(ctx, &CompletionRequest{
//	    Model:     "claude-sonnet-4-20250514",
//	    Messages:  messages,
//	    MaxTokens: 4096,
//	})
//	for {
//	    msg, err := stream.Recv()
//	    if err != nil {
//	        break
//	    }
//	    // process message chunk
//	}
//	stream.Close()
package provider
