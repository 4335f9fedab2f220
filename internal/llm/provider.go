package llm

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// Options configure provider construction.
type Options struct {
	// Provider is "anthropic" or "openai".
	Provider string
	// BaseURL overrides the provider endpoint when non-empty.
	BaseURL string
	// APIKey overrides the environment lookup when non-empty.
	APIKey string
}

// NewProvider builds the configured backend. Keys come from the environment
// (ANTHROPIC_API_KEY / OPENAI_API_KEY) unless Options.APIKey is set.
func NewProvider(opts Options) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(opts.Provider))
	switch name {
	case "anthropic":
		key := strings.TrimSpace(opts.APIKey)
		if key == "" {
			key = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		}
		if key == "" {
			return nil, errors.New("missing ANTHROPIC_API_KEY")
		}
		return newAnthropicProvider(key, strings.TrimSpace(opts.BaseURL)), nil
	case "openai":
		key := strings.TrimSpace(opts.APIKey)
		if key == "" {
			key = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		}
		if key == "" {
			return nil, errors.New("missing OPENAI_API_KEY")
		}
		return newOpenAIProvider(key, strings.TrimSpace(opts.BaseURL)), nil
	case "":
		return nil, errors.New("missing provider")
	default:
		return nil, fmt.Errorf("unsupported provider %q", opts.Provider)
	}
}
