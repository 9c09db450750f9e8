package providers

import (
	"fmt"

	"github.com/nextlevelbuilder/clawdbot/internal/authprofiles"
)

// Factory builds a Runner for a provider/credential pair. The failover
// layer calls it once per candidate attempt.
type Factory func(provider string, cred authprofiles.Credential) (Runner, error)

// DefaultFactory routes anthropic-family providers to the native runner and
// everything else through the OpenAI-compatible surface.
func DefaultFactory(provider string, cred authprofiles.Credential) (Runner, error) {
	switch authprofiles.NormalizeProvider(provider) {
	case "anthropic":
		return NewAnthropicRunner(cred), nil
	case "openai", "openai-codex", "zai", "openrouter", "minimax", "gemini":
		return NewOpenAIRunner(provider, cred), nil
	default:
		return nil, fmt.Errorf("no runner for provider %q", provider)
	}
}
