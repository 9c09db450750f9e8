package authprofiles

import "os"

// envSources maps env vars to the provider profile each one synthesizes.
// Env profiles materialize as "<provider>:env" in memory only.
var envSources = []struct {
	envVar   string
	provider string
	oauth    bool
}{
	{"ANTHROPIC_OAUTH_TOKEN", "anthropic", true},
	{"ANTHROPIC_API_KEY", "anthropic", false},
	{"OPENAI_API_KEY", "openai", false},
	{"GEMINI_API_KEY", "gemini", false},
	{"ZAI_API_KEY", "zai", false},
	{"OPENROUTER_API_KEY", "openrouter", false},
	{"MINIMAX_API_KEY", "minimax", false},
	{"ELEVENLABS_API_KEY", "elevenlabs", false},
}

// loadEnvProfiles synthesizes in-memory profiles from process env vars. An
// OAuth-style var wins over an API key for the same provider. These profiles
// never reach disk.
func (s *Store) loadEnvProfiles() {
	out := credMap{}
	for _, src := range envSources {
		v := os.Getenv(src.envVar)
		if v == "" {
			continue
		}
		id := src.provider + ":env"
		if _, taken := out[id]; taken {
			continue
		}
		if src.oauth {
			out[id] = OAuth{Provider: src.provider, Access: v}
		} else {
			out[id] = APIKey{Provider: src.provider, Key: v}
		}
	}
	s.envProfiles = out
}
