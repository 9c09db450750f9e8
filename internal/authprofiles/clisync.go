package authprofiles

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
)

// CLI-managed profile ids. Sync only ever writes these; user-created profiles
// are never touched.
const (
	claudeCLIProfile = "anthropic:claude-cli"
	codexCLIProfile  = "openai-codex:codex-cli"
)

// syncCLICredentials reconciles the store with credential files written by
// external CLIs (Claude Code, Codex). Returns true when the store changed.
// Read or parse failures are logged and skipped; sync never blocks a load.
func (s *Store) syncCLICredentials() bool {
	home := s.homeDir
	if home == "" {
		var err error
		home, err = os.UserHomeDir()
		if err != nil {
			return false
		}
	}

	changed := false
	if c, ok := readClaudeCLI(filepath.Join(home, ".claude", ".credentials.json")); ok {
		changed = s.adoptCLIProfile(claudeCLIProfile, c) || changed
	}
	if c, ok := readCodexCLI(filepath.Join(home, ".codex", "auth.json")); ok {
		changed = s.adoptCLIProfile(codexCLIProfile, c) || changed
	}
	return changed
}

// adoptCLIProfile installs a synced credential under a CLI-managed id.
// An existing OAuth profile is never downgraded to a weaker credential kind,
// and never replaced by a CLI OAuth with an earlier expiry.
func (s *Store) adoptCLIProfile(id string, cred Credential) bool {
	existing, ok := s.data.Profiles[id]
	if ok {
		if held, hasOAuth := existing.(OAuth); hasOAuth {
			incoming, isOAuth := cred.(OAuth)
			if !isOAuth {
				return false
			}
			if incoming.Expires != 0 && held.Expires > incoming.Expires {
				return false
			}
		}
		if encodeCredential(existing) == encodeCredential(cred) {
			return false
		}
	}
	s.data.Profiles[id] = cred
	slog.Info("auth profiles: synced CLI credential", "profile", id)
	return true
}

func readClaudeCLI(path string) (Credential, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("auth sync: read claude credentials", "error", err)
		}
		return nil, false
	}
	var doc struct {
		ClaudeAiOauth struct {
			AccessToken  string `json:"accessToken"`
			RefreshToken string `json:"refreshToken"`
			ExpiresAt    int64  `json:"expiresAt"`
		} `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Warn("auth sync: parse claude credentials", "error", err)
		return nil, false
	}
	o := doc.ClaudeAiOauth
	if o.AccessToken == "" && o.RefreshToken == "" {
		return nil, false
	}
	return OAuth{
		Provider: "anthropic",
		Access:   o.AccessToken,
		Refresh:  o.RefreshToken,
		Expires:  o.ExpiresAt,
	}, true
}

func readCodexCLI(path string) (Credential, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("auth sync: read codex credentials", "error", err)
		}
		return nil, false
	}
	var doc struct {
		OpenAIAPIKey string `json:"OPENAI_API_KEY"`
		Tokens       struct {
			AccessToken  string `json:"access_token"`
			RefreshToken string `json:"refresh_token"`
		} `json:"tokens"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Warn("auth sync: parse codex credentials", "error", err)
		return nil, false
	}
	if doc.Tokens.AccessToken != "" || doc.Tokens.RefreshToken != "" {
		return OAuth{
			Provider: "openai-codex",
			Access:   doc.Tokens.AccessToken,
			Refresh:  doc.Tokens.RefreshToken,
		}, true
	}
	if doc.OpenAIAPIKey != "" {
		return APIKey{Provider: "openai-codex", Key: doc.OpenAIAPIKey}, true
	}
	return nil, false
}
