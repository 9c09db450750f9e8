package authprofiles

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeHomeFile(t *testing.T, home string, rel, content string) {
	t.Helper()
	path := filepath.Join(home, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestSyncAdoptsClaudeCLICredentials(t *testing.T) {
	home := t.TempDir()
	writeHomeFile(t, home, ".claude/.credentials.json", `{
		"claudeAiOauth": {"accessToken": "acc", "refreshToken": "ref", "expiresAt": 1}
	}`)

	s, err := ensure(t.TempDir(), home, time.Now)
	if err != nil {
		t.Fatal(err)
	}
	c, ok := s.Get(claudeCLIProfile)
	if !ok {
		t.Fatal("claude CLI profile missing")
	}
	o, _ := c.(OAuth)
	if o.Access != "acc" || o.Refresh != "ref" {
		t.Errorf("synced = %#v", c)
	}
}

func TestSyncAdoptsCodexCredentials(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantOAuth bool
	}{
		{
			name:      "tokens",
			content:   `{"tokens": {"access_token": "at", "refresh_token": "rt"}}`,
			wantOAuth: true,
		},
		{
			name:    "api key fallback",
			content: `{"OPENAI_API_KEY": "sk-x"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			writeHomeFile(t, home, ".codex/auth.json", tt.content)

			s, err := ensure(t.TempDir(), home, time.Now)
			if err != nil {
				t.Fatal(err)
			}
			c, ok := s.Get(codexCLIProfile)
			if !ok {
				t.Fatal("codex profile missing")
			}
			if _, isOAuth := c.(OAuth); isOAuth != tt.wantOAuth {
				t.Errorf("credential kind = %#v, wantOAuth=%v", c, tt.wantOAuth)
			}
		})
	}
}

func TestSyncNeverDowngradesOAuth(t *testing.T) {
	dir := t.TempDir()
	home := t.TempDir()
	writeHomeFile(t, home, ".codex/auth.json", `{"tokens": {"access_token": "at", "refresh_token": "rt"}}`)

	if _, err := ensure(dir, home, time.Now); err != nil {
		t.Fatal(err)
	}

	// the CLI file regresses to a bare API key; the stored OAuth must survive
	writeHomeFile(t, home, ".codex/auth.json", `{"OPENAI_API_KEY": "sk-x"}`)
	s, err := ensure(dir, home, time.Now)
	if err != nil {
		t.Fatal(err)
	}
	c, _ := s.Get(codexCLIProfile)
	if _, ok := c.(OAuth); !ok {
		t.Errorf("oauth downgraded to %#v", c)
	}
}

func TestSyncSkipsUnreadableFiles(t *testing.T) {
	home := t.TempDir()
	writeHomeFile(t, home, ".claude/.credentials.json", `{not json`)

	s, err := ensure(t.TempDir(), home, time.Now)
	if err != nil {
		t.Fatalf("parse failure must not block load: %v", err)
	}
	if _, ok := s.Get(claudeCLIProfile); ok {
		t.Error("malformed file should be skipped")
	}
}
