package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadWithIncludesDeepMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.json", `{
		// defaults shared by all deployments
		agents: { defaults: { model: "anthropic/claude-opus-4", typingMode: "message" } },
		gateway: { port: 18789 },
	}`)
	main := writeFile(t, dir, "clawdbot.json", `{
		"$include": "base.json",
		agents: { defaults: { typingMode: "thinking" } },
	}`)

	doc, err := loadWithIncludes(main, nil, 0)
	if err != nil {
		t.Fatalf("loadWithIncludes: %v", err)
	}

	agents := doc["agents"].(map[string]any)
	defaults := agents["defaults"].(map[string]any)
	if got := defaults["typingMode"]; got != "thinking" {
		t.Errorf("overlay should win: typingMode = %v", got)
	}
	if got := defaults["model"]; got != "anthropic/claude-opus-4" {
		t.Errorf("base key should survive merge: model = %v", got)
	}
	gw := doc["gateway"].(map[string]any)
	if gw["port"].(float64) != 18789 {
		t.Errorf("included section missing: gateway = %v", gw)
	}
}

func TestLoadWithIncludesArrayForm(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{ gateway: { host: "0.0.0.0" } }`)
	writeFile(t, dir, "b.json", `{ gateway: { port: 9 } }`)
	main := writeFile(t, dir, "main.json", `{ "$include": ["a.json", "b.json"] }`)

	doc, err := loadWithIncludes(main, nil, 0)
	if err != nil {
		t.Fatalf("loadWithIncludes: %v", err)
	}
	gw := doc["gateway"].(map[string]any)
	if gw["host"] != "0.0.0.0" || gw["port"].(float64) != 9 {
		t.Errorf("merged gateway = %v", gw)
	}
}

func TestLoadWithIncludesDetectsCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.json", `{ "$include": "b.json" }`)
	writeFile(t, dir, "b.json", `{ "$include": "a.json" }`)

	_, err := loadWithIncludes(filepath.Join(dir, "a.json"), nil, 0)
	if err == nil || !strings.Contains(err.Error(), "circular include") {
		t.Fatalf("want circular include error, got %v", err)
	}
}

func TestLoadNormalizesLegacyGatewayToken(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "clawdbot.json", `{ gateway: { token: "tok-legacy" } }`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Auth.Token != "tok-legacy" {
		t.Errorf("legacy gateway.token not migrated: %+v", cfg.Gateway.Auth)
	}
	if cfg.Gateway.Auth.Mode != "token" {
		t.Errorf("mode = %q, want token", cfg.Gateway.Auth.Mode)
	}
}

func TestMaskedCopyHidesSecrets(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Auth.Token = "s3cret"
	cfg.Channels.Telegram.BotToken = "123:abc"

	masked := cfg.MaskedCopy()
	if masked.Gateway.Auth.Token != "***" || masked.Channels.Telegram.BotToken != "***" {
		t.Errorf("secrets not masked: %+v", masked.Gateway.Auth)
	}
	// original untouched
	if cfg.Gateway.Auth.Token != "s3cret" {
		t.Errorf("MaskedCopy mutated the original")
	}

	masked.StripMaskedSecrets()
	if masked.Gateway.Auth.Token != "" {
		t.Errorf("StripMaskedSecrets left %q", masked.Gateway.Auth.Token)
	}
}
