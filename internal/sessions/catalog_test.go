package sessions

import (
	"os"
	"path/filepath"
	"testing"
)

func writeModels(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.json")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadCatalogMergesOverrides(t *testing.T) {
	path := writeModels(t, `{"models":[
		{"id":"anthropic/claude-haiku-4","supportsXHigh":true},
		{"id":"acme/frontier-1","displayName":"Frontier"}
	]}`)
	c := LoadCatalog(path)

	// override replaces the built-in entry for the same id
	m, ok := c.Lookup("anthropic/claude-haiku-4")
	if !ok || !m.SupportsXHigh {
		t.Errorf("override not applied: %+v ok=%v", m, ok)
	}
	// new ids append
	if m, ok := c.Lookup("acme/frontier-1"); !ok || m.DisplayName != "Frontier" {
		t.Errorf("new entry missing: %+v ok=%v", m, ok)
	}
	// built-ins the file does not mention survive
	if _, ok := c.Lookup("openai/gpt-5"); !ok {
		t.Error("unlisted built-in dropped")
	}
}

func TestLoadCatalogDefaults(t *testing.T) {
	// missing file
	c := LoadCatalog(filepath.Join(t.TempDir(), "models.json"))
	if len(c.Models) != len(defaultCatalog().Models) {
		t.Errorf("missing file: %d models", len(c.Models))
	}
	// unparseable file
	c = LoadCatalog(writeModels(t, `{not json`))
	if len(c.Models) != len(defaultCatalog().Models) {
		t.Errorf("parse failure: %d models", len(c.Models))
	}
}

func TestSplitModelRef(t *testing.T) {
	tests := []struct {
		ref             string
		provider, model string
		ok              bool
	}{
		{"anthropic/claude-opus-4", "anthropic", "claude-opus-4", true},
		{"openai/gpt-5", "openai", "gpt-5", true},
		{"noslash", "", "", false},
		{"/model", "", "", false},
		{"provider/", "", "", false},
	}
	for _, tt := range tests {
		p, m, ok := SplitModelRef(tt.ref)
		if p != tt.provider || m != tt.model || ok != tt.ok {
			t.Errorf("SplitModelRef(%q) = %q, %q, %v", tt.ref, p, m, ok)
		}
	}
}
