package sessions

import (
	"encoding/json"
	"os"
	"strings"
)

// ModelInfo describes one catalog entry. ID is "provider/model".
type ModelInfo struct {
	ID            string `json:"id"`
	DisplayName   string `json:"displayName,omitempty"`
	SupportsXHigh bool   `json:"supportsXHigh,omitempty"`
}

// Catalog is the set of models a session may select via patch. Loaded from
// <agentDir>/models.json when present, otherwise the built-in defaults.
type Catalog struct {
	Models []ModelInfo `json:"models"`
}

func defaultCatalog() *Catalog {
	return &Catalog{Models: []ModelInfo{
		{ID: "anthropic/claude-opus-4", SupportsXHigh: true},
		{ID: "anthropic/claude-sonnet-4", SupportsXHigh: true},
		{ID: "anthropic/claude-haiku-4"},
		{ID: "openai/gpt-5", SupportsXHigh: true},
		{ID: "openai/gpt-5-mini"},
		{ID: "openai-codex/gpt-5-codex", SupportsXHigh: true},
		{ID: "gemini/gemini-2.5-pro"},
		{ID: "gemini/gemini-2.5-flash"},
		{ID: "zai/glm-4.6"},
		{ID: "openrouter/auto"},
	}}
}

// LoadCatalog reads models.json and merges it over the built-in defaults:
// an entry sharing an id replaces the default, new ids append. Absence or a
// parse failure leaves the defaults untouched.
func LoadCatalog(path string) *Catalog {
	base := defaultCatalog()
	raw, err := os.ReadFile(path)
	if err != nil {
		return base
	}
	var overrides Catalog
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return base
	}
	return base.merge(overrides.Models)
}

func (c *Catalog) merge(models []ModelInfo) *Catalog {
	for _, m := range models {
		replaced := false
		for i := range c.Models {
			if c.Models[i].ID == m.ID {
				c.Models[i] = m
				replaced = true
				break
			}
		}
		if !replaced {
			c.Models = append(c.Models, m)
		}
	}
	return c
}

// Lookup finds a model by its "provider/model" id.
func (c *Catalog) Lookup(id string) (ModelInfo, bool) {
	for _, m := range c.Models {
		if m.ID == id {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// SplitModelRef splits "provider/model" into its halves.
func SplitModelRef(ref string) (provider, model string, ok bool) {
	i := strings.IndexByte(ref, '/')
	if i <= 0 || i == len(ref)-1 {
		return "", "", false
	}
	return ref[:i], ref[i+1:], true
}
