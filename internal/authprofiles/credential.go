// Package authprofiles is the credential profile store and ordering engine.
//
// A profile is one authentication artifact for a provider, identified by
// "provider:name" (e.g. "anthropic:work"). The store tracks per-profile usage
// stats and failure state, orders candidates for the failover runner, and
// reconciles with external CLI credential files on load.
package authprofiles

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credential is the tagged variant over the three credential kinds. Each
// variant owns only its fields; polymorphism lives in the JSON envelope below.
type Credential interface {
	// Prov returns the provider this credential authenticates against.
	Prov() string
	// Alive reports whether the credential can still be attempted at now.
	Alive(now time.Time) bool

	isCredential()
}

// APIKey is a plain long-lived API key.
type APIKey struct {
	Provider string
	Key      string
}

// Token is a bearer token with an optional absolute expiry (unix ms).
type Token struct {
	Provider string
	Token    string
	Expires  int64
}

// OAuth is an access/refresh pair. A present refresh token keeps the
// credential alive past access-token expiry: the runtime can refresh.
type OAuth struct {
	Provider string
	Access   string
	Refresh  string
	Expires  int64
}

func (APIKey) isCredential() {}
func (Token) isCredential()  {}
func (OAuth) isCredential()  {}

func (c APIKey) Prov() string { return c.Provider }
func (c Token) Prov() string  { return c.Provider }
func (c OAuth) Prov() string  { return c.Provider }

func (c APIKey) Alive(time.Time) bool {
	return strings.TrimSpace(c.Key) != ""
}

func (c Token) Alive(now time.Time) bool {
	if strings.TrimSpace(c.Token) == "" {
		return false
	}
	return c.Expires == 0 || c.Expires > now.UnixMilli()
}

func (c OAuth) Alive(now time.Time) bool {
	if strings.TrimSpace(c.Access) == "" && strings.TrimSpace(c.Refresh) == "" {
		return false
	}
	if c.Refresh != "" {
		return true
	}
	return c.Expires == 0 || c.Expires > now.UnixMilli()
}

// credEnvelope is the wire form of a Credential.
type credEnvelope struct {
	Type     string `json:"type"`
	Provider string `json:"provider"`
	Key      string `json:"key,omitempty"`
	Token    string `json:"token,omitempty"`
	Access   string `json:"access,omitempty"`
	Refresh  string `json:"refresh,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
}

func encodeCredential(c Credential) credEnvelope {
	switch v := c.(type) {
	case APIKey:
		return credEnvelope{Type: "api_key", Provider: v.Provider, Key: v.Key}
	case Token:
		return credEnvelope{Type: "token", Provider: v.Provider, Token: v.Token, Expires: v.Expires}
	case OAuth:
		return credEnvelope{Type: "oauth", Provider: v.Provider, Access: v.Access, Refresh: v.Refresh, Expires: v.Expires}
	}
	return credEnvelope{}
}

func (e credEnvelope) decode() (Credential, error) {
	switch e.Type {
	case "api_key":
		return APIKey{Provider: e.Provider, Key: e.Key}, nil
	case "token":
		return Token{Provider: e.Provider, Token: e.Token, Expires: e.Expires}, nil
	case "oauth":
		return OAuth{Provider: e.Provider, Access: e.Access, Refresh: e.Refresh, Expires: e.Expires}, nil
	default:
		return nil, fmt.Errorf("unknown credential type %q", e.Type)
	}
}

// credMap is map<id, Credential> with envelope-based JSON.
type credMap map[string]Credential

func (m credMap) MarshalJSON() ([]byte, error) {
	out := make(map[string]credEnvelope, len(m))
	for id, c := range m {
		out[id] = encodeCredential(c)
	}
	return json.Marshal(out)
}

func (m *credMap) UnmarshalJSON(data []byte) error {
	var raw map[string]credEnvelope
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(credMap, len(raw))
	for id, env := range raw {
		c, err := env.decode()
		if err != nil {
			return fmt.Errorf("profile %s: %w", id, err)
		}
		out[id] = c
	}
	*m = out
	return nil
}

// UsageStats is the per-profile failure and usage state.
type UsageStats struct {
	LastUsed       int64          `json:"lastUsed,omitempty"` // unix ms
	ErrorCount     int            `json:"errorCount,omitempty"`
	FailureCounts  map[string]int `json:"failureCounts,omitempty"`
	LastFailureAt  int64          `json:"lastFailureAt,omitempty"`
	CooldownUntil  int64          `json:"cooldownUntil,omitempty"`
	DisabledUntil  int64          `json:"disabledUntil,omitempty"`
	DisabledReason string         `json:"disabledReason,omitempty"`
	InputTokens    int64          `json:"inputTokens,omitempty"`
	OutputTokens   int64          `json:"outputTokens,omitempty"`
}

// providerAliases maps spelling variants onto canonical provider ids.
var providerAliases = map[string]string{
	"z.ai":   "zai",
	"x.ai":   "xai",
	"google": "gemini",
}

// NormalizeProvider lowercases a provider id and resolves known aliases.
func NormalizeProvider(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if canon, ok := providerAliases[p]; ok {
		return canon
	}
	return p
}

// ProviderOfID extracts the normalized provider prefix of a profile id.
func ProviderOfID(id string) string {
	if i := strings.IndexByte(id, ':'); i > 0 {
		return NormalizeProvider(id[:i])
	}
	return NormalizeProvider(id)
}

// FailoverError tells upstream which credential failed so it can iterate.
type FailoverError struct {
	Provider  string
	Model     string
	ProfileID string
	Reason    string
	Err       error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("auth failover (%s profile %s): %s", e.Provider, e.ProfileID, e.Reason)
}

func (e *FailoverError) Unwrap() error { return e.Err }
