package sessions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// OptString distinguishes an absent JSON field, an explicit null, and a
// string value. Patches rely on the distinction: null clears, absent skips.
type OptString struct {
	Set   bool
	Null  bool
	Value string
}

func (o *OptString) UnmarshalJSON(data []byte) error {
	o.Set = true
	if bytes.Equal(data, []byte("null")) {
		o.Null = true
		return nil
	}
	return json.Unmarshal(data, &o.Value)
}

// Patch is a partial session update. Only Set fields apply.
type Patch struct {
	Label           OptString `json:"label"`
	SpawnedBy       OptString `json:"spawnedBy"`
	ThinkingLevel   OptString `json:"thinkingLevel"`
	VerboseLevel    OptString `json:"verboseLevel"`
	ReasoningLevel  OptString `json:"reasoningLevel"`
	ElevatedLevel   OptString `json:"elevatedLevel"`
	SendPolicy      OptString `json:"sendPolicy"`
	GroupActivation OptString `json:"groupActivation"`
	Model           OptString `json:"model"`
}

// PatchError is a validation rejection. The gateway maps Conflict onto the
// CONFLICT wire code and everything else onto INVALID_REQUEST.
type PatchError struct {
	Field    string
	Conflict bool
	Msg      string
}

func (e *PatchError) Error() string {
	return fmt.Sprintf("patch %s: %s", e.Field, e.Msg)
}

func invalid(field, format string, args ...any) *PatchError {
	return &PatchError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Apply validates and applies a patch to the session, persisting on success.
func (s *Store) Apply(key SessionKey, p Patch) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		// Resolve hands out well-formed unseen keys; they materialize here.
		if _, perr := Parse(key, s.opts.MainKeyName); perr != nil {
			return nil, fmt.Errorf("session %q: %w", key, ErrNotFound)
		}
		var err error
		if e, err = s.ensureLocked(key); err != nil {
			return nil, err
		}
	}

	// Validate everything against a copy, then swap. A rejected patch must
	// leave the entry untouched.
	next := *e

	if p.Label.Set {
		if p.Label.Null {
			next.Label = ""
		} else {
			label := strings.TrimSpace(p.Label.Value)
			if label == "" {
				return nil, invalid("label", "label must be non-empty (use null to clear)")
			}
			for k, other := range s.entries {
				if k != key && other.Label == label {
					return nil, &PatchError{Field: "label", Conflict: true,
						Msg: fmt.Sprintf("label %q already used by %s", label, k)}
				}
			}
			next.Label = label
		}
	}

	if p.SpawnedBy.Set {
		switch {
		case p.SpawnedBy.Null || strings.TrimSpace(p.SpawnedBy.Value) == "":
			return nil, invalid("spawnedBy", "must be non-empty")
		case !IsSubagent(key):
			return nil, invalid("spawnedBy", "only valid on subagent sessions")
		case e.SpawnedBy != "" && e.SpawnedBy != p.SpawnedBy.Value:
			return nil, invalid("spawnedBy", "immutable once set")
		}
		next.SpawnedBy = p.SpawnedBy.Value
	}

	if p.Model.Set {
		if p.Model.Null {
			// clear overrides only; thinking level demotes lazily if the
			// default model lacks xhigh support
			next.ProviderOverride, next.ModelOverride = "", ""
		} else {
			ref := strings.TrimSpace(p.Model.Value)
			provider, _, ok := SplitModelRef(ref)
			if !ok {
				return nil, invalid("model", "want provider/model, got %q", ref)
			}
			if _, found := s.opts.Catalog.Lookup(ref); !found {
				return nil, invalid("model", "unknown model %q", ref)
			}
			if len(s.opts.ModelAllow) > 0 && !contains(s.opts.ModelAllow, ref) {
				return nil, invalid("model", "model %q not in allowlist", ref)
			}
			if ref == s.opts.DefaultModel {
				next.ProviderOverride, next.ModelOverride = "", ""
			} else {
				next.ProviderOverride, next.ModelOverride = provider, ref
			}
		}
	}

	if p.ThinkingLevel.Set {
		lvl, err := s.normalizeThinking(p.ThinkingLevel, &next)
		if err != nil {
			return nil, err
		}
		next.ThinkingLevel = lvl
	}
	if err := applyLevel(&next.VerboseLevel, "verboseLevel", p.VerboseLevel); err != nil {
		return nil, err
	}
	if err := applyLevel(&next.ReasoningLevel, "reasoningLevel", p.ReasoningLevel); err != nil {
		return nil, err
	}
	if err := applyLevel(&next.ElevatedLevel, "elevatedLevel", p.ElevatedLevel); err != nil {
		return nil, err
	}

	if p.SendPolicy.Set {
		if err := applyEnum(&next.SendPolicy, "sendPolicy", p.SendPolicy, sendPolicies); err != nil {
			return nil, err
		}
	}
	if p.GroupActivation.Set {
		if err := applyEnum(&next.GroupActivation, "groupActivation", p.GroupActivation, groupActivations); err != nil {
			return nil, err
		}
	}

	next.UpdatedAt = s.opts.Now().UnixMilli()
	*e = next
	if err := s.save(); err != nil {
		return nil, err
	}
	return e.clone(), nil
}

// normalizeThinking validates a thinking level against the session's
// effective model. xhigh demotes to high when the model lacks support and
// the level was inherited; an explicit xhigh patch is rejected instead.
func (s *Store) normalizeThinking(o OptString, e *Entry) (string, error) {
	if o.Null {
		return "", nil
	}
	lvl := strings.ToLower(strings.TrimSpace(o.Value))
	if !thinkingLevels[lvl] {
		return "", invalid("thinkingLevel", "unknown level %q", o.Value)
	}
	if lvl == "xhigh" && !s.modelSupportsXHigh(e) {
		return "", invalid("thinkingLevel", "model %q does not support xhigh", s.effectiveModel(e))
	}
	return lvl, nil
}

// EffectiveThinking returns the level to run with, demoting a stored xhigh
// when the effective model no longer supports it.
func (s *Store) EffectiveThinking(key SessionKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return ""
	}
	if e.ThinkingLevel == "xhigh" && !s.modelSupportsXHigh(e) {
		return "high"
	}
	return e.ThinkingLevel
}

func (s *Store) effectiveModel(e *Entry) string {
	if e.ModelOverride != "" {
		return e.ModelOverride
	}
	return s.opts.DefaultModel
}

func (s *Store) modelSupportsXHigh(e *Entry) bool {
	m, ok := s.opts.Catalog.Lookup(s.effectiveModel(e))
	return ok && m.SupportsXHigh
}

func applyLevel(dst *string, field string, o OptString) error {
	if !o.Set {
		return nil
	}
	if o.Null {
		*dst = ""
		return nil
	}
	lvl := strings.ToLower(strings.TrimSpace(o.Value))
	if !thinkingLevels[lvl] {
		return invalid(field, "unknown level %q", o.Value)
	}
	*dst = lvl
	return nil
}

func applyEnum(dst *string, field string, o OptString, allowed map[string]bool) error {
	if o.Null {
		*dst = ""
		return nil
	}
	v := strings.ToLower(strings.TrimSpace(o.Value))
	if !allowed[v] {
		return invalid(field, "unknown value %q", o.Value)
	}
	*dst = v
	return nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
