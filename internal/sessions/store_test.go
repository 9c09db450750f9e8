package sessions

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testOpts(t *testing.T) Options {
	t.Helper()
	return Options{
		Dir:          t.TempDir(),
		DefaultAgent: "main",
		DefaultModel: "anthropic/claude-opus-4",
		Now:          func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) },
	}
}

func mustOpen(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestEnsureCreatesAndPersists(t *testing.T) {
	opts := testOpts(t)
	var events []string
	opts.Emit = func(ev string, _ any) { events = append(events, ev) }

	s := mustOpen(t, opts)
	key := ChatKey("main", "telegram", "direct", "12345")
	e, err := s.Ensure(key)
	if err != nil {
		t.Fatal(err)
	}
	if e.SessionID == "" {
		t.Fatal("no sessionId assigned")
	}

	// Ensure is idempotent
	e2, err := s.Ensure(key)
	if err != nil {
		t.Fatal(err)
	}
	if e2.SessionID != e.SessionID {
		t.Errorf("second Ensure regenerated id: %s != %s", e2.SessionID, e.SessionID)
	}
	if len(events) != 1 || events[0] != EventCreated {
		t.Errorf("events = %v", events)
	}

	// survives a reload
	s2 := mustOpen(t, opts)
	got, ok := s2.Get(key)
	if !ok || got.SessionID != e.SessionID {
		t.Errorf("entry lost across reload: %+v", got)
	}
}

func TestResolve(t *testing.T) {
	s := mustOpen(t, testOpts(t))
	key := ChatKey("main", "discord", "group", "g1")
	if _, err := s.Ensure(key); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(key, Patch{Label: OptString{Set: true, Value: "ops"}}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		ref  string
		want SessionKey
		err  bool
	}{
		{"main alias", "main", MainKey("main", "main"), false},
		{"raw key", string(key), key, false},
		{"label", "ops", key, false},
		{"unknown label", "nope", "", true},
		{"well-formed unseen key", "agent:main:slack:direct:u9", "agent:main:slack:direct:u9", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Resolve(tt.ref)
			if tt.err {
				if err == nil {
					t.Fatalf("want error, got %q", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Resolve(%q) = %q, %v; want %q", tt.ref, got, err, tt.want)
			}
		})
	}
}

func TestApplyMaterializesResolvedKey(t *testing.T) {
	opts := testOpts(t)
	var events []string
	opts.Emit = func(ev string, _ any) { events = append(events, ev) }
	s := mustOpen(t, opts)

	// a fresh store has no entries; "main" still resolves
	key, err := s.Resolve("main")
	if err != nil {
		t.Fatal(err)
	}
	e, err := s.Apply(key, Patch{ThinkingLevel: OptString{Set: true, Value: "high"}})
	if err != nil {
		t.Fatalf("patch on fresh resolved key: %v", err)
	}
	if e.SessionID == "" || e.ThinkingLevel != "high" {
		t.Errorf("entry = %+v", e)
	}
	if len(events) != 1 || events[0] != EventCreated {
		t.Errorf("events = %v", events)
	}

	// survives a reload
	s2 := mustOpen(t, opts)
	got, ok := s2.Get(key)
	if !ok || got.ThinkingLevel != "high" {
		t.Errorf("materialized entry lost across reload: %+v", got)
	}
}

func TestApplyMalformedKeyIsNotFound(t *testing.T) {
	s := mustOpen(t, testOpts(t))
	_, err := s.Apply("agent:", Patch{Label: OptString{Set: true, Value: "x"}})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestStoreLayout(t *testing.T) {
	opts := testOpts(t)
	s := mustOpen(t, opts)
	e, err := s.Ensure(ChatKey("main", "telegram", "direct", "p"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(opts.Dir, "sessions", "sessions.json")); err != nil {
		t.Errorf("registry file: %v", err)
	}
	if err := s.AppendTranscript(e.SessionID, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(opts.Dir, "sessions", "sess-"+e.SessionID+".jsonl")
	if got := s.TranscriptPath(e.SessionID); got != want {
		t.Errorf("TranscriptPath = %q, want %q", got, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Errorf("transcript file: %v", err)
	}
}

func TestPatchLabelUniqueness(t *testing.T) {
	s := mustOpen(t, testOpts(t))
	a := ChatKey("main", "telegram", "direct", "a")
	b := ChatKey("main", "telegram", "direct", "b")
	for _, k := range []SessionKey{a, b} {
		if _, err := s.Ensure(k); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.Apply(a, Patch{Label: OptString{Set: true, Value: "work"}}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Apply(b, Patch{Label: OptString{Set: true, Value: "work"}})
	var pe *PatchError
	if !asPatchError(err, &pe) || !pe.Conflict {
		t.Fatalf("duplicate label: want conflict PatchError, got %v", err)
	}

	// clearing frees the label for reuse
	if _, err := s.Apply(a, Patch{Label: OptString{Set: true, Null: true}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(b, Patch{Label: OptString{Set: true, Value: "work"}}); err != nil {
		t.Errorf("label should be free after clear: %v", err)
	}
}

func TestPatchSpawnedBy(t *testing.T) {
	s := mustOpen(t, testOpts(t))
	sub := SubagentKey("main", "s1")
	chat := ChatKey("main", "telegram", "direct", "c")
	for _, k := range []SessionKey{sub, chat} {
		if _, err := s.Ensure(k); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := s.Apply(chat, Patch{SpawnedBy: OptString{Set: true, Value: "x"}}); err == nil {
		t.Error("spawnedBy on non-subagent key should be rejected")
	}
	if _, err := s.Apply(sub, Patch{SpawnedBy: OptString{Set: true, Value: "agent:main:main"}}); err != nil {
		t.Fatal(err)
	}
	// immutable once set
	if _, err := s.Apply(sub, Patch{SpawnedBy: OptString{Set: true, Value: "other"}}); err == nil {
		t.Error("spawnedBy rewrite should be rejected")
	}
	// same value is a no-op, not an error
	if _, err := s.Apply(sub, Patch{SpawnedBy: OptString{Set: true, Value: "agent:main:main"}}); err != nil {
		t.Errorf("idempotent spawnedBy rejected: %v", err)
	}
}

func TestPatchModel(t *testing.T) {
	opts := testOpts(t)
	opts.ModelAllow = []string{"anthropic/claude-opus-4", "anthropic/claude-haiku-4"}
	s := mustOpen(t, opts)
	key := ChatKey("main", "telegram", "direct", "m")
	if _, err := s.Ensure(key); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Apply(key, Patch{Model: OptString{Set: true, Value: "bogus"}}); err == nil {
		t.Error("malformed model ref accepted")
	}
	if _, err := s.Apply(key, Patch{Model: OptString{Set: true, Value: "acme/unknown"}}); err == nil {
		t.Error("model outside catalog accepted")
	}
	if _, err := s.Apply(key, Patch{Model: OptString{Set: true, Value: "openai/gpt-5"}}); err == nil {
		t.Error("model outside allowlist accepted")
	}

	e, err := s.Apply(key, Patch{Model: OptString{Set: true, Value: "anthropic/claude-haiku-4"}})
	if err != nil {
		t.Fatal(err)
	}
	if e.ModelOverride != "anthropic/claude-haiku-4" || e.ProviderOverride != "anthropic" {
		t.Errorf("override = %q/%q", e.ProviderOverride, e.ModelOverride)
	}

	// patching to the default clears the override
	e, err = s.Apply(key, Patch{Model: OptString{Set: true, Value: "anthropic/claude-opus-4"}})
	if err != nil {
		t.Fatal(err)
	}
	if e.ModelOverride != "" || e.ProviderOverride != "" {
		t.Errorf("default model should clear overrides: %+v", e)
	}
}

func TestThinkingLevelXHigh(t *testing.T) {
	s := mustOpen(t, testOpts(t))
	key := ChatKey("main", "telegram", "direct", "x")
	if _, err := s.Ensure(key); err != nil {
		t.Fatal(err)
	}

	// default model supports xhigh
	if _, err := s.Apply(key, Patch{ThinkingLevel: OptString{Set: true, Value: "xhigh"}}); err != nil {
		t.Fatal(err)
	}

	// switch to a model without xhigh: explicit xhigh now rejected
	if _, err := s.Apply(key, Patch{Model: OptString{Set: true, Value: "anthropic/claude-haiku-4"}}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(key, Patch{ThinkingLevel: OptString{Set: true, Value: "xhigh"}}); err == nil {
		t.Error("explicit xhigh on unsupporting model accepted")
	}
	// the stored xhigh demotes lazily at read time
	if got := s.EffectiveThinking(key); got != "high" {
		t.Errorf("EffectiveThinking = %q, want high", got)
	}

	if _, err := s.Apply(key, Patch{ThinkingLevel: OptString{Set: true, Value: "extreme"}}); err == nil {
		t.Error("unknown level accepted")
	}
}

func TestResetKeepsMetadata(t *testing.T) {
	s := mustOpen(t, testOpts(t))
	key := ChatKey("main", "telegram", "direct", "r")
	e, err := s.Ensure(key)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Apply(key, Patch{
		Label: OptString{Set: true, Value: "keeper"},
		Model: OptString{Set: true, Value: "openai/gpt-5"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTranscript(e.SessionID, []byte(`{"role":"user"}`)); err != nil {
		t.Fatal(err)
	}
	oldPath := s.TranscriptPath(e.SessionID)

	reset, err := s.Reset(key)
	if err != nil {
		t.Fatal(err)
	}
	if reset.SessionID == e.SessionID {
		t.Error("sessionId not regenerated")
	}
	if reset.Label != "keeper" || reset.ModelOverride != "openai/gpt-5" {
		t.Errorf("metadata lost on reset: %+v", reset)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Error("old transcript should be soft-deleted")
	}
	matches, _ := filepath.Glob(oldPath + ".deleted.*")
	if len(matches) != 1 {
		t.Errorf("soft-delete sidecar missing: %v", matches)
	}
}

func TestDeleteRefusesMainAndAbortsRuns(t *testing.T) {
	opts := testOpts(t)
	var aborted []SessionKey
	opts.Abort = func(k SessionKey) error { aborted = append(aborted, k); return nil }
	s := mustOpen(t, opts)

	main := MainKey("main", "main")
	if _, err := s.Ensure(main); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(main); err == nil {
		t.Fatal("main session delete should be refused")
	}

	key := ChatKey("main", "telegram", "direct", "d")
	e, err := s.Ensure(key)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AppendTranscript(e.SessionID, []byte(`{}`)); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatal(err)
	}
	if len(aborted) != 1 || aborted[0] != key {
		t.Errorf("abort hook calls = %v", aborted)
	}
	if _, ok := s.Get(key); ok {
		t.Error("entry still present after delete")
	}
	matches, _ := filepath.Glob(s.TranscriptPath(e.SessionID) + ".deleted.*")
	if len(matches) != 1 {
		t.Errorf("transcript not soft-deleted: %v", matches)
	}
}

func TestCompactTruncatesWithBackup(t *testing.T) {
	s := mustOpen(t, testOpts(t))
	key := ChatKey("main", "telegram", "direct", "c")
	e, err := s.Ensure(key)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		if err := s.AppendTranscript(e.SessionID, []byte(`{"n":`+string(rune('0'+i))+`}`)); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Compact(key, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got.CompactionCount != 1 {
		t.Errorf("compactionCount = %d", got.CompactionCount)
	}
	lines, err := s.ReadTranscript(e.SessionID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 3 || !strings.Contains(lines[2], "9") {
		t.Errorf("kept lines = %v", lines)
	}
	bak, _ := filepath.Glob(s.TranscriptPath(e.SessionID) + ".bak.*")
	if len(bak) != 1 {
		t.Errorf("backup missing: %v", bak)
	}
}

func asPatchError(err error, target **PatchError) bool {
	pe, ok := err.(*PatchError)
	if ok {
		*target = pe
	}
	return ok
}
