package sessions

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawdbot/internal/fsatomic"
)

const (
	sessionsDirName = "sessions"
	storeFileName   = "sessions.json"
)

// ErrNotFound marks operations against a key with no entry. The gateway maps
// it onto the NOT_FOUND wire code.
var ErrNotFound = errors.New("session not found")

// Events emitted on lifecycle transitions.
const (
	EventCreated   = "session.created"
	EventReset     = "session.reset"
	EventDeleted   = "session.deleted"
	EventCompacted = "session.compacted"
)

// Options configure a Store.
type Options struct {
	// Dir is the agent state directory; session state lives under its
	// sessions/ subdirectory.
	Dir string
	// DefaultAgent resolves the "main" alias.
	DefaultAgent string
	// MainKeyName is the main-session key segment (default "main").
	MainKeyName string
	// DefaultModel is the configured "provider/model" default.
	DefaultModel string
	// ModelAllow restricts patchable models when non-empty.
	ModelAllow []string
	// Catalog validates model patches. Nil loads <Dir>/models.json.
	Catalog *Catalog
	// Emit receives lifecycle events. Nil disables emission.
	Emit func(event string, payload any)
	// Abort cancels a running turn on a session and waits for it to exit.
	// Nil means no run tracking.
	Abort func(key SessionKey) error
	// Now is swappable for tests.
	Now func() time.Time
}

// Store is the session registry. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	opts    Options
	path    string
	entries map[SessionKey]*Entry
}

// Open loads or creates the registry at <dir>/sessions/sessions.json.
func Open(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("sessions: dir required")
	}
	if opts.MainKeyName == "" {
		opts.MainKeyName = "main"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Catalog == nil {
		opts.Catalog = LoadCatalog(filepath.Join(opts.Dir, "models.json"))
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, sessionsDirName), 0o700); err != nil {
		return nil, err
	}

	s := &Store{
		opts:    opts,
		path:    filepath.Join(opts.Dir, sessionsDirName, storeFileName),
		entries: map[SessionKey]*Entry{},
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.entries); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	case os.IsNotExist(err):
		// fresh registry
	default:
		return nil, err
	}
	return s, nil
}

// save persists the registry atomically. Caller must hold s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return fsatomic.WriteFileWithBackup(s.path, data, 0o600)
}

func (s *Store) emit(event string, key SessionKey, entry *Entry) {
	if s.opts.Emit == nil {
		return
	}
	payload := map[string]any{"key": key.String()}
	if entry != nil {
		payload["sessionId"] = entry.SessionID
	}
	s.opts.Emit(event, payload)
}

// Get returns a copy of the entry for key.
func (s *Store) Get(key SessionKey) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e.clone(), ok
}

// Ensure returns the entry for key, creating and persisting it when absent.
func (s *Store) Ensure(key SessionKey) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.ensureLocked(key)
	if err != nil {
		return nil, err
	}
	return e.clone(), nil
}

// ensureLocked returns the live entry for key, creating and persisting it
// when absent. Caller must hold s.mu.
func (s *Store) ensureLocked(key SessionKey) (*Entry, error) {
	if e, ok := s.entries[key]; ok {
		return e, nil
	}
	e := &Entry{
		SessionID: uuid.NewString(),
		UpdatedAt: s.opts.Now().UnixMilli(),
	}
	s.entries[key] = e
	if err := s.save(); err != nil {
		delete(s.entries, key)
		return nil, err
	}
	slog.Info("session created", "key", key, "sessionId", e.SessionID)
	s.emit(EventCreated, key, e)
	return e, nil
}

// ListEntry pairs a key with its entry for listings.
type ListEntry struct {
	Key   SessionKey `json:"key"`
	Entry *Entry     `json:"entry"`
}

// List returns all entries, sorted by key, optionally filtered by agent id.
func (s *Store) List(agentID string) []ListEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ListEntry, 0, len(s.entries))
	for k, e := range s.entries {
		if agentID != "" && AgentOf(k) != agentID {
			continue
		}
		out = append(out, ListEntry{Key: k, Entry: e.clone()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Resolve maps a raw key, the "main" alias, or a label onto a canonical key.
func (s *Store) Resolve(ref string) (SessionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", fmt.Errorf("session ref is empty")
	}
	if ref == "main" {
		return MainKey(s.opts.DefaultAgent, s.opts.MainKeyName), nil
	}
	if strings.HasPrefix(ref, "agent:") {
		key := SessionKey(ref)
		if _, ok := s.entries[key]; ok {
			return key, nil
		}
		if _, err := Parse(key, s.opts.MainKeyName); err == nil {
			// well-formed but unseen keys resolve; they materialize on use
			return key, nil
		}
		return "", fmt.Errorf("session %q: %w", ref, ErrNotFound)
	}
	for k, e := range s.entries {
		if e.Label == ref {
			return k, nil
		}
	}
	return "", fmt.Errorf("session %q: %w", ref, ErrNotFound)
}

// Touch updates bookkeeping after a delivered turn and persists.
func (s *Store) Touch(key SessionKey, fn func(e *Entry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("session %q: %w", key, ErrNotFound)
	}
	fn(e)
	e.UpdatedAt = s.opts.Now().UnixMilli()
	return s.save()
}

// Reset regenerates the sessionId. Overrides, labels, and policies survive;
// token counters clear and the old transcript is soft-deleted.
func (s *Store) Reset(key SessionKey) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, fmt.Errorf("session %q: %w", key, ErrNotFound)
	}

	oldID := e.SessionID
	e.SessionID = uuid.NewString()
	e.UpdatedAt = s.opts.Now().UnixMilli()
	e.InputTokens, e.OutputTokens, e.TotalTokens = 0, 0, 0
	e.CompactionCount = 0
	if err := s.save(); err != nil {
		return nil, err
	}
	s.softDeleteTranscript(oldID)
	slog.Info("session reset", "key", key, "sessionId", e.SessionID)
	s.emit(EventReset, key, e)
	return e.clone(), nil
}

// Delete removes a session. The per-agent main session is not deletable. An
// active run on the session is aborted first. The transcript is renamed to
// <name>.deleted.<ts> rather than unlinked.
func (s *Store) Delete(key SessionKey) error {
	parts, err := Parse(key, s.opts.MainKeyName)
	if err == nil && parts.Main {
		return fmt.Errorf("refusing to delete main session %q", key)
	}

	if s.opts.Abort != nil {
		if err := s.opts.Abort(key); err != nil {
			slog.Warn("session delete: abort run", "key", key, "error", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("session %q: %w", key, ErrNotFound)
	}
	delete(s.entries, key)
	if err := s.save(); err != nil {
		s.entries[key] = e
		return err
	}
	s.softDeleteTranscript(e.SessionID)
	slog.Info("session deleted", "key", key)
	s.emit(EventDeleted, key, e)
	return nil
}
