package authprofiles

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/fsatomic"
)

const (
	storeFileName  = "auth-profiles.json"
	legacyFileName = "auth.json"
)

// storeFile is the on-disk schema of auth-profiles.json.
type storeFile struct {
	Version    int                    `json:"version"`
	Profiles   credMap                `json:"profiles"`
	UsageStats map[string]*UsageStats `json:"usageStats,omitempty"`
	Order      map[string][]string    `json:"order,omitempty"`
	LastGood   map[string]string      `json:"lastGood,omitempty"`
}

// Store is the loaded credential profile store for one agent directory.
// Safe for concurrent use.
type Store struct {
	mu   sync.Mutex
	path string
	data storeFile

	// env-synthesized profiles; merged into reads, never persisted.
	envProfiles credMap

	// now is swappable for tests.
	now func() time.Time

	// homeDir overrides the CLI credential search root (tests).
	homeDir string
}

// Ensure atomically loads or creates the store at <agentDir>/auth-profiles.json.
// A legacy auth.json is migrated (one "<provider>:default" profile per entry)
// and deleted. Known external CLI credentials and env-var keys are synced on
// every load.
func Ensure(agentDir string) (*Store, error) {
	return ensure(agentDir, "", time.Now)
}

func ensure(agentDir, homeDir string, now func() time.Time) (*Store, error) {
	if err := os.MkdirAll(agentDir, 0o700); err != nil {
		return nil, fmt.Errorf("agent dir: %w", err)
	}

	s := &Store{
		path:    filepath.Join(agentDir, storeFileName),
		now:     now,
		homeDir: homeDir,
		data: storeFile{
			Version:  1,
			Profiles: credMap{},
		},
	}

	raw, err := os.ReadFile(s.path)
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
		if s.data.Profiles == nil {
			s.data.Profiles = credMap{}
		}
	case os.IsNotExist(err):
		// fresh store
	default:
		return nil, err
	}

	migrated, err := s.migrateLegacy(filepath.Join(agentDir, legacyFileName))
	if err != nil {
		return nil, err
	}

	changed := s.syncCLICredentials()
	s.loadEnvProfiles()

	if migrated || changed {
		if err := s.save(); err != nil {
			return nil, err
		}
	} else if _, statErr := os.Stat(s.path); os.IsNotExist(statErr) {
		if err := s.save(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// migrateLegacy imports auth.json (map<provider, credential>) then deletes it.
// Idempotent: nothing happens when the file is absent.
func (s *Store) migrateLegacy(path string) (bool, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var legacy map[string]credEnvelope
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return false, fmt.Errorf("parse legacy %s: %w", path, err)
	}

	for provider, env := range legacy {
		provider = NormalizeProvider(provider)
		if env.Provider == "" {
			env.Provider = provider
		}
		cred, err := env.decode()
		if err != nil {
			slog.Warn("auth migrate: skipping entry", "provider", provider, "error", err)
			continue
		}
		id := provider + ":default"
		if _, exists := s.data.Profiles[id]; !exists {
			s.data.Profiles[id] = cred
		}
	}

	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("remove legacy %s: %w", path, err)
	}
	slog.Info("auth profiles: migrated legacy auth.json", "profiles", len(legacy))
	return true, nil
}

// save persists the store atomically, mode 0600. Env profiles are excluded.
func (s *Store) save() error {
	data, err := json.MarshalIndent(&s.data, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	return fsatomic.WriteFile(s.path, data, 0o600)
}

// Save persists the store under lock.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save()
}

// Get returns the credential for a profile id, consulting env profiles too.
func (s *Store) Get(id string) (Credential, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.data.Profiles[id]; ok {
		return c, true
	}
	c, ok := s.envProfiles[id]
	return c, ok
}

// Stats returns a copy of the usage stats for a profile (zero value if none).
func (s *Store) Stats(id string) UsageStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.data.UsageStats[id]; st != nil {
		cp := *st
		return cp
	}
	return UsageStats{}
}

// SetOrder pins an explicit candidate ordering for a provider and persists.
func (s *Store) SetOrder(provider string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Order == nil {
		s.data.Order = map[string][]string{}
	}
	s.data.Order[NormalizeProvider(provider)] = ids
	return s.save()
}

// Put inserts or replaces a profile and persists. The id's provider prefix
// must match the credential's provider.
func (s *Store) Put(id string, cred Credential) error {
	if ProviderOfID(id) != NormalizeProvider(cred.Prov()) {
		return fmt.Errorf("profile id %q does not match provider %q", id, cred.Prov())
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Profiles[id] = cred
	return s.save()
}

// Delete removes a profile and its stats, and persists.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Profiles, id)
	delete(s.data.UsageStats, id)
	return s.save()
}

// stats returns the mutable stats entry for id, creating it if needed.
// Caller must hold s.mu.
func (s *Store) statsLocked(id string) *UsageStats {
	if s.data.UsageStats == nil {
		s.data.UsageStats = map[string]*UsageStats{}
	}
	st := s.data.UsageStats[id]
	if st == nil {
		st = &UsageStats{}
		s.data.UsageStats[id] = st
	}
	return st
}
