package authprofiles

import (
	"testing"
	"time"
)

func testStore(t *testing.T) (*Store, time.Time) {
	t.Helper()
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	s, err := ensure(t.TempDir(), t.TempDir(), func() time.Time { return now })
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	return s, now
}

func candidateIDs(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ProfileID
	}
	return out
}

func equalIDs(got []Candidate, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].ProfileID != want[i] {
			return false
		}
	}
	return true
}

func TestResolveFiltersProviderAndDeadCredentials(t *testing.T) {
	s, now := testStore(t)
	mustPut(t, s, "acme:a", APIKey{Provider: "acme", Key: "k1"})
	mustPut(t, s, "other:b", APIKey{Provider: "other", Key: "k2"})
	// expired bearer token without refresh: dead
	mustPut(t, s, "acme:expired", Token{Provider: "acme", Token: "t", Expires: now.Add(-time.Minute).UnixMilli()})
	// expired oauth with refresh: still alive
	mustPut(t, s, "acme:oauth", OAuth{Provider: "acme", Access: "a", Refresh: "r", Expires: now.Add(-time.Minute).UnixMilli()})

	got := s.Resolve("acme", ResolveOptions{})
	ids := candidateIDs(got)
	if len(ids) != 2 {
		t.Fatalf("candidates = %v, want 2", ids)
	}
	for _, id := range ids {
		if id == "acme:expired" || id == "other:b" {
			t.Errorf("unexpected candidate %s in %v", id, ids)
		}
	}
}

func TestResolveProviderAlias(t *testing.T) {
	s, _ := testStore(t)
	mustPut(t, s, "zai:default", APIKey{Provider: "zai", Key: "k"})

	if got := s.Resolve("z.ai", ResolveOptions{}); len(got) != 1 {
		t.Fatalf("alias lookup returned %v", candidateIDs(got))
	}
}

func TestResolveHeuristicOrder(t *testing.T) {
	s, now := testStore(t)
	mustPut(t, s, "acme:key", APIKey{Provider: "acme", Key: "k"})
	mustPut(t, s, "acme:oauth", OAuth{Provider: "acme", Access: "a", Refresh: "r"})
	mustPut(t, s, "acme:stale", APIKey{Provider: "acme", Key: "k2"})

	// stale was used long ago, key just now; oauth never.
	s.data.UsageStats = map[string]*UsageStats{
		"acme:stale": {LastUsed: now.Add(-48 * time.Hour).UnixMilli()},
		"acme:key":   {LastUsed: now.UnixMilli()},
	}

	got := s.Resolve("acme", ResolveOptions{})
	want := []string{"acme:oauth", "acme:stale", "acme:key"}
	if !equalIDs(got, want) {
		t.Errorf("heuristic order = %v, want %v", candidateIDs(got), want)
	}
}

func TestResolveOrderPrecedence(t *testing.T) {
	s, _ := testStore(t)
	mustPut(t, s, "acme:a", APIKey{Provider: "acme", Key: "1"})
	mustPut(t, s, "acme:b", APIKey{Provider: "acme", Key: "2"})
	mustPut(t, s, "acme:c", APIKey{Provider: "acme", Key: "3"})

	// config order applies when the store has no pinned order
	got := s.Resolve("acme", ResolveOptions{ConfigOrder: []string{"acme:c", "acme:a"}})
	if got[0].ProfileID != "acme:c" || got[1].ProfileID != "acme:a" {
		t.Errorf("config order ignored: %v", candidateIDs(got))
	}

	// store-pinned order wins over config order
	if err := s.SetOrder("acme", []string{"acme:b", "acme:c"}); err != nil {
		t.Fatal(err)
	}
	got = s.Resolve("acme", ResolveOptions{ConfigOrder: []string{"acme:c", "acme:a"}})
	if got[0].ProfileID != "acme:b" || got[1].ProfileID != "acme:c" {
		t.Errorf("store order should win: %v", candidateIDs(got))
	}
}

func TestResolvePreferredProfileMovesFirst(t *testing.T) {
	s, _ := testStore(t)
	mustPut(t, s, "acme:a", APIKey{Provider: "acme", Key: "1"})
	mustPut(t, s, "acme:b", APIKey{Provider: "acme", Key: "2"})
	if err := s.SetOrder("acme", []string{"acme:a", "acme:b"}); err != nil {
		t.Fatal(err)
	}

	got := s.Resolve("acme", ResolveOptions{PreferredProfile: "acme:b"})
	if got[0].ProfileID != "acme:b" {
		t.Errorf("preferred not first: %v", candidateIDs(got))
	}
}

func TestResolveCooldownAndDisabledTail(t *testing.T) {
	s, now := testStore(t)
	mustPut(t, s, "acme:ok", APIKey{Provider: "acme", Key: "1"})
	mustPut(t, s, "acme:cool", APIKey{Provider: "acme", Key: "2"})
	mustPut(t, s, "acme:dead", APIKey{Provider: "acme", Key: "3"})
	if err := s.SetOrder("acme", []string{"acme:cool", "acme:dead", "acme:ok"}); err != nil {
		t.Fatal(err)
	}
	s.data.UsageStats = map[string]*UsageStats{
		"acme:cool": {CooldownUntil: now.Add(5 * time.Minute).UnixMilli()},
		"acme:dead": {DisabledUntil: now.Add(5 * time.Hour).UnixMilli(), DisabledReason: "billing"},
	}

	got := s.Resolve("acme", ResolveOptions{})
	want := []string{"acme:ok", "acme:dead", "acme:cool"}
	if !equalIDs(got, want) {
		t.Fatalf("order = %v, want %v", candidateIDs(got), want)
	}
	if !got[1].Disabled || !got[2].InCooldown {
		t.Errorf("tail flags wrong: %+v", got)
	}
}

func mustPut(t *testing.T, s *Store, id string, c Credential) {
	t.Helper()
	if err := s.Put(id, c); err != nil {
		t.Fatalf("Put %s: %v", id, err)
	}
}
