package subagents

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/agent"
	"github.com/nextlevelbuilder/clawdbot/internal/config"
	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
)

type fakeRunner struct {
	mu   sync.Mutex
	runs []agent.RunRequest
}

func (f *fakeRunner) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	f.mu.Unlock()
	return &agent.RunResult{RunID: req.RunID, Text: "child output"}, nil
}

func (f *fakeRunner) snapshot() []agent.RunRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.RunRequest(nil), f.runs...)
}

func testRegistry(t *testing.T) (*Registry, *fakeRunner, *sessions.Store) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Agents.Defaults.Subagents = &config.SubagentsConfig{AllowAgents: []string{"*"}}

	store, err := sessions.Open(sessions.Options{Dir: t.TempDir(), DefaultAgent: "main"})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	runner := &fakeRunner{}
	reg := New(Options{Config: cfg, Sessions: store, Runner: runner})
	t.Cleanup(reg.Stop)
	return reg, runner, store
}

// seeds the requester session with a delivery route for announce.
func seedRequester(t *testing.T, store *sessions.Store) sessions.SessionKey {
	t.Helper()
	key := sessions.MainKey("main", "main")
	if _, err := store.Ensure(key); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	err := store.Touch(key, func(e *sessions.Entry) {
		e.LastChannel = "telegram"
		e.LastTo = "12345"
	})
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	return key
}

func TestSpawnRunsChildAndAnnounces(t *testing.T) {
	reg, runner, store := testRegistry(t)
	requester := seedRequester(t, store)

	res, err := reg.Spawn(context.Background(), SpawnRequest{
		RequesterKey: requester,
		Task:         "count the files",
		Cleanup:      "delete",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !strings.HasPrefix(res.ChildSessionKey, "agent:main:subagent:") {
		t.Fatalf("child key %q", res.ChildSessionKey)
	}

	ok, err := reg.Wait(context.Background(), res.RunID, 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("wait: ok=%v err=%v", ok, err)
	}

	// announce runs synchronously on the completion path
	deadline := time.After(5 * time.Second)
	for {
		runs := runner.snapshot()
		if len(runs) >= 2 {
			child, announce := runs[0], runs[1]
			if child.Lane != "subagent" || child.Deliver {
				t.Fatalf("child run %+v", child)
			}
			if announce.Channel != "telegram" || announce.To != "12345" || !announce.Deliver {
				t.Fatalf("announce run %+v", announce)
			}
			if !strings.Contains(announce.Prompt, "count the files") ||
				!strings.Contains(announce.Prompt, "child output") {
				t.Fatalf("announce prompt %q", announce.Prompt)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("announce never ran: %d runs", len(runs))
		case <-time.After(10 * time.Millisecond):
		}
	}

	// cleanup:"delete" removes the child session
	deadline = time.After(5 * time.Second)
	for {
		if _, ok := store.Get(sessions.SessionKey(res.ChildSessionKey)); !ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("child session survived cleanup")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestAnnounceClaimIsIdempotent(t *testing.T) {
	reg, runner, store := testRegistry(t)
	requester := seedRequester(t, store)

	res, err := reg.Spawn(context.Background(), SpawnRequest{
		RequesterKey: requester,
		Task:         "a task",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if ok, err := reg.Wait(context.Background(), res.RunID, 5*time.Second); err != nil || !ok {
		t.Fatalf("wait: ok=%v err=%v", ok, err)
	}

	// the in-process completion already claimed the announce; a late
	// lifecycle event for the same run must not announce again
	time.Sleep(50 * time.Millisecond)
	before := len(runner.snapshot())
	reg.NotifyCompleted(res.RunID)
	reg.NotifyCompleted(res.RunID)
	if after := len(runner.snapshot()); after != before {
		t.Fatalf("duplicate announce: %d -> %d runs", before, after)
	}
}

func TestSpawnPolicy(t *testing.T) {
	cases := []struct {
		name   string
		allow  []string
		target string
		ok     bool
	}{
		{"wildcard", []string{"*"}, "research", true},
		{"listed", []string{"research"}, "research", true},
		{"unlisted", []string{"research"}, "ops", false},
		{"empty allows parent only", nil, "main", true},
		{"empty denies others", nil, "ops", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, _, store := testRegistry(t)
			reg.cfg.Agents.Defaults.Subagents = &config.SubagentsConfig{AllowAgents: tc.allow}
			requester := seedRequester(t, store)

			_, err := reg.Spawn(context.Background(), SpawnRequest{
				RequesterKey: requester,
				TargetAgent:  tc.target,
				Task:         "a task",
			})
			if tc.ok && err != nil {
				t.Fatalf("spawn: %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("spawn allowed, want policy rejection")
			}
		})
	}
}

func TestChildSessionRecordsSpawnedBy(t *testing.T) {
	reg, _, store := testRegistry(t)
	requester := seedRequester(t, store)

	res, err := reg.Spawn(context.Background(), SpawnRequest{
		RequesterKey: requester,
		Task:         "a task",
		Label:        "research-job",
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	entry, ok := store.Get(sessions.SessionKey(res.ChildSessionKey))
	if !ok {
		t.Fatal("child session missing")
	}
	if entry.SpawnedBy != string(requester) {
		t.Fatalf("spawnedBy = %q", entry.SpawnedBy)
	}
	if entry.Label != "research-job" {
		t.Fatalf("label = %q", entry.Label)
	}
}

func TestWaitTimesOut(t *testing.T) {
	reg, _, _ := testRegistry(t)
	if _, err := reg.Wait(context.Background(), "nope", time.Millisecond); err == nil {
		t.Fatal("want unknown-run error")
	}
}

func TestSweepDeletesArchivedChildren(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	cfg := &config.Config{}
	cfg.Agents.Defaults.Subagents = &config.SubagentsConfig{
		AllowAgents:         []string{"*"},
		ArchiveAfterMinutes: 1,
	}
	store, err := sessions.Open(sessions.Options{Dir: t.TempDir(), DefaultAgent: "main"})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	runner := &fakeRunner{}
	reg := New(Options{Config: cfg, Sessions: store, Runner: runner, Now: func() time.Time { return now }})
	requester := seedRequester(t, store)

	res, err := reg.Spawn(context.Background(), SpawnRequest{RequesterKey: requester, Task: "a task"})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if ok, err := reg.Wait(context.Background(), res.RunID, 5*time.Second); err != nil || !ok {
		t.Fatalf("wait: ok=%v err=%v", ok, err)
	}

	// before the deadline nothing is reaped
	reg.sweep()
	if _, ok := store.Get(sessions.SessionKey(res.ChildSessionKey)); !ok {
		t.Fatal("child reaped before archive deadline")
	}

	now = now.Add(2 * time.Minute)
	reg.sweep()
	if _, ok := store.Get(sessions.SessionKey(res.ChildSessionKey)); ok {
		t.Fatal("child survived past archive deadline")
	}
}
