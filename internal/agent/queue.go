package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/sessions"
)

// abortWait bounds how long Abort blocks for a cancelled run to unwind.
const abortWait = 10 * time.Second

// sessionQueue serializes runs on one session key. runMu is the FIFO gate;
// cancel/done describe the in-flight run.
type sessionQueue struct {
	runMu sync.Mutex

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// queueSet owns the per-session queues and the queue-mode policy.
type queueSet struct {
	mode string // "interrupt" or "queue"

	mu     sync.Mutex
	queues map[sessions.SessionKey]*sessionQueue
}

func newQueueSet(mode string) *queueSet {
	if mode != "queue" {
		mode = "interrupt"
	}
	return &queueSet{mode: mode, queues: map[sessions.SessionKey]*sessionQueue{}}
}

func (qs *queueSet) get(key sessions.SessionKey) *sessionQueue {
	qs.mu.Lock()
	defer qs.mu.Unlock()
	q := qs.queues[key]
	if q == nil {
		q = &sessionQueue{}
		qs.queues[key] = q
	}
	return q
}

// Run executes fn with exclusive ownership of the session key. In interrupt
// mode any in-flight run on the key is cancelled first; in queue mode the
// call waits its turn.
func (qs *queueSet) Run(ctx context.Context, key sessions.SessionKey, fn func(ctx context.Context) error) error {
	q := qs.get(key)

	if qs.mode == "interrupt" {
		q.mu.Lock()
		if q.cancel != nil {
			q.cancel()
		}
		q.mu.Unlock()
	}

	q.runMu.Lock()
	defer q.runMu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	q.mu.Lock()
	q.cancel = cancel
	q.done = done
	q.mu.Unlock()

	defer func() {
		cancel()
		close(done)
		q.mu.Lock()
		q.cancel = nil
		q.done = nil
		q.mu.Unlock()
	}()

	return fn(runCtx)
}

// Abort cancels the active run on key (if any) and waits bounded for it to
// exit. Returns nil when the key is idle.
func (qs *queueSet) Abort(key sessions.SessionKey) error {
	qs.mu.Lock()
	q := qs.queues[key]
	qs.mu.Unlock()
	if q == nil {
		return nil
	}

	q.mu.Lock()
	cancel, done := q.cancel, q.done
	q.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(abortWait):
		return fmt.Errorf("abort %s: run did not exit within %s", key, abortWait)
	}
}

// Active reports whether a run currently holds the key.
func (qs *queueSet) Active(key sessions.SessionKey) bool {
	qs.mu.Lock()
	q := qs.queues[key]
	qs.mu.Unlock()
	if q == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancel != nil
}
