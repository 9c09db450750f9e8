package channels

import (
	"context"
	"sync"
	"time"
)

// typingSender is implemented by senders whose platform has a typing
// indicator. Slack's Web API has none for bots, so slackSender opts out.
type typingSender interface {
	SendTyping(ctx context.Context, to string) error
}

// Platform indicators expire after roughly five seconds, so the loop
// re-sends while the TTL holds.
const (
	typingTTL    = 6 * time.Second
	typingResend = 4 * time.Second
)

// TypingLoop keeps a channel's typing indicator alive between Start and
// Stop. Channels without indicator support get a loop that does nothing.
type TypingLoop struct {
	send func(ctx context.Context) error

	mu       sync.Mutex
	deadline time.Time
	running  bool
	cancel   context.CancelFunc
}

// Typing builds a typing loop for the route. Linking the sender lazily here
// mirrors Deliver; a channel that cannot link yields a no-op loop.
func (o *Outbound) Typing(channel, to string) *TypingLoop {
	loop := &TypingLoop{}
	sender, err := o.senderFor(channel)
	if err != nil {
		return loop
	}
	ts, ok := sender.(typingSender)
	if !ok {
		return loop
	}
	loop.send = func(ctx context.Context) error { return ts.SendTyping(ctx, to) }
	return loop
}

// Start begins the indicator or extends its TTL.
func (l *TypingLoop) Start() {
	if l.send == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deadline = time.Now().Add(typingTTL)
	if l.running {
		return
	}
	l.running = true
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.run(ctx)
}

// Refresh extends the TTL of a running indicator.
func (l *TypingLoop) Refresh() {
	if l.send == nil {
		return
	}
	l.mu.Lock()
	if l.running {
		l.deadline = time.Now().Add(typingTTL)
	}
	l.mu.Unlock()
}

// Stop clears the indicator.
func (l *TypingLoop) Stop() {
	if l.send == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.running {
		return
	}
	l.running = false
	l.cancel()
}

func (l *TypingLoop) run(ctx context.Context) {
	// Best effort: a failed indicator never fails the run.
	_ = l.send(ctx)
	t := time.NewTicker(typingResend)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.mu.Lock()
			expired := time.Now().After(l.deadline)
			if expired && l.running {
				l.running = false
				l.cancel()
			}
			l.mu.Unlock()
			if expired {
				return
			}
			_ = l.send(ctx)
		}
	}
}
