package channels

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

func TestTypingLoopSendsWhileRunning(t *testing.T) {
	var sends atomic.Int32
	loop := &TypingLoop{send: func(ctx context.Context) error {
		sends.Add(1)
		return nil
	}}

	loop.Start()
	deadline := time.Now().Add(2 * time.Second)
	for sends.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	loop.Stop()

	if sends.Load() == 0 {
		t.Fatal("no typing signal sent")
	}
	settled := sends.Load()
	time.Sleep(50 * time.Millisecond)
	if sends.Load() != settled {
		t.Fatal("loop kept sending after Stop")
	}
}

func TestTypingLoopStartIsIdempotent(t *testing.T) {
	loop := &TypingLoop{send: func(ctx context.Context) error { return nil }}
	loop.Start()
	loop.Start()
	loop.Refresh()
	loop.Stop()
	loop.Stop()
}

func TestTypingForUnlinkableChannelIsNoop(t *testing.T) {
	o := NewOutbound(config.Default())
	loop := o.Typing("whatsapp", "+15550001111")
	loop.Start()
	loop.Refresh()
	loop.Stop()
}
