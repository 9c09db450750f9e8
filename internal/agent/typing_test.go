package agent

import "testing"

type recordSignaler struct {
	starts, refreshes, stops int
}

func (r *recordSignaler) Start()   { r.starts++ }
func (r *recordSignaler) Refresh() { r.refreshes++ }
func (r *recordSignaler) Stop()    { r.stops++ }

func TestTypingModes(t *testing.T) {
	drive := func(tc *typingController) {
		tc.onRunStart()
		tc.onReasoningDelta()
		tc.onAssistantMessageStart()
		tc.onTextDelta()
		tc.onToolActivity()
		tc.stop()
	}

	t.Run("never", func(t *testing.T) {
		sig := &recordSignaler{}
		drive(newTypingController("never", sig, false))
		if sig.starts+sig.refreshes+sig.stops != 0 {
			t.Fatalf("never mode signaled: %+v", sig)
		}
	})

	t.Run("heartbeat suppresses", func(t *testing.T) {
		sig := &recordSignaler{}
		drive(newTypingController("instant", sig, true))
		if sig.starts+sig.refreshes+sig.stops != 0 {
			t.Fatalf("heartbeat signaled: %+v", sig)
		}
	})

	t.Run("instant starts on run start", func(t *testing.T) {
		sig := &recordSignaler{}
		tc := newTypingController("instant", sig, false)
		tc.onRunStart()
		if sig.starts != 1 {
			t.Fatalf("starts = %d", sig.starts)
		}
		tc.stop()
		if sig.stops != 1 {
			t.Fatalf("stops = %d", sig.stops)
		}
	})

	t.Run("message ignores run start and reasoning", func(t *testing.T) {
		sig := &recordSignaler{}
		tc := newTypingController("message", sig, false)
		tc.onRunStart()
		tc.onReasoningDelta()
		if sig.starts != 0 {
			t.Fatalf("started before assistant message: %+v", sig)
		}
		tc.onAssistantMessageStart()
		tc.onTextDelta()
		if sig.starts != 1 || sig.refreshes != 1 {
			t.Fatalf("starts=%d refreshes=%d", sig.starts, sig.refreshes)
		}
	})

	t.Run("thinking starts on reasoning only", func(t *testing.T) {
		sig := &recordSignaler{}
		tc := newTypingController("thinking", sig, false)
		tc.onRunStart()
		tc.onTextDelta() // not started yet, must not signal
		if sig.starts+sig.refreshes != 0 {
			t.Fatalf("signaled before reasoning: %+v", sig)
		}
		tc.onReasoningDelta()
		tc.onTextDelta() // refresh only once started
		if sig.starts != 1 || sig.refreshes != 1 {
			t.Fatalf("starts=%d refreshes=%d", sig.starts, sig.refreshes)
		}
	})

	t.Run("tool activity refreshes active indicator", func(t *testing.T) {
		sig := &recordSignaler{}
		tc := newTypingController("instant", sig, false)
		tc.onToolActivity()
		if sig.refreshes != 0 {
			t.Fatalf("refreshed while idle")
		}
		tc.onRunStart()
		tc.onToolActivity()
		if sig.refreshes != 1 {
			t.Fatalf("refreshes = %d", sig.refreshes)
		}
	})
}

func TestTypingStopIdempotent(t *testing.T) {
	sig := &recordSignaler{}
	tc := newTypingController("instant", sig, false)
	tc.onRunStart()
	tc.stop()
	tc.stop()
	if sig.stops != 1 {
		t.Fatalf("stops = %d", sig.stops)
	}
}
