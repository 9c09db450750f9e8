package agent

// TypingSignaler drives a channel's typing indicator. Start begins or
// refreshes the indicator TTL; Stop clears it.
type TypingSignaler interface {
	Start()
	Refresh()
	Stop()
}

// nopTyping is used for heartbeats and channels without indicators.
type nopTyping struct{}

func (nopTyping) Start()   {}
func (nopTyping) Refresh() {}
func (nopTyping) Stop()    {}

// typingController applies the typing mode rules to run hooks.
//
//	never     no signal at all
//	instant   start on run start
//	message   start on assistant message start and on text deltas
//	thinking  start on reasoning deltas; text deltas only refresh
//
// Tool activity refreshes the TTL without changing mode state.
type typingController struct {
	mode    string
	sig     TypingSignaler
	started bool
}

func newTypingController(mode string, sig TypingSignaler, heartbeat bool) *typingController {
	if sig == nil || mode == "never" || heartbeat {
		sig = nopTyping{}
	}
	return &typingController{mode: mode, sig: sig}
}

func (t *typingController) onRunStart() {
	if t.mode == "instant" {
		t.start()
	}
}

func (t *typingController) onAssistantMessageStart() {
	if t.mode == "message" {
		t.start()
	}
}

func (t *typingController) onTextDelta() {
	switch t.mode {
	case "message":
		t.start()
	case "thinking":
		if t.started {
			t.sig.Refresh()
		}
	}
}

func (t *typingController) onReasoningDelta() {
	if t.mode == "thinking" {
		t.start()
	}
}

func (t *typingController) onToolActivity() {
	if t.started {
		t.sig.Refresh()
	}
}

func (t *typingController) start() {
	if t.started {
		t.sig.Refresh()
		return
	}
	t.started = true
	t.sig.Start()
}

func (t *typingController) stop() {
	if t.started {
		t.started = false
		t.sig.Stop()
	}
}
