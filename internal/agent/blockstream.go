package agent

import (
	"strings"
	"time"
)

// BreakReason names why a block was emitted.
type BreakReason string

const (
	BreakMessageEnd BreakReason = "message_end"
	BreakFinalTag   BreakReason = "final_tag"
	BreakParagraph  BreakReason = "paragraph"
	BreakCharBudget BreakReason = "char_budget"
)

// blockStream coalesces text deltas into deliverable chunks. It strips
// <think> blocks and, when enforceFinal is on, emits only text inside
// balanced <final> tags. Unterminated <final> content still flushes at
// stream end.
type blockStream struct {
	minChars     int
	idle         time.Duration
	enforceFinal bool
	emit         func(text string, reason BreakReason)

	raw       strings.Builder
	emitted   int // offset into visible text already delivered
	lastDelta time.Time
}

func newBlockStream(minChars, idleMs int, enforceFinal bool, emit func(string, BreakReason)) *blockStream {
	if minChars <= 0 {
		minChars = 1500
	}
	if idleMs <= 0 {
		idleMs = 1000
	}
	return &blockStream{
		minChars:     minChars,
		idle:         time.Duration(idleMs) * time.Millisecond,
		enforceFinal: enforceFinal,
		emit:         emit,
	}
}

// Push appends a delta and emits on paragraph or closing-final breaks.
func (b *blockStream) Push(text string, at time.Time) {
	hadClose := strings.Contains(text, "</final>")
	b.raw.WriteString(text)
	b.lastDelta = at

	if hadClose && b.enforceFinal {
		b.flush(BreakFinalTag, false)
		return
	}
	// paragraph break: emit every completed paragraph, hold the tail
	visible := b.visible(false)
	pending := visible[min(b.emitted, len(visible)):]
	if i := strings.LastIndex(pending, "\n\n"); i >= 0 {
		chunk := strings.TrimSpace(pending[:i])
		if chunk != "" {
			b.emit(chunk, BreakParagraph)
		}
		b.emitted += i + 2
	}
}

// Tick applies the char_budget break: both the size threshold and the idle
// interval must be crossed.
func (b *blockStream) Tick(at time.Time) {
	if b.lastDelta.IsZero() || at.Sub(b.lastDelta) < b.idle {
		return
	}
	visible := b.visible(false)
	if len(visible)-b.emitted >= b.minChars {
		b.flush(BreakCharBudget, false)
	}
}

// Finish emits the remaining text, including unterminated <final> content.
func (b *blockStream) Finish() {
	b.flush(BreakMessageEnd, true)
}

func (b *blockStream) flush(reason BreakReason, atEnd bool) {
	visible := b.visible(atEnd)
	if b.emitted > len(visible) {
		b.emitted = len(visible)
	}
	pending := strings.TrimSpace(visible[b.emitted:])
	b.emitted = len(visible)
	if pending != "" {
		b.emit(pending, reason)
	}
}

// visible renders the raw accumulator into deliverable text: think blocks
// removed, final-tag extraction applied when enforced.
func (b *blockStream) visible(atEnd bool) string {
	s := stripThink(b.raw.String(), atEnd)
	if b.enforceFinal {
		s = extractFinal(s)
	}
	return s
}

// stripThink removes <think>…</think> blocks. An unterminated block is held
// back mid-stream and dropped at stream end.
func stripThink(s string, atEnd bool) string {
	var out strings.Builder
	for {
		i := strings.Index(s, "<think>")
		if i < 0 {
			out.WriteString(s)
			return out.String()
		}
		out.WriteString(s[:i])
		rest := s[i+len("<think>"):]
		j := strings.Index(rest, "</think>")
		if j < 0 {
			// unterminated: drop at end, hold back mid-stream
			return out.String()
		}
		s = rest[j+len("</think>"):]
	}
}

// extractFinal concatenates the contents of <final> blocks. A trailing
// unterminated block contributes its content so stream-end flushes deliver.
func extractFinal(s string) string {
	var out strings.Builder
	for {
		i := strings.Index(s, "<final>")
		if i < 0 {
			return out.String()
		}
		rest := s[i+len("<final>"):]
		j := strings.Index(rest, "</final>")
		if j < 0 {
			out.WriteString(rest)
			return out.String()
		}
		out.WriteString(rest[:j])
		s = rest[j+len("</final>"):]
	}
}
