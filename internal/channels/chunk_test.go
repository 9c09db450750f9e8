package channels

import (
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"
)

func TestChunkText(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		limit int
		want  int // chunk count
	}{
		{"empty", "", 100, 0},
		{"fits", "hello world", 100, 1},
		{"no limit", strings.Repeat("x", 5000), 0, 1},
		{"splits long", strings.Repeat("word ", 100), 100, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ChunkText(tt.text, tt.limit)
			if len(got) != tt.want {
				t.Fatalf("chunks = %d, want %d: %q", len(got), tt.want, got)
			}
			for _, c := range got {
				if tt.limit > 0 && runewidth.StringWidth(c) > tt.limit {
					t.Errorf("chunk exceeds limit: %d > %d", runewidth.StringWidth(c), tt.limit)
				}
			}
		})
	}
}

func TestChunkTextPrefersParagraphBreaks(t *testing.T) {
	text := strings.Repeat("a", 60) + "\n\n" + strings.Repeat("b", 60)
	got := ChunkText(text, 80)
	if len(got) != 2 {
		t.Fatalf("chunks = %v", got)
	}
	if !strings.HasPrefix(got[0], "a") || !strings.HasPrefix(got[1], "b") {
		t.Errorf("split mid-paragraph: %q", got)
	}
}

func TestChunkTextWideRunes(t *testing.T) {
	// each rune is two cells wide
	text := strings.Repeat("宽", 50)
	got := ChunkText(text, 40)
	for i, c := range got {
		if w := runewidth.StringWidth(c); w > 40 {
			t.Errorf("chunk %d width %d > 40", i, w)
		}
	}
}

func TestSenderAllowed(t *testing.T) {
	tests := []struct {
		name   string
		allow  []string
		sender string
		want   bool
	}{
		{"empty list allows", nil, "123", true},
		{"exact id", []string{"123"}, "123", true},
		{"not listed", []string{"123"}, "456", false},
		{"compound sender id half", []string{"123"}, "123|alice", true},
		{"compound sender user half", []string{"alice"}, "123|alice", true},
		{"at-prefix stripped", []string{"@Alice"}, "alice", true},
		{"compound allow entry", []string{"123|alice"}, "123", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SenderAllowed(tt.allow, tt.sender); got != tt.want {
				t.Errorf("SenderAllowed(%v, %q) = %v", tt.allow, tt.sender, got)
			}
		})
	}
}

func TestDockTable(t *testing.T) {
	for _, id := range []string{"whatsapp", "telegram", "discord", "slack", "signal", "imessage", "msteams", "webchat"} {
		d, ok := DockFor(id)
		if !ok {
			t.Fatalf("dock %s missing", id)
		}
		if d.TextChunkLimit <= 0 {
			t.Errorf("dock %s has no chunk limit", id)
		}
	}
	if _, ok := DockFor("zalo"); ok {
		t.Error("unexpected dock")
	}
}
