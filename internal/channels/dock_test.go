package channels

import (
	"sort"
	"testing"

	"github.com/nextlevelbuilder/clawdbot/internal/config"
)

func TestDocksSorted(t *testing.T) {
	ids := Docks()
	if !sort.StringsAreSorted(ids) {
		t.Fatalf("dock ids not sorted: %v", ids)
	}
	for _, want := range []string{"whatsapp", "telegram", "discord", "slack", "signal", "webchat"} {
		if _, ok := DockFor(want); !ok {
			t.Errorf("dock %q missing", want)
		}
	}
}

func TestStripMentions(t *testing.T) {
	cases := []struct {
		channel, in, want string
	}{
		{"discord", "<@123456> do the thing", " do the thing"},
		{"telegram", "@clawd_bot status", " status"},
		{"slack", "<@U02ABCDEF> hi", " hi"},
		{"signal", "no mentions here", "no mentions here"},
	}
	for _, tc := range cases {
		d, ok := DockFor(tc.channel)
		if !ok {
			t.Fatalf("dock %q missing", tc.channel)
		}
		if got := d.StripMentions(tc.in); got != tc.want {
			t.Errorf("%s: StripMentions(%q) = %q, want %q", tc.channel, tc.in, got, tc.want)
		}
	}
}

func TestResolveReplyToModeConfigWins(t *testing.T) {
	cfg := config.Default()
	d, _ := DockFor("slack")
	if got := d.ResolveReplyToMode(cfg); got != "first" {
		t.Fatalf("default mode = %q, want first", got)
	}
	cfg.Channels.Slack.ReplyToMode = "all"
	if got := d.ResolveReplyToMode(cfg); got != "all" {
		t.Fatalf("configured mode = %q, want all", got)
	}

	d, _ = DockFor("signal")
	if got := d.ResolveReplyToMode(cfg); got != "off" {
		t.Fatalf("fallback mode = %q, want off", got)
	}
}

func TestBuildToolContext(t *testing.T) {
	cfg := config.Default()
	d, _ := DockFor("slack")
	tc := d.BuildToolContext(cfg, "C123", "171234.5678")
	if tc.CurrentChannelID != "C123" || tc.CurrentThreadTS != "171234.5678" {
		t.Fatalf("context %+v", tc)
	}
	if tc.ReplyToMode != "first" {
		t.Fatalf("replyToMode = %q", tc.ReplyToMode)
	}
	if tc.HasReplied == nil || *tc.HasReplied {
		t.Fatal("HasReplied must start false")
	}
	*tc.HasReplied = true
	if !*tc.HasReplied {
		t.Fatal("HasReplied not shared")
	}
}

func TestElevatedAllowFromFallsBack(t *testing.T) {
	cfg := config.Default()
	cfg.Channels.Telegram.AllowFrom = []string{" @Alice ", "12345"}
	d, _ := DockFor("telegram")
	got := d.ElevatedAllowFrom(cfg, "")
	if len(got) != 2 || got[0] != "alice" || got[1] != "12345" {
		t.Fatalf("elevated allow = %v", got)
	}
}
