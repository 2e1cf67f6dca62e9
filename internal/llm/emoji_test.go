package llm

import (
	"strings"
	"testing"
)

func TestExtractFirstEmoji(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"👍", "👍"},
		{"Я бы поставил 🔥 сюда", "🔥"},
		{"🤣🤣🤣", "🤣"},
		{"👨‍💻 кодит", "👨‍💻"},
		{"🤷‍♂", "🤷‍♂"},
		{"❤‍🔥 горит", "❤‍🔥"},
		{"нет", ""},
		{"", ""},
		{"просто текст без эмодзи", ""},
	}
	for _, tt := range tests {
		if got := extractFirstEmoji(tt.in); got != tt.want {
			t.Errorf("extractFirstEmoji(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeEmojiDropsVariationSelectors(t *testing.T) {
	// "❤️" is U+2764 U+FE0F; the allow-list stores the bare U+2764.
	if got := normalizeEmoji("❤️"); got != "❤" {
		t.Errorf("got %q, want bare heart", got)
	}
}

func TestMatchReaction(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		// The presentation form with a variation selector still matches the
		// bare entry in the allow-list.
		{"Поставлю ❤️", "❤️"},
		// Pictographic but not in the allow-list.
		{"❎", ""},
		{"👍", "👍"},
		{"нет", ""},
		{"Ответ: 💯!", "💯"},
		{"🤷‍♀", "🤷‍♀"},
	}
	for _, tt := range tests {
		if got := matchReaction(tt.in); got != tt.want {
			t.Errorf("matchReaction(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAllowedReactionsJoined(t *testing.T) {
	s := AllowedReactions()
	if s == "" {
		t.Fatal("allow-list must not be empty")
	}
	for _, e := range []string{"👍", "💩", "🗿"} {
		if !strings.Contains(s, e) {
			t.Errorf("allow-list string missing %q", e)
		}
	}
}
