package llm

import "strings"

// allowedReactions is the closed set of reactions Telegram accepts on
// messages. Anything the model suggests outside this set is dropped.
var allowedReactions = []string{
	"👍", "👎", "❤", "🔥", "🥰", "👏", "😁", "🤔", "🤯", "😱", "🤬", "😢",
	"🎉", "🤩", "🤮", "💩", "🙏", "👌", "🕊", "🤡", "🥱", "🥴", "😍", "🐳",
	"❤‍🔥", "🌚", "🌭", "💯", "🤣", "⚡", "🍌", "🏆", "💔", "🤨", "😐", "🍓",
	"🍾", "💋", "🖕", "😈", "😴", "😭", "🤓", "👻", "👨‍💻", "👀", "🎃", "🙈",
	"😇", "😨", "🤝", "✍", "🤗", "🫡", "🎅", "🎄", "☃", "💅", "🤪", "🗿",
	"🆒", "💘", "🙉", "🦄", "😘", "💊", "🙊", "😎", "👾", "🤷‍♂", "🤷", "🤷‍♀",
	"😡",
}

var allowedReactionSet = func() map[string]bool {
	set := make(map[string]bool, len(allowedReactions))
	for _, e := range allowedReactions {
		set[normalizeEmoji(e)] = true
	}
	return set
}()

// AllowedReactions returns the allow-list joined with spaces, for
// embedding in the reaction prompt.
func AllowedReactions() string {
	return strings.Join(allowedReactions, " ")
}

const (
	runeZWJ  = 0x200D
	runeVS15 = 0xFE0E
	runeVS16 = 0xFE0F
)

// isPictographic covers the emoji blocks the allow-list draws from plus
// the common pictograph ranges, so stray model output like "❎" is still
// recognized as an emoji (and then rejected by the set check).
func isPictographic(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // Misc pictographs through extended-A
		return true
	case r >= 0x2600 && r <= 0x27BF: // Misc symbols, dingbats (❤ ⚡ ✍ ☃ ❎)
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0x203C || r == 0x2049:
		return true
	}
	return false
}

func isEmojiModifier(r rune) bool {
	return r >= 0x1F3FB && r <= 0x1F3FF // Skin tones
}

func isGenderSign(r rune) bool {
	return r == 0x2640 || r == 0x2642
}

// extractFirstEmoji returns the first emoji sequence in s, including any
// ZWJ continuation (👨‍💻, 🤷‍♀, ❤‍🔥), or "" when s has none.
func extractFirstEmoji(s string) string {
	runes := []rune(s)
	for i, r := range runes {
		if !isPictographic(r) {
			continue
		}

		seq := []rune{r}
		j := i + 1
		for j < len(runes) {
			next := runes[j]
			switch {
			case next == runeVS15 || next == runeVS16 || isEmojiModifier(next):
				seq = append(seq, next)
				j++
			case next == runeZWJ && j+1 < len(runes) && (isPictographic(runes[j+1]) || isGenderSign(runes[j+1])):
				seq = append(seq, next, runes[j+1])
				j += 2
			default:
				return string(seq)
			}
		}
		return string(seq)
	}
	return ""
}

// normalizeEmoji drops variation selectors so presentation differences
// don't break set membership.
func normalizeEmoji(s string) string {
	return strings.Map(func(r rune) rune {
		if r == runeVS15 || r == runeVS16 {
			return -1
		}
		return r
	}, s)
}

// matchReaction extracts the first emoji from an LLM response and keeps
// it only if it is in the allow-list.
func matchReaction(text string) string {
	emoji := extractFirstEmoji(text)
	if emoji == "" {
		return ""
	}
	if !allowedReactionSet[normalizeEmoji(emoji)] {
		return ""
	}
	return emoji
}
