package llm

import (
	"regexp"
	"strings"
)

// emojiLabels maps status emoji that carry meaning in a report to plain
// bracketed labels. Every other emoji is dropped.
var emojiLabels = map[rune]string{
	'\u2705':     "[OK]",       // white heavy check mark
	'\u274C':     "[FAIL]",     // cross mark
	'\u26A0':     "[WARNING]",  // warning sign
	'\U0001F6A8': "[ALERT]",    // police light
	'\U0001F534': "[CRITICAL]", // red circle
	'\U0001F7E0': "[HIGH]",     // orange circle
	'\U0001F7E1': "[CAUTION]",  // yellow circle
	'\U0001F7E2': "[NORMAL]",   // green circle
	'\u2022':     "-",          // bullet
}

var (
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
	multiNewline = regexp.MustCompile(`\n{3,}`)
)

// Sanitize strips emoji and decorative whitespace from generated text so
// reports stay in a plain regulatory register.
func Sanitize(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if label, ok := emojiLabels[r]; ok {
			sb.WriteString(label)
			continue
		}
		if isEmoji(r) {
			continue
		}
		sb.WriteRune(r)
	}

	lines := strings.Split(sb.String(), "\n")
	for i, line := range lines {
		lead := len(line) - len(strings.TrimLeft(line, " \t"))
		lines[i] = line[:lead] + multiSpace.ReplaceAllString(strings.TrimRight(line[lead:], " \t"), " ")
	}
	out := multiNewline.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(out)
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF: // pictographs, symbols, flags
		return true
	case r >= 0x2600 && r <= 0x27BF: // misc symbols and dingbats
		return true
	case r >= 0x2B00 && r <= 0x2BFF:
		return true
	case r == 0xFE0F || r == 0x200D || r == 0x20E3:
		return true
	}
	return false
}
