package voice

import (
	"regexp"
	"strings"
	"time"
	"unicode"
)

var (
	speechURLPattern          = regexp.MustCompile(`https?://\S+`)
	speechFencedCodePattern   = regexp.MustCompile("(?s)```.*?```")
	speechInlineCodePattern   = regexp.MustCompile("`[^`]*`")
	speechMarkdownLinkPattern = regexp.MustCompile(`\[(.*?)\]\((.*?)\)`)

	speechSymbolReplacer = strings.NewReplacer(
		"*", " ", "_", " ", "\\", " ", "/", " ", "|", " ",
		"#", " ", "~", " ", "<", " ", ">", " ",
	)
)

const minSpeechDuration = 250 * time.Millisecond

// Speakable strips markdown, code and symbol noise from assistant text before
// it is handed to a speech synthesizer. The conversation log keeps the
// original reply.
func Speakable(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	raw = speechFencedCodePattern.ReplaceAllString(raw, " ")
	raw = speechInlineCodePattern.ReplaceAllString(raw, " ")
	raw = speechMarkdownLinkPattern.ReplaceAllString(raw, "$1")
	raw = speechURLPattern.ReplaceAllString(raw, " ")
	raw = speechSymbolReplacer.Replace(raw)

	var b strings.Builder
	b.Grow(len(raw))
	space := true
	for _, r := range raw {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
		case unicode.IsSpace(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		case unicode.IsControl(r):
		case unicode.In(r, unicode.So, unicode.Sm, unicode.Sk):
			// emoji and symbol glyphs
		case speechPunctuation(r):
			b.WriteRune(r)
			space = false
		case unicode.IsPunct(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		default:
			b.WriteRune(r)
			space = false
		}
	}
	return strings.TrimSpace(b.String())
}

func speechPunctuation(r rune) bool {
	switch r {
	case '.', ',', '!', '?', ':', ';', '\'', '"', '-', '(', ')':
		return true
	default:
		return false
	}
}

// speechDuration estimates how long text takes to say at wpm words per minute.
func speechDuration(text string, wpm int) time.Duration {
	if wpm <= 0 {
		wpm = DefaultWordsPerMinute
	}
	words := len(strings.Fields(text))
	d := time.Duration(words) * time.Minute / time.Duration(wpm)
	if d < minSpeechDuration {
		return minSpeechDuration
	}
	return d
}
