package voice

import (
	"testing"
	"time"
)

func TestSpeakable(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "drops emoji and markdown markers",
			in:   "Sure 😊 **let's** do this / now.",
			want: "Sure let's do this now.",
		},
		{
			name: "keeps markdown link label and removes url",
			in:   "Read [the docs](https://example.com/docs) first.",
			want: "Read the docs first.",
		},
		{
			name: "removes code blocks and inline code",
			in:   "```swift\nText(\"hi\")\n```\nThen run `swift test` ✅",
			want: "Then run",
		},
		{
			name: "normalizes odd punctuation spacing",
			in:   "Hello***world///again",
			want: "Hello world again",
		},
		{
			name: "blank",
			in:   "  \n ",
			want: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Speakable(tc.in); got != tc.want {
				t.Fatalf("Speakable(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSpeechDuration(t *testing.T) {
	cases := []struct {
		text string
		wpm  int
		want time.Duration
	}{
		{text: "one two three", wpm: 60, want: 3 * time.Second},
		{text: "hi", wpm: 600, want: minSpeechDuration},
		{text: "", wpm: 180, want: minSpeechDuration},
		{text: "a b c d e f", wpm: 0, want: 2 * time.Second},
	}
	for _, tc := range cases {
		if got := speechDuration(tc.text, tc.wpm); got != tc.want {
			t.Fatalf("speechDuration(%q, %d) = %s, want %s", tc.text, tc.wpm, got, tc.want)
		}
	}
}
