package adapter

import (
	"strings"
	"testing"
	"unicode/utf8"

	kit "bettercal/internal/transport"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10, ""); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}

	lines := strings.Repeat("line of text\n", 20)
	chunks := splitText(lines, 50, "")
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > 50 {
			t.Fatalf("chunk %d has %d runes, want <= 50", i, n)
		}
		if strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d ends with newline", i)
		}
	}
	if joined := strings.Join(chunks, "\n"); joined != strings.TrimRight(lines, "\n") {
		t.Fatalf("rejoined text differs")
	}
}

func TestSplitTextAvoidsOpenTag(t *testing.T) {
	t.Parallel()
	s := strings.Repeat("a", 18) + "<b>bold</b>"
	chunks := splitText(s, 20, "HTML")
	if len(chunks) < 2 {
		t.Fatalf("chunks = %q, want a split", chunks)
	}
	if strings.Contains(chunks[0], "<") {
		t.Fatalf("first chunk %q cuts into a tag", chunks[0])
	}
}

func TestMarkup(t *testing.T) {
	t.Parallel()
	if markup(nil) != nil {
		t.Fatalf("markup(nil) != nil")
	}
	rm := markup([][]kit.Button{{{Text: "⏰ Snooze 15m", Data: "a:1"}, {Text: "✅ Done", Data: "a:2"}}})
	if len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 2 {
		t.Fatalf("keyboard = %+v", rm.InlineKeyboard)
	}
	if rm.InlineKeyboard[0][1].Data != "a:2" {
		t.Fatalf("data = %q, want a:2", rm.InlineKeyboard[0][1].Data)
	}
}
