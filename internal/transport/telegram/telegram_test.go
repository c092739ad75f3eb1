package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("split = %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitTelegramText(text, 10, "")
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("split = %q", got)
	}
}

func TestSplitTelegramTextRespectsLimitInRunes(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("📋", 25)
	got := splitTelegramText(text, 10, "")
	if len(got) != 3 {
		t.Fatalf("chunks = %d, want 3", len(got))
	}
	for _, c := range got {
		if n := utf8.RuneCountInString(c); n > 10 {
			t.Fatalf("chunk has %d runes", n)
		}
	}
	if strings.Join(got, "") != text {
		t.Fatal("chunks do not reassemble the input")
	}
}

func TestSplitTelegramTextAvoidsHTMLTags(t *testing.T) {
	t.Parallel()
	text := "abcdef<b>bold</b>"
	got := splitTelegramText(text, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk = %q, want tag kept whole", got[0])
	}
}
