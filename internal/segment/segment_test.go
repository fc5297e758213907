package segment

import (
	"sort"
	"strings"
	"testing"
)

func TestShortTextYieldsSingleSegment(t *testing.T) {
	text := strings.Repeat("あ", 120)
	segments := New(500).Split(text)
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if segments[0].Text != text {
		t.Fatal("segment text must equal input")
	}
	if segments[0].Primary != 0 || segments[0].Sub {
		t.Fatalf("unexpected indices: %+v", segments[0])
	}
}

func TestOversizedLineSplitsOnSentenceDelimiter(t *testing.T) {
	first := strings.Repeat("あ", 600)
	second := strings.Repeat("い", 599)
	text := first + "。" + second
	segments := New(500).Split(text)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if segments[0].Text != first || segments[1].Text != second {
		t.Fatal("sub-segment text lost or reordered")
	}
	for i, s := range segments {
		if s.Primary != 0 || !s.Sub || s.Secondary != i {
			t.Fatalf("unexpected indices at %d: %+v", i, s)
		}
	}
}

func TestSplitPreservesAllTextMinusDelimiters(t *testing.T) {
	line := strings.Repeat("か", 300) + "。" + strings.Repeat("き", 300) + "。" + strings.Repeat("く", 10)
	segments := New(500).Split(line)
	var joined strings.Builder
	for _, s := range segments {
		joined.WriteString(s.Text)
	}
	want := strings.ReplaceAll(line, "。", "")
	if joined.String() != want {
		t.Fatal("concatenated sub-segments must equal input with delimiters removed")
	}
}

func TestWhitespaceOnlyLinesSkippedButConsumeIndex(t *testing.T) {
	text := "first\r\n   \r\nthird"
	segments := New(500).Split(text)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if segments[0].Primary != 0 || segments[1].Primary != 2 {
		t.Fatalf("blank line must still consume its index: %+v", segments)
	}
}

func TestOversizedSentenceForwardedAsIs(t *testing.T) {
	// A single sentence over the limit has no delimiter to split on.
	text := strings.Repeat("long ", 200)
	segments := New(500).Split(text)
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if segments[0].Text != text {
		t.Fatal("oversized sentence must pass through unchanged")
	}
}

func TestFileNameLexicalOrderMatchesLogicalOrder(t *testing.T) {
	segments := []Segment{
		{Primary: 0, Sub: true, Secondary: 0},
		{Primary: 0, Sub: true, Secondary: 1},
		{Primary: 1},
		{Primary: 2},
		{Primary: 10, Sub: true, Secondary: 3},
		{Primary: 11},
	}
	var names []string
	for _, s := range segments {
		names = append(names, s.FileName("00001", ".wav"))
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("file names must sort in logical order: %v", names)
	}
}

func TestFileNameEncoding(t *testing.T) {
	plain := Segment{Primary: 3}
	if got := plain.FileName("00001", ".wav"); got != "00001-0003.wav" {
		t.Fatalf("unexpected name: %s", got)
	}
	sub := Segment{Primary: 3, Secondary: 12, Sub: true}
	if got := sub.FileName("00001", ".wav"); got != "00001-0003-0012.wav" {
		t.Fatalf("unexpected name: %s", got)
	}
}
