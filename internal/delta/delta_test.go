package delta

import (
	"strings"
	"testing"
)

func TestApplyRoundTrip(t *testing.T) {
	cases := []struct{ a, b string }{
		{"", ""},
		{"a\nb\nc", "a\nb\nc"},
		{"a\nb\nc", "a\nx\nc"},
		{"a\nb\nc", "a\nb"},
		{"a\nb\nc", "z\na\nb\nc"},
		{"a\nb\nc", "a\nb\nc\nd\ne"},
		{"", "a\nb"},
		{"a\nb", ""},
	}
	for _, c := range cases {
		d := Diff(c.a, c.b)
		got := d.ApplyString()
		if got != c.b {
			t.Errorf("Diff(%q,%q).Apply() = %q, want %q", c.a, c.b, got, c.b)
		}
	}
}

func TestForInputRangeRoundTrip(t *testing.T) {
	a := "def f():\n    x = 1\n    y = 2\n    return x + y\n"
	b := "def f():\n    x = 10\n    y = 2\n    return x + y\n"
	aLines := strings.Split(strings.TrimRight(a, "\n"), "\n")
	d := Diff(strings.TrimRight(a, "\n"), strings.TrimRight(b, "\n"))

	// Sub-range covering only the modified line.
	sub := d.ForInputRange(1, 2)
	if len(sub.Original) != 1 || sub.Original[0] != aLines[1] {
		t.Fatalf("sub.Original = %v", sub.Original)
	}
	got := sub.ApplyString()
	if got != "    x = 10" {
		t.Fatalf("sub.Apply() = %q", got)
	}
}

func TestForInputRangeFullCoversWholeApply(t *testing.T) {
	a := "1\n2\n3\n4\n5"
	b := "1\n2\nX\n4\n5\n6"
	d := Diff(a, b)
	sub := d.ForInputRange(0, len(d.Original))
	if sub.ApplyString() != d.ApplyString() {
		t.Fatalf("full-range sub-delta should reproduce the whole apply: got %q want %q", sub.ApplyString(), d.ApplyString())
	}
}

func TestIsEmpty(t *testing.T) {
	d := Diff("a\nb\nc", "a\nb\nc")
	if !d.IsEmpty() {
		t.Fatal("identical input should produce an empty delta")
	}
	d2 := Diff("a\nb", "a\nc")
	if d2.IsEmpty() {
		t.Fatal("differing input should produce a non-empty delta")
	}
}

func TestTokensAtOrdering(t *testing.T) {
	d := Diff("a\nb\nc", "a\nx\nc")
	toks := d.TokensAt(1)
	if len(toks) != 2 {
		t.Fatalf("expected del+add at line 1, got %v", toks)
	}
	if toks[0].Kind != TokenDel || toks[0].Text != "b" {
		t.Fatalf("expected deletion first, got %+v", toks[0])
	}
	if toks[1].Kind != TokenAdd || toks[1].Text != "x" {
		t.Fatalf("expected addition second, got %+v", toks[1])
	}
}

func TestTokensAtTrailingInsert(t *testing.T) {
	d := Diff("a\nb", "a\nb\nc\nd")
	toks := d.TokensAt(d.Len() - 1)
	if len(toks) != 2 || toks[0].Text != "c" || toks[1].Text != "d" {
		t.Fatalf("expected trailing additions c,d: got %v", toks)
	}
}
