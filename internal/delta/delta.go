// Package delta implements the line delta engine (component B): a compact
// edit representation between two line sequences, restrictable to an
// input sub-range and emittable as a token-delta stream. Line diffing
// itself is delegated to the same longest-common-subsequence engine
// hercules (in the retrieved example pack) drives its own commit-line
// statistics with, operated in line mode instead of character mode.
package delta

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// Entry holds the edits anchored immediately before one original line:
// zero or more Adds (new lines inserted at this position) and, for all
// but the trailing virtual entry, whether the original line itself was
// deleted.
type Entry struct {
	Adds    []string
	Deleted bool
}

// Delta is the line-level difference between an original line sequence
// and a new one. len(Entries) == len(Original)+1: Entries[i] for
// i < len(Original) carries the edits anchored at original line i (a
// deletion marker for that line, then any lines inserted immediately
// before it); Entries[len(Original)] carries trailing insertions appended
// after the final original line.
type Delta struct {
	Original []string
	Entries  []Entry
}

// Diff computes the line delta between two text blobs, splitting on "\n".
// Ties in the underlying LCS alignment are broken so that, at a shared
// anchor, deletions are recorded before the insertions that replace them
// (spec.md §4.2).
func Diff(original, updated string) Delta {
	return DiffLines(splitLines(original), splitLines(updated))
}

// DiffLines computes the line delta between two already-split line
// sequences.
func DiffLines(originalLines, updatedLines []string) Delta {
	dmp := diffmatchpatch.New()
	text1 := joinForDiff(originalLines)
	text2 := joinForDiff(updatedLines)

	chars1, chars2, lineArray := dmp.DiffLinesToChars(text1, text2)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	diffs = normalizeInsertBeforeDelete(diffs)

	entries := make([]Entry, len(originalLines)+1)
	origIdx := 0
	delStart := -1 // first original line of the delete run just seen, if any
	for _, d := range diffs {
		lines := splitDiffBlock(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			origIdx += len(lines)
			delStart = -1
		case diffmatchpatch.DiffDelete:
			if delStart < 0 {
				delStart = origIdx
			}
			for range lines {
				if origIdx < len(entries) {
					entries[origIdx].Deleted = true
				}
				origIdx++
			}
		case diffmatchpatch.DiffInsert:
			at := origIdx
			if delStart >= 0 {
				at = delStart
			}
			if at >= len(entries) {
				at = len(entries) - 1
			}
			entries[at].Adds = append(entries[at].Adds, lines...)
			delStart = -1
		}
	}

	return Delta{Original: append([]string(nil), originalLines...), Entries: entries}
}

// normalizeInsertBeforeDelete swaps adjacent Insert-then-Delete diff
// blocks into Delete-then-Insert order, so that a changed region always
// groups its deletion before its replacement insertion, per spec.md §4.2.
func normalizeInsertBeforeDelete(diffs []diffmatchpatch.Diff) []diffmatchpatch.Diff {
	out := make([]diffmatchpatch.Diff, len(diffs))
	copy(out, diffs)
	for i := 0; i+1 < len(out); i++ {
		if out[i].Type == diffmatchpatch.DiffInsert && out[i+1].Type == diffmatchpatch.DiffDelete {
			out[i], out[i+1] = out[i+1], out[i]
		}
	}
	return out
}

// Apply reconstructs the new line sequence from the original lines and a
// delta built from them: Apply(original, Diff(original, b)) == b.
func (d Delta) Apply() []string {
	var out []string
	for i := 0; i <= len(d.Original); i++ {
		if i < len(d.Entries) {
			out = append(out, d.Entries[i].Adds...)
		}
		if i < len(d.Original) && !d.Entries[i].Deleted {
			out = append(out, d.Original[i])
		}
	}
	return out
}

// ApplyString is Apply joined with newlines.
func (d Delta) ApplyString() string {
	return strings.Join(d.Apply(), "\n")
}

// ForInputRange returns the sub-delta whose domain is exactly original
// lines [lo,hi). Applying it to Original[lo:hi] yields the sub-region of
// the full Apply() output corresponding to that range.
func (d Delta) ForInputRange(lo, hi int) Delta {
	if lo < 0 {
		lo = 0
	}
	if hi > len(d.Original) {
		hi = len(d.Original)
	}
	if hi < lo {
		hi = lo
	}
	sub := Delta{
		Original: append([]string(nil), d.Original[lo:hi]...),
		Entries:  append([]Entry(nil), d.Entries[lo:hi+1]...),
	}
	return sub
}

// IsEmpty reports whether the delta represents no change at all.
func (d Delta) IsEmpty() bool {
	for _, e := range d.Entries {
		if e.Deleted || len(e.Adds) > 0 {
			return false
		}
	}
	return true
}

// HasEditAt reports whether original line i carries any edit (a deletion
// or a leading insertion).
func (d Delta) HasEditAt(i int) bool {
	if i < 0 || i >= len(d.Entries) {
		return false
	}
	return d.Entries[i].Deleted || len(d.Entries[i].Adds) > 0
}

// TokenKind distinguishes an added line token from a deleted line token in
// the token-delta stream.
type TokenKind int

const (
	TokenAdd TokenKind = iota
	TokenDel
)

// Token is one add/del edit token in the token-delta stream.
type Token struct {
	Kind TokenKind
	Text string
}

// TokensAt returns the edit tokens anchored at stream position i (the i-th
// entry of the token-delta stream spec.md §4.2 describes), in
// deletion-before-addition order. i ranges over [0, len(Entries)); for
// i == len(Original) only trailing additions are possible.
func (d Delta) TokensAt(i int) []Token {
	if i < 0 || i >= len(d.Entries) {
		return nil
	}
	var toks []Token
	if i < len(d.Original) && d.Entries[i].Deleted {
		toks = append(toks, Token{Kind: TokenDel, Text: d.Original[i]})
	}
	for _, add := range d.Entries[i].Adds {
		toks = append(toks, Token{Kind: TokenAdd, Text: add})
	}
	return toks
}

// Len returns the length of the token-delta stream (len(Original)+1).
func (d Delta) Len() int { return len(d.Entries) }

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

// joinForDiff joins lines with a trailing newline so diffmatchpatch's
// line-mode encoder sees a terminator after every line, including the
// last.
func joinForDiff(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// splitDiffBlock splits a diffmatchpatch line-mode block (terminated by
// "\n" per contained line) back into individual lines, dropping the
// trailing empty element left by the terminator.
func splitDiffBlock(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.Split(text, "\n")
	if len(parts) > 0 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	return parts
}
