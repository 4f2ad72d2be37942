package token

import (
	"testing"

	"github.com/DeusData/c3flow/internal/change"
	"github.com/DeusData/c3flow/internal/moduldiff"
	"github.com/DeusData/c3flow/internal/parser"
	"github.com/DeusData/c3flow/internal/ppath"
	"github.com/DeusData/c3flow/internal/problem"
	"github.com/DeusData/c3flow/internal/pyscope"
)

func buildModule(t *testing.T, name ppath.ModulePath, source string) *pyscope.JModule {
	t.Helper()
	src := []byte(source)
	tree, err := parser.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer tree.Close()
	return pyscope.BuildModule(name, tree.RootNode(), src)
}

func oneSpan(t *testing.T, mc moduldiff.ModuleChange) moduldiff.ChangedSpan {
	t.Helper()
	for _, sp := range mc.Changed {
		return sp
	}
	t.Fatal("expected at least one changed span")
	return moduldiff.ChangedSpan{}
}

func TestPackRespectsQueryAndOutputBudgets(t *testing.T) {
	oldMod := buildModule(t, "m", "def f():\n    return 1\n")
	newMod := buildModule(t, "m", "def f():\n    return 2\n")
	mc := moduldiff.BuildModuleChange(change.Modified(oldMod, newMod))
	span := oneSpan(t, mc)

	p := problem.C3Problem{Span: span, SrcInfo: problem.SrcInfo{CommitHash: "c1"}}
	caps := DefaultCaps()

	recs := Pack(p, caps, nil)
	if len(recs) == 0 {
		t.Fatal("expected at least one packed record")
	}
	for _, r := range recs {
		if len(r.InputTks) > caps.MaxQueryTks {
			t.Errorf("input_tks %d exceeds max_query_tks %d", len(r.InputTks), caps.MaxQueryTks)
		}
		if len(r.OutputTks) > caps.MaxOutputTks {
			t.Errorf("output_tks %d exceeds max_output_tks %d", len(r.OutputTks), caps.MaxOutputTks)
		}
		total := 0
		for _, ref := range r.NamedReferences {
			if len(ref.Tokens) > caps.MaxRefTks {
				t.Errorf("reference %q has %d tokens, exceeds max_ref_tks %d", ref.Name, len(ref.Tokens), caps.MaxRefTks)
			}
			total += len(ref.Tokens)
		}
		if total > caps.MaxTotalRefTks {
			t.Errorf("total reference tokens %d exceeds max_total_ref_tks %d", total, caps.MaxTotalRefTks)
		}
		if r.ChangeType != 'M' {
			t.Errorf("expected change_type 'M', got %q", r.ChangeType)
		}
	}
}

func TestPackMultiLineEditProducesBoundedChunks(t *testing.T) {
	var oldBody, newBody string
	for i := 0; i < 45; i++ {
		oldBody += "    x = 1\n"
		newBody += "    x = 2\n"
	}
	oldMod := buildModule(t, "m", "def f():\n"+oldBody)
	newMod := buildModule(t, "m", "def f():\n"+newBody)
	mc := moduldiff.BuildModuleChange(change.Modified(oldMod, newMod))
	span := oneSpan(t, mc)

	p := problem.C3Problem{Span: span, SrcInfo: problem.SrcInfo{CommitHash: "c1"}}
	caps := DefaultCaps()
	caps.MaxLinesToEdit = 20

	recs := Pack(p, caps, nil)
	if len(recs) == 0 {
		t.Fatal("expected at least one packed record for a 45-line edit")
	}
	if len(recs) > caps.MaxChunksPerElem {
		t.Errorf("expected at most max_chunks_per_elem (%d) records, got %d", caps.MaxChunksPerElem, len(recs))
	}
	for _, r := range recs {
		if r.Path != span.Path() {
			t.Errorf("expected all chunks to share path %+v, got %+v", span.Path(), r.Path)
		}
		if r.ChangeType != 'M' {
			t.Errorf("expected change_type 'M' across all chunks, got %q", r.ChangeType)
		}
	}
}

func TestPackUnmodifiedSpanYieldsNoRecords(t *testing.T) {
	mod := buildModule(t, "m", "def f():\n    return 1\n")
	span := moduldiff.ChangedSpan{
		Change:    change.Modified("return 1", "return 1"),
		LineRange: pyscope.LineRange{Start: 1, End: 2},
	}
	_ = mod

	p := problem.C3Problem{Span: span}
	recs := Pack(p, DefaultCaps(), nil)
	if len(recs) != 0 {
		t.Errorf("expected no records for an empty delta, got %d", len(recs))
	}
}

func TestFifoCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := newFIFOCache(2)
	c.put(1, []Token{"a"})
	c.put(2, []Token{"b"})
	c.put(3, []Token{"c"})

	if _, ok := c.get(1); ok {
		t.Error("expected key 1 to have been evicted")
	}
	if _, ok := c.get(2); !ok {
		t.Error("expected key 2 to still be cached")
	}
	if _, ok := c.get(3); !ok {
		t.Error("expected key 3 to still be cached")
	}
}

func TestChunkTokensOverlapsConsecutiveWindows(t *testing.T) {
	stream := make([]Token, 10)
	for i := range stream {
		stream[i] = Token(string(rune('a' + i)))
	}
	chunks := chunkTokens(stream, 4, 2, "ref")
	if len(chunks) == 0 {
		t.Fatal("expected at least one chunk")
	}
	for _, c := range chunks {
		if len(c.Tokens) > 4 {
			t.Errorf("chunk %q has %d tokens, expected <= 4", c.Name, len(c.Tokens))
		}
	}
	// Each window's last 2 tokens open the next window.
	for k := 0; k+1 < len(chunks); k++ {
		prev, next := chunks[k].Tokens, chunks[k+1].Tokens
		if len(prev) < 2 || len(next) < 2 || prev[len(prev)-2] != next[0] || prev[len(prev)-1] != next[1] {
			t.Errorf("chunks %d and %d do not overlap by 2 tokens: %v, %v", k, k+1, prev, next)
		}
	}
}
