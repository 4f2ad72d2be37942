package relevance

import (
	"testing"

	"github.com/DeusData/c3flow/internal/change"
	"github.com/DeusData/c3flow/internal/moduldiff"
	"github.com/DeusData/c3flow/internal/parser"
	"github.com/DeusData/c3flow/internal/ppath"
	"github.com/DeusData/c3flow/internal/pyscope"
	"github.com/DeusData/c3flow/internal/usage"
)

func buildModule(t *testing.T, name ppath.ModulePath, source string) (*pyscope.JModule, []byte) {
	t.Helper()
	src := []byte(source)
	tree, err := parser.Parse(src)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer tree.Close()
	return pyscope.BuildModule(name, tree.RootNode(), src), src
}

func queryLines(span moduldiff.ChangedSpan) map[int]bool {
	lines := make(map[int]bool)
	for l := span.LineRange.Start; l < span.LineRange.End; l++ {
		lines[l] = true
	}
	hr := span.HeaderLineRange()
	for l := hr.Start; l < hr.End; l++ {
		lines[l] = true
	}
	return lines
}

func TestSelectUnchangedIncludesParentAndUsedDefinition(t *testing.T) {
	aMod, aSrc := buildModule(t, "a", "def g():\n    return 1\n")

	oldBMod, _ := buildModule(t, "b", "from a import g\n\n\ndef f():\n    return 1\n")
	newBMod, newBSrc := buildModule(t, "b", "from a import g\n\n\ndef f():\n    return g() + 1\n")

	mc := moduldiff.BuildModuleChange(change.Modified(oldBMod, newBMod))
	var span moduldiff.ChangedSpan
	for _, sp := range mc.Changed {
		span = sp
	}
	if span.LineRange.Len() == 0 {
		t.Fatal("expected a changed span inside f")
	}

	modules := map[ppath.ModulePath]*pyscope.JModule{"a": aMod, "b": newBMod}
	sources := map[ppath.ModulePath][]byte{"a": aSrc, "b": newBSrc}

	analysis, err := usage.AnalyzeModule(modules, sources, "b", queryLines(span))
	if err != nil {
		t.Fatalf("AnalyzeModule: %v", err)
	}

	preModules := map[ppath.ModulePath]*pyscope.JModule{"a": aMod, "b": oldBMod}
	fragments := SelectUnchanged(span, preModules, analysis, nil)

	foundParent, foundUsage := false, false
	for _, f := range fragments {
		if f.FullName == "b.f" {
			foundParent = true
		}
		if f.FullName == "a.g" {
			foundUsage = true
		}
	}
	if !foundParent {
		t.Errorf("expected parent definition b.f among fragments, got %+v", fragments)
	}
	if !foundUsage {
		t.Errorf("expected used definition a.g among fragments, got %+v", fragments)
	}
}

func TestSelectUnchangedDedupsAgainstAlreadyListed(t *testing.T) {
	aMod, aSrc := buildModule(t, "a", "def g():\n    return 1\n")
	oldBMod, _ := buildModule(t, "b", "from a import g\n\n\ndef f():\n    return 1\n")
	newBMod, newBSrc := buildModule(t, "b", "from a import g\n\n\ndef f():\n    return g() + 1\n")

	mc := moduldiff.BuildModuleChange(change.Modified(oldBMod, newBMod))
	var span moduldiff.ChangedSpan
	for _, sp := range mc.Changed {
		span = sp
	}

	modules := map[ppath.ModulePath]*pyscope.JModule{"a": aMod, "b": newBMod}
	sources := map[ppath.ModulePath][]byte{"a": aSrc, "b": newBSrc}
	analysis, err := usage.AnalyzeModule(modules, sources, "b", queryLines(span))
	if err != nil {
		t.Fatalf("AnalyzeModule: %v", err)
	}

	preModules := map[ppath.ModulePath]*pyscope.JModule{"a": aMod, "b": oldBMod}

	gScope, ok := aMod.Scope.Subscope("g")
	if !ok {
		t.Fatal("expected a.g subscope")
	}
	already := map[FragKey]bool{
		{Module: "a", Start: gScope.Spans[0].LineRange.Start, End: gScope.Spans[0].LineRange.End}: true,
	}

	fragments := SelectUnchanged(span, preModules, analysis, already)
	for _, f := range fragments {
		if f.FullName == "a.g" {
			t.Errorf("expected a.g fragment to be excluded as already-listed, got %+v", fragments)
		}
	}
}

func TestSelectUnchangedCollectsClassAttributesAndMethods(t *testing.T) {
	aSrc := "class C:\n    x = 1\n\n    def m(self):\n        return 2\n"
	aMod, aSrcBytes := buildModule(t, "a", aSrc)

	oldBMod, _ := buildModule(t, "b", "from a import C\n\n\ndef f():\n    return 1\n")
	newBMod, newBSrc := buildModule(t, "b", "from a import C\n\n\ndef f():\n    return C\n")

	mc := moduldiff.BuildModuleChange(change.Modified(oldBMod, newBMod))
	var span moduldiff.ChangedSpan
	for _, sp := range mc.Changed {
		span = sp
	}

	modules := map[ppath.ModulePath]*pyscope.JModule{"a": aMod, "b": newBMod}
	sources := map[ppath.ModulePath][]byte{"a": aSrcBytes, "b": newBSrc}
	analysis, err := usage.AnalyzeModule(modules, sources, "b", queryLines(span))
	if err != nil {
		t.Fatalf("AnalyzeModule: %v", err)
	}

	preModules := map[ppath.ModulePath]*pyscope.JModule{"a": aMod, "b": oldBMod}
	fragments := SelectUnchanged(span, preModules, analysis, nil)

	foundAttr, foundMethod := false, false
	for _, f := range fragments {
		if f.FullName == "a.C" {
			foundAttr = true
		}
		if f.FullName == "a.C.m" {
			foundMethod = true
		}
	}
	if !foundAttr {
		t.Errorf("expected a class-attribute fragment for a.C, got %+v", fragments)
	}
	if !foundMethod {
		t.Errorf("expected a method fragment for a.C.m, got %+v", fragments)
	}
}
