package pycache

import (
	"testing"

	"github.com/DeusData/c3flow/internal/parser"
	"github.com/DeusData/c3flow/internal/ppath"
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

func TestCacheMissThenHitRoundTrips(t *testing.T) {
	c, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer c.Close()

	src := []byte("class C:\n    x = 1\n\n    def m(self):\n        return 2\n")
	mod := buildModule(t, "a", string(src))

	if _, hit, err := c.Get("a", src); err != nil {
		t.Fatalf("Get: %v", err)
	} else if hit {
		t.Fatal("expected a miss before Put")
	}

	if err := c.Put("a", src, mod); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, hit, err := c.Get("a", src)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !hit {
		t.Fatal("expected a hit after Put")
	}
	if got.ModuleName != mod.ModuleName {
		t.Errorf("ModuleName mismatch: got %q want %q", got.ModuleName, mod.ModuleName)
	}
	if got.Scope.Path.String() != mod.Scope.Path.String() {
		t.Errorf("Scope.Path mismatch: got %q want %q", got.Scope.Path.String(), mod.Scope.Path.String())
	}

	gotC, ok := got.Scope.Subscope("C")
	if !ok {
		t.Fatal("expected reconstructed scope to retain subscope C")
	}
	if len(gotC.Spans) != len(mod.Scope.Subscopes()[0].Spans) {
		t.Errorf("expected C's spans to round-trip, got %d want %d", len(gotC.Spans), len(mod.Scope.Subscopes()[0].Spans))
	}
	if _, ok := gotC.Subscope("m"); !ok {
		t.Error("expected reconstructed scope to retain nested method m")
	}
}

func TestCacheKeyedByContentNotJustModuleName(t *testing.T) {
	c, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	defer c.Close()

	src1 := []byte("x = 1\n")
	src2 := []byte("x = 2\n")
	mod1 := buildModule(t, "m", string(src1))

	if err := c.Put("m", src1, mod1); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, hit, err := c.Get("m", src2); err != nil {
		t.Fatalf("Get: %v", err)
	} else if hit {
		t.Error("expected a miss for different source content under the same module name")
	}
}
