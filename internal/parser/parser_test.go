package parser

import (
	"testing"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
)

func TestParsePython(t *testing.T) {
	source := []byte(`def greet(name):
    return f"Hello, {name}"

class MyClass:
    def method(self):
        pass
`)
	tree, err := Parse(source)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		t.Fatal("root node is nil")
	}
	if root.Kind() != "module" {
		t.Fatalf("expected root kind 'module', got %q", root.Kind())
	}

	var funcCount, classCount int
	Walk(root, func(n *tree_sitter.Node) bool {
		switch n.Kind() {
		case "function_definition":
			funcCount++
		case "class_definition":
			classCount++
		}
		return true
	})
	if funcCount != 2 {
		t.Errorf("expected 2 function_definitions, got %d", funcCount)
	}
	if classCount != 1 {
		t.Errorf("expected 1 class_definition, got %d", classCount)
	}
}

func TestNodeText(t *testing.T) {
	source := []byte("x = 1\n")
	tree, err := Parse(source)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	defer tree.Close()
	root := tree.RootNode()
	if got := NodeText(root, source); got != "x = 1" {
		t.Fatalf("NodeText = %q", got)
	}
}
