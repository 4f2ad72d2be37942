// Package parser wraps tree-sitter parsing of the one source language
// this system analyzes (Python). Adapted from the teacher's multi-language
// internal/parser, narrowed to a single pooled parser since spec.md fixes
// the analyzed language to one indentation-sensitive, scope-based
// grammar — the per-extension language registry the teacher carried for
// dozens of grammars has no remaining reason to exist (DESIGN.md).
package parser

import (
	"fmt"
	"sync"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"
	tree_sitter_python "github.com/tree-sitter/tree-sitter-python/bindings/go"
)

var (
	languageOnce sync.Once
	pyLanguage   *tree_sitter.Language
	parserPool   *sync.Pool
)

func initLanguage() {
	languageOnce.Do(func() {
		pyLanguage = tree_sitter.NewLanguage(tree_sitter_python.Language())
		parserPool = &sync.Pool{
			New: func() any {
				p := tree_sitter.NewParser()
				if err := p.SetLanguage(pyLanguage); err != nil {
					panic(fmt.Sprintf("set language: %v", err))
				}
				return p
			},
		}
	})
}

// Language returns the tree-sitter Language for Python.
func Language() *tree_sitter.Language {
	initLanguage()
	return pyLanguage
}

// Parse parses Python source into a tree-sitter AST Tree. The caller must
// call tree.Close() when done. Parsers are pooled via sync.Pool to avoid
// per-file allocation, matching the teacher's pooling strategy.
func Parse(source []byte) (*tree_sitter.Tree, error) {
	initLanguage()

	p, _ := parserPool.Get().(*tree_sitter.Parser)
	if p == nil {
		return nil, fmt.Errorf("failed to acquire parser from pool")
	}
	tree := p.Parse(source, nil)
	parserPool.Put(p)

	if tree == nil {
		return nil, fmt.Errorf("parse failed")
	}
	return tree, nil
}

// WalkFunc is called for each node during AST traversal. Return false to
// skip the node's children.
type WalkFunc func(node *tree_sitter.Node) bool

// Walk traverses the AST in depth-first order.
func Walk(node *tree_sitter.Node, fn WalkFunc) {
	if node == nil {
		return
	}
	if !fn(node) {
		return
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		if child := node.Child(i); child != nil {
			Walk(child, fn)
		}
	}
}

// NodeText returns the text content of a node.
func NodeText(node *tree_sitter.Node, source []byte) string {
	return string(source[node.StartByte():node.EndByte()])
}
