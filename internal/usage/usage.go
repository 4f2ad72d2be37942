// Package usage implements the usage analyzer (component F): for a
// single module and a set of query lines, it resolves each name
// occurrence on those lines to the set of definitions it refers to,
// following "from x import y"/"import x" bindings transitively within
// the project, and computes the project's module topological order.
//
// Grounded on the teacher's internal/pipeline/usages.go
// (resolveFileUsages's AST walk shape, isDefinitionName, and
// isKeywordOrBuiltin, narrowed to Python), adapted from "emit USAGE graph
// edges against a persisted symbol registry" to "resolve query-line names
// to pyscope.ScopeTree definitions directly against the live module set"
// since this system has no persisted cross-file registry. Topological
// order is grounded on other_examples' golang-tools gopls
// metadata/graph.go (ImportedBy-index DFS post-order), translated from Go
// package imports to Python module imports.
package usage

import (
	"fmt"
	"sort"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/DeusData/c3flow/internal/parser"
	"github.com/DeusData/c3flow/internal/ppath"
	"github.com/DeusData/c3flow/internal/pyscope"
)

// PyDefinition identifies one definition site (spec.md §3): equality and
// hashing are on all three fields, so it is a plain comparable struct
// usable directly as a map key.
type PyDefinition struct {
	FullName string
	StartPos int
	EndPos   int
}

// LineUsageAnalysis is the result of analyzing one module (spec.md §3):
// a mapping restricted to the request line set, plus an absorbed-error
// histogram.
type LineUsageAnalysis struct {
	Mapping     map[int]map[PyDefinition]bool
	ErrorCounts map[string]int
}

// errExternalModule marks an import whose source module is not part of
// the live project module set (a built-in or external package). spec.md
// §4.6 says these are "not followed"; they are recorded, then filtered
// by the allow-list below, since encountering one is expected and
// harmless rather than a defect.
var errExternalModule = fmt.Errorf("external module: not followed")

// allowListedErrors are canonical error strings absorbed into
// error_counts but filtered out of reports (spec.md §4.6).
var allowListedErrors = map[string]bool{
	errExternalModule.Error(): true,
}

// AnalyzeModule resolves every identifier/attribute reference on a line
// in lines to the PyDefinitions it names, within the project described
// by modules and sources (spec.md §4.6). lines holds 1-indexed line
// numbers; only references starting on one of those lines are resolved.
func AnalyzeModule(modules map[ppath.ModulePath]*pyscope.JModule, sources map[ppath.ModulePath][]byte, module ppath.ModulePath, lines map[int]bool) (*LineUsageAnalysis, error) {
	src, ok := sources[module]
	if !ok {
		return nil, fmt.Errorf("no source available for module %s", module)
	}
	mod, ok := modules[module]
	if !ok {
		return nil, fmt.Errorf("module %s not loaded", module)
	}

	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse module %s: %w", module, err)
	}
	defer tree.Close()

	a := &LineUsageAnalysis{
		Mapping:     make(map[int]map[PyDefinition]bool),
		ErrorCounts: make(map[string]int),
	}

	parser.Walk(tree.RootNode(), func(node *tree_sitter.Node) bool {
		startLine := int(node.StartPosition().Row) + 1
		switch node.Kind() {
		case "identifier":
			if !lines[startLine] {
				return true
			}
			if isDefinitionName(node) {
				return false
			}
			name := parser.NodeText(node, src)
			if name == "" || isKeywordOrBuiltin(name) {
				return false
			}
			defs, err := resolveName(modules, mod, name, make(map[ppath.ModulePath]bool))
			a.record(startLine, defs, err, lines)
			return false

		case "attribute":
			if !lines[startLine] {
				return true
			}
			objectNode := node.ChildByFieldName("object")
			attrNode := node.ChildByFieldName("attribute")
			if objectNode == nil || attrNode == nil || objectNode.Kind() != "identifier" {
				return true
			}
			objName := parser.NodeText(objectNode, src)
			attrName := parser.NodeText(attrNode, src)
			target, ok := mod.ImportSources[objName]
			if !ok {
				return true
			}
			defs, err := resolveInModule(modules, target, attrName, make(map[ppath.ModulePath]bool))
			a.record(startLine, defs, err, lines)
			return false
		}
		return true
	})

	return a, nil
}

// record adds the resolved, non-self-referencing definitions to line's
// entry, or files err into the error histogram.
func (a *LineUsageAnalysis) record(line int, defs []PyDefinition, err error, lines map[int]bool) {
	if err != nil {
		key := err.Error()
		if !allowListedErrors[key] {
			a.ErrorCounts[key]++
		}
		return
	}
	for _, d := range defs {
		if overlapsQueried(d, lines) {
			continue
		}
		if a.Mapping[line] == nil {
			a.Mapping[line] = make(map[PyDefinition]bool)
		}
		a.Mapping[line][d] = true
	}
}

// overlapsQueried reports whether d's own definition lines intersect the
// query line set — a self-reference, excluded per spec.md §4.6.
func overlapsQueried(d PyDefinition, lines map[int]bool) bool {
	for l := d.StartPos; l < d.EndPos; l++ {
		if lines[l] {
			return true
		}
	}
	return false
}

// resolveName resolves name within mod: first as one of mod's own
// top-level definitions, then (if bound by an import) by following the
// binding into its source module, transitively. visited guards against
// import cycles (first-seen-wins: a module already on the chain is
// treated as a dead end, not revisited).
func resolveName(modules map[ppath.ModulePath]*pyscope.JModule, mod *pyscope.JModule, name string, visited map[ppath.ModulePath]bool) ([]PyDefinition, error) {
	if visited[mod.ModuleName] {
		return nil, nil
	}
	visited[mod.ModuleName] = true

	if sub, ok := mod.Scope.Subscope(name); ok {
		return []PyDefinition{definitionOf(sub)}, nil
	}
	if src, ok := mod.ImportSources[name]; ok {
		return resolveInModule(modules, src, name, visited)
	}
	return nil, nil
}

// resolveInModule looks target up in the live module set and resolves
// name within it, or reports errExternalModule if target is a built-in
// or external package the replay never parsed.
func resolveInModule(modules map[ppath.ModulePath]*pyscope.JModule, target ppath.ModulePath, name string, visited map[ppath.ModulePath]bool) ([]PyDefinition, error) {
	targetMod, ok := modules[target]
	if !ok {
		return nil, errExternalModule
	}
	return resolveName(modules, targetMod, name, visited)
}

// definitionOf converts a scope into the PyDefinition naming it: its
// full dotted path and the line range spanning its header through its
// last statement span.
func definitionOf(scope *pyscope.ScopeTree) PyDefinition {
	end := scope.HeaderLineRange.End
	if spans := scope.Spans; len(spans) > 0 {
		end = spans[len(spans)-1].LineRange.End
	}
	return PyDefinition{
		FullName: scope.Path.String(),
		StartPos: scope.HeaderLineRange.Start,
		EndPos:   end,
	}
}

// isDefinitionName reports whether node is the name child of a
// function/class definition rather than a reference to one.
func isDefinitionName(node *tree_sitter.Node) bool {
	parent := node.Parent()
	if parent == nil {
		return false
	}
	nameChild := parent.ChildByFieldName("name")
	if nameChild == nil || nameChild.StartByte() != node.StartByte() || nameChild.EndByte() != node.EndByte() {
		return false
	}
	switch parent.Kind() {
	case "function_definition", "class_definition", "parameters", "lambda_parameters":
		return true
	}
	return false
}

// isKeywordOrBuiltin filters Python keywords and common builtins, which
// are noise for usage resolution.
func isKeywordOrBuiltin(name string) bool {
	switch name {
	case "if", "elif", "else", "for", "while", "return", "break", "continue",
		"try", "except", "finally", "raise", "with", "as", "pass", "del",
		"import", "from", "global", "nonlocal", "lambda", "yield", "await",
		"async", "def", "class", "is", "in", "not", "and", "or",
		"None", "True", "False", "self", "cls", "super",
		"print", "range", "enumerate", "zip", "map", "filter",
		"sorted", "reversed", "open", "input", "len", "str", "int",
		"float", "bool", "dict", "list", "tuple", "set", "frozenset",
		"isinstance", "issubclass", "getattr", "setattr", "hasattr",
		"Exception", "ValueError", "TypeError", "KeyError", "IndexError",
		"AttributeError", "RuntimeError", "StopIteration", "NotImplementedError",
		"classmethod", "staticmethod", "property", "abstractmethod":
		return true
	}
	return false
}

// TopologicalOrder computes a deterministic topological order over
// modules by their import graph (spec.md §4.6): ties are broken by
// module-name lexicographic order, and cycles by first-seen-wins (a
// module already on the current DFS chain is treated as having no
// further dependencies rather than being revisited).
func TopologicalOrder(modules map[ppath.ModulePath]*pyscope.JModule) []ppath.ModulePath {
	names := make([]ppath.ModulePath, 0, len(modules))
	for m := range modules {
		names = append(names, m)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })

	deps := make(map[ppath.ModulePath][]ppath.ModulePath, len(names))
	for _, m := range names {
		deps[m] = moduleDeps(modules, m)
	}

	var order []ppath.ModulePath
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[ppath.ModulePath]int, len(names))

	var visit func(ppath.ModulePath)
	visit = func(m ppath.ModulePath) {
		switch state[m] {
		case done, visiting:
			return
		}
		state[m] = visiting
		for _, dep := range deps[m] {
			visit(dep)
		}
		state[m] = done
		order = append(order, m)
	}
	for _, m := range names {
		visit(m)
	}
	return order
}

// moduleDeps lists the modules m's imports resolve to within the live
// module set, deduplicated and sorted lexicographically.
func moduleDeps(modules map[ppath.ModulePath]*pyscope.JModule, m ppath.ModulePath) []ppath.ModulePath {
	mod := modules[m]
	seen := make(map[ppath.ModulePath]bool)
	var out []ppath.ModulePath
	for _, name := range mod.ImportedNames {
		src, ok := mod.ImportSources[name]
		if !ok || src == m || seen[src] {
			continue
		}
		if _, ok := modules[src]; !ok {
			continue // external/built-in: not part of the import graph
		}
		seen[src] = true
		out = append(out, src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
