// Package pyscope implements the scope tree builder (component C): it
// walks a parsed Python module in source order and extracts its nested
// scopes (module → class → function) and statement spans, honoring the
// hidden-nested-scope rule of spec.md §3/§4.3.
//
// The span/subscope partitioning algorithm is grounded on
// original_source/src/coeditor/code_change.py (ChangeScope.from_tree,
// StatementSpan.__post_init__), translated from parso's tree API to
// tree-sitter's; node traversal reuses the teacher's internal/parser
// (Walk, NodeText).
package pyscope

import (
	"strings"

	tree_sitter "github.com/tree-sitter/go-tree-sitter"

	"github.com/DeusData/c3flow/internal/parser"
	"github.com/DeusData/c3flow/internal/ppath"
)

// Kind distinguishes the three kinds of scope spec.md §3 names.
type Kind int

const (
	KindModule Kind = iota
	KindClass
	KindFunction
)

// LineRange is a [Start,End) line range, 1-indexed, end-exclusive.
type LineRange struct {
	Start, End int
}

// Len reports the number of lines the range covers.
func (r LineRange) Len() int { return r.End - r.Start }

// StatementSpan is a nonempty contiguous block of top-level statements
// inside one scope (spec.md §3).
type StatementSpan struct {
	Code             string
	LineRange        LineRange
	PrefixEmptyLines int
}

// ScopeTree is a module, class, or function scope (spec.md §3).
type ScopeTree struct {
	Path            ppath.ProjectPath
	Kind            Kind
	HeaderLineRange LineRange
	Spans           []StatementSpan

	subOrder []string
	subs     map[string]*ScopeTree
}

// Subscopes returns this scope's direct visible subscopes in source
// order.
func (s *ScopeTree) Subscopes() []*ScopeTree {
	out := make([]*ScopeTree, 0, len(s.subOrder))
	for _, name := range s.subOrder {
		out = append(out, s.subs[name])
	}
	return out
}

// Subscope looks up a direct subscope by its local (undotted) name.
func (s *ScopeTree) Subscope(name string) (*ScopeTree, bool) {
	sub, ok := s.subs[name]
	return sub, ok
}

func (s *ScopeTree) addSubscope(name string, sub *ScopeTree) {
	if s.subs == nil {
		s.subs = make(map[string]*ScopeTree)
	}
	s.subs[name] = sub
	s.subOrder = append(s.subOrder, name)
}

// Build walks root (a tree-sitter "module" node) and returns its scope
// tree.
func Build(module ppath.ModulePath, root *tree_sitter.Node, source []byte) *ScopeTree {
	return buildNonFunctionScope(ppath.NewProjectPath(module), KindModule, LineRange{}, root, source)
}

// Reconstruct rebuilds a ScopeTree from its exported fields plus an
// ordered list of direct subscopes (each already reconstructed), keyed by
// the local name each one's Path.Inner ends in. Used by internal/pycache
// to round-trip a scope tree through a serialized form without exposing
// subOrder/subs directly.
func Reconstruct(path ppath.ProjectPath, kind Kind, header LineRange, spans []StatementSpan, subs []*ScopeTree) *ScopeTree {
	s := &ScopeTree{Path: path, Kind: kind, HeaderLineRange: header, Spans: spans}
	for _, sub := range subs {
		s.addSubscope(localName(sub.Path.Inner), sub)
	}
	return s
}

// localName returns the last dotted segment of inner (the name a
// subscope is registered under in its parent's subs map).
func localName(inner string) string {
	if idx := strings.LastIndexByte(inner, '.'); idx >= 0 {
		return inner[idx+1:]
	}
	return inner
}

// JModule is the module snapshot of spec.md §3: a module's name, its
// scope tree, and the set of names its module-level import statements
// introduce.
type JModule struct {
	ModuleName    ppath.ModulePath
	Scope         *ScopeTree
	ImportedNames []string

	// ImportSources maps each bound import name to the module it was
	// imported from, resolved against ModuleName for relative imports.
	// Used by internal/usage to follow usages across module boundaries
	// (spec.md §4.6: "resolution follows imports transitively").
	ImportSources map[string]ppath.ModulePath
}

// BuildModule parses root into a JModule, collecting imported_names from
// the module's direct import_statement/import_from_statement children
// (spec.md §3).
func BuildModule(module ppath.ModulePath, root *tree_sitter.Node, source []byte) *JModule {
	names, sources := collectImports(module, root, source)
	return &JModule{
		ModuleName:    module,
		Scope:         Build(module, root, source),
		ImportedNames: names,
		ImportSources: sources,
	}
}

func collectImports(module ppath.ModulePath, root *tree_sitter.Node, source []byte) ([]string, map[string]ppath.ModulePath) {
	var names []string
	sources := make(map[string]ppath.ModulePath)
	for i := uint(0); i < root.ChildCount(); i++ {
		child := root.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "import_statement":
			for _, n := range importStatementNames(child, source) {
				names = append(names, n.name)
				sources[n.name] = n.source
			}
		case "import_from_statement":
			fromModule := resolveModuleRef(child.ChildByFieldName("module_name"), source, module)
			for _, n := range importFromNames(child, source) {
				names = append(names, n)
				if fromModule != "" {
					sources[n] = fromModule
				}
			}
		}
	}
	return names, sources
}

// resolveModuleRef resolves an import_from_statement's module_name field
// (a dotted_name, or a relative_import for "from .pkg import x"/"from .
// import x") to an absolute ModulePath, resolving leading dots against
// the importing module's own path.
func resolveModuleRef(node *tree_sitter.Node, source []byte, currentModule ppath.ModulePath) ppath.ModulePath {
	if node == nil {
		return ""
	}
	switch node.Kind() {
	case "dotted_name":
		return ppath.ModulePath(parser.NodeText(node, source))
	case "relative_import":
		text := parser.NodeText(node, source)
		dots := 0
		for dots < len(text) && text[dots] == '.' {
			dots++
		}
		rest := strings.TrimPrefix(text[dots:], ".")
		base := parentPackage(currentModule, dots)
		switch {
		case rest == "" && base == "":
			return ""
		case rest == "":
			return base
		case base == "":
			return ppath.ModulePath(rest)
		default:
			return ppath.ModulePath(string(base) + "." + rest)
		}
	}
	return ""
}

// parentPackage strips `dots` levels of package nesting from module: one
// dot means "the package containing module" (drop module's own last
// segment); each further dot strips one more segment.
func parentPackage(module ppath.ModulePath, dots int) ppath.ModulePath {
	if dots <= 0 {
		return module
	}
	parts := strings.Split(string(module), ".")
	if dots > len(parts) {
		dots = len(parts)
	}
	parts = parts[:len(parts)-dots]
	return ppath.ModulePath(strings.Join(parts, "."))
}

// importedName pairs a bound local name with the module it resolves to.
type importedName struct {
	name   string
	source ppath.ModulePath
}

// importStatementNames extracts bound names from "import x", "import x as
// y", "import x.y" (binds "x", mapped to the full dotted module "x.y").
func importStatementNames(node *tree_sitter.Node, source []byte) []importedName {
	var out []importedName
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil || !child.IsNamed() {
			continue
		}
		switch child.Kind() {
		case "dotted_name":
			dotted := parser.NodeText(child, source)
			out = append(out, importedName{name: firstSegment(dotted), source: ppath.ModulePath(dotted)})
		case "aliased_import":
			dottedNode := child.ChildByFieldName("name")
			alias := child.ChildByFieldName("alias")
			if dottedNode == nil || alias == nil {
				continue
			}
			dotted := parser.NodeText(dottedNode, source)
			out = append(out, importedName{name: parser.NodeText(alias, source), source: ppath.ModulePath(dotted)})
		case "identifier":
			name := parser.NodeText(child, source)
			out = append(out, importedName{name: name, source: ppath.ModulePath(name)})
		}
	}
	return out
}

// importFromNames extracts bound names from "from m import a, b as c".
func importFromNames(node *tree_sitter.Node, source []byte) []string {
	var names []string
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil || !child.IsNamed() {
			continue
		}
		switch child.Kind() {
		case "aliased_import":
			if alias := child.ChildByFieldName("alias"); alias != nil {
				names = append(names, parser.NodeText(alias, source))
			}
		case "wildcard_import":
			// "from m import *": no statically known bound names.
		case "dotted_name":
			// Skip the module_name child, which names the source module
			// in "from <name> import ..." rather than a binding; every
			// other dotted_name child is a plain imported name.
			if mod := node.ChildByFieldName("module_name"); mod != nil && mod.StartByte() == child.StartByte() {
				continue
			}
			names = append(names, parser.NodeText(child, source))
		}
	}
	return names
}

func firstSegment(dotted string) string {
	if idx := strings.IndexByte(dotted, '.'); idx >= 0 {
		return dotted[:idx]
	}
	return dotted
}

// isDefKind reports whether a node kind introduces a visible function or
// class scope, possibly wrapped in a decorated_definition.
func isDefKind(kind string) bool {
	switch kind {
	case "function_definition", "class_definition", "decorated_definition":
		return true
	}
	return false
}

// unwrapDecorated returns the inner function_definition/class_definition
// node and its kind, following through a decorated_definition wrapper if
// present.
func unwrapDecorated(node *tree_sitter.Node) (inner *tree_sitter.Node, kind string) {
	if node.Kind() == "decorated_definition" {
		def := node.ChildByFieldName("definition")
		if def != nil {
			return def, def.Kind()
		}
	}
	return node, node.Kind()
}

func defName(inner *tree_sitter.Node, source []byte) string {
	nameNode := inner.ChildByFieldName("name")
	if nameNode == nil {
		return ""
	}
	return parser.NodeText(nameNode, source)
}

// lineRangeOf converts tree-sitter's 0-indexed rows to a 1-indexed,
// end-exclusive LineRange.
func lineRangeOf(node *tree_sitter.Node) LineRange {
	start := int(node.StartPosition().Row) + 1
	end := int(node.EndPosition().Row) + 1
	if node.EndPosition().Column > 0 {
		end++
	}
	return LineRange{Start: start, End: end}
}

// bodyChildren returns the statement-bearing children of a scope node:
// the module node's own children, or a class/function's "body" block's
// children.
func bodyChildren(node *tree_sitter.Node) []*tree_sitter.Node {
	target := node
	if body := node.ChildByFieldName("body"); body != nil {
		target = body
	}
	var out []*tree_sitter.Node
	for i := uint(0); i < target.ChildCount(); i++ {
		child := target.Child(i)
		if child == nil || !child.IsNamed() {
			continue
		}
		if child.Kind() == "comment" {
			continue
		}
		out = append(out, child)
	}
	return out
}

// buildNonFunctionScope builds a module or class scope: it partitions the
// body into StatementSpans interleaved with visible subscopes.
func buildNonFunctionScope(path ppath.ProjectPath, kind Kind, header LineRange, node *tree_sitter.Node, source []byte) *ScopeTree {
	scope := &ScopeTree{Path: path, Kind: kind, HeaderLineRange: header}

	var pending []*tree_sitter.Node
	flush := func() {
		if len(pending) == 0 {
			return
		}
		scope.Spans = append(scope.Spans, buildSpan(pending, source))
		pending = nil
	}

	for _, child := range bodyChildren(node) {
		if isDefKind(child.Kind()) {
			flush()
			inner, innerKind := unwrapDecorated(child)
			name := defName(inner, source)
			if name == "" {
				continue
			}
			childPath := path.Append(name)
			childHeader := lineRangeOf(child)
			var childScope *ScopeTree
			if innerKind == "class_definition" {
				childScope = buildNonFunctionScope(childPath, KindClass, classHeaderRange(child), inner, source)
			} else {
				childScope = buildFunctionScope(childPath, childHeader, child, source)
			}
			scope.addSubscope(name, childScope)
			continue
		}
		pending = append(pending, child)
	}
	flush()
	return scope
}

// classHeaderRange narrows a class node's full range to just its
// declaration line(s) — from the first decorator (or "class" keyword) up
// to (not including) the body.
func classHeaderRange(node *tree_sitter.Node) LineRange {
	full := lineRangeOf(node)
	_, innerKind := unwrapDecorated(node)
	if innerKind != "class_definition" {
		return full
	}
	inner := node
	if node.Kind() == "decorated_definition" {
		inner = node.ChildByFieldName("definition")
	}
	if body := inner.ChildByFieldName("body"); body != nil {
		bodyStart := int(body.StartPosition().Row) + 1
		if bodyStart > full.Start {
			return LineRange{Start: full.Start, End: bodyStart}
		}
	}
	return full
}

// buildFunctionScope builds a function scope: spec.md §4.3 treats the
// entire decorated function as a single statement span and does not
// recurse — any functions/classes nested inside it are hidden and remain
// part of that one span's text.
func buildFunctionScope(path ppath.ProjectPath, header LineRange, node *tree_sitter.Node, source []byte) *ScopeTree {
	scope := &ScopeTree{Path: path, Kind: KindFunction, HeaderLineRange: header}
	scope.Spans = []StatementSpan{buildSpan([]*tree_sitter.Node{node}, source)}
	return scope
}

// buildSpan joins the source text of a run of consecutive statement
// nodes into one StatementSpan, stripping leading blank lines from the
// code while recording how many were stripped so exact line positions
// can be restored (spec.md §3 StatementSpan.prefix_empty_lines).
func buildSpan(nodes []*tree_sitter.Node, source []byte) StatementSpan {
	startByte := nodes[0].StartByte()
	endByte := nodes[len(nodes)-1].EndByte()
	raw := string(source[startByte:endByte])

	startLine := int(nodes[0].StartPosition().Row) + 1
	endLine := int(nodes[len(nodes)-1].EndPosition().Row) + 1
	if nodes[len(nodes)-1].EndPosition().Column > 0 {
		endLine++
	}

	nLinesBefore := strings.Count(raw, "\n") + 1
	trimmed := strings.TrimLeft(raw, "\n")
	nLinesAfter := strings.Count(trimmed, "\n") + 1
	prefixEmpty := nLinesBefore - nLinesAfter
	startLine += prefixEmpty

	return StatementSpan{
		Code:             trimmed,
		LineRange:        LineRange{Start: startLine, End: endLine},
		PrefixEmptyLines: prefixEmpty,
	}
}

// IsFuncBody reports whether this scope is a function scope (used by
// ChangedSpan.IsFuncBody in internal/moduldiff).
func (s *ScopeTree) IsFuncBody() bool { return s.Kind == KindFunction }

// Name returns this scope's local (undotted, final-segment) name, or ""
// for the module scope.
func (s *ScopeTree) Name() string {
	if s.Path.Inner == "" {
		return ""
	}
	idx := strings.LastIndexByte(s.Path.Inner, '.')
	if idx < 0 {
		return s.Path.Inner
	}
	return s.Path.Inner[idx+1:]
}

// Lookup resolves a dotted inner path against s's subscopes, one segment
// at a time. An empty inner resolves to s itself. Used to walk back from
// a flattened ppath.ProjectPath.Inner to the ScopeTree it names.
func (s *ScopeTree) Lookup(inner string) (*ScopeTree, bool) {
	if inner == "" {
		return s, true
	}
	cur := s
	for _, seg := range strings.Split(inner, ".") {
		next, ok := cur.Subscope(seg)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// SpansCode concatenates the code of every top-level statement span in
// source order, skipping subscope bodies (they are "hidden" from the
// parent's own diffable text, spec.md §4.4 step 1a).
func (s *ScopeTree) SpansCode() string {
	var b strings.Builder
	for i, sp := range s.Spans {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(sp.Code)
	}
	return b.String()
}
