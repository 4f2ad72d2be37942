// Package relevance implements the relevance selector (component G):
// given one edited ChangedSpan, it assembles its relevant_unchanged
// context — the enclosing parent definitions plus every definition used
// by the edited lines, resolved to fragments in the pre-edit snapshot.
//
// Grounded on original_source/src/coeditor/ctx_change_encoder.py's
// context-assembly ordering (innermost-parent-first, then per-line
// usages, then fragment resolution/dedup), translated directly since the
// teacher carries no ranked-context assembler of its own (its usage
// graph is a flat edge list, not a ranked selector).
package relevance

import (
	"sort"
	"strings"

	"github.com/DeusData/c3flow/internal/moduldiff"
	"github.com/DeusData/c3flow/internal/ppath"
	"github.com/DeusData/c3flow/internal/pyscope"
	"github.com/DeusData/c3flow/internal/usage"
)

// FragKey identifies a fragment's position for dedup purposes (spec.md
// §4.7: "deduplicate fragments by (module, line_range)").
type FragKey struct {
	Module     ppath.ModulePath
	Start, End int
}

// Fragment is an unchanged ChangedSpan-shaped piece of relevant context.
type Fragment struct {
	Key             FragKey
	FullName        string
	Code            string
	ElidedAncestors bool // an ellipsis marker for elided ancestor bodies
}

// SelectUnchanged builds relevant_unchanged for span (spec.md §4.7):
// parent definitions innermost-first, then every PyDefinition used by
// span's lines, resolved against preModules (the pre-edit module set)
// and deduplicated against already-listed changed-span line ranges.
func SelectUnchanged(span moduldiff.ChangedSpan, preModules map[ppath.ModulePath]*pyscope.JModule, analysis *usage.LineUsageAnalysis, alreadyListed map[FragKey]bool) []Fragment {
	seen := make(map[FragKey]bool)
	var out []Fragment

	add := func(f Fragment) {
		if seen[f.Key] || alreadyListed[f.Key] {
			return
		}
		seen[f.Key] = true
		out = append(out, f)
	}

	for _, f := range parentDefinitionFragments(span) {
		add(f)
	}

	knownModules := make(map[ppath.ModulePath]bool, len(preModules))
	for m := range preModules {
		knownModules[m] = true
	}

	lines := append(append([]int{}, linesOf(span.LineRange)...), linesOf(span.HeaderLineRange())...)
	sort.Ints(lines)
	for _, l := range lines {
		defs, ok := analysis.Mapping[l]
		if !ok {
			continue
		}
		names := make([]string, 0, len(defs))
		for d := range defs {
			names = append(names, d.FullName)
		}
		sort.Strings(names)
		for _, name := range names {
			for d := range defs {
				if d.FullName != name {
					continue
				}
				for _, f := range resolveFragments(d, preModules, knownModules) {
					add(f)
				}
			}
		}
	}

	return out
}

func linesOf(r pyscope.LineRange) []int {
	out := make([]int, 0, r.Len())
	for l := r.Start; l < r.End; l++ {
		out = append(out, l)
	}
	return out
}

// parentDefinitionFragments seeds S's enclosing class/function chain,
// innermost-first, using each ancestor's pre-edit (Earlier) scope.
func parentDefinitionFragments(span moduldiff.ChangedSpan) []Fragment {
	var out []Fragment
	for i := len(span.ParentScopes) - 1; i >= 0; i-- {
		ancestor := span.ParentScopes[i].Earlier()
		if ancestor == nil {
			ancestor = span.ParentScopes[i].Later()
		}
		if ancestor == nil || ancestor.Kind == pyscope.KindModule {
			continue
		}
		out = append(out, Fragment{
			Key: FragKey{
				Module: ancestor.Path.Module,
				Start:  ancestor.HeaderLineRange.Start,
				End:    ancestor.HeaderLineRange.End,
			},
			FullName: ancestor.Path.String(),
			Code:     headerText(ancestor),
		})
	}
	return out
}

func headerText(scope *pyscope.ScopeTree) string {
	if len(scope.Spans) == 0 {
		return ""
	}
	return scope.Spans[0].Code
}

// resolveFragments implements spec.md §4.7's per-definition-kind fragment
// rules against the pre-edit snapshot.
func resolveFragments(def usage.PyDefinition, preModules map[ppath.ModulePath]*pyscope.JModule, knownModules map[ppath.ModulePath]bool) []Fragment {
	path, ok := ppath.ParseProjectPath(def.FullName, knownModules)
	if !ok {
		return nil
	}
	mod, ok := preModules[path.Module]
	if !ok {
		return nil
	}
	scope, ok := mod.Scope.Lookup(path.Inner)
	if !ok {
		return nil
	}

	switch scope.Kind {
	case pyscope.KindFunction:
		return []Fragment{functionBodyFragment(path, scope, strings.Contains(scope.Path.Inner, "."))}
	case pyscope.KindClass:
		return classFragments(path, scope)
	default:
		// Module-scope resolution (a bare top-level statement span): not
		// produced by internal/usage today, since only def-bound names are
		// resolved (spec.md open question, DESIGN.md).
		return nil
	}
}

// functionBodyFragment emits the function's last statement span (its
// body), prefixed with an ellipsis marker if elided is true.
func functionBodyFragment(path ppath.ProjectPath, scope *pyscope.ScopeTree, elided bool) Fragment {
	if len(scope.Spans) == 0 {
		return Fragment{
			Key:             FragKey{Module: path.Module, Start: scope.HeaderLineRange.Start, End: scope.HeaderLineRange.End},
			FullName:        scope.Path.String(),
			Code:            headerText(scope),
			ElidedAncestors: elided,
		}
	}
	last := scope.Spans[len(scope.Spans)-1]
	return Fragment{
		Key:             FragKey{Module: path.Module, Start: last.LineRange.Start, End: last.LineRange.End},
		FullName:        scope.Path.String(),
		Code:            last.Code,
		ElidedAncestors: elided,
	}
}

// classFragments emits the class's attribute spans plus one fragment per
// contained function (spec.md §4.7).
func classFragments(path ppath.ProjectPath, scope *pyscope.ScopeTree) []Fragment {
	var out []Fragment
	for _, sp := range scope.Spans {
		out = append(out, Fragment{
			Key:      FragKey{Module: path.Module, Start: sp.LineRange.Start, End: sp.LineRange.End},
			FullName: scope.Path.String(),
			Code:     sp.Code,
		})
	}
	for _, sub := range scope.Subscopes() {
		if sub.Kind != pyscope.KindFunction {
			continue
		}
		out = append(out, functionBodyFragment(ppath.ProjectPath{Module: path.Module, Inner: sub.Path.Inner}, sub, false))
	}
	return out
}
