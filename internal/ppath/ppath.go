// Package ppath implements the path identifiers of spec.md §3: ModulePath
// (an ordered tuple of identifier segments naming a Python module) and
// ProjectPath (a module paired with a possibly-empty dotted inner path
// into that module's nested scopes). Adapted from the teacher's
// internal/fqn qualified-name builder, narrowed from "project + rel_path +
// symbol name" to the module/inner-path pair spec.md's data model names.
package ppath

import (
	"path/filepath"
	"strings"
)

// ModulePath is the dotted package-relative name of a Python module, e.g.
// "pkg.util" for "pkg/util.py" or "pkg.util" for "pkg/util/__init__.py".
type ModulePath string

// ModuleFromRelPath derives a ModulePath from a file path relative to the
// project root, dropping the .py extension and collapsing __init__.py.
func ModuleFromRelPath(relPath string) ModulePath {
	rel := strings.TrimSuffix(filepath.ToSlash(relPath), ".py")
	parts := strings.Split(rel, "/")
	if len(parts) > 0 && parts[len(parts)-1] == "__init__" {
		parts = parts[:len(parts)-1]
	}
	return ModulePath(strings.Join(parts, "."))
}

// String returns the dotted representation.
func (m ModulePath) String() string { return string(m) }

// ProjectPath is a (module, inner) pair: inner is a dotted path into the
// module's nested scopes (empty for the module scope itself).
type ProjectPath struct {
	Module ModulePath
	Inner  string
}

// NewProjectPath builds a ProjectPath for the module scope (no inner path).
func NewProjectPath(module ModulePath) ProjectPath {
	return ProjectPath{Module: module}
}

// Append returns a new ProjectPath with name appended to the inner path.
func (p ProjectPath) Append(name string) ProjectPath {
	if p.Inner == "" {
		return ProjectPath{Module: p.Module, Inner: name}
	}
	return ProjectPath{Module: p.Module, Inner: p.Inner + "." + name}
}

// String renders "module" or "module.inner.path".
func (p ProjectPath) String() string {
	if p.Inner == "" {
		return string(p.Module)
	}
	return string(p.Module) + "." + p.Inner
}

// Equal reports whether two ProjectPaths name the same scope.
func (p ProjectPath) Equal(o ProjectPath) bool {
	return p.Module == o.Module && p.Inner == o.Inner
}

// ParseProjectPath splits a flattened "module.inner.path" string (as
// produced by ProjectPath.String) back into a ProjectPath, matching the
// longest module name in knownModules that prefixes full. Used where a
// value has been flattened to one string for equality/hashing purposes
// (e.g. a usage PyDefinition's full_name) and must be resolved back
// against a project's live module set.
func ParseProjectPath(full string, knownModules map[ModulePath]bool) (ProjectPath, bool) {
	best := ""
	for m := range knownModules {
		ms := string(m)
		if full == ms {
			if len(ms) > len(best) {
				best = ms
			}
			continue
		}
		if strings.HasPrefix(full, ms+".") && len(ms) > len(best) {
			best = ms
		}
	}
	if best == "" {
		return ProjectPath{}, false
	}
	inner := strings.TrimPrefix(strings.TrimPrefix(full, best), ".")
	return ProjectPath{Module: ModulePath(best), Inner: inner}, true
}
