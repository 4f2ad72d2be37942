// Package discover implements Python file discovery over a project
// directory: which files are source material for the pipeline and which
// directories are skipped. Adapted from the teacher's
// internal/discover/discover.go, narrowed from a multi-language extension
// table to the single fixed source language spec.md §1 names, and from a
// hardcoded ignore-pattern table to the configurable ignore_dirs set of
// spec.md §6.
package discover

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"
)

// DefaultIgnoreDirs is spec.md §6's default ignore_dirs set plus the
// Python cache directories __pycache__ and .pytest_cache.
var DefaultIgnoreDirs = map[string]bool{
	".venv":        true,
	".mypy_cache":  true,
	".git":         true,
	"venv":         true,
	"build":        true,
	"__pycache__":  true,
	".pytest_cache": true,
}

// FileInfo is one discovered Python source file.
type FileInfo struct {
	Path    string // absolute path
	RelPath string // relative to repo root, slash-separated
}

// Options configures discovery.
type Options struct {
	// IgnoreDirs overrides DefaultIgnoreDirs when non-nil.
	IgnoreDirs map[string]bool
	// IgnoreFile is an optional path to a gitignore-style pattern file
	// (defaults to "<repoPath>/.c3flowignore" when empty).
	IgnoreFile string
}

func (o *Options) ignoreDirs() map[string]bool {
	if o != nil && o.IgnoreDirs != nil {
		return o.IgnoreDirs
	}
	return DefaultIgnoreDirs
}

// ShouldSkipDir reports whether directory name (with rel path rel) should
// be pruned from the walk.
func ShouldSkipDir(name, rel string, ignoreDirs map[string]bool, extraPatterns []string) bool {
	if ignoreDirs[name] {
		return true
	}
	for _, pattern := range extraPatterns {
		if matched, _ := filepath.Match(pattern, name); matched {
			return true
		}
		if matched, _ := filepath.Match(pattern, rel); matched {
			return true
		}
	}
	return false
}

// IsPythonFile reports whether path names a Python source file.
func IsPythonFile(path string) bool {
	return strings.HasSuffix(path, ".py")
}

// Discover walks repoPath and returns every Python source file not pruned
// by the ignore_dirs set or an optional ignore file.
func Discover(ctx context.Context, repoPath string, opts *Options) ([]FileInfo, error) {
	repoPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ignoreDirs := opts.ignoreDirs()
	var extraPatterns []string
	ignoreFile := ""
	if opts != nil {
		ignoreFile = opts.IgnoreFile
	}
	if ignoreFile == "" {
		ignoreFile = filepath.Join(repoPath, ".c3flowignore")
	}
	extraPatterns, _ = loadIgnoreFile(ignoreFile)

	var files []FileInfo
	err = filepath.Walk(repoPath, func(path string, info os.FileInfo, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if walkErr != nil {
			return filepath.SkipDir
		}

		rel, _ := filepath.Rel(repoPath, path)
		if info.IsDir() {
			if ShouldSkipDir(info.Name(), rel, ignoreDirs, extraPatterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsPythonFile(path) {
			return nil
		}
		files = append(files, FileInfo{Path: path, RelPath: filepath.ToSlash(rel)})
		return nil
	})
	return files, err
}

func loadIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" && !strings.HasPrefix(line, "#") {
			patterns = append(patterns, line)
		}
	}
	return patterns, scanner.Err()
}
