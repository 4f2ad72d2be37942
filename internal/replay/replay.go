// Package replay implements the project replay driver (component E): it
// walks a commit list back-to-front inside a throwaway copy of the
// target repository, maintaining the live set of parsed modules and
// emitting a ProjectChange per commit.
//
// Git interaction is grounded on other_examples/hercules's tree_diff.go
// (TreeDiff.Consume's 0/1-parent object.DiffTree cases), generalized from
// go-git v4 to v5 and from "register as a pipeline item" to a direct
// driver method; the throwaway-workspace-then-checkout protocol mirrors
// original_source/src/coeditor/code_change.py's
// edits_from_commit_history (its "cp -r .git" pattern, reimplemented
// with a full working-tree copy since go-git needs one to check out
// into). ChangedFile status bookkeeping follows the shape of the
// teacher's internal/pipeline/gitdiff.go, generalized from shelling out
// to driving go-git directly.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/DeusData/c3flow/internal/change"
	"github.com/DeusData/c3flow/internal/config"
	"github.com/DeusData/c3flow/internal/discover"
	"github.com/DeusData/c3flow/internal/moduldiff"
	"github.com/DeusData/c3flow/internal/parser"
	"github.com/DeusData/c3flow/internal/ppath"
	"github.com/DeusData/c3flow/internal/pycache"
	"github.com/DeusData/c3flow/internal/pyscope"
)

// FatalError marks an error kind 1 of spec.md §7: a fatal configuration
// error that aborts the replay immediately rather than being absorbed
// per-commit.
type FatalError struct{ Err error }

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func fatal(err error) error { return &FatalError{Err: err} }

// IsFatal reports whether err is (or wraps) a FatalError.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

// CommitInfo carries the commit metadata spec.md's original_source
// retains on each replayed change (SPEC_FULL.md supplement 1).
type CommitInfo struct {
	Hash    string
	Author  string
	Message string
	When    time.Time
}

// ProjectChange is the per-commit output of the replay driver (spec.md
// §3): the module-level changes for this step, plus commit metadata and
// the pre/post-commit module snapshots the problem generator (H) and
// relevance selector (G) need — PreModules to resolve unchanged fragments
// against the pre-edit snapshot, PostModules/PostSources to resolve
// usages and topological order against the current code (SPEC_FULL.md
// supplement: the pipeline-first API collapses these three components
// into one per-commit step).
type ProjectChange struct {
	Changed     map[ppath.ModulePath]moduldiff.ModuleChange
	CommitInfo  CommitInfo
	PreModules  map[ppath.ModulePath]*pyscope.JModule
	PostModules map[ppath.ModulePath]*pyscope.JModule
	PostSources map[ppath.ModulePath][]byte
}

// Driver owns one replay's throwaway workspace, live module set, and
// per-driver caches (spec.md §5: no state is shared across shards).
type Driver struct {
	cfg          *config.Config
	workspaceDir string
	repo         *git.Repository
	worktree     *git.Worktree

	modules map[ppath.ModulePath]*pyscope.JModule
	files   map[ppath.ModulePath]string // module -> repo-relative file path
	sources map[ppath.ModulePath][]byte // module -> current source text

	// cache memoizes parses by (module, source-content) across commits
	// and across overlapping shard ranges; it is a content-addressed,
	// referentially-transparent store, not shared pipeline state, so it
	// does not violate spec.md §5's "no state is shared across shards"
	// (see DESIGN.md).
	cache *pycache.Cache
}

// New creates a throwaway copy of projectDir (including its .git) and
// opens it with go-git. The caller must call Close to remove the
// workspace in every exit path (spec.md §5).
func New(cfg *config.Config, projectDir string) (*Driver, error) {
	workspaceDir, err := os.MkdirTemp("", "c3flow-replay-"+uuid.NewString())
	if err != nil {
		return nil, fatal(fmt.Errorf("create throwaway workspace: %w", err))
	}

	if err := copyTree(projectDir, workspaceDir); err != nil {
		os.RemoveAll(workspaceDir)
		return nil, fatal(fmt.Errorf("copy project into throwaway workspace: %w", err))
	}

	repo, err := git.PlainOpen(workspaceDir)
	if err != nil {
		os.RemoveAll(workspaceDir)
		return nil, fatal(fmt.Errorf("open throwaway workspace as a git repository: %w", err))
	}
	worktree, err := repo.Worktree()
	if err != nil {
		os.RemoveAll(workspaceDir)
		return nil, fatal(fmt.Errorf("obtain worktree: %w", err))
	}

	cache, err := pycache.Open()
	if err != nil {
		slog.Warn("replay: parse cache unavailable, parsing uncached", "error", err)
		cache = nil
	}

	return &Driver{
		cfg:          cfg,
		cache:        cache,
		workspaceDir: workspaceDir,
		repo:         repo,
		worktree:     worktree,
		modules:      make(map[ppath.ModulePath]*pyscope.JModule),
		files:        make(map[ppath.ModulePath]string),
		sources:      make(map[ppath.ModulePath][]byte),
	}, nil
}

// Close removes the throwaway workspace and the parse cache connection.
// Safe to call multiple times.
func (d *Driver) Close() error {
	if d.cache != nil {
		d.cache.Close()
		d.cache = nil
	}
	if d.workspaceDir == "" {
		return nil
	}
	err := os.RemoveAll(d.workspaceDir)
	d.workspaceDir = ""
	return err
}

// Modules returns the full live module set (SPEC_FULL.md supplement 2).
// Only Replay fills it: it holds the modules as of the last replayed
// commit and is empty before any commit has been replayed.
func (d *Driver) Modules() map[ppath.ModulePath]*pyscope.JModule {
	return d.modules
}

// Sources returns the current source text of every live module, keyed the
// same way as Modules. Used by the usage analyzer (F) and relevance
// selector (G), which both need to re-walk a module's AST rather than
// just its already-extracted scope tree.
func (d *Driver) Sources() map[ppath.ModulePath][]byte {
	return d.sources
}

// Replay walks commits (newest-first, as the caller supplies them) back
// to front, emitting one ProjectChange per commit that did not time out
// or fail to check out. Cancellation is cooperative: checked between
// commits, never mid-commit (spec.md §5).
func (d *Driver) Replay(ctx context.Context, commits []string) ([]ProjectChange, error) {
	var out []ProjectChange
	for i := len(commits) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		sha := commits[i]
		commitCtx, cancel := context.WithTimeout(ctx, d.cfg.TimeLimitPerCommit)
		pc, err := d.replayCommit(commitCtx, sha)
		cancel()

		if err != nil {
			if IsFatal(err) {
				return out, err
			}
			slog.Warn("skipping commit", "commit", sha, "error", err)
			continue
		}
		out = append(out, pc)
	}
	return out, nil
}

// replayCommit implements spec.md §4.5's per-step protocol.
func (d *Driver) replayCommit(ctx context.Context, sha string) (ProjectChange, error) {
	hash := plumbing.NewHash(sha)
	commit, err := d.repo.CommitObject(hash)
	if err != nil {
		return ProjectChange{}, fmt.Errorf("load commit %s: %w", sha, err)
	}

	if err := d.worktree.Checkout(&git.CheckoutOptions{Hash: hash, Force: true}); err != nil {
		return ProjectChange{}, fmt.Errorf("checkout %s: %w", sha, err)
	}

	preModules := copyModules(d.modules)

	diffChanges, err := treeChanges(d.repo, commit)
	if err != nil {
		return ProjectChange{}, fmt.Errorf("diff commit %s: %w", sha, err)
	}

	changed := make(map[ppath.ModulePath]moduldiff.ModuleChange)
	var errs error
	filesSeen := 0

	for _, c := range diffChanges {
		if err := ctx.Err(); err != nil {
			return ProjectChange{}, err
		}
		if d.cfg.MaxFilesPerCommit > 0 && filesSeen >= d.cfg.MaxFilesPerCommit {
			slog.Warn("dropping remaining file changes past max_files_per_commit", "commit", sha, "cap", d.cfg.MaxFilesPerCommit)
			break
		}

		action, err := c.Action()
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("determine change action: %w", err))
			continue
		}

		oldPath, newPath := changePaths(c)
		relevantPath := newPath
		if relevantPath == "" {
			relevantPath = oldPath
		}
		if !discover.IsPythonFile(relevantPath) || underIgnoredDir(relevantPath, d.cfg.IgnoreDirSet()) {
			continue
		}
		filesSeen++

		mc, err := d.applyFileChange(action, oldPath, newPath)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", relevantPath, err))
			continue
		}
		if mc == nil {
			continue
		}
		changed[mc.ModuleChange.Later().ModuleName] = *mc
	}

	return ProjectChange{
		Changed: changed,
		CommitInfo: CommitInfo{
			Hash:    commit.Hash.String(),
			Author:  commit.Author.Name,
			Message: commit.Message,
			When:    commit.Author.When,
		},
		PreModules:  preModules,
		PostModules: copyModules(d.modules),
		PostSources: copySources(d.sources),
	}, errs
}

// copyModules shallow-copies the live module map: a changed module's
// *JModule is replaced wholesale in the map rather than mutated in place,
// so a shallow copy taken at time T stays valid even as the driver
// continues mutating its own map for later commits.
func copyModules(modules map[ppath.ModulePath]*pyscope.JModule) map[ppath.ModulePath]*pyscope.JModule {
	out := make(map[ppath.ModulePath]*pyscope.JModule, len(modules))
	for k, v := range modules {
		out[k] = v
	}
	return out
}

func copySources(sources map[ppath.ModulePath][]byte) map[ppath.ModulePath][]byte {
	out := make(map[ppath.ModulePath][]byte, len(sources))
	for k, v := range sources {
		out[k] = v
	}
	return out
}

// applyFileChange reparses an added/modified file or removes a deleted
// one from the live module set, returning the resulting ModuleChange (or
// nil if the file decoded to nothing diffable, e.g. an unreadable blob —
// spec.md §7 kind 4, absorbed as "file absent for this commit").
func (d *Driver) applyFileChange(action merkletrie.Action, oldPath, newPath string) (*moduldiff.ModuleChange, error) {
	switch action {
	case merkletrie.Delete:
		module := ppath.ModuleFromRelPath(oldPath)
		old, had := d.modules[module]
		delete(d.modules, module)
		delete(d.files, module)
		delete(d.sources, module)
		if !had {
			return nil, nil
		}
		mc := moduldiff.BuildModuleChange(change.Deleted(old))
		return &mc, nil

	default: // insert or modify
		module := ppath.ModuleFromRelPath(newPath)
		source, err := os.ReadFile(d.workspaceDir + "/" + newPath)
		if err != nil {
			slog.Warn("treating file as absent for this commit: decode failure", "path", newPath, "error", err)
			return nil, nil
		}
		newer, err := d.buildModule(module, source)
		if err != nil {
			slog.Warn("treating file as absent for this commit: parse failure", "path", newPath, "error", err)
			return nil, nil
		}
		old, had := d.modules[module]
		d.modules[module] = newer
		d.files[module] = newPath
		d.sources[module] = source

		var mc moduldiff.ModuleChange
		if had {
			mc = moduldiff.BuildModuleChange(change.Modified(old, newer))
		} else {
			mc = moduldiff.BuildModuleChange(change.Added(newer))
		}
		return &mc, nil
	}
}

// buildModule parses source into a JModule, consulting the driver's
// content-addressed parse cache first when one is available.
func (d *Driver) buildModule(module ppath.ModulePath, source []byte) (*pyscope.JModule, error) {
	if d.cache != nil {
		if mod, hit, err := d.cache.Get(module, source); err == nil && hit {
			return mod, nil
		}
	}

	tree, err := parser.Parse(source)
	if err != nil {
		return nil, err
	}
	defer tree.Close()
	mod := pyscope.BuildModule(module, tree.RootNode(), source)

	if d.cache != nil {
		if err := d.cache.Put(module, source, mod); err != nil {
			slog.Warn("replay: failed to persist parse cache entry", "module", module, "error", err)
		}
	}
	return mod, nil
}

// treeChanges computes the file-level changes for a commit against its
// first parent (or, for a root commit, against an empty tree), mirroring
// hercules's TreeDiff.Consume. A merge commit's second and later parents
// are not separately diffed: spec.md names only A/D/M/R (single-parent
// semantics), so replay treats a merge like an ordinary commit against
// its first parent.
func treeChanges(repo *git.Repository, commit *object.Commit) (object.Changes, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	if commit.NumParents() == 0 {
		return rootInsertions(tree)
	}

	parent, err := commit.Parent(0)
	if err != nil {
		return nil, err
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, err
	}
	return object.DiffTree(parentTree, tree)
}

func rootInsertions(tree *object.Tree) (object.Changes, error) {
	var changes object.Changes
	iter := tree.Files()
	defer iter.Close()
	for {
		file, err := iter.Next()
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
		changes = append(changes, &object.Change{
			To: object.ChangeEntry{
				Name: file.Name,
				Tree: tree,
				TreeEntry: object.TreeEntry{
					Name: file.Name,
					Mode: file.Mode,
					Hash: file.Hash,
				},
			},
		})
	}
	return changes, nil
}

func changePaths(c *object.Change) (oldPath, newPath string) {
	if c.From.Name != "" {
		oldPath = c.From.Name
	}
	if c.To.Name != "" {
		newPath = c.To.Name
	}
	return oldPath, newPath
}

// underIgnoredDir reports whether any path segment of relPath names a
// configured ignore_dirs entry.
func underIgnoredDir(relPath string, ignoreDirs map[string]bool) bool {
	start := 0
	for i := 0; i <= len(relPath); i++ {
		if i == len(relPath) || relPath[i] == '/' {
			if ignoreDirs[relPath[start:i]] {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// copyTree recursively copies src into dst, preserving the directory
// structure (including .git) so go-git can check commits out into a real
// working tree without touching the caller's original repository.
func copyTree(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := src + "/" + entry.Name()
		dstPath := dst + "/" + entry.Name()
		if entry.IsDir() {
			if err := copyTree(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(srcPath)
		if err != nil {
			return err
		}
		if err := os.WriteFile(dstPath, data, info.Mode().Perm()); err != nil {
			return err
		}
	}
	return nil
}
