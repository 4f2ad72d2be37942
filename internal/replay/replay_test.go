package replay

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/DeusData/c3flow/internal/config"
	"github.com/DeusData/c3flow/internal/ppath"
)

// initTestRepo creates a tiny two-commit git repository: commit 1 adds
// m.py with a one-line function body, commit 2 changes that body.
// Returns the repo directory and the two commit hashes, oldest first.
func initTestRepo(t *testing.T) (dir string, commits []string) {
	t.Helper()
	dir = t.TempDir()

	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("PlainInit: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("Worktree: %v", err)
	}

	sig := &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(0, 0)}

	writeAndCommit := func(body, message string) string {
		path := filepath.Join(dir, "m.py")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatalf("write m.py: %v", err)
		}
		if _, err := wt.Add("m.py"); err != nil {
			t.Fatalf("Add: %v", err)
		}
		hash, err := wt.Commit(message, &git.CommitOptions{Author: sig})
		if err != nil {
			t.Fatalf("Commit: %v", err)
		}
		return hash.String()
	}

	c1 := writeAndCommit("def f():\n    return 1\n", "add f")
	c2 := writeAndCommit("def f():\n    return 2\n", "change f body")

	return dir, []string{c1, c2}
}

func TestReplayTwoCommitsOldestFirst(t *testing.T) {
	dir, commits := initTestRepo(t)
	newestFirst := []string{commits[1], commits[0]}

	cfg := config.Default()
	driver, err := New(cfg, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer driver.Close()

	changes, err := driver.Replay(context.Background(), newestFirst)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("expected 2 project changes, got %d", len(changes))
	}

	module := ppath.ModuleFromRelPath("m.py")

	firstMC, ok := changes[0].Changed[module]
	if !ok {
		t.Fatalf("expected module %v in first commit's changes", module)
	}
	if !firstMC.ModuleChange.IsAdded() {
		t.Errorf("expected first commit to add the module, got kind %v", firstMC.ModuleChange.Kind())
	}

	secondMC, ok := changes[1].Changed[module]
	if !ok {
		t.Fatalf("expected module %v in second commit's changes", module)
	}
	if !secondMC.ModuleChange.IsModified() {
		t.Errorf("expected second commit to modify the module, got kind %v", secondMC.ModuleChange.Kind())
	}
	if len(secondMC.Changed) != 1 {
		t.Fatalf("expected exactly one changed span in the second commit, got %d", len(secondMC.Changed))
	}
}

func TestReplayCleansUpWorkspace(t *testing.T) {
	dir, commits := initTestRepo(t)
	cfg := config.Default()
	driver, err := New(cfg, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	workspace := driver.workspaceDir

	if _, err := driver.Replay(context.Background(), commits); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if err := driver.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(workspace); !os.IsNotExist(err) {
		t.Fatalf("expected throwaway workspace to be removed, stat err = %v", err)
	}
}

func TestReplayRespectsContextCancellationBetweenCommits(t *testing.T) {
	dir, commits := initTestRepo(t)
	newestFirst := []string{commits[1], commits[0]}

	cfg := config.Default()
	driver, err := New(cfg, dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer driver.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	changes, err := driver.Replay(ctx, newestFirst)
	if err == nil {
		t.Fatal("expected an error from a pre-cancelled context")
	}
	if len(changes) != 0 {
		t.Fatalf("expected no changes once cancelled, got %d", len(changes))
	}
}
