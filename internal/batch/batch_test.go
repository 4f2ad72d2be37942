package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/DeusData/c3flow/internal/config"
)

func initRepoWithOneCommit(t *testing.T) (dir string, commit string) {
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
	if err := os.WriteFile(filepath.Join(dir, "m.py"), []byte("x = 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add("m.py"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sig := &object.Signature{Name: "tester", Email: "tester@example.com", When: time.Unix(0, 0)}
	hash, err := wt.Commit("init", &git.CommitOptions{Author: sig})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	return dir, hash.String()
}

func TestRunShardsIndependently(t *testing.T) {
	dirA, commitA := initRepoWithOneCommit(t)
	dirB, commitB := initRepoWithOneCommit(t)

	cfg := config.Default()
	results, err := Run(context.Background(), cfg, []Shard{
		{ProjectDir: dirA, Commits: []string{commitA}},
		{ProjectDir: dirB, Commits: []string{commitB}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 shard results, got %d", len(results))
	}
	for i, r := range results {
		if len(r) != 1 {
			t.Errorf("shard %d: expected 1 project change, got %d", i, len(r))
		}
	}
}
