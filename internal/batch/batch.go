// Package batch implements the parallelism spec.md §5 places outside the
// core: sharding repositories and commit ranges across independent
// replay drivers, each with its own throwaway workspace and caches, and
// concatenating their independently produced results. No state is
// shared across shards.
package batch

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/DeusData/c3flow/internal/config"
	"github.com/DeusData/c3flow/internal/replay"
)

// Shard is one independent unit of replay work: a project directory and
// the commit range (newest-first) to replay within it.
type Shard struct {
	ProjectDir string
	Commits    []string
}

// Run replays every shard concurrently, each in its own Driver and
// throwaway workspace, and returns the concatenation of their
// ProjectChange streams. A shard's error does not cancel the others
// unless it is a replay.FatalError, per errgroup's first-error-cancels
// behavior.
func Run(ctx context.Context, cfg *config.Config, shards []Shard) ([][]replay.ProjectChange, error) {
	results := make([][]replay.ProjectChange, len(shards))

	g, gctx := errgroup.WithContext(ctx)
	for i, shard := range shards {
		i, shard := i, shard
		g.Go(func() error {
			driver, err := replay.New(cfg, shard.ProjectDir)
			if err != nil {
				return err
			}
			defer driver.Close()

			changes, err := driver.Replay(gctx, shard.Commits)
			results[i] = changes
			if err != nil && replay.IsFatal(err) {
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
