// Command c3flow is the pipeline driver: given a project directory, it
// replays recent commit history, generates C3Problems, packs them into
// TkC3Problem token records, and writes one JSON record per line.
//
// The cobra/viper flag-to-config wiring follows spetr-mcp-codewizard's
// internal/config layering convention (flags override a config file
// override defaults); JSON-line output follows the teacher's own
// encoding/json-based CLI output in cmd/codebase-memory-mcp/main.go.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/DeusData/c3flow/internal/config"
	"github.com/DeusData/c3flow/internal/problem"
	"github.com/DeusData/c3flow/internal/replay"
	"github.com/DeusData/c3flow/internal/token"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configFile string
	var maxCommits int

	root := &cobra.Command{
		Use:     "c3flow <project-dir>",
		Short:   "Replay a Python project's commit history into packed edit-prediction records",
		Version: version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectDir := args[0]
			cfg, err := config.Load(v, configFile, projectDir)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return run(cmd.Context(), cfg, projectDir, maxCommits)
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "explicit config file (yaml/json/toml)")
	root.PersistentFlags().IntVar(&maxCommits, "max-commits", 200, "maximum number of recent commits to replay")
	config.BindFlags(root, v)

	return root
}

func run(ctx context.Context, cfg *config.Config, projectDir string, maxCommits int) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	commits, err := recentCommits(projectDir, maxCommits)
	if err != nil {
		return fmt.Errorf("list commits: %w", err)
	}

	driver, err := replay.New(cfg, projectDir)
	if err != nil {
		return fmt.Errorf("start replay driver: %w", err)
	}
	defer driver.Close()

	changes, err := driver.Replay(ctx, commits)
	if err != nil && !replay.IsFatal(err) {
		fmt.Fprintf(os.Stderr, "warning: replay ended early: %v\n", err)
	} else if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	caps := capsFromConfig(cfg)
	caches := token.NewCaches()
	enc := json.NewEncoder(os.Stdout)

	for _, pc := range changes {
		src := problem.SrcInfo{
			CommitHash: pc.CommitInfo.Hash,
			Author:     pc.CommitInfo.Author,
			Message:    pc.CommitInfo.Message,
		}
		problems := problem.Generate(pc.Changed, pc.PostModules, pc.PreModules, pc.PostSources, cfg.TrainingMode, src)
		for _, p := range problems {
			if !cfg.SkipUnchangedProblems || len(p.RelevantChanges) > 0 || len(p.RelevantUnchanged) > 0 {
				for _, rec := range token.Pack(p, caps, caches) {
					if err := enc.Encode(tkRecordJSON(rec)); err != nil {
						return fmt.Errorf("encode record: %w", err)
					}
				}
			}
		}
	}
	return nil
}

// recentCommits returns up to maxCommits commit hashes reachable from
// HEAD, newest-first — the order replay.Driver.Replay expects.
func recentCommits(projectDir string, maxCommits int) ([]string, error) {
	repo, err := git.PlainOpen(projectDir)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, err
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var hashes []string
	err = iter.ForEach(func(c *object.Commit) error {
		if maxCommits > 0 && len(hashes) >= maxCommits {
			return storer.ErrStop
		}
		hashes = append(hashes, c.Hash.String())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return hashes, nil
}

func capsFromConfig(cfg *config.Config) token.Caps {
	return token.Caps{
		MaxRefTks:        cfg.MaxRefTks,
		MaxQueryTks:      cfg.MaxQueryTks,
		MaxOutputTks:     cfg.MaxOutputTks,
		MaxScopeTks:      cfg.MaxScopeTks,
		MaxLinesToEdit:   cfg.MaxLinesToEdit,
		RefChunkOverlap:  cfg.RefChunkOverlap,
		MaxTotalRefTks:   cfg.MaxTotalRefTks,
		MaxChunksPerElem: cfg.MaxChunksPerElem,
	}
}

// tkRecordJSON flattens a token.TkC3Problem into a plain map for JSON
// output with snake_case keys, since the struct's fields carry no json
// tags of their own.
func tkRecordJSON(rec token.TkC3Problem) map[string]any {
	refs := make([]map[string]any, len(rec.NamedReferences))
	for i, r := range rec.NamedReferences {
		refs[i] = map[string]any{"name": r.Name, "tokens": r.Tokens}
	}
	return map[string]any{
		"input_tks":        rec.InputTks,
		"output_tks":       rec.OutputTks,
		"path":             rec.Path.String(),
		"change_type":      string(rune(rec.ChangeType)),
		"named_references": refs,
		"src_info": map[string]any{
			"commit_hash": rec.SrcInfo.CommitHash,
			"author":      rec.SrcInfo.Author,
			"message":     rec.SrcInfo.Message,
		},
	}
}
