// Package config loads the pipeline's option set (spec.md §6): token
// budget caps, ignore_dirs, and per-commit fault-tolerance limits.
// Defaults and the viper/cobra-flag binding style are grounded on
// spetr-mcp-codewizard's internal/config/config.go; the repo-local
// override file is grounded on emergent-company-specmcp's TOML loader,
// adapted from an app-wide config file to a project-local
// ".c3flow.toml" that overrides the caller-supplied defaults.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config is the option set spec.md §6 names.
type Config struct {
	MaxRefTks             int           `mapstructure:"max_ref_tks" toml:"max_ref_tks"`
	MaxQueryTks           int           `mapstructure:"max_query_tks" toml:"max_query_tks"`
	MaxOutputTks          int           `mapstructure:"max_output_tks" toml:"max_output_tks"`
	MaxScopeTks           int           `mapstructure:"max_scope_tks" toml:"max_scope_tks"`
	MaxLinesToEdit        int           `mapstructure:"max_lines_to_edit" toml:"max_lines_to_edit"`
	RefChunkOverlap       int           `mapstructure:"ref_chunk_overlap" toml:"ref_chunk_overlap"`
	MaxTotalRefTks        int           `mapstructure:"max_total_ref_tks" toml:"max_total_ref_tks"`
	MaxChunksPerElem      int           `mapstructure:"max_chunks_per_elem" toml:"max_chunks_per_elem"`
	SkipUnchangedProblems bool          `mapstructure:"skip_unchanged_problems" toml:"skip_unchanged_problems"`
	IgnoreDirs            []string      `mapstructure:"ignore_dirs" toml:"ignore_dirs"`
	TimeLimitPerCommit    time.Duration `mapstructure:"time_limit_per_commit" toml:"time_limit_per_commit"`

	// TrainingMode gates the problem generator's training-vs-eval behavior
	// (spec.md §4.8); not itself one of §6's listed options but threaded
	// through the same config object for convenience.
	TrainingMode bool `mapstructure:"training_mode" toml:"training_mode"`

	// MaxFilesPerCommit is a supplemented soft cap (SPEC_FULL.md §3) on how
	// many changed files a single commit replays before the remainder are
	// logged and dropped, bounding worst-case per-commit work independent
	// of TimeLimitPerCommit. Zero means unlimited.
	MaxFilesPerCommit int `mapstructure:"max_files_per_commit" toml:"max_files_per_commit"`
}

// Default returns spec.md §6's documented defaults.
func Default() *Config {
	return &Config{
		MaxRefTks:             512,
		MaxQueryTks:           512,
		MaxOutputTks:          256,
		MaxScopeTks:           128,
		MaxLinesToEdit:        20,
		RefChunkOverlap:       32,
		MaxTotalRefTks:        32768,
		MaxChunksPerElem:      4,
		SkipUnchangedProblems: true,
		IgnoreDirs:            []string{".venv", ".mypy_cache", ".git", "venv", "build"},
		TimeLimitPerCommit:    10 * time.Second,
		TrainingMode:          false,
		MaxFilesPerCommit:     0,
	}
}

// IgnoreDirSet returns IgnoreDirs as a lookup set.
func (c *Config) IgnoreDirSet() map[string]bool {
	set := make(map[string]bool, len(c.IgnoreDirs))
	for _, d := range c.IgnoreDirs {
		set[d] = true
	}
	return set
}

// Load builds a Config by layering, lowest to highest precedence: the
// spec defaults, an explicit config file (any format viper supports:
// yaml/json/toml), then a repo-local ".c3flow.toml" override (if
// present) parsed directly via BurntSushi/toml, then cobra flags already
// bound into v.
func Load(v *viper.Viper, explicitConfigFile, projectDir string) (*Config, error) {
	cfg := Default()

	v.SetDefault("max_ref_tks", cfg.MaxRefTks)
	v.SetDefault("max_query_tks", cfg.MaxQueryTks)
	v.SetDefault("max_output_tks", cfg.MaxOutputTks)
	v.SetDefault("max_scope_tks", cfg.MaxScopeTks)
	v.SetDefault("max_lines_to_edit", cfg.MaxLinesToEdit)
	v.SetDefault("ref_chunk_overlap", cfg.RefChunkOverlap)
	v.SetDefault("max_total_ref_tks", cfg.MaxTotalRefTks)
	v.SetDefault("max_chunks_per_elem", cfg.MaxChunksPerElem)
	v.SetDefault("skip_unchanged_problems", cfg.SkipUnchangedProblems)
	v.SetDefault("ignore_dirs", cfg.IgnoreDirs)
	v.SetDefault("time_limit_per_commit", cfg.TimeLimitPerCommit)
	v.SetDefault("training_mode", cfg.TrainingMode)
	v.SetDefault("max_files_per_commit", cfg.MaxFilesPerCommit)

	v.SetEnvPrefix("c3flow")
	v.AutomaticEnv()

	if explicitConfigFile != "" {
		v.SetConfigFile(explicitConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	// The local override is merged into viper's config-file layer, so it
	// sits above the explicit file but below env vars and bound flags.
	overridePath := localOverridePath(projectDir)
	if _, err := os.Stat(overridePath); err == nil {
		var override map[string]any
		if _, err := toml.DecodeFile(overridePath, &override); err != nil {
			return nil, err
		}
		if err := v.MergeConfigMap(override); err != nil {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func localOverridePath(projectDir string) string {
	if projectDir == "" {
		projectDir = "."
	}
	return projectDir + "/.c3flow.toml"
}

// BindFlags registers the flags cmd/c3flow exposes and binds them into v,
// following the flags-into-viper wiring spetr-mcp-codewizard's cmd/
// package uses for its own persistent flags.
func BindFlags(cmd *cobra.Command, v *viper.Viper) {
	def := Default()
	flags := cmd.PersistentFlags()
	flags.Int("max-ref-tks", def.MaxRefTks, "per-reference-chunk token cap")
	flags.Int("max-query-tks", def.MaxQueryTks, "per-query token cap")
	flags.Bool("training-mode", def.TrainingMode, "emit problems for every Modified span, not just function bodies")
	flags.Duration("time-limit-per-commit", def.TimeLimitPerCommit, "per-commit time budget")

	_ = v.BindPFlag("max_ref_tks", flags.Lookup("max-ref-tks"))
	_ = v.BindPFlag("max_query_tks", flags.Lookup("max-query-tks"))
	_ = v.BindPFlag("training_mode", flags.Lookup("training-mode"))
	_ = v.BindPFlag("time_limit_per_commit", flags.Lookup("time-limit-per-commit"))
}
