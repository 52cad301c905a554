// ABOUTME: serve, validate and init subcommands.
// ABOUTME: validate checks pipeline files against the same guard and hook registry serve uses.
package main

import (
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389-research/taskflow/pipeline"
)

//go:embed pipelines/*.yaml
var starterPipelines embed.FS

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the HTTP API, health supervisor and completion loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(os.LookupEnv)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

func newValidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file-or-dir...]",
		Short: "validate pipeline definitions (default: the configured pipelines directory)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(os.LookupEnv)
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if len(args) == 0 {
				args = []string{cfg.PipelinesDir}
			}
			return a.validate(cmd.OutOrStdout(), args)
		},
	}
}

// validate prints every diagnostic for the definitions at paths and fails if
// any definition has an error.
func (a *app) validate(w io.Writer, paths []string) error {
	var defs []*pipeline.Definition
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			loaded, err := pipeline.LoadDir(path)
			if err != nil {
				return err
			}
			defs = append(defs, loaded...)
			continue
		}
		def, err := pipeline.LoadFile(path)
		if err != nil {
			return err
		}
		defs = append(defs, def)
	}
	if len(defs) == 0 {
		return errors.New("no pipeline definitions found")
	}

	failed := 0
	for _, def := range defs {
		diags, err := a.engine.ValidatePipeline(def)
		for _, d := range diags {
			fmt.Fprintf(w, "%s: %s\n", def.ID, d)
		}
		if err != nil {
			failed++
			continue
		}
		fmt.Fprintf(w, "%s: ok (%d statuses, %d transitions)\n", def.ID, len(def.Statuses), len(def.Transitions))
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d pipelines invalid", failed, len(defs))
	}
	return nil
}

type initOptions struct {
	git   bool
	force bool
}

func newInitCommand(opts *rootOptions) *cobra.Command {
	initOpts := &initOptions{}
	cmd := &cobra.Command{
		Use:   "init",
		Short: "write starter pipelines into the pipelines directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(os.LookupEnv)
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirs(); err != nil {
				return err
			}
			return writeStarterPipelines(cmd.OutOrStdout(), cfg.PipelinesDir, *initOpts)
		},
	}
	cmd.Flags().BoolVar(&initOpts.git, "git", false, "also write the pull request pipeline (requires git.enabled)")
	cmd.Flags().BoolVar(&initOpts.force, "force", false, "overwrite existing files")
	return cmd
}

func writeStarterPipelines(w io.Writer, dir string, opts initOptions) error {
	names := []string{"feature.yaml"}
	if opts.git {
		names = append(names, "feature_pr.yaml")
	}
	for _, name := range names {
		data, err := starterPipelines.ReadFile("pipelines/" + name)
		if err != nil {
			return err
		}
		dst := filepath.Join(dir, name)
		if _, err := os.Stat(dst); err == nil && !opts.force {
			fmt.Fprintf(w, "skip %s (exists; use --force to overwrite)\n", dst)
			continue
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", dst, err)
		}
		fmt.Fprintf(w, "wrote %s\n", dst)
	}
	return nil
}
