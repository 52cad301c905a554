// ABOUTME: Root cobra command and the subcommands shared by every taskflow invocation.
// ABOUTME: The --config flag is persistent; each subcommand loads configuration on demand.
package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/2389-research/taskflow/config"
)

type rootOptions struct {
	configPath string
}

func executeCLI(args []string) error {
	rootCmd := newRootCommand()
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "taskflow",
		Short:         "pipeline-driven task workflow engine for coding agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to taskflow.yaml (default: $TASKFLOW_CONFIG)")

	rootCmd.AddCommand(
		newServeCommand(opts),
		newValidateCommand(opts),
		newInitCommand(opts),
		newHistoryCommand(opts),
		newRunsCommand(opts),
		newVersionCommand(),
	)
	return rootCmd
}

// load resolves the config path from the flag or TASKFLOW_CONFIG.
func (o *rootOptions) load(lookup func(string) (string, bool)) (config.Config, error) {
	path := o.configPath
	if path == "" {
		if v, ok := lookup("TASKFLOW_CONFIG"); ok {
			path = v
		}
	}
	return config.Load(path)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the taskflow version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printVersion(cmd.OutOrStdout())
		},
	}
}

func printVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "taskflow %s\n", version)
	return err
}
