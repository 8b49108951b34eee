// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package cmd holds the interceptor command tree.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"grimm.is/interceptor/internal/config"
)

var (
	socketPath string
	verbose    bool
)

// NewRootCommand builds the command tree. Flags are bound to package state,
// so build one tree per process (or per test).
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "interceptor",
		Short:         "Connection classification and redirection engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&socketPath, "socket", config.DefaultSocket, "control socket path")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCommand(),
		newVersionCommand(),
		newShutdownCommand(),
		newEventsCommand(),
		newVerdictCommand(),
		newStatusCommand(),
		newHealthCommand(),
	)
	return root
}

// Execute runs the command tree with args.
func Execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
