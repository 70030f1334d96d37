// Package commands implements the worker's cobra CLI surface: a "run"
// subcommand that starts the claim loop against a coordinator, plus stub
// "test"/"docgen" subcommands, listed in the help output, so the binary's
// help matches a real worker CLI without pretending to implement adaptor
// tooling.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// Execute builds and runs the root command against ctx.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	root := newRootCommand(version, commit, buildDate)
	return root.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Claims and executes workflow attempts for a coordinator",
		Long: `worker is a long-running agent that claims workflow attempts from a
coordinator over a persistent channel, executes each attempt in an isolated
sandbox under time/memory budgets, and streams lifecycle events back.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	root.AddCommand(newRunCommand())
	root.AddCommand(newTestCommand())
	root.AddCommand(newDocgenCommand())

	return root
}
