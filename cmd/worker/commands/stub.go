package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newTestCommand and newDocgenCommand exist so `worker --help` matches the
// full surface a production worker CLI carries, without pretending to
// implement adaptor test harnesses or documentation generation here.

func newTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test <adaptor>",
		Short: "Run an adaptor's test suite (not implemented in this build)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("not implemented in this build")
			return nil
		},
	}
}

func newDocgenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "docgen <adaptor>",
		Short: "Generate adaptor documentation (not implemented in this build)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("not implemented in this build")
			return nil
		},
	}
}
