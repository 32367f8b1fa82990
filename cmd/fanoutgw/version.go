package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "fanoutgw version %s\n", version)
			fmt.Fprintf(out, "  Build time: %s\n", buildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", gitCommit)
			return nil
		},
	}
}
