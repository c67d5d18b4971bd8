package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/csvmerge/internal/engine"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display the csvmerge version, commit and compiled-in database engines.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "csvmerge v%s (commit: %s)\n", Version, GitCommit)
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "engines: %v\n", engine.Names())
		},
	}
}
