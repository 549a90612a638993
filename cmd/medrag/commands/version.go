package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/54b3r/medrag-go/internal/version"
)

// NewVersionCmd constructs the `medrag version` subcommand.
// Values are injected at build time via -ldflags and fall back to
// "dev"/"unknown" for local builds.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the medrag version, git commit, and build date",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}
}
