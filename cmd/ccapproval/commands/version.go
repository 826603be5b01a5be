package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/MEKXH/ccapproval/internal/version"
)

// NewVersionCmd creates the version command
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of ccapproval",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s\n", version.String(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
