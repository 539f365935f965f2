package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is the gateway's release version, set in the default value here
// since this repository does not yet have a release pipeline wiring it in
// via ldflags.
var Version = "0.1.0-dev"

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the grimoire version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("grimoire", Version)
			return nil
		},
	}
}
