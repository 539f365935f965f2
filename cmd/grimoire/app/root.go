// Package app assembles the grimoire CLI: serve, doctor, and version.
package app

import (
	"github.com/spf13/cobra"
)

var homeFlag string

// New builds the root grimoire command.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:   "grimoire",
		Short: "MCP Grimoire is a gateway between an agent and a fleet of MCP spell servers",
	}
	root.PersistentFlags().StringVar(&homeFlag, "home", "", "override the grimoire home directory (defaults to GRIMOIRE_HOME or ~/.grimoire)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newDoctorCommand())
	root.AddCommand(newVersionCommand())
	return root
}
