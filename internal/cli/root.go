// Package cli implements the zenflow command line.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command of the zenflow binary.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zenflow",
		Short: "zenflow process engine",
		Long:  "Runs process models as process instances and drives their node instances through external task handlers.",
	}
	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewValidateCommand())
	return cmd
}
