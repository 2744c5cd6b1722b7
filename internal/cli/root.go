// Package cli implements the ecaci command line.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"ecaci/internal/config"
)

type rootFlags struct {
	ConfigPath string
}

// Execute runs the command line with os.Args.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var rf rootFlags
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "ecaci",
		Short:         "Single-agent CI for the enterprise-cloud-admin pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(rf.ConfigPath, cmd.Flags(), cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&rf.ConfigPath, "config", "c", "", "agent settings file (default ./"+config.DefaultFile+" when present)")
	config.RegisterFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(runCmd(a))
	rootCmd.AddCommand(serveCmd(a))
	rootCmd.AddCommand(definitionCmd(a))
	rootCmd.AddCommand(validateCmd(a))
	rootCmd.AddCommand(historyCmd(a))
	rootCmd.AddCommand(dbCmd(a))
	rootCmd.AddCommand(secretsCmd(a))
	rootCmd.SetOut(os.Stdout)
	return rootCmd
}
