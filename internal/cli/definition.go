package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"ecaci/internal/core"
)

func definitionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "definition",
		Short: "Print the effective project definition as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.project()
			if err != nil {
				return err
			}
			data, err := core.MarshalProject(p)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func validateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Check a project definition file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				p   *core.Project
				err error
			)
			if len(args) == 1 {
				p, err = core.LoadProject(args[0])
			} else {
				p, err = a.project()
			}
			if err != nil {
				return err
			}
			steps := 0
			for _, bt := range p.BuildTypes {
				steps += len(bt.Steps)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s: %d vcs roots, %d build types, %d steps\n",
				p.Name, len(p.VcsRoots), len(p.BuildTypes), steps)
			return nil
		},
	}
}
