package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"ecaci/internal/core"
)

func runCmd(a *app) *cobra.Command {
	var req core.BuildRequest
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one build now and exit non-zero when it fails",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ag, err := a.newAgent(ctx)
			if err != nil {
				return err
			}
			defer ag.close()

			b, err := ag.runner.Run(ctx, req)
			if err != nil {
				return err
			}
			printBuild(cmd.OutOrStdout(), b)
			if b.Failed() {
				return fmt.Errorf("build #%d failed", b.Number)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&req.BuildTypeID, "build-type", "", "build type id (default: first build type)")
	cmd.Flags().StringVar(&req.Ref, "ref", "", "ref to build (default: the VCS root branch)")
	cmd.Flags().StringVar(&req.Revision, "revision", "", "commit to build (default: tip of --ref)")
	cmd.Flags().StringVar(&req.Author, "author", "", `commit author, "Name <email>"`)
	cmd.Flags().StringArrayVar(&req.Messages, "message", nil, "commit message scanned for issue references (repeatable)")
	return cmd
}

func printBuild(w io.Writer, b *core.Build) {
	fmt.Fprintf(w, "Build #%d %s (%s@%s) in %s\n", b.Number, b.Status, b.Branch, shortRev(b.Revision),
		b.Duration().Round(time.Second))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, s := range b.Steps {
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\n", s.Index, s.Name, s.Status, (time.Duration(s.DurationMS) * time.Millisecond).Round(time.Millisecond))
	}
	tw.Flush()
	for _, p := range b.Problems {
		level := "problem"
		if p.Warning {
			level = "warning"
		}
		fmt.Fprintf(w, "  %s [%s] %s\n", level, p.Kind, p.Message)
	}
	for _, is := range b.Issues {
		fmt.Fprintf(w, "  issue %s %s\n", is.ID, is.URL)
	}
}

func shortRev(rev string) string {
	if len(rev) > 7 {
		return rev[:7]
	}
	return rev
}

// withTimeout bounds short administrative commands.
func withTimeout(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, 60*time.Second)
}
