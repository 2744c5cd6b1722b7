package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ecaci/internal/core"
)

func historyCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect the build ledger",
	}
	cmd.AddCommand(historyListCmd(a))
	cmd.AddCommand(historyVerifyCmd(a))
	return cmd
}

func historyListCmd(a *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
		fromDB bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent builds, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var builds []core.Build
			if fromDB {
				ctx, cancel := withTimeout(cmd.Context())
				defer cancel()
				st, err := a.openStore(ctx)
				if err != nil {
					return err
				}
				defer st.Close()
				if builds, err = st.Recent(ctx, limit); err != nil {
					return err
				}
			} else {
				ledger, err := a.openLedger()
				if err != nil {
					return err
				}
				builds = ledger.List(limit)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(builds)
			}
			printBuildTable(cmd.OutOrStdout(), builds)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of builds to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON instead of a table")
	cmd.Flags().BoolVar(&fromDB, "db", false, "read from the PostgreSQL run store instead of the local ledger")
	return cmd
}

func printBuildTable(w io.Writer, builds []core.Build) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTATUS\tBRANCH\tREVISION\tBY\tSTARTED\tDURATION")
	for _, b := range builds {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", b.Number, b.Status, b.Branch, shortRev(b.Revision),
			b.TriggeredBy, humanize.Time(b.StartedAt), b.Duration().Round(time.Second))
	}
	tw.Flush()
}

func historyVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute the ledger hash chain to detect tampering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ledger, err := a.openLedger()
			if err != nil {
				return err
			}
			if err := ledger.VerifyChain(); err != nil {
				return fmt.Errorf("history verification failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d records verified\n", len(ledger.Records()))
			return nil
		},
	}
}
