package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"ecaci/internal/secrets"
)

func secretsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage the encrypted credentials file",
	}
	cmd.AddCommand(secretsKeygenCmd())
	cmd.AddCommand(secretsSealCmd())
	cmd.AddCommand(secretsCheckCmd(a))
	return cmd
}

func secretsKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an age identity for the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, recipient, err := secrets.GenerateIdentity()
			if err != nil {
				return err
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			content := "# public key: " + recipient + "\n" + identity + "\n"
			if err := os.WriteFile(out, []byte(content), 0o600); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity written to %s\nrecipient: %s\n", out, recipient)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "ecaci-identity.txt", "identity file to create")
	return cmd
}

func secretsSealCmd() *cobra.Command {
	var (
		recipients []string
		out        string
	)
	cmd := &cobra.Command{
		Use:   "seal <credentials.jsonc>",
		Short: "Encrypt a JSONC map of credential uuid to value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				plain []byte
				err   error
			)
			if args[0] == "-" {
				plain, err = io.ReadAll(cmd.InOrStdin())
			} else {
				plain, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			sealed, err := secrets.Seal(plain, recipients...)
			if err != nil {
				return err
			}
			if out == "" || out == "-" {
				_, err = cmd.OutOrStdout().Write(sealed)
				return err
			}
			return os.WriteFile(out, sealed, 0o600)
		},
	}
	cmd.Flags().StringArrayVarP(&recipients, "recipient", "r", nil, "age recipient (repeatable)")
	cmd.Flags().StringVarP(&out, "output", "o", "", "encrypted file (default stdout)")
	return cmd
}

func secretsCheckCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check that every credential the definition references can be resolved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.project()
			if err != nil {
				return err
			}
			store, err := a.secrets()
			if err != nil {
				return err
			}
			var refs []string
			for _, r := range p.VcsRoots {
				if r.Auth.KeyRef != "" {
					refs = append(refs, r.Auth.KeyRef)
				}
			}
			for _, bt := range p.BuildTypes {
				if pub := bt.Publisher(); pub != nil {
					refs = append(refs, pub.TokenRef)
				}
			}
			for _, it := range p.IssueTrackers {
				if it.PasswordRef != "" {
					refs = append(refs, it.PasswordRef)
				}
			}
			missing := 0
			for _, ref := range refs {
				if _, err := store.Resolve(ref); err != nil {
					missing++
					fmt.Fprintf(cmd.OutOrStdout(), "missing: %s (%v)\n", ref, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %s\n", ref)
			}
			if missing > 0 {
				return fmt.Errorf("%d of %d credentials unresolved", missing, len(refs))
			}
			return nil
		},
	}
}
