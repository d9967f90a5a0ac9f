package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/authflow"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/copilot"
	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/provider"
)

// providerOnly loads config and secrets and wires just the provider side.
func providerOnly(cmd *cobra.Command) (*providerStack, *slog.Logger, error) {
	cfg, raw, err := resolveConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(cmd, cfg.Logging, os.Stderr)
	if raw != nil {
		copilot.AuditSecrets(raw, logger)
	}
	copilot.ResolveSecrets(cfg, logger)

	ps, err := buildProvider(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return ps, logger, nil
}

// newStatusCmd creates `pocketclaw status`.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <identity> [app...]",
		Short: "Show which apps an identity has connected",
		Long: `Check the provider for the identity's grants. Without app names every
app in the catalog is checked.

Examples:
  pocketclaw status alice
  pocketclaw status alice gmail notion`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, _, err := providerOnly(cmd)
			if err != nil {
				return err
			}
			identity, apps := args[0], args[1:]
			if len(apps) == 0 {
				apps = ps.catalog.Groups()
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Identity: %s\n", identity)
			for _, app := range apps {
				g := ps.catalog.Canon(app)
				grant := ps.negotiator.Status(ctx, identity, g)
				state := "not connected"
				switch grant.Status {
				case provider.StatusActive:
					state = "connected"
				case provider.StatusPending:
					state = "pending"
				}
				fmt.Fprintf(out, "  %-20s %s\n", ps.catalog.DisplayName(g), state)
			}
			return nil
		},
	}
}

// newConnectCmd creates `pocketclaw connect`.
func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect <identity> <app>",
		Short: "Get an authorization link for an app",
		Long: `Ask the provider for a single-use authorization link. Nothing is minted
when the app is already connected, unless --force is given.

Examples:
  pocketclaw connect alice gmail
  pocketclaw connect alice notion --force`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, _, err := providerOnly(cmd)
			if err != nil {
				return err
			}
			force, _ := cmd.Flags().GetBool("force")

			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			out, err := ps.negotiator.EnsureAuthorized(ctx, args[0], args[1], force)
			if err != nil {
				return fmt.Errorf("connect %s: %w", args[1], err)
			}
			name := ps.catalog.DisplayName(out.Group)
			w := cmd.OutOrStdout()
			switch {
			case out.State == authflow.Active:
				fmt.Fprintf(w, "%s is already connected. Use --force to reconnect.\n", name)
			case out.Link != nil:
				fmt.Fprintf(w, "Open this link to connect %s:\n%s\n", name, out.Link.URL)
				if !out.Link.ExpiresAt.IsZero() {
					fmt.Fprintf(w, "Expires at %s.\n", out.Link.ExpiresAt.Local().Format(time.Kitchen))
				}
			default:
				return fmt.Errorf("connect %s: no link returned", args[1])
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "mint a new link even when already connected")
	return cmd
}
