package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/pocketclaw/pkg/pocketclaw/gate"
)

// newAuditCmd creates `pocketclaw audit`, which reads the local command audit.
func newAuditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit log of local commands",
		Long: `List the most recent terminal outcomes of local commands the assistant
proposed: executed, denied or timed out.

Examples:
  pocketclaw audit
  pocketclaw audit -n 100
  pocketclaw audit --prune 720h`,
		Args: cobra.NoArgs,
		RunE: runAudit,
	}
	cmd.Flags().IntP("limit", "n", 20, "number of entries to show")
	cmd.Flags().Duration("prune", 0, "delete entries older than this before listing")
	return cmd
}

func runAudit(cmd *cobra.Command, _ []string) error {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.Gate.AuditPath == "" {
		return fmt.Errorf("gate.audit_path is empty; the audit is kept in memory only")
	}
	if _, err := os.Stat(cfg.Gate.AuditPath); err != nil {
		return fmt.Errorf("no audit database at %s", cfg.Gate.AuditPath)
	}
	logger := newLogger(cmd, cfg.Logging, os.Stderr)

	audit, err := gate.OpenSQLiteAudit(cfg.Gate.AuditPath, logger)
	if err != nil {
		return err
	}
	defer audit.Close()

	ctx := cmd.Context()
	if maxAge, _ := cmd.Flags().GetDuration("prune"); maxAge > 0 {
		n, err := audit.Prune(ctx, maxAge)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "pruned %d entries\n", n)
	}

	limit, _ := cmd.Flags().GetInt("limit")
	entries, err := audit.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No audit entries.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tIDENTITY\tKIND\tTIER\tOUTCOME\tCOMMAND")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.Identity, e.Kind, e.Tier, e.Outcome, oneLine(e.Command, 60))
	}
	return w.Flush()
}

func oneLine(s string, n int) string {
	r := []rune(s)
	for i, c := range r {
		if c == '\n' || c == '\r' || c == '\t' {
			r[i] = ' '
		}
	}
	if len(r) > n {
		return string(r[:n-3]) + "..."
	}
	return string(r)
}
