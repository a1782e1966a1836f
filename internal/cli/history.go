package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/synchrony/internal/commit"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Limit int
	Audit bool
	Kind  string
}

// CommitRow is one commit in history output.
type CommitRow struct {
	Seq       int64  `json:"seq"`
	BatchID   string `json:"batch_id"`
	Root      string `json:"root"`
	PrevRoot  string `json:"prev_root"`
	Accounts  int    `json:"accounts"`
	Committed string `json:"committed_at"`
}

// AuditRow is one audit event in history output.
type AuditRow struct {
	Kind    string `json:"kind"`
	Seq     int64  `json:"seq"`
	BatchID string `json:"batch_id"`
	Detail  string `json:"detail"`
	Logged  string `json:"logged_at"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List commits or audit events from the ledger",
		Long: `List commits recorded in the SQLite ledger, newest first, or the audit
trail of rollbacks and alarms with --audit.

Examples:
  synchrony history --limit 10
  synchrony history --audit --kind execution_rollback`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "maximum commits to list (0 = all)")
	cmd.Flags().BoolVar(&opts.Audit, "audit", false, "list audit events instead of commits")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "audit event kind filter")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) (err error) {
	s, err := openSession(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer s.closeInto(&err)

	ledger, err := s.requireLedger()
	if err != nil {
		return err
	}
	out := newFormatter(opts.RootOptions, cmd)
	ctx := commandContext(cmd)

	if opts.Audit || opts.Kind != "" {
		entries, err := ledger.ListAudit(ctx, opts.Kind)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read audit trail", err)
		}
		rows := make([]AuditRow, len(entries))
		var b strings.Builder
		for i, e := range entries {
			rows[i] = AuditRow{Kind: e.Kind, Seq: e.Seq, BatchID: e.BatchID, Detail: e.Detail, Logged: e.Timestamp}
			fmt.Fprintf(&b, "%s  %-18s seq=%d batch=%s\n", e.Timestamp, e.Kind, e.Seq, e.BatchID)
			if opts.Verbose && e.Detail != "" {
				fmt.Fprintf(&b, "    %s\n", e.Detail)
			}
		}
		if len(rows) == 0 {
			b.WriteString("No audit events.\n")
		}
		return out.Success(b.String(), rows)
	}

	entries, err := ledger.ListCommits(ctx, opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read commits", err)
	}
	rows := make([]CommitRow, len(entries))
	var b strings.Builder
	for i, e := range entries {
		rows[i] = commitRow(e)
		fmt.Fprintf(&b, "%6d  %s  %s  %d accounts  %s\n", e.Seq, e.MerkleRoot.Short(), e.BatchID, e.Accounts, e.Timestamp)
	}
	if len(rows) == 0 {
		b.WriteString("No commits.\n")
	}
	return out.Success(b.String(), rows)
}

func commitRow(e commit.CommitEntry) CommitRow {
	return CommitRow{
		Seq:       e.Seq,
		BatchID:   e.BatchID,
		Root:      e.MerkleRoot.String(),
		PrevRoot:  e.PrevRoot.String(),
		Accounts:  e.Accounts,
		Committed: e.Timestamp,
	}
}
