package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/synchrony/internal/commit"
)

// RecoverResult is the JSON payload of the recover command.
type RecoverResult struct {
	Seq              int64    `json:"seq"`
	Root             string   `json:"root"`
	TornTail         bool     `json:"torn_tail"`
	OrphansRemoved   []string `json:"orphans_removed"`
	RolledBack       string   `json:"rolled_back,omitempty"`
	RolledBackSeq    int64    `json:"rolled_back_seq,omitempty"`
	RestoredPrevious bool     `json:"restored_previous"`
	LedgerSeq        int64    `json:"ledger_seq"`
}

// NewRecoverCommand creates the recover command.
func NewRecoverCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Run crash recovery and report what it repaired",
		Long: `Open the data directory, which replays the WAL, rolls back an
interrupted batch, removes orphaned temp files and reconciles the ledger,
then report what was done. Every other command runs the same recovery
silently.

Exit codes:
  0 - Recovered (or nothing to recover)
  2 - Command error
  3 - Integrity panic`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			out := newFormatter(rootOpts, cmd)
			s, err := openSession(rootOpts, cmd)
			if err != nil {
				if commit.IsIntegrityPanic(err) {
					return out.Fail("recovery failed", err, nil)
				}
				return err
			}
			defer s.closeInto(&err)

			res := recoverResult(s.recovery)
			return out.Success(formatRecover(res), res)
		},
	}
}

func recoverResult(r *commit.RecoveryReport) RecoverResult {
	res := RecoverResult{
		Seq:              r.Seq,
		Root:             r.Root.String(),
		TornTail:         r.TornTail,
		OrphansRemoved:   r.OrphansRemoved,
		RestoredPrevious: r.RestoredPrevious,
		LedgerSeq:        r.LedgerSeq,
	}
	if res.OrphansRemoved == nil {
		res.OrphansRemoved = []string{}
	}
	if r.RolledBack != nil {
		res.RolledBack = r.RolledBack.BatchID
		res.RolledBackSeq = r.RolledBack.TxID
	}
	return res
}

func formatRecover(r RecoverResult) string {
	var b strings.Builder
	clean := !r.TornTail && len(r.OrphansRemoved) == 0 && r.RolledBack == ""
	if clean {
		b.WriteString("✓ Nothing to recover\n")
	} else {
		b.WriteString("✓ Recovered\n")
	}
	if r.TornTail {
		b.WriteString("  Truncated a torn WAL tail\n")
	}
	if r.RolledBack != "" {
		fmt.Fprintf(&b, "  Rolled back batch %s (seq %d)\n", r.RolledBack, r.RolledBackSeq)
		if r.RestoredPrevious {
			b.WriteString("  Restored the previous state file\n")
		}
	}
	for _, o := range r.OrphansRemoved {
		fmt.Fprintf(&b, "  Removed orphan %s\n", o)
	}
	fmt.Fprintf(&b, "  Seq: %d\n", r.Seq)
	fmt.Fprintf(&b, "  Root: %s\n", r.Root)
	return b.String()
}
