package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/synchrony/internal/ir"
)

// AccountValue is one account in get output. Value is nil for a missing
// account.
type AccountValue struct {
	Key    string     `json:"key"`
	Value  ir.IRValue `json:"value"`
	Exists bool       `json:"exists"`
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <account>...",
		Short: "Print committed account values",
		Long: `Print the committed value of one or more accounts.

Exit codes:
  0 - Every account exists
  1 - At least one account does not exist
  2 - Command error`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.closeInto(&err)

			values := make([]AccountValue, len(args))
			var missing []string
			var b strings.Builder
			for i, key := range args {
				v, ok := s.engine.Get(ir.AccountKey(key))
				values[i] = AccountValue{Key: key, Value: v, Exists: ok}
				if !ok {
					missing = append(missing, key)
					fmt.Fprintf(&b, "%s: <absent>\n", key)
					continue
				}
				fmt.Fprintf(&b, "%s: %s\n", key, ir.Render(v))
			}

			out := newFormatter(rootOpts, cmd)
			if err := out.Success(b.String(), values); err != nil {
				return err
			}
			if len(missing) > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%s: %s", CodeNotFound, strings.Join(missing, ", ")))
			}
			return nil
		},
	}
}

// RootHashResult is the JSON payload of the root command.
type RootHashResult struct {
	Seq       int64  `json:"seq"`
	Root      string `json:"root"`
	StateRoot string `json:"state_root"`
	Accounts  int    `json:"accounts"`
}

// NewRootHashCommand creates the root command, which prints the chained
// Merkle root of the committed state.
func NewRootHashCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "root",
		Short: "Print the Merkle root of the committed state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			s, err := openSession(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer s.closeInto(&err)

			res := RootHashResult{
				Seq:       s.manager.Seq(),
				Root:      s.engine.MerkleRoot().String(),
				StateRoot: s.manager.StateRoot().String(),
				Accounts:  s.engine.Snapshot().Len(),
			}
			text := res.Root + "\n"
			if rootOpts.Verbose {
				text = fmt.Sprintf("%s\n  seq: %d\n  state root: %s\n  accounts: %d\n", res.Root, res.Seq, res.StateRoot, res.Accounts)
			}
			return newFormatter(rootOpts, cmd).Success(text, res)
		},
	}
}
