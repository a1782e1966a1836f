package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/synchrony/internal/graph"
	"github.com/roach88/synchrony/internal/ir"
	"github.com/roach88/synchrony/internal/loader"
)

// PlanResult is the JSON payload of the plan command.
type PlanResult struct {
	Transactions int        `json:"transactions"`
	Levels       [][]string `json:"levels"`
	Width        int        `json:"width"`
	Conflicts    []string   `json:"conflicts"`
	Edges        int        `json:"edges"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan <batch-file>",
		Short: "Show the execution plan of a batch without running it",
		Long: `Analyze a batch and print its conflicts and execution levels.

Nothing is executed and the data directory is not opened.

Exit codes:
  0 - Batch is schedulable
  1 - Batch contains a dependency cycle
  2 - Command error (unreadable or invalid batch file)

Examples:
  synchrony plan batch.cue
  synchrony plan batch.yaml --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(rootOpts, args[0], cmd)
		},
	}
}

func runPlan(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := newFormatter(opts, cmd)

	file, err := loader.Load(path)
	if err != nil {
		return out.Fail("failed to load batch", err, nil)
	}
	batch, err := file.Batch()
	if err != nil {
		return out.Fail("invalid batch", err, nil)
	}

	plan, err := graph.Analyze(batch)
	if err != nil {
		var details map[string]any
		if ce, ok := cycleOf(err); ok {
			details = map[string]any{"cycle": ce.Cycle, "blocked": ce.Blocked}
			// Analyze still reports the conflicts that formed the cycle.
			if plan != nil {
				details["conflicts"] = conflictStrings(plan.Conflicts)
			}
		}
		return out.Fail("batch cannot be scheduled", err, details)
	}

	if out.Format == "json" {
		return out.Success("", PlanResult{
			Transactions: len(batch),
			Levels:       levelStrings(plan.Levels),
			Width:        plan.Width(),
			Conflicts:    conflictStrings(plan.Conflicts),
			Edges:        len(plan.Graph.Edges()),
		})
	}
	return out.Success(formatPlan(batch, plan), nil)
}

func formatPlan(batch ir.Batch, plan *graph.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Transactions: %d\n", len(batch))
	fmt.Fprintf(&b, "Levels: %d (width %d)\n", len(plan.Levels), plan.Width())
	for i, lvl := range levelStrings(plan.Levels) {
		fmt.Fprintf(&b, "  %d: %s\n", i, strings.Join(lvl, ", "))
	}
	if len(plan.Conflicts) == 0 {
		b.WriteString("Conflicts: none\n")
		return b.String()
	}
	b.WriteString("Conflicts:\n")
	for _, c := range plan.Conflicts {
		fmt.Fprintf(&b, "  %s\n", c)
	}
	return b.String()
}
