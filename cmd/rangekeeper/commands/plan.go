package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		reverse bool
		dotFile string
	)

	cmd := &cobra.Command{
		Use:   "plan [root-id]...",
		Short: "Show the staged deploy or revoke plan",
		Long: `Show the stages a deploy would walk. Resources in one stage run
concurrently; a stage starts once the previous one is done. Parents come
before children and siblings follow their sequence numbers.

With --reverse the revoke order is shown instead. Without root ids every
registered tree is planned.`,
		Example: `  # Plan everything
  rangekeeper plan

  # Revoke order for one tree, with a Graphviz rendering
  rangekeeper plan 1 --reverse --dot plan.dot`,
		RunE: func(cmd *cobra.Command, args []string) error {
			roots, err := parseIDs(args)
			if err != nil {
				return err
			}

			return withApp(cmd, func(a *app) error {
				forest, err := a.orch.Forest(a.ctx, roots...)
				if err != nil {
					return err
				}
				plan, err := a.orch.Plan(forest)
				if err != nil {
					return err
				}
				if reverse {
					plan = plan.Reverse()
				}

				if dotFile != "" {
					if err := writeDOT(cmd, dotFile, plan.ToDOT(forest)); err != nil {
						return err
					}
				}
				return render(cmd, plan, func(w io.Writer) error {
					return printPlan(w, plan, forest)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&reverse, "reverse", false, "show the revoke order")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write a DOT graph to this file (- for stdout)")

	return cmd
}

func writeDOT(cmd *cobra.Command, path, dot string) error {
	if path == "-" {
		_, err := io.WriteString(cmd.OutOrStdout(), dot)
		return err
	}
	if err := os.WriteFile(path, []byte(dot), 0o644); err != nil {
		return fmt.Errorf("failed to write DOT file: %w", err)
	}
	return nil
}

func parseIDs(args []string) ([]engine.ResourceID, error) {
	ids := make([]engine.ResourceID, 0, len(args))
	for _, arg := range args {
		id, err := engine.ParseResourceID(arg)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
