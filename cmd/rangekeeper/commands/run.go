package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	return newRunCommand(engine.OperationDeploy, &cobra.Command{
		Use:   "deploy [root-id]...",
		Short: "Deploy and verify resources stage by stage",
		Long: `Deploy every CREATED resource of the given trees (all trees by default)
and poll verification until each one is PREPARED. A failed resource moves
to EXCEPTION and its descendants are skipped; the rest of the run goes on.`,
		Example: `  rangekeeper deploy
  rangekeeper deploy 1 4`,
	})
}

func newRevokeCommand() *cobra.Command {
	return newRunCommand(engine.OperationRevoke, &cobra.Command{
		Use:   "revoke [root-id]...",
		Short: "Tear resources down, children before parents",
		Long: `Revoke every PREPARED, USING or EXCEPTION resource of the given trees
(all trees by default) in reverse plan order until each one is UNAVAILABLE.
A parent whose child failed to revoke is left alone.`,
		Example: `  rangekeeper revoke
  rangekeeper revoke 1`,
	})
}

// newRunCommand fills cmd with the shared deploy and revoke behaviour.
func newRunCommand(op engine.Operation, cmd *cobra.Command) *cobra.Command {
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		roots, err := parseIDs(args)
		if err != nil {
			return err
		}

		return withApp(cmd, func(a *app) error {
			forest, err := a.orch.Forest(a.ctx, roots...)
			if err != nil {
				return err
			}

			var report *engine.Report
			if op == engine.OperationDeploy {
				report, err = a.orch.Deploy(a.ctx, forest)
			} else {
				report, err = a.orch.Revoke(a.ctx, forest)
			}
			if err != nil {
				return err
			}

			if err := render(cmd, report, func(w io.Writer) error {
				return printReport(w, report)
			}); err != nil {
				return err
			}
			if report.Status != engine.RunStatusSucceeded {
				return fmt.Errorf("%s run %s finished %s", op, report.RunID, report.Status)
			}
			return nil
		})
	}
	return cmd
}
