package commands

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

func newHealthCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Feed health signals into resources in use",
		Long: `Health signals only apply to resources in USING or EXCEPTION. An anomaly
moves a USING resource to EXCEPTION; a healthy signal brings it back once
the recovery cooldown has elapsed (or only through 'recover' in manual mode).`,
	}

	cmd.AddCommand(newHealthReportCommand())
	cmd.AddCommand(newHealthRecoverCommand())
	cmd.AddCommand(newHealthProbeCommand())

	return cmd
}

func newHealthReportCommand() *cobra.Command {
	var (
		anomalous bool
		source    string
		detail    string
	)

	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Report a health observation",
		Example: `  # An IDS saw the web app misbehave
  rangekeeper health report 3 --anomalous --detail "unexpected outbound traffic"

  # A probe confirms it is fine again
  rangekeeper health report 3 --source active`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := engine.ParseResourceID(args[0])
			if err != nil {
				return err
			}

			signal := engine.Healthy()
			if anomalous {
				signal = engine.Anomalous(detail)
			} else {
				signal.Detail = detail
			}
			signal.ObservedAt = time.Now()

			return withApp(cmd, func(a *app) error {
				var outcome *engine.HealthOutcome
				switch engine.HealthSource(source) {
				case engine.HealthSourceActive:
					outcome, err = a.health.ReportActive(a.ctx, id, signal)
				case engine.HealthSourcePassive:
					outcome, err = a.health.ReportPassive(a.ctx, id, signal)
				default:
					return fmt.Errorf("invalid source %q: must be active or passive", source)
				}
				if err != nil {
					return err
				}
				return render(cmd, outcome, func(w io.Writer) error {
					return printOutcome(w, outcome)
				})
			})
		},
	}

	cmd.Flags().BoolVar(&anomalous, "anomalous", false, "report an anomaly instead of a healthy observation")
	cmd.Flags().StringVar(&source, "source", string(engine.HealthSourcePassive), "signal source (active or passive)")
	cmd.Flags().StringVar(&detail, "detail", "", "what was observed")

	return cmd
}

func newHealthRecoverCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <id>",
		Short: "Return a resource in EXCEPTION to USING",
		Long: `Manually override an EXCEPTION. The cooldown and the recovery mode are
ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := engine.ParseResourceID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				outcome, err := a.health.Override(a.ctx, id)
				if err != nil {
					return err
				}
				return render(cmd, outcome, func(w io.Writer) error {
					return printOutcome(w, outcome)
				})
			})
		},
	}
}

func newHealthProbeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Run one active probing pass over resources in use",
		Long: `Probe every USING resource, and every EXCEPTION resource whose cooldown
has elapsed, through the configured driver and apply the results. 'serve'
does this continuously.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(a *app) error {
				outcomes := engine.NewMonitor(a.health, a.driver).ProbeOnce(a.ctx)
				return render(cmd, outcomes, func(w io.Writer) error {
					if len(outcomes) == 0 {
						_, err := fmt.Fprintln(w, "Nothing to probe")
						return err
					}
					for _, o := range outcomes {
						if err := printOutcome(w, o); err != nil {
							return err
						}
					}
					return nil
				})
			})
		},
	}
}
