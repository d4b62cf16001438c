package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// render prints v as JSON with --json and through text otherwise.
func render(cmd *cobra.Command, v interface{}, text func(w io.Writer) error) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), v)
	}
	return text(cmd.OutOrStdout())
}

func printResources(w io.Writer, resources []*engine.Resource) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE\tFORM\tLEVEL\tSEQ\tPARENT\tSTATUS")
	for _, r := range resources {
		parent := "-"
		if r.ParentID != 0 {
			parent = r.ParentID.String()
		}
		status := string(r.Status)
		if r.Deleted {
			status += " (deleted)"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.ID, r.Name, r.Type, r.Form, r.Level, r.Sequence, parent, status)
	}
	return tw.Flush()
}

func printResource(w io.Writer, r *engine.Resource) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%d\n", r.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", r.Name)
	if r.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", r.Description)
	}
	fmt.Fprintf(tw, "Type:\t%s\n", r.Type)
	fmt.Fprintf(tw, "Form:\t%s\n", r.Form)
	fmt.Fprintf(tw, "Level:\t%d\n", r.Level)
	fmt.Fprintf(tw, "Sequence:\t%d\n", r.Sequence)
	if r.ParentID != 0 {
		fmt.Fprintf(tw, "Parent:\t%d\n", r.ParentID)
	}
	if len(r.Children) > 0 {
		fmt.Fprintf(tw, "Children:\t%s\n", joinIDs(r.Children))
	}
	fmt.Fprintf(tw, "Status:\t%s (since %s)\n", r.Status, r.StatusChangedAt.Format("2006-01-02 15:04:05"))
	if r.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", r.LastError)
	}
	if r.Deleted {
		fmt.Fprintf(tw, "Deleted:\t%s\n", r.DeletedAt.Format("2006-01-02 15:04:05"))
	}
	for k, v := range r.Labels {
		fmt.Fprintf(tw, "Label:\t%s=%s\n", k, v)
	}
	for k, v := range r.Attributes {
		fmt.Fprintf(tw, "Attribute:\t%s=%s\n", k, v)
	}
	return tw.Flush()
}

func printReport(w io.Writer, report *engine.Report) error {
	fmt.Fprintf(w, "Run %s (%s): %s in %s\n", report.RunID, report.Operation, report.Status, report.Duration)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STAGE\tID\tNAME\tOUTCOME\tSTATUS\tERROR")
	for _, r := range report.Results {
		msg := ""
		if r.Error != nil {
			msg = r.Error.Message
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t%s\n", r.Stage, r.ResourceID, r.Name, r.Outcome, r.Status, msg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	s := report.Summary
	_, err := fmt.Fprintf(w, "\n%d total: %d succeeded, %d unchanged, %d failed, %d skipped, %d cancelled\n",
		s.Total, s.Succeeded, s.Unchanged, s.Failed, s.Skipped, s.Cancelled)
	return err
}

func printPlan(w io.Writer, plan *engine.Plan, forest *engine.Forest) error {
	direction := "deploy"
	if plan.Reversed {
		direction = "revoke"
	}
	fmt.Fprintf(w, "Plan %s (%s order, %d resources)\n", plan.ID, direction, plan.Len())
	for _, stage := range plan.Stages {
		names := make([]string, 0, len(stage.Resources))
		for _, id := range stage.Resources {
			if res, ok := forest.Resource(id); ok {
				names = append(names, fmt.Sprintf("%s(%d)", res.Name, id))
			}
		}
		if _, err := fmt.Fprintf(w, "  stage %d: %s\n", stage.Index, strings.Join(names, " ")); err != nil {
			return err
		}
	}
	return nil
}

func printOutcome(w io.Writer, o *engine.HealthOutcome) error {
	var err error
	switch {
	case o.Changed:
		_, err = fmt.Fprintf(w, "Resource %d: %s -> %s\n", o.ResourceID, o.From, o.To)
	case o.Note != "":
		_, err = fmt.Fprintf(w, "Resource %d: stays %s (%s)\n", o.ResourceID, o.To, o.Note)
	default:
		_, err = fmt.Fprintf(w, "Resource %d: stays %s\n", o.ResourceID, o.To)
	}
	return err
}

func joinIDs(ids []engine.ResourceID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}
