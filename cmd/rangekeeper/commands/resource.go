package commands

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rangekeeper/rangekeeper/pkg/engine"
)

func newResourceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"res"},
		Short:   "Manage registered resources",
	}

	cmd.AddCommand(newResourceCreateCommand())
	cmd.AddCommand(newResourceListCommand())
	cmd.AddCommand(newResourceGetCommand())
	cmd.AddCommand(newResourceDeleteCommand())
	cmd.AddCommand(newResourceTransitionCommand())

	return cmd
}

func newResourceCreateCommand() *cobra.Command {
	var (
		spec       engine.ResourceSpec
		resType    string
		form       string
		parent     int64
		children   []int64
		labels     map[string]string
		attributes map[string]string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a resource",
		Example: `  # A host and a database inside it
  rangekeeper resource create --name ubuntu --type os --form composite --attr host=10.0.0.5
  rangekeeper resource create --name postgres --type db --level 1 --parent 1 --sequence 1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.Type = engine.ResourceType(resType)
			spec.Form = engine.ResourceForm(form)
			spec.ParentID = engine.ResourceID(parent)
			for _, c := range children {
				spec.Children = append(spec.Children, engine.ResourceID(c))
			}
			spec.Labels = labels
			spec.Attributes = attributes

			return withApp(cmd, func(a *app) error {
				res, err := a.registry.Create(a.ctx, spec)
				if err != nil {
					return err
				}
				return render(cmd, res, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Created resource %d (%s)\n", res.ID, res.Name)
					return err
				})
			})
		},
	}

	cmd.Flags().StringVar(&spec.Name, "name", "", "resource name")
	cmd.Flags().StringVar(&spec.Description, "description", "", "resource description")
	cmd.Flags().StringVar(&resType, "type", "", "resource type (os, db, app, profiler)")
	cmd.Flags().StringVar(&form, "form", string(engine.FormSingle), "resource form (single, composite)")
	cmd.Flags().IntVar(&spec.Level, "level", 0, "hierarchy level, 0 is the top")
	cmd.Flags().IntVar(&spec.Sequence, "sequence", 0, "order among siblings")
	cmd.Flags().Int64Var(&parent, "parent", 0, "id of the containing composite")
	cmd.Flags().Int64SliceVar(&children, "child", nil, "id of an existing root to contain (repeatable)")
	cmd.Flags().StringToStringVar(&labels, "label", nil, "label key=value (repeatable)")
	cmd.Flags().StringToStringVar(&attributes, "attr", nil, "driver attribute key=value (repeatable)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newResourceListCommand() *cobra.Command {
	var (
		resType string
		status  string
		parent  int64
		roots   bool
		all     bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		Example: `  rangekeeper resource list
  rangekeeper resource list --status using --type app`,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := engine.ListFilter{
				Type:           engine.ResourceType(resType),
				Status:         engine.ResourceStatus(strings.ToUpper(status)),
				ParentID:       engine.ResourceID(parent),
				Roots:          roots,
				IncludeDeleted: all,
			}

			return withApp(cmd, func(a *app) error {
				resources, err := a.registry.List(a.ctx, filter)
				if err != nil {
					return err
				}
				return render(cmd, resources, func(w io.Writer) error {
					return printResources(w, resources)
				})
			})
		},
	}

	cmd.Flags().StringVar(&resType, "type", "", "only resources of this type")
	cmd.Flags().StringVar(&status, "status", "", "only resources in this status")
	cmd.Flags().Int64Var(&parent, "parent", 0, "only children of this resource")
	cmd.Flags().BoolVar(&roots, "roots", false, "only roots")
	cmd.Flags().BoolVarP(&all, "all", "a", false, "include deleted resources")

	return cmd
}

func newResourceGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := engine.ParseResourceID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				res, err := a.registry.Get(a.ctx, id)
				if err != nil {
					return err
				}
				return render(cmd, res, func(w io.Writer) error {
					return printResource(w, res)
				})
			})
		},
	}
}

func newResourceDeleteCommand() *cobra.Command {
	var tree bool

	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete an UNAVAILABLE resource",
		Long: `Soft-delete a resource. Only UNAVAILABLE resources can be deleted; revoke
them first. With --tree the resource and all its descendants are deleted,
leaves first, after checking that every one of them is UNAVAILABLE.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := engine.ParseResourceID(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(a *app) error {
				var deleted []engine.ResourceID
				if tree {
					deleted, err = a.orch.DeleteTree(a.ctx, id)
				} else {
					_, err = a.registry.SoftDelete(a.ctx, id)
					deleted = []engine.ResourceID{id}
				}
				if err != nil {
					return err
				}
				return render(cmd, deleted, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Deleted: %s\n", joinIDs(deleted))
					return err
				})
			})
		},
	}

	cmd.Flags().BoolVar(&tree, "tree", false, "delete the resource and its descendants")

	return cmd
}

func newResourceTransitionCommand() *cobra.Command {
	var detail string

	cmd := &cobra.Command{
		Use:   "transition <id> <trigger>",
		Short: "Fire a lifecycle trigger on a resource",
		Long: `Fire a lifecycle trigger directly. Deploy and revoke runs fire their
triggers themselves; this is for the usage triggers (use, usage_complete)
and for manual repair.`,
		Example: `  rangekeeper resource transition 3 use
  rangekeeper resource transition 3 usage_complete`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := engine.ParseResourceID(args[0])
			if err != nil {
				return err
			}
			trigger := engine.Trigger(strings.ToLower(args[1]))
			if err := trigger.Validate(); err != nil {
				return err
			}

			return withApp(cmd, func(a *app) error {
				res, changed, err := a.registry.Transition(a.ctx, id, trigger, detail)
				if err != nil {
					return err
				}
				return render(cmd, res, func(w io.Writer) error {
					if !changed {
						_, err := fmt.Fprintf(w, "Resource %d already %s\n", id, res.Status)
						return err
					}
					_, err := fmt.Fprintf(w, "Resource %d is now %s\n", id, res.Status)
					return err
				})
			})
		},
	}

	cmd.Flags().StringVar(&detail, "detail", "", "note recorded with the transition")

	return cmd
}
