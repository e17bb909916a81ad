package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/trustagent/internal/model"
)

// GroupView is one security group in command output.
type GroupView struct {
	GUID        string `json:"guid"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Admin       bool   `json:"admin,omitempty"`
}

// NewGroupsCommand creates the groups command group.
func NewGroupsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage security groups",
	}
	cmd.AddCommand(newGroupsAddCommand(rootOpts))
	cmd.AddCommand(newGroupsListCommand(rootOpts))
	cmd.AddCommand(newGroupsRemoveCommand(rootOpts))
	return cmd
}

func newGroupsAddCommand(opts *RootOptions) *cobra.Command {
	var desc, guid string

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a security group, or rename one with --guid",
		Example: `  trustagent groups add operators --description "Lamp operators"
  trustagent groups add lamp-operators --guid 2f1c7c52-41a8-4b7e-9d4a-0b8e8c0f6a11`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := opts.formatter(cmd)

			g := model.GroupInfo{Name: args[0], Desc: desc}
			if guid != "" {
				parsed, err := model.ParseGUID(guid)
				if err != nil {
					_ = f.Error(ErrCodeInvalidKey, err.Error(), nil)
					return WrapExitError(ExitCommandError, "invalid --guid", err)
				}
				g.GUID = parsed
			}

			st, _, err := opts.openStore()
			if err != nil {
				_ = f.Error(ErrCodeGeneric, err.Error(), nil)
				return err
			}
			defer st.Close()

			stored, err := st.StoreGroup(ctx, g)
			if err != nil {
				return storeFailure(f, "failed to store group", err)
			}
			f.VerboseLog("stored group %s", stored.Key())
			if opts.Format == "json" {
				return f.Success(GroupView{GUID: stored.GUID.String(), Name: stored.Name, Description: stored.Desc})
			}
			return f.Success(stored.GUID.String())
		},
	}

	cmd.Flags().StringVarP(&desc, "description", "d", "", "group description")
	cmd.Flags().StringVar(&guid, "guid", "", "GUID of an existing group to rename")

	return cmd
}

func newGroupsListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List security groups",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := opts.formatter(cmd)

			st, _, err := opts.openStore()
			if err != nil {
				_ = f.Error(ErrCodeGeneric, err.Error(), nil)
				return err
			}
			defer st.Close()

			admin, err := st.GetAdminGroup(ctx)
			if err != nil {
				return storeFailure(f, "failed to read admin group", err)
			}
			groups, err := st.GetGroups(ctx)
			if err != nil {
				return storeFailure(f, "failed to list groups", err)
			}

			views := make([]GroupView, 0, len(groups))
			rows := make([][]string, 0, len(groups))
			for _, g := range groups {
				v := GroupView{GUID: g.GUID.String(), Name: g.Name, Description: g.Desc, Admin: g.Equal(admin)}
				views = append(views, v)
				name := v.Name
				if v.Admin {
					name += " (admin)"
				}
				rows = append(rows, []string{v.GUID, name, v.Description})
			}
			return f.Table(views, []string{"GUID", "NAME", "DESCRIPTION"}, rows)
		},
	}
}

func newGroupsRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <guid>",
		Short: "Remove a security group",
		Long: `Remove a security group and every membership of it. Applications that
held a membership become pending until the agent has removed the
certificate from them. The admin group cannot be removed.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := opts.formatter(cmd)

			guid, err := model.ParseGUID(args[0])
			if err != nil {
				_ = f.Error(ErrCodeInvalidKey, err.Error(), nil)
				return WrapExitError(ExitCommandError, "invalid group", err)
			}

			st, _, err := opts.openStore()
			if err != nil {
				_ = f.Error(ErrCodeGeneric, err.Error(), nil)
				return err
			}
			defer st.Close()

			if err := st.RemoveGroup(ctx, model.InfoKey{GUID: guid}); err != nil {
				return storeFailure(f, "failed to remove group", err)
			}
			return f.Success(fmt.Sprintf("removed %s", guid))
		},
	}
}
