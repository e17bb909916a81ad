package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/trustagent/internal/model"
)

// IdentityView is one identity in command output.
type IdentityView struct {
	GUID string `json:"guid"`
	Name string `json:"name"`
}

// NewIdentitiesCommand creates the identities command group.
func NewIdentitiesCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identities",
		Short: "Manage identities assigned to claimed applications",
	}
	cmd.AddCommand(newIdentitiesAddCommand(rootOpts))
	cmd.AddCommand(newIdentitiesListCommand(rootOpts))
	cmd.AddCommand(newIdentitiesRemoveCommand(rootOpts))
	return cmd
}

func newIdentitiesAddCommand(opts *RootOptions) *cobra.Command {
	var guid string

	cmd := &cobra.Command{
		Use:           "add <name>",
		Short:         "Create an identity, or rename one with --guid",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := opts.formatter(cmd)

			id := model.IdentityInfo{Name: args[0]}
			if guid != "" {
				parsed, err := model.ParseGUID(guid)
				if err != nil {
					_ = f.Error(ErrCodeInvalidKey, err.Error(), nil)
					return WrapExitError(ExitCommandError, "invalid --guid", err)
				}
				id.GUID = parsed
			}

			st, _, err := opts.openStore()
			if err != nil {
				_ = f.Error(ErrCodeGeneric, err.Error(), nil)
				return err
			}
			defer st.Close()

			stored, err := st.StoreIdentity(ctx, id)
			if err != nil {
				return storeFailure(f, "failed to store identity", err)
			}
			if opts.Format == "json" {
				return f.Success(IdentityView{GUID: stored.GUID.String(), Name: stored.Name})
			}
			return f.Success(stored.GUID.String())
		},
	}

	cmd.Flags().StringVar(&guid, "guid", "", "GUID of an existing identity to rename")

	return cmd
}

func newIdentitiesListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List identities",
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

			ids, err := st.GetIdentities(ctx)
			if err != nil {
				return storeFailure(f, "failed to list identities", err)
			}
			views := make([]IdentityView, 0, len(ids))
			rows := make([][]string, 0, len(ids))
			for _, id := range ids {
				views = append(views, IdentityView{GUID: id.GUID.String(), Name: id.Name})
				rows = append(rows, []string{id.GUID.String(), id.Name})
			}
			return f.Table(views, []string{"GUID", "NAME"}, rows)
		},
	}
}

func newIdentitiesRemoveCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "remove <guid>",
		Short:         "Remove an identity no application uses",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			f := opts.formatter(cmd)

			guid, err := model.ParseGUID(args[0])
			if err != nil {
				_ = f.Error(ErrCodeInvalidKey, err.Error(), nil)
				return WrapExitError(ExitCommandError, "invalid identity", err)
			}

			st, _, err := opts.openStore()
			if err != nil {
				_ = f.Error(ErrCodeGeneric, err.Error(), nil)
				return err
			}
			defer st.Close()

			if err := st.RemoveIdentity(ctx, model.InfoKey{GUID: guid}); err != nil {
				return storeFailure(f, "failed to remove identity", err)
			}
			return f.Success(fmt.Sprintf("removed %s", guid))
		},
	}
}
