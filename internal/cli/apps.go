package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/storage"
	"github.com/roach88/trustagent/internal/store"
)

// AppView is one managed application in command output.
type AppView struct {
	KeyID         string `json:"key_id"`
	PublicKey     string `json:"public_key"`
	SyncState     string `json:"sync_state"`
	PolicyVersion uint32 `json:"policy_version"`
	Memberships   int    `json:"memberships"`
}

// NewAppsCommand creates the apps command group.
func NewAppsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Inspect and reset managed applications",
	}
	cmd.AddCommand(newAppsListCommand(rootOpts))
	cmd.AddCommand(newAppsResetCommand(rootOpts))
	return cmd
}

func newAppsListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List managed applications",
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

			apps, err := st.GetManagedApplications(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list applications", err)
			}

			views := make([]AppView, 0, len(apps))
			rows := make([][]string, 0, len(apps))
			for _, app := range apps {
				v, err := describeApp(ctx, st, app)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to read application "+app.KeyInfo.String(), err)
				}
				views = append(views, v)
				rows = append(rows, []string{v.KeyID, v.SyncState, strconv.FormatUint(uint64(v.PolicyVersion), 10), strconv.Itoa(v.Memberships)})
			}
			return f.Table(views, []string{"KEY ID", "SYNC STATE", "POLICY", "MEMBERSHIPS"}, rows)
		},
	}
}

func newAppsResetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <key>",
		Short: "Mark a managed application for reset",
		Long: `Mark a managed application for reset. The agent resets the application
the next time it is online and then forgets it.

The key is the application's public key in hex or its 40 character key id
as printed by "apps list".`,
		Args:          cobra.ExactArgs(1),
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

			app, err := resolveApp(ctx, st, args[0])
			if err != nil {
				return storeFailure(f, "reset failed", err)
			}
			if err := st.ResetApplication(ctx, app); err != nil {
				return storeFailure(f, "reset failed", err)
			}
			app, err = st.GetManagedApplication(ctx, app)
			if err != nil {
				return storeFailure(f, "reset failed", err)
			}
			return f.Success(fmt.Sprintf("%s: %s", app.KeyInfo, app.SyncState))
		},
	}
}

func describeApp(ctx context.Context, st *store.Store, app model.Application) (AppView, error) {
	p, err := st.GetPolicy(ctx, app)
	if err != nil {
		return AppView{}, err
	}
	memberships, err := st.GetMembershipCertificates(ctx, app)
	if err != nil {
		return AppView{}, err
	}
	return AppView{
		KeyID:         app.KeyInfo.String(),
		PublicKey:     app.KeyInfo.Hex(),
		SyncState:     app.SyncState.String(),
		PolicyVersion: p.Version,
		Memberships:   len(memberships),
	}, nil
}

// resolveApp finds the managed application named by a public key or a
// key id.
func resolveApp(ctx context.Context, st *store.Store, arg string) (model.Application, error) {
	if len(arg) == 2*model.PointSize {
		key, err := model.ParseKeyInfo(arg)
		if err != nil {
			return model.Application{}, fmt.Errorf("%w: %v", errInvalidKey, err)
		}
		return st.GetManagedApplication(ctx, model.NewApplication(key))
	}
	if len(arg) != 2*model.KeyIDSize {
		return model.Application{}, fmt.Errorf("%w: %q is neither a public key nor a key id", errInvalidKey, arg)
	}
	apps, err := st.GetManagedApplications(ctx)
	if err != nil {
		return model.Application{}, err
	}
	for _, app := range apps {
		if app.KeyInfo.String() == arg {
			return app, nil
		}
	}
	return model.Application{}, fmt.Errorf("application %s: %w", arg, storage.ErrNotFound)
}

var errInvalidKey = errors.New("invalid key")

// storeFailure reports a storage error with the code matching its cause.
func storeFailure(f *OutputFormatter, message string, err error) error {
	code := ErrCodeGeneric
	switch {
	case errors.Is(err, errInvalidKey):
		code = ErrCodeInvalidKey
	case storage.IsNotFound(err):
		code = ErrCodeUnknownItem
	case errors.Is(err, storage.ErrInUse):
		code = ErrCodeInUse
	}
	_ = f.Error(code, err.Error(), nil)
	return WrapExitError(ExitCommandError, message, err)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
