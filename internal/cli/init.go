package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/trustagent/internal/config"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Force bool // overwrite an existing config file
}

// InitResult is the output of init.
type InitResult struct {
	Config         string `json:"config"`
	Storage        string `json:"storage"`
	CAKeyID        string `json:"ca_key_id"`
	CAPublicKey    string `json:"ca_public_key"`
	AdminGroup     string `json:"admin_group"`
	AdminGroupName string `json:"admin_group_name"`
}

func (r InitResult) String() string {
	return fmt.Sprintf("Config:      %s\nStorage:     %s\nCA key:      %s\nAdmin group: %s (%s)",
		r.Config, r.Storage, r.CAKeyID, r.AdminGroupName, r.AdminGroup)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a config file and an agent database",
		Long: `Write a default config file unless one exists, then create the database
it names. A new database gets a certificate authority key and the admin
group. Running init again on an existing setup only reports it.

Examples:
  trustagent init
  trustagent init --config /etc/trustagent.yaml
  trustagent init --force`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(commandContext(cmd), opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing config file with defaults")

	return cmd
}

func runInit(ctx context.Context, opts *InitOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	if opts.ConfigPath == "" {
		opts.ConfigPath = DefaultConfigPath
	}
	_, err := os.Stat(opts.ConfigPath)
	switch {
	case errors.Is(err, fs.ErrNotExist) || (err == nil && opts.Force):
		if err := config.Write(opts.ConfigPath, config.Default()); err != nil {
			_ = f.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "init failed", err)
		}
		f.VerboseLog("wrote %s", opts.ConfigPath)
	case err != nil:
		_ = f.Error(ErrCodeReadFailed, err.Error(), nil)
		return WrapExitError(ExitCommandError, "init failed", err)
	}

	st, cfg, err := opts.openStore()
	if err != nil {
		_ = f.Error(ErrCodeGeneric, err.Error(), nil)
		return err
	}
	defer st.Close()

	ca, err := st.GetCaPublicKeyInfo(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read certificate authority", err)
	}
	admin, err := st.GetAdminGroup(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read admin group", err)
	}

	return f.Success(InitResult{
		Config:         opts.ConfigPath,
		Storage:        cfg.Storage.Path,
		CAKeyID:        ca.String(),
		CAPublicKey:    ca.Hex(),
		AdminGroup:     admin.GUID.String(),
		AdminGroupName: admin.Name,
	})
}
