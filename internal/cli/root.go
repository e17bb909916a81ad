package cli

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/trustagent/internal/config"
	"github.com/roach88/trustagent/internal/store"
)

// DefaultConfigPath is read when --config is not given. A missing file
// at this path means built-in defaults.
const DefaultConfigPath = "trustagent.yaml"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Verbose    bool
	Format     string // "json" | "text"

	// Stderr receives log output. Defaults to os.Stderr.
	Stderr io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the trustagent CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "trustagent",
		Short: "Security agent for a fleet of bus applications",
		Long: `Manage the certificate authority of a security agent: the applications it
has claimed, the security groups and identities it hands out, and the
manifest templates applications request.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Stderr == nil {
				opts.Stderr = cmd.ErrOrStderr()
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (default "+DefaultConfigPath+")")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewAppsCommand(opts))
	cmd.AddCommand(NewGroupsCommand(opts))
	cmd.AddCommand(NewIdentitiesCommand(opts))
	cmd.AddCommand(NewManifestCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig reads the config file named by --config, or the default
// path when it exists.
func (o *RootOptions) loadConfig() (config.Config, error) {
	path := o.ConfigPath
	if path == "" {
		if _, err := os.Stat(DefaultConfigPath); errors.Is(err, fs.ErrNotExist) {
			return config.Load("")
		}
		path = DefaultConfigPath
	}
	return config.Load(path)
}

// logger builds the slog logger described by cfg. --verbose lowers the
// level to debug.
func (o *RootOptions) logger(cfg config.Config) *slog.Logger {
	level := cfg.LogLevel()
	if o.Verbose {
		level = slog.LevelDebug
	}
	w := o.Stderr
	if w == nil {
		w = os.Stderr
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

// openStore loads the configuration and opens the store it names.
func (o *RootOptions) openStore() (*store.Store, config.Config, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	opts := append(storeOptions(cfg), store.WithLogger(o.logger(cfg)))
	st, err := store.Open(cfg.Storage.Path, opts...)
	if err != nil {
		return nil, config.Config{}, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, cfg, nil
}

// storeOptions maps the storage, certificate and admin group sections to
// store options.
func storeOptions(cfg config.Config) []store.Option {
	return []store.Option{
		store.WithBusyTimeout(cfg.Storage.BusyTimeout.Std()),
		store.WithIdentityValidity(cfg.Certificates.IdentityValidity.Std()),
		store.WithMembershipValidity(cfg.Certificates.MembershipValidity.Std()),
		store.WithAdminGroup(cfg.AdminGroup.Name, cfg.AdminGroup.Description),
	}
}

// formatter returns the output formatter of cmd.
func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}
