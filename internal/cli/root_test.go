package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/trustagent/internal/config"
)

// execute runs the root command with args and returns stdout, stderr and
// the error.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// writeTestConfig writes a config whose database lives in a temporary
// directory and returns its path.
func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.Path = filepath.Join(dir, "agent.db")
	path := filepath.Join(dir, "trustagent.yaml")
	require.NoError(t, config.Write(path, cfg))
	return path
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "trustagent", cmd.Use)
	assert.Contains(t, cmd.Long, "certificate authority")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"init"},
		{"apps", "list"},
		{"apps", "reset"},
		{"groups", "add"},
		{"groups", "list"},
		{"groups", "remove"},
		{"identities", "add"},
		{"identities", "list"},
		{"identities", "remove"},
		{"manifest", "digest"},
		{"manifest", "diff"},
		{"scenario", "run"},
	}

	for _, path := range commands {
		t.Run(strings.Join(path, " "), func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err)
			require.NotNil(t, subCmd)
			assert.Equal(t, path[len(path)-1], subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
	assert.Equal(t, "", configFlag.DefValue)
}

func TestScenarioRunFlags(t *testing.T) {
	cmd := NewRootCommand()
	runCmd, _, err := cmd.Find([]string{"scenario", "run"})
	require.NoError(t, err)

	assert.NotNil(t, runCmd.Flags().Lookup("update"))
	assert.NotNil(t, runCmd.Flags().Lookup("filter"))
}

func TestInvalidFormat(t *testing.T) {
	_, _, err := execute(t, "groups", "list", "--format", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid format "xml"`)
}

func TestMissingConfigFile(t *testing.T) {
	_, _, err := execute(t, "groups", "list", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	opts := &RootOptions{Stderr: buf}

	cfg := config.Default()
	cfg.Log.Format = "json"
	logger := opts.logger(cfg)
	logger.Debug("hidden")
	logger.Info("shown", "app", "k1")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"app":"k1"`)

	buf.Reset()
	opts.Verbose = true
	cfg.Log.Format = "text"
	opts.logger(cfg).Debug("detail")
	assert.Contains(t, buf.String(), "level=DEBUG msg=detail")
	assert.True(t, opts.logger(cfg).Enabled(context.Background(), slog.LevelDebug))
}
