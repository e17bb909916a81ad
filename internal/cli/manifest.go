package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/trustagent/internal/codec"
	"github.com/roach88/trustagent/internal/manifest"
)

// DigestResult is the output of manifest digest.
type DigestResult struct {
	File   string `json:"file"`
	Digest string `json:"digest"`
	Rules  int    `json:"rules"`
	CBOR   string `json:"cbor,omitempty"`
}

func (r DigestResult) String() string {
	s := fmt.Sprintf("%s  %s (%d rules)", r.Digest, r.File, r.Rules)
	if r.CBOR != "" {
		s += "\n" + r.CBOR
	}
	return s
}

// DiffResult is the output of manifest diff. Added holds what the new
// manifest grants beyond the old one, Removed the reverse.
type DiffResult struct {
	Added   []manifest.RuleSpec `json:"added"`
	Removed []manifest.RuleSpec `json:"removed"`
}

// NewManifestCommand creates the manifest command group.
func NewManifestCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Inspect manifest templates",
		Long: `Inspect manifest templates written in CUE or YAML.

A template holds its rules under a top-level manifest field:

  manifest: [{
      interface: "org.example.Lamp"
      members: [{name: "On", type: "PROPERTY", actions: ["PROVIDE", "OBSERVE"]}]
  }]`,
	}
	cmd.AddCommand(newManifestDigestCommand(rootOpts))
	cmd.AddCommand(newManifestDiffCommand(rootOpts))
	return cmd
}

func newManifestDigestCommand(opts *RootOptions) *cobra.Command {
	var showCBOR bool
	cmd := &cobra.Command{
		Use:   "digest <file> [file...]",
		Short: "Print the digest of a manifest template",
		Long: `Print the digest of a manifest template. Templates that grant the same
rights have the same digest regardless of rule order. Given several
templates, print the digest of the manifest granting all of them.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			var m manifest.Manifest
			for _, path := range args {
				next, err := loadManifestArg(f, path)
				if err != nil {
					return err
				}
				m = m.Union(next)
			}

			res := DigestResult{File: strings.Join(args, " + "), Digest: m.Digest().Hex(), Rules: m.Len()}
			if showCBOR {
				diag, err := codec.Diagnose(m.Bytes())
				if err != nil {
					return WrapExitError(ExitCommandError, "render byte form", err)
				}
				res.CBOR = diag
			}
			return f.Success(res)
		},
	}
	cmd.Flags().BoolVar(&showCBOR, "cbor", false, "Also print the byte form in CBOR diagnostic notation")
	return cmd
}

func newManifestDiffCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "diff <old> <new>",
		Short: "Show the rights a manifest update adds and removes",
		Long: `Show the rules the new template grants that the old one does not, and the
rules the old one grants that the new one does not.

Exit codes:
  0 - Both templates grant the same rights
  1 - The templates differ
  2 - Command error (unreadable or invalid template)`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			oldM, err := loadManifestArg(f, args[0])
			if err != nil {
				return err
			}
			newM, err := loadManifestArg(f, args[1])
			if err != nil {
				return err
			}

			added := newM.Difference(oldM)
			removed := oldM.Difference(newM)

			if opts.Format == "json" {
				if err := f.Success(DiffResult{Added: added.Specs(), Removed: removed.Specs()}); err != nil {
					return err
				}
			} else {
				fmt.Fprint(f.Writer, renderDiff(added, removed))
			}

			if added.IsEmpty() && removed.IsEmpty() {
				return nil
			}
			return NewExitError(ExitFailure, fmt.Sprintf("manifests differ: %d rules added, %d removed", added.Len(), removed.Len()))
		},
	}
}

func renderDiff(added, removed manifest.Manifest) string {
	if added.IsEmpty() && removed.IsEmpty() {
		return "No differences.\n"
	}
	var b strings.Builder
	for _, r := range added.Rules() {
		fmt.Fprintf(&b, "+ %s\n", r)
	}
	for _, r := range removed.Rules() {
		fmt.Fprintf(&b, "- %s\n", r)
	}
	return b.String()
}

func loadManifestArg(f *OutputFormatter, path string) (manifest.Manifest, error) {
	m, err := LoadManifest(path)
	if err != nil {
		code := ErrCodeGeneric
		var le *LoadError
		if errors.As(err, &le) {
			code = le.Code
		}
		_ = f.Error(code, err.Error(), nil)
		return manifest.Manifest{}, WrapExitError(ExitCommandError, "failed to load "+path, err)
	}
	return m, nil
}
