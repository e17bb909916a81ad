package cli

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
	"gopkg.in/yaml.v3"

	"github.com/roach88/trustagent/internal/manifest"
)

// manifestSchema constrains the shape of CUE manifest templates. Member
// types and actions are checked when the rules are built.
const manifestSchema = `
#Member: {
	name:    string
	type?:   string
	actions: [...string]
}
#Rule: {
	interface: string
	members: [...#Member]
}
manifest: [...#Rule]
`

// LoadError represents an error that occurred while loading a manifest
// template.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadManifest reads a manifest template from a .cue, .yaml or .yml file.
// Both forms hold the rules under a top-level manifest field:
//
//	manifest: [{
//		interface: "org.example.Lamp"
//		members: [{name: "On", type: "PROPERTY", actions: ["PROVIDE", "OBSERVE"]}]
//	}]
func LoadManifest(path string) (manifest.Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return manifest.Manifest{}, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("manifest file not found: %s", path)}
	}
	if err != nil {
		return manifest.Manifest{}, &LoadError{Code: ErrCodeReadFailed, Message: fmt.Sprintf("reading %s: %v", path, err)}
	}

	var specs []manifest.RuleSpec
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".cue":
		specs, err = decodeCUEManifest(path, data)
	case ".yaml", ".yml":
		specs, err = decodeYAMLManifest(data)
	default:
		return manifest.Manifest{}, &LoadError{Code: ErrCodeUnsupported, Message: fmt.Sprintf("unsupported manifest file type %q", ext)}
	}
	if err != nil {
		return manifest.Manifest{}, err
	}

	m, err := manifest.FromSpecs(specs)
	if err != nil {
		return manifest.Manifest{}, &LoadError{Code: ErrCodeInvalidManifest, Message: err.Error()}
	}
	return m, nil
}

func decodeCUEManifest(path string, data []byte) ([]manifest.RuleSpec, error) {
	ctx := cuecontext.New()
	file := ctx.CompileBytes(data, cue.Filename(path))
	if err := file.Err(); err != nil {
		return nil, cueLoadError(ErrCodeLoadFailed, err)
	}
	if !file.LookupPath(cue.ParsePath("manifest")).Exists() {
		return nil, &LoadError{Code: ErrCodeNoManifest, Message: "no manifest field", Pos: file.Pos()}
	}

	schema := ctx.CompileString(manifestSchema, cue.Filename("schema.cue"))
	value := schema.Unify(file)
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, cueLoadError(ErrCodeBuildFailed, err)
	}

	var specs []manifest.RuleSpec
	if err := value.LookupPath(cue.ParsePath("manifest")).Decode(&specs); err != nil {
		return nil, cueLoadError(ErrCodeBuildFailed, err)
	}
	return specs, nil
}

// cueLoadError keeps the position of the first CUE error.
func cueLoadError(code string, err error) *LoadError {
	le := &LoadError{Code: code, Message: err.Error()}
	if errs := cueerrors.Errors(err); len(errs) > 0 {
		le.Pos = errs[0].Position()
		le.Message = errs[0].Error()
	}
	return le
}

type yamlManifest struct {
	Manifest []manifest.RuleSpec `yaml:"manifest"`
}

func decodeYAMLManifest(data []byte) ([]manifest.RuleSpec, error) {
	var doc yamlManifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &LoadError{Code: ErrCodeLoadFailed, Message: fmt.Sprintf("parsing YAML: %v", err)}
	}
	if doc.Manifest == nil {
		return nil, &LoadError{Code: ErrCodeNoManifest, Message: "no manifest field"}
	}
	return doc.Manifest, nil
}

// Error code constants, shared by every command.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeReadFailed  = "E002" // File read error
	ErrCodeUnsupported = "E003" // Unsupported file type
	ErrCodeLoadFailed  = "E004" // CUE or YAML parse failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeBuildFailed = "E006" // CUE evaluation failed
	ErrCodeWriteFailed = "E007" // File write error

	// Manifest errors
	ErrCodeInvalidManifest = "E101" // Rule, member type or action rejected
	ErrCodeNoManifest      = "E102" // No top-level manifest field

	// Storage errors
	ErrCodeInvalidKey  = "E201" // Malformed key or GUID argument
	ErrCodeUnknownItem = "E202" // Application, group or identity not found
	ErrCodeInUse       = "E203" // Item cannot be removed
)
