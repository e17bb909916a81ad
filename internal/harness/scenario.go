package harness

import (
	"bytes"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/trustagent/internal/manifest"
	"github.com/roach88/trustagent/internal/model"
	"github.com/roach88/trustagent/internal/testutil"
	"github.com/roach88/trustagent/internal/transport"
)

// Scenario describes a fleet of fake devices, the operations applied to
// it and the expected outcome.
type Scenario struct {
	// Name uniquely identifies this scenario. Golden files are named after it.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Identity is the name of the identity assigned to claimed devices.
	// Defaults to "default".
	Identity string `yaml:"identity,omitempty"`

	// Groups are created in storage before the first step.
	Groups []GroupDef `yaml:"groups,omitempty"`

	// Devices are the applications available on the bus. They go online
	// with an announce step.
	Devices []DeviceDef `yaml:"devices"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Expect checks the final state of devices.
	Expect []DeviceExpectation `yaml:"expect,omitempty"`

	// Assertions validate the trace.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// GroupDef is a security group created for the scenario.
type GroupDef struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// DeviceDef is a fake application.
type DeviceDef struct {
	Name string `yaml:"name"`

	// State is the application state reported when announced. Defaults
	// to CLAIMABLE.
	State string `yaml:"state,omitempty"`

	// Capabilities are the claim capabilities joined by '|'. Defaults to
	// ECDHE_NULL.
	Capabilities string `yaml:"capabilities,omitempty"`

	// Manifest is the manifest template the device requests.
	Manifest []manifest.RuleSpec `yaml:"manifest"`
}

// Step is one operation on the fleet. Do selects the operation; the
// other fields are its arguments.
type Step struct {
	Do     string `yaml:"do"`
	Device string `yaml:"device,omitempty"`

	// State for set_state.
	State string `yaml:"state,omitempty"`

	// Session is the claim capability a claim step selects, e.g.
	// ECDHE_PSK. Defaults to the first supported of ECDHE_NULL and
	// ECDHE_ECDSA.
	Session string `yaml:"session,omitempty"`

	// Secret is the PSK or password of a claim step.
	Secret string `yaml:"secret,omitempty"`

	// Reject makes the claim listener reject the manifest.
	Reject bool `yaml:"reject,omitempty"`

	// Op and Once configure a fail step.
	Op   string `yaml:"op,omitempty"`
	Once bool   `yaml:"once,omitempty"`

	// Group names a scenario group for membership steps.
	Group string `yaml:"group,omitempty"`

	// Manifest for request_manifest.
	Manifest []manifest.RuleSpec `yaml:"manifest,omitempty"`

	// ExpectError is a substring of the error the step must return. A
	// step without it must succeed.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Step operations.
const (
	StepAnnounce         = "announce"
	StepLeave            = "leave"
	StepSetState         = "set_state"
	StepClaim            = "claim"
	StepSync             = "sync"
	StepFail             = "fail"
	StepClearFailures    = "clear_failures"
	StepBumpPolicy       = "bump_policy"
	StepInstallMember    = "install_membership"
	StepRemoveMember     = "remove_membership"
	StepRequestManifest  = "request_manifest"
	StepApproveManifests = "approve_manifest_updates"
	StepReset            = "reset"
)

var stepDeviceRequired = map[string]bool{
	StepAnnounce:         true,
	StepLeave:            true,
	StepSetState:         true,
	StepClaim:            true,
	StepSync:             false,
	StepFail:             true,
	StepClearFailures:    false,
	StepBumpPolicy:       true,
	StepInstallMember:    true,
	StepRemoveMember:     true,
	StepRequestManifest:  true,
	StepApproveManifests: false,
	StepReset:            true,
}

var busOps = []testutil.Op{
	testutil.OpGetManifestTemplate,
	testutil.OpGetClaimCapabilities,
	testutil.OpClaim,
	testutil.OpGetApplicationState,
	testutil.OpGetConfiguration,
	testutil.OpUpdateIdentity,
	testutil.OpInstallMembership,
	testutil.OpRemoveMembership,
	testutil.OpUpdatePolicy,
	testutil.OpReset,
}

// DeviceExpectation is the expected final state of one device. Unset
// fields are not checked.
type DeviceExpectation struct {
	Device           string  `yaml:"device"`
	ApplicationState string  `yaml:"application_state,omitempty"`
	SyncState        string  `yaml:"sync_state,omitempty"`
	Managed          *bool   `yaml:"managed,omitempty"`
	PolicyVersion    *uint32 `yaml:"policy_version,omitempty"`
	Memberships      *int    `yaml:"memberships,omitempty"`
	Resets           *int    `yaml:"resets,omitempty"`
}

// Assertion validates the trace.
type Assertion struct {
	// Type is one of trace_contains, trace_order, trace_count.
	Type string `yaml:"type"`

	// Event matches a single event (trace_contains, trace_count).
	Event EventMatch `yaml:"event,omitempty"`

	// Events is the expected order (trace_order).
	Events []EventMatch `yaml:"events,omitempty"`

	// Count is the expected number of matching events (trace_count).
	Count int `yaml:"count,omitempty"`
}

// EventMatch selects trace events. Empty fields match anything.
type EventMatch struct {
	Type   string `yaml:"type,omitempty"`
	Device string `yaml:"device,omitempty"`
	Kind   string `yaml:"kind,omitempty"`
	To     string `yaml:"to,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos surface as errors.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates a scenario document.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	groups := make(map[string]bool, len(s.Groups))
	for i, g := range s.Groups {
		if g.Name == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if groups[g.Name] {
			return fmt.Errorf("groups[%d]: duplicate group %q", i, g.Name)
		}
		groups[g.Name] = true
	}

	devices := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if devices[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d.Name)
		}
		devices[d.Name] = true
		if d.State != "" {
			if _, err := model.ParseApplicationState(d.State); err != nil {
				return fmt.Errorf("devices[%d]: %w", i, err)
			}
		}
		if _, err := transport.ParseClaimCapabilities(d.Capabilities); err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if _, err := manifest.FromSpecs(d.Manifest); err != nil {
			return fmt.Errorf("devices[%d].manifest: %w", i, err)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(step, devices, groups); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	for i, e := range s.Expect {
		if !devices[e.Device] {
			return fmt.Errorf("expect[%d]: unknown device %q", i, e.Device)
		}
		if e.ApplicationState != "" {
			if _, err := model.ParseApplicationState(e.ApplicationState); err != nil {
				return fmt.Errorf("expect[%d]: %w", i, err)
			}
		}
		if e.SyncState != "" {
			if _, err := model.ParseSyncState(e.SyncState); err != nil {
				return fmt.Errorf("expect[%d]: %w", i, err)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step, devices, groups map[string]bool) error {
	needsDevice, known := stepDeviceRequired[step.Do]
	if !known {
		return fmt.Errorf("unknown step %q", step.Do)
	}
	if needsDevice && step.Device == "" {
		return fmt.Errorf("%s: device is required", step.Do)
	}
	if step.Device != "" && !devices[step.Device] {
		return fmt.Errorf("%s: unknown device %q", step.Do, step.Device)
	}

	switch step.Do {
	case StepSetState:
		if _, err := model.ParseApplicationState(step.State); err != nil {
			return fmt.Errorf("%s: %w", step.Do, err)
		}
	case StepClaim:
		if step.Session != "" {
			c, err := transport.ParseClaimCapabilities(step.Session)
			if err != nil {
				return fmt.Errorf("%s: %w", step.Do, err)
			}
			if !c.IsSingle() {
				return fmt.Errorf("%s: session must name one capability, got %s", step.Do, c)
			}
		}
	case StepFail:
		if !slices.Contains(busOps, testutil.Op(step.Op)) {
			return fmt.Errorf("%s: unknown op %q", step.Do, step.Op)
		}
	case StepInstallMember, StepRemoveMember:
		if !groups[step.Group] {
			return fmt.Errorf("%s: unknown group %q", step.Do, step.Group)
		}
	case StepRequestManifest:
		if _, err := manifest.FromSpecs(step.Manifest); err != nil {
			return fmt.Errorf("%s: %w", step.Do, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertTraceContains:
		if a.Event == (EventMatch{}) {
			return fmt.Errorf("event is required for trace_contains")
		}
	case AssertTraceOrder:
		if len(a.Events) == 0 {
			return fmt.Errorf("events list is required for trace_order")
		}
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("count must be non-negative for trace_count")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
