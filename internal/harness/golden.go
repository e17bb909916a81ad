package harness

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/trustagent/internal/model"
)

// GoldenDir is where RunWithGolden keeps golden files, relative to the
// package under test.
const GoldenDir = "testdata/golden"

// canonicalEvent converts e to the map form accepted by
// model.MarshalCanonical, leaving out empty fields.
func canonicalEvent(e TraceEvent) map[string]any {
	m := map[string]any{
		"seq":  e.Seq,
		"type": e.Type,
	}
	for k, v := range map[string]string{
		"device": e.Device,
		"do":     e.Do,
		"from":   e.From,
		"to":     e.To,
		"kind":   e.Kind,
	} {
		if v != "" {
			m[k] = v
		}
	}
	if e.Type == EventManifestUpdate {
		m["added"] = e.Added
		m["removed"] = e.Removed
	}
	return m
}

// RenderTrace writes one canonical JSON object per event and line,
// followed by a final line naming the scenario outcome.
func RenderTrace(name string, result *Result) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range result.Trace {
		line, err := model.MarshalCanonical(canonicalEvent(e))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", e.Seq, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	footer, err := model.MarshalCanonical(map[string]any{
		"scenario": name,
		"pass":     result.Pass,
		"events":   len(result.Trace),
	})
	if err != nil {
		return nil, err
	}
	buf.Write(footer)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares its trace with
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario, opts ...Option) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario, opts...)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the trace of an existing result with the golden
// file named scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := RenderTrace(scenarioName, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}
