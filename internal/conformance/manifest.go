// Package conformance implements the Conformance Runner (C9):
// manifest-driven case execution with golden-artifact comparison.
//
// Grounded on
// original_source/crates/trust-runtime/src/bin/trust-runtime/conformance.rs.
package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ironloop/ironcycle/internal/errkind"
)

// RestartSpec is one scheduled restart within a case.
type RestartSpec struct {
	BeforeCycle int    `toml:"before_cycle"`
	Mode        string `toml:"mode"` // "warm" | "cold"
}

// CaseManifest is the decoded shape of one case directory's manifest.toml.
type CaseManifest struct {
	Category            string            `toml:"category"`
	Kind                string            `toml:"kind"` // "runtime" | ...
	Cycles              int               `toml:"cycles"`
	Sources             []string          `toml:"sources"`
	WatchGlobals        []string          `toml:"watch_globals"`
	WatchDirect         []string          `toml:"watch_direct"`
	AdvanceMS           []int64           `toml:"advance_ms"`
	InputSeries         map[string][]any  `toml:"input_series"`
	DirectInputSeries   map[string][]any  `toml:"direct_input_series"`
	Restarts            []RestartSpec     `toml:"restarts"`
}

const skipSentinel = "skip"

var manifestSchema = []byte(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["category", "kind", "cycles", "sources"],
  "properties": {
    "category": {"type": "string", "minLength": 1},
    "kind": {"type": "string", "minLength": 1},
    "cycles": {"type": "integer", "minimum": 0},
    "sources": {"type": "array", "items": {"type": "string"}, "minItems": 1},
    "watch_globals": {"type": "array", "items": {"type": "string"}},
    "watch_direct": {"type": "array", "items": {"type": "string"}},
    "advance_ms": {"type": "array", "items": {"type": "integer"}},
    "input_series": {"type": "object"},
    "direct_input_series": {"type": "object"},
    "restarts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["before_cycle", "mode"],
        "properties": {
          "before_cycle": {"type": "integer", "minimum": 1},
          "mode": {"type": "string", "enum": ["warm", "cold"]}
        }
      }
    }
  }
}`)

var compiledManifestSchema = mustCompileManifestSchema()

func mustCompileManifestSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.json", bytes.NewReader(manifestSchema)); err != nil {
		panic(err)
	}
	s, err := c.Compile("manifest.json")
	if err != nil {
		panic(err)
	}
	return s
}

// LoadManifest reads and validates one case directory's manifest.toml,
// carrying spec.md §4.8's invariants: runtime cases must declare cycles > 0,
// every declared series must have exactly `cycles` entries, and
// restart.before_cycle must fall within 1..=cycles.
func LoadManifest(path string) (CaseManifest, error) {
	var m CaseManifest
	data, err := os.ReadFile(path)
	if err != nil {
		return m, errkind.New(errkind.InvalidConfig, "conformance.LoadManifest", err)
	}
	if err := toml.Unmarshal(data, &m); err != nil {
		return m, errkind.New(errkind.InvalidConfig, "conformance.LoadManifest", err)
	}

	// Structural validation after a TOML -> JSON round trip through
	// map[string]any, matching the reference's Serde-based coercion path.
	var generic map[string]any
	if _, err := toml.Decode(string(data), &generic); err != nil {
		return m, errkind.New(errkind.InvalidConfig, "conformance.LoadManifest", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return m, errkind.New(errkind.InvalidConfig, "conformance.LoadManifest", err)
	}
	var asAny any
	if err := json.Unmarshal(asJSON, &asAny); err != nil {
		return m, errkind.New(errkind.InvalidConfig, "conformance.LoadManifest", err)
	}
	if err := compiledManifestSchema.Validate(asAny); err != nil {
		return m, errkind.New(errkind.InvalidConfig, "conformance.LoadManifest", err)
	}

	if err := validateManifestInvariants(m); err != nil {
		return m, errkind.New(errkind.InvalidConfig, "conformance.LoadManifest", err)
	}
	return m, nil
}

func validateManifestInvariants(m CaseManifest) error {
	if m.Kind == "runtime" && m.Cycles <= 0 {
		return fmt.Errorf("runtime case requires cycles > 0")
	}
	for name, series := range m.InputSeries {
		if len(series) != m.Cycles {
			return fmt.Errorf("input_series[%q] has %d entries, want %d (cycles)", name, len(series), m.Cycles)
		}
	}
	for name, series := range m.DirectInputSeries {
		if len(series) != m.Cycles {
			return fmt.Errorf("direct_input_series[%q] has %d entries, want %d (cycles)", name, len(series), m.Cycles)
		}
	}
	if len(m.AdvanceMS) != 0 && len(m.AdvanceMS) != m.Cycles {
		return fmt.Errorf("advance_ms has %d entries, want %d (cycles)", len(m.AdvanceMS), m.Cycles)
	}
	for _, r := range m.Restarts {
		if r.BeforeCycle < 1 || r.BeforeCycle > m.Cycles {
			return fmt.Errorf("restart.before_cycle %d out of range 1..=%d", r.BeforeCycle, m.Cycles)
		}
	}
	return nil
}

var caseIDPattern = regexp.MustCompile(`^cfm_[a-z0-9_]+_[a-z0-9-]+_\d{3}$`)

// CaseID formats the `cfm_<category>_<slug>_<NNN>` identifier (§4.8).
func CaseID(category, slug string, ordinal int) string {
	return fmt.Sprintf("cfm_%s_%s_%03d", category, slug, ordinal)
}

// DiscoverCases walks root for case directories (one manifest.toml per
// directory) and returns their paths in lexicographic order.
func DiscoverCases(root string) ([]string, error) {
	var dirs []string
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errkind.New(errkind.InvalidConfig, "conformance.DiscoverCases", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		manifestPath := filepath.Join(root, e.Name(), "manifest.toml")
		if _, err := os.Stat(manifestPath); err == nil {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	return dirs, nil
}
