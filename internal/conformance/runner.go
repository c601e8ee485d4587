package conformance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ironloop/ironcycle/internal/bytecode"
	"github.com/ironloop/ironcycle/internal/debugctl"
	"github.com/ironloop/ironcycle/internal/errkind"
	"github.com/ironloop/ironcycle/internal/executor"
	"github.com/ironloop/ironcycle/internal/value"
)

// CycleRecord is one case's per-cycle observation (§4.8).
type CycleRecord struct {
	Cycle           int               `json:"cycle"`
	RuntimeTimeNanos int64            `json:"runtime_time_nanos"`
	Globals         map[string]string `json:"globals"`
	Direct          map[string]string `json:"direct"`
	Errors          []string          `json:"errors"`
}

// CaseResult is one case's comparison outcome before being folded into a
// SummaryOutput.
type CaseResult struct {
	CaseID      string
	Category    string
	Status      string // "passed" | "failed" | "error" | "skipped"
	ExpectedRef string
	ActualRef   string
	DurationMS  int64
	Cycles      int
	ReasonCode  string
	ReasonMsg   string
}

// Reason is the structured failure/error annotation in the summary.
type Reason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ResultEntry is one case's line in SummaryOutput.results.
type ResultEntry struct {
	CaseID      string  `json:"case_id"`
	Category    string  `json:"category"`
	Status      string  `json:"status"`
	ExpectedRef string  `json:"expected_ref"`
	ActualRef   string  `json:"actual_ref,omitempty"`
	DurationMS  *int64  `json:"duration_ms,omitempty"`
	Cycles      *int    `json:"cycles,omitempty"`
	Reason      *Reason `json:"reason,omitempty"`
}

// RuntimeInfo identifies the runtime under test in the summary header.
type RuntimeInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Target  string `json:"target"`
}

// SummaryOutput is the full conformance report (§4.8/§6), profile
// "ironcycle-conformance-v1".
type SummaryOutput struct {
	Version        int         `json:"version"`
	Profile        string      `json:"profile"`
	GeneratedAtUTC time.Time   `json:"generated_at_utc"`
	Ordering       string      `json:"ordering"`
	Runtime        RuntimeInfo `json:"runtime"`
	Summary        struct {
		Total   int `json:"total"`
		Passed  int `json:"passed"`
		Failed  int `json:"failed"`
		Errors  int `json:"errors"`
		Skipped int `json:"skipped"`
	} `json:"summary"`
	Results []ResultEntry `json:"results"`
}

const profileName = "ironcycle-conformance-v1"

// Runner executes conformance cases discovered under a root directory.
type Runner struct {
	Root            string
	ExpectedRoot    string
	UpdateExpected  bool
	Runtime         RuntimeInfo
}

// RunAll discovers every case under r.Root, executes it, and builds the
// final summary. Case ids are assigned per-category in directory-listing
// order, matching CaseID's 3-digit ordinal.
func (r *Runner) RunAll() (SummaryOutput, error) {
	dirs, err := DiscoverCases(r.Root)
	if err != nil {
		return SummaryOutput{}, err
	}

	byCategory := map[string]int{}
	var results []CaseResult
	for _, dir := range dirs {
		category := filepath.Base(filepath.Dir(dir))
		if category == "." || category == "" {
			category = filepath.Base(dir)
		}
		if m, err := LoadManifest(filepath.Join(dir, "manifest.toml")); err == nil && m.Category != "" {
			category = m.Category
		}
		slug := filepath.Base(dir)
		byCategory[category]++
		caseID := CaseID(category, slug, byCategory[category])
		results = append(results, r.runOne(dir, caseID))
	}

	sort.Slice(results, func(i, j int) bool { return results[i].CaseID < results[j].CaseID })
	return buildSummary(r.Runtime, results), nil
}

func (r *Runner) runOne(dir, caseID string) CaseResult {
	start := time.Now()
	manifest, err := LoadManifest(filepath.Join(dir, "manifest.toml"))
	if err != nil {
		return CaseResult{CaseID: caseID, Status: "error", ReasonCode: "invalid_manifest", ReasonMsg: err.Error()}
	}

	records, runErr := r.execute(dir, manifest)
	elapsed := time.Since(start).Milliseconds()

	expectedPath := filepath.Join(r.ExpectedRoot, manifest.Category, caseID+".json")
	res := CaseResult{
		CaseID: caseID, Category: manifest.Category, DurationMS: elapsed,
		Cycles: manifest.Cycles, ExpectedRef: expectedPath,
	}
	if runErr != nil {
		res.Status = "error"
		res.ReasonCode = "execution_failed"
		res.ReasonMsg = runErr.Error()
		return res
	}

	actual := map[string]any{"records": records}

	if r.UpdateExpected {
		if err := writeExpected(expectedPath, actual); err != nil {
			res.Status = "error"
			res.ReasonCode = "expected_write_failed"
			res.ReasonMsg = err.Error()
			return res
		}
		res.Status = "passed"
		return res
	}

	expectedData, err := os.ReadFile(expectedPath)
	if err != nil {
		res.Status = "error"
		res.ReasonCode = "expected_missing"
		res.ReasonMsg = err.Error()
		return res
	}
	var expected any
	if err := json.Unmarshal(expectedData, &expected); err != nil {
		res.Status = "error"
		res.ReasonCode = "expected_missing"
		res.ReasonMsg = err.Error()
		return res
	}

	actualJSON, _ := json.Marshal(actual)
	var actualAny any
	json.Unmarshal(actualJSON, &actualAny)

	if !structuralEqual(expected, actualAny) {
		res.Status = "failed"
		res.ReasonCode = "expected_mismatch"
		res.ReasonMsg = "recorded cycles do not match the expected artifact"
		return res
	}
	res.Status = "passed"
	return res
}

// execute runs the case's declared cycles in the order §4.8 mandates:
// restarts scheduled before this cycle, time advance, input application
// (respecting the "skip" sentinel), execute, record watched state.
func (r *Runner) execute(dir string, m CaseManifest) ([]CycleRecord, error) {
	mod, err := loadCaseModule(dir, m)
	if err != nil {
		return nil, err
	}

	storage := value.NewStorage(mod.RetainedNames())
	for _, v := range mod.Variables {
		storage.SetGlobal(v.Name, value.Float(value.KindLReal, v.Initial))
	}
	control := debugctl.NewControl()
	ex := executor.New(mod, storage, control, make(chan debugctl.DebugStop, 1), executor.FaultPolicy{Kind: executor.FaultContinueLogged})

	taskName := ""
	if len(mod.Tasks) > 0 {
		taskName = mod.Tasks[0].Name
	}

	restartsByCycle := map[int]RestartSpec{}
	for _, rs := range m.Restarts {
		restartsByCycle[rs.BeforeCycle] = rs
	}

	var runtimeTimeNanos int64
	var records []CycleRecord

	for cycle := 1; cycle <= m.Cycles; cycle++ {
		if rs, ok := restartsByCycle[cycle]; ok {
			warm := rs.Mode != "cold"
			initial := make(map[string]value.Value, len(mod.Variables))
			for _, v := range mod.Variables {
				initial[v.Name] = value.Float(value.KindLReal, v.Initial)
			}
			storage.Reset(warm, initial)
		}

		if len(m.AdvanceMS) >= cycle {
			runtimeTimeNanos += m.AdvanceMS[cycle-1] * int64(time.Millisecond)
		}

		applyInputSeries(storage, m.InputSeries, cycle-1, "")
		applyInputSeries(storage, m.DirectInputSeries, cycle-1, "direct.")

		var errs []string
		if taskName != "" {
			res, err := ex.ExecuteCycle(taskName)
			if err != nil {
				errs = append(errs, err.Error())
			}
			for _, e := range res.Errors {
				errs = append(errs, e.Error())
			}
		}

		rec := CycleRecord{
			Cycle: cycle, RuntimeTimeNanos: runtimeTimeNanos,
			Globals: map[string]string{}, Direct: map[string]string{}, Errors: errs,
		}
		for _, name := range m.WatchGlobals {
			if v, ok := storage.Global(name); ok {
				rec.Globals[name] = v.String()
			}
		}
		for _, addr := range m.WatchDirect {
			if v, ok := storage.Global("direct." + addr); ok {
				rec.Direct[addr] = v.String()
			}
		}
		records = append(records, rec)
	}

	return records, nil
}

// applyInputSeries writes each series' value for cycleIndex into storage as
// a global under prefix+name, skipping entries equal to the "skip" sentinel
// (§4.8: "apply per-cycle input values (respecting the skip sentinel)").
func applyInputSeries(storage *value.Storage, series map[string][]any, cycleIndex int, prefix string) {
	for name, values := range series {
		if cycleIndex >= len(values) {
			continue
		}
		raw := values[cycleIndex]
		if s, ok := raw.(string); ok && s == skipSentinel {
			continue
		}
		storage.SetGlobal(prefix+name, toValue(raw))
	}
}

func toValue(raw any) value.Value {
	switch v := raw.(type) {
	case bool:
		return value.Bool(v)
	case int64:
		return value.Int(value.KindDInt, v)
	case float64:
		if v == float64(int64(v)) {
			return value.Int(value.KindDInt, int64(v))
		}
		return value.Float(value.KindLReal, v)
	case string:
		return value.Str(value.KindString, v)
	default:
		return value.Null()
	}
}

// loadCaseModule decodes the case's bytecode source file(s) — the compiled
// representation this module operates on, since an ST front end is out of
// scope (see DESIGN.md).
func loadCaseModule(dir string, m CaseManifest) (*bytecode.Module, error) {
	if len(m.Sources) == 0 {
		return nil, fmt.Errorf("case %s declares no sources", dir)
	}
	raw, err := os.ReadFile(filepath.Join(dir, m.Sources[0]))
	if err != nil {
		return nil, errkind.New(errkind.InvalidConfig, "conformance.loadCaseModule", err)
	}
	mod, err := bytecode.Load(raw)
	if err != nil {
		return nil, errkind.New(errkind.InvalidConfig, "conformance.loadCaseModule", err)
	}
	return mod, nil
}

func structuralEqual(a, b any) bool {
	aj, _ := json.Marshal(a)
	bj, _ := json.Marshal(b)
	return bytes.Equal(normalizeJSON(aj), normalizeJSON(bj))
}

// normalizeJSON re-marshals through a generic decode so map-key ordering
// doesn't affect byte-for-byte comparison; structural equality, not textual.
func normalizeJSON(data []byte) []byte {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return data
	}
	out, _ := json.Marshal(v)
	return out
}

func writeExpected(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func buildSummary(runtime RuntimeInfo, results []CaseResult) SummaryOutput {
	out := SummaryOutput{
		Version: 1, Profile: profileName, GeneratedAtUTC: time.Now().UTC(),
		Ordering: "case_id_asc", Runtime: runtime,
	}
	for _, r := range results {
		entry := ResultEntry{
			CaseID: r.CaseID, Category: r.Category, Status: r.Status,
			ExpectedRef: r.ExpectedRef, ActualRef: r.ActualRef,
		}
		if r.DurationMS > 0 {
			d := r.DurationMS
			entry.DurationMS = &d
		}
		if r.Cycles > 0 {
			c := r.Cycles
			entry.Cycles = &c
		}
		if r.ReasonCode != "" {
			entry.Reason = &Reason{Code: r.ReasonCode, Message: r.ReasonMsg}
		}
		out.Results = append(out.Results, entry)

		out.Summary.Total++
		switch r.Status {
		case "passed":
			out.Summary.Passed++
		case "failed":
			out.Summary.Failed++
		case "error":
			out.Summary.Errors++
		case "skipped":
			out.Summary.Skipped++
		}
	}
	return out
}
