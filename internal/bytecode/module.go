// Package bytecode defines the module format the executor consumes. The
// compiler that produces it is out of scope (§1): this package only
// describes the shape and validates it structurally before execution.
package bytecode

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Opcode is the executor's instruction set. Kept intentionally small: this
// runtime never runs untrusted or general-purpose code (§1 Non-goals), so
// the instruction set only needs to express what a compiled ST task body
// actually does — scalar arithmetic, global/retained access, calls, and
// control flow.
type Opcode string

const (
	OpNop         Opcode = "nop" // statement boundary marker; a legal suspension point
	OpLoadConst   Opcode = "load_const"
	OpLoadGlobal  Opcode = "load_global"
	OpStoreGlobal Opcode = "store_global"
	OpLoadLocal   Opcode = "load_local"
	OpStoreLocal  Opcode = "store_local"
	OpBinOp       Opcode = "bin_op"
	OpJumpIfFalse Opcode = "jump_if_false"
	OpJump        Opcode = "jump"
	OpCall        Opcode = "call"
	OpReturn      Opcode = "return"
)

// Instr is one compiled instruction. LocIndex indexes into the owning
// Module's Locations table, or -1 if the instruction carries no distinct
// source range (e.g. an internal jump target with no standalone statement).
type Instr struct {
	Op Opcode
	A  string // operand: global/local/callee name, or bin-op symbol for BinOp
	B  string // operand: second local name for BinOp's RHS

	// Args/ResultInto operands for OpCall: Args are source local/global
	// names bound positionally to the callee TaskBody's declared Params;
	// ResultInto is where the caller stores the callee's return value
	// (stored, by ST function convention, in a local named after the
	// callee on OpReturn).
	Args           []string
	ResultInto     string
	ResultIsGlobal bool

	Const    float64 // operand: numeric constant payload for LoadConst
	Target   int     // operand: jump target instruction index
	LocIndex int
}

// SourceLocation maps one instruction offset to a (file, byte-range) in the
// original source text. The compiler emits one entry per LocIndex used by
// any instruction; several instructions may share an entry when they
// belong to the same source statement.
type SourceLocation struct {
	FileID int
	Line   int
	Start  int
	End    int
}

// VarDecl describes one declared variable: its identifier, whether it is
// RETAIN, and its declared initial value encoded as a small literal (the
// executor's first-cycle initializer consumes this).
type VarDecl struct {
	Name    string
	Retain  bool
	Initial float64 // 0 for non-numeric declared types; composite initializers are out of scope for this manifest shape
}

// TaskSchedule is one row of the task schedule table (name, period,
// priority, watchdog) from §3.
type TaskSchedule struct {
	Name       string `json:"name"`
	PeriodMS   int    `json:"period_ms"`
	Priority   int    `json:"priority"`
	WatchdogMS int    `json:"watchdog_ms"`
}

// TaskBody is one compiled cyclic task body: its entry instruction index and
// its flat instruction stream. Function/function-block bodies compiled as
// callees are also represented as TaskBody entries, addressed by name via
// OpCall; only entries referenced by a TaskSchedule row are run cyclically.
type TaskBody struct {
	Name         string
	EntryIndex   int
	Params       []string // declared parameter names, bound positionally on OpCall
	Instructions []Instr
}

// Module is the bytecode module format of §3: an ordered list of compiled
// task bodies, a source-location table, a variable declaration manifest,
// and a task schedule table.
type Module struct {
	Tasks     []TaskBody
	Locations []SourceLocation
	Variables []VarDecl
	Schedule  []TaskSchedule
}

// TaskByName returns the task body with the given name.
func (m *Module) TaskByName(name string) (*TaskBody, bool) {
	for i := range m.Tasks {
		if m.Tasks[i].Name == name {
			return &m.Tasks[i], true
		}
	}
	return nil, false
}

// RetainedNames returns the identifiers of every RETAIN-declared variable.
func (m *Module) RetainedNames() []string {
	var out []string
	for _, v := range m.Variables {
		if v.Retain {
			out = append(out, v.Name)
		}
	}
	return out
}

// moduleSchema structurally validates the JSON wire form of a Module before
// decoding, the way the teacher validates attractor graph manifests with
// jsonschema/v5 rather than hand-rolled field checks.
const moduleSchema = `{
  "type": "object",
  "required": ["tasks", "schedule"],
  "properties": {
    "tasks": {"type": "array", "items": {
      "type": "object",
      "required": ["name", "instructions"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "entry_index": {"type": "integer", "minimum": 0},
        "instructions": {"type": "array"}
      }
    }},
    "variables": {"type": "array", "items": {
      "type": "object",
      "required": ["name"],
      "properties": {"name": {"type": "string", "minLength": 1}, "retain": {"type": "boolean"}}
    }},
    "schedule": {"type": "array", "items": {
      "type": "object",
      "required": ["name", "period_ms", "watchdog_ms"],
      "properties": {
        "name": {"type": "string", "minLength": 1},
        "period_ms": {"type": "integer", "exclusiveMinimum": 0},
        "priority": {"type": "integer"},
        "watchdog_ms": {"type": "integer", "exclusiveMinimum": 0}
      }
    }}
  }
}`

type wireInstr struct {
	Op         Opcode   `json:"op"`
	A              string   `json:"a,omitempty"`
	B              string   `json:"b,omitempty"`
	Args           []string `json:"args,omitempty"`
	ResultInto     string   `json:"result_into,omitempty"`
	ResultIsGlobal bool     `json:"result_is_global,omitempty"`
	Const      float64  `json:"const,omitempty"`
	Target     int      `json:"target,omitempty"`
	LocIndex   int      `json:"loc_index"`
}

type wireModule struct {
	Tasks []struct {
		Name         string      `json:"name"`
		EntryIndex   int         `json:"entry_index"`
		Params       []string    `json:"params,omitempty"`
		Instructions []wireInstr `json:"instructions"`
	} `json:"tasks"`
	Locations []SourceLocation `json:"locations"`
	Variables []struct {
		Name    string  `json:"name"`
		Retain  bool    `json:"retain"`
		Initial float64 `json:"initial"`
	} `json:"variables"`
	Schedule []TaskSchedule `json:"schedule"`
}

// Load validates raw against moduleSchema, then decodes it into a Module.
// Schema violations are reported as invalid-config errors by the caller
// (internal/conformance wraps this with errkind.InvalidConfig).
func Load(raw []byte) (*Module, error) {
	schema, err := jsonschema.CompileString("module.json", moduleSchema)
	if err != nil {
		return nil, fmt.Errorf("compile module schema: %w", err)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode module json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("module manifest invalid: %w", err)
	}

	var wm wireModule
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, fmt.Errorf("decode module: %w", err)
	}

	m := &Module{Locations: wm.Locations, Schedule: wm.Schedule}
	for _, wt := range wm.Tasks {
		tb := TaskBody{Name: wt.Name, EntryIndex: wt.EntryIndex, Params: wt.Params}
		for _, wi := range wt.Instructions {
			tb.Instructions = append(tb.Instructions, Instr(wi))
		}
		m.Tasks = append(m.Tasks, tb)
	}
	for _, wv := range wm.Variables {
		m.Variables = append(m.Variables, VarDecl{Name: wv.Name, Retain: wv.Retain, Initial: wv.Initial})
	}
	return m, nil
}
