// Package executor implements the Bytecode Executor (C2): running one
// cyclic task body to completion, consulting the debug control at every
// instruction boundary, and reacting to per-instruction diagnostics
// according to the active fault policy.
package executor

import (
	"fmt"
	"time"

	"github.com/ironloop/ironcycle/internal/bytecode"
	"github.com/ironloop/ironcycle/internal/debugctl"
	"github.com/ironloop/ironcycle/internal/errkind"
	"github.com/ironloop/ironcycle/internal/value"
)

// RestartMode distinguishes Warm from Cold restart (§3/§4.2).
type RestartMode string

const (
	RestartWarm RestartMode = "warm"
	RestartCold RestartMode = "cold"
)

// FaultPolicyKind is the closed set of reactions to an uncaught
// per-instruction diagnostic (§4.1).
type FaultPolicyKind string

const (
	FaultHalt           FaultPolicyKind = "halt"
	FaultContinueLogged FaultPolicyKind = "continue_logged"
	FaultRestart        FaultPolicyKind = "restart"
)

// FaultPolicy configures the executor's reaction to uncaught exceptions.
type FaultPolicy struct {
	Kind        FaultPolicyKind
	RestartMode RestartMode // meaningful only when Kind == FaultRestart
}

// CycleResult is returned by ExecuteCycle (§4.1).
type CycleResult struct {
	CycleNumber uint64
	Elapsed     time.Duration
	Errors      []error
	Faulted     bool
	RestartMode RestartMode // set only if a Restart fault policy fired
}

// ResumeKind is the closed set of verbs the host may send after a stop.
type ResumeKind string

const (
	ResumeContinue   ResumeKind = "continue"
	ResumeStepIn     ResumeKind = "step_in"
	ResumeStepOver   ResumeKind = "step_over"
	ResumeStepOut    ResumeKind = "step_out"
	ResumeDisconnect ResumeKind = "disconnect"
)

// ResumeCmd is the host's reply to a posted DebugStop.
type ResumeCmd struct {
	Kind     ResumeKind
	ThreadID int
}

type frame struct {
	task        *bytecode.TaskBody
	pc          int
	locals      map[string]float64
	returnValue *float64
}

// Executor runs one cyclic task body per ExecuteCycle call. It never holds
// any lock another cycle-visible component takes while suspended for debug
// (§4.1): the only state touched while awaiting a resume is the frame stack
// local to this call.
type Executor struct {
	Module  *bytecode.Module
	Storage *value.Storage
	Control *debugctl.Control
	Policy  FaultPolicy

	stopCh      chan debugctl.DebugStop
	awaitResume chan ResumeCmd

	cycleNumber  uint64
	disconnected bool
}

// New constructs an Executor. stopCh is the channel the coordinator
// consumes from (§5); it should be shared with a debugctl.Coordinator.
func New(mod *bytecode.Module, storage *value.Storage, control *debugctl.Control, stopCh chan debugctl.DebugStop, policy FaultPolicy) *Executor {
	return &Executor{
		Module:      mod,
		Storage:     storage,
		Control:     control,
		Policy:      policy,
		stopCh:      stopCh,
		awaitResume: make(chan ResumeCmd, 1),
	}
}

// Resume is called by the host's command-handling layer in reply to a
// posted stop. It must be called exactly once per stop the executor posts.
func (e *Executor) Resume(cmd ResumeCmd) {
	e.awaitResume <- cmd
}

// postStopAndAwaitResume posts stop to the coordinator's channel and blocks
// until the host replies, applying the resulting step/continue state to
// Control for the next instruction boundary.
func (e *Executor) postStopAndAwaitResume(threadID int, stop debugctl.DebugStop, depth int) {
	e.stopCh <- stop
	cmd := <-e.awaitResume
	switch cmd.Kind {
	case ResumeContinue:
		e.Control.ClearStep(threadID)
	case ResumeStepIn:
		e.Control.SetStep(threadID, debugctl.StepIn, depth)
	case ResumeStepOver:
		e.Control.SetStep(threadID, debugctl.StepOver, depth)
	case ResumeStepOut:
		e.Control.SetStep(threadID, debugctl.StepOut, depth)
	case ResumeDisconnect:
		e.disconnected = true
		e.Control.ClearStep(threadID)
	}
}

// ExecuteCycle runs taskName's body from its entry instruction to its
// terminal return, stopping for debug at instruction boundaries as
// Control.Evaluate requires (§4.1). Per-instruction diagnostics are
// collected rather than propagated, subject to the active fault policy.
func (e *Executor) ExecuteCycle(taskName string) (CycleResult, error) {
	start := time.Now()
	e.cycleNumber++
	res := CycleResult{CycleNumber: e.cycleNumber}

	task, ok := e.Module.TaskByName(taskName)
	if !ok {
		return res, errkind.New(errkind.ControlError, "execute_cycle", fmt.Errorf("unknown task %q", taskName))
	}

	stack := []*frame{{task: task, pc: task.EntryIndex, locals: make(map[string]float64)}}

	const threadID = 1
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.pc >= len(top.task.Instructions) {
			// Implicit fall-through return at end of body.
			stack = stack[:len(stack)-1]
			continue
		}
		instr := top.task.Instructions[top.pc]
		depth := len(stack) - 1

		if instr.LocIndex >= 0 && instr.LocIndex < len(e.Module.Locations) {
			loc := e.Module.Locations[instr.LocIndex]
			dl := debugctl.Location{FileID: loc.FileID, Start: loc.Start, End: loc.End}
			if stop := e.Control.Evaluate(loc.FileID, threadID, dl, depth); stop != nil {
				e.postStopAndAwaitResume(threadID, *stop, depth)
				if e.disconnected {
					// Coordinator gone; scheduler continues without debug (§7).
					e.disconnected = false
				}
			}
		}

		advance := true
		switch instr.Op {
		case bytecode.OpNop:
			// statement boundary only

		case bytecode.OpLoadConst:
			top.locals[instr.A] = instr.Const

		case bytecode.OpLoadGlobal:
			g, _ := e.Storage.Global(instr.B)
			f, _ := g.AsFloat64()
			top.locals[instr.A] = f

		case bytecode.OpStoreGlobal:
			e.Storage.SetGlobal(instr.A, value.Float(value.KindLReal, top.locals[instr.B]))

		case bytecode.OpLoadLocal, bytecode.OpStoreLocal:
			top.locals[instr.A] = top.locals[instr.B]

		case bytecode.OpBinOp:
			if len(instr.Args) != 2 {
				res.Errors = append(res.Errors, errkind.NewExecution("bin_op", errkind.DiagConversion, fmt.Errorf("bin_op requires 2 args")))
				break
			}
			lhs, rhs := top.locals[instr.Args[0]], top.locals[instr.Args[1]]
			v, err := binOp(instr.B, lhs, rhs)
			if err != nil {
				res.Errors = append(res.Errors, errkind.NewExecution("bin_op", errkind.DiagDivideByZero, err))
				if e.Policy.Kind == FaultHalt {
					res.Faulted = true
					res.Elapsed = time.Since(start)
					return res, nil
				}
				if e.Policy.Kind == FaultRestart {
					res.Faulted = true
					res.RestartMode = e.Policy.RestartMode
				}
			}
			top.locals[instr.A] = v

		case bytecode.OpJumpIfFalse:
			if top.locals[instr.A] == 0 {
				top.pc = instr.Target
				advance = false
			}

		case bytecode.OpJump:
			top.pc = instr.Target
			advance = false

		case bytecode.OpCall:
			callee, ok := e.Module.TaskByName(instr.A)
			if !ok {
				res.Errors = append(res.Errors, errkind.New(errkind.ControlError, "call", fmt.Errorf("unknown callee %q", instr.A)))
				break
			}
			nf := &frame{task: callee, pc: callee.EntryIndex, locals: make(map[string]float64)}
			for i, p := range callee.Params {
				if i < len(instr.Args) {
					nf.locals[p] = top.locals[instr.Args[i]]
				}
			}
			stack = append(stack, nf)
			advance = false // caller's pc advances when the callee frame returns; see below

		case bytecode.OpReturn:
			v := top.locals[instr.A]
			top.returnValue = &v

		default:
			res.Errors = append(res.Errors, errkind.New(errkind.ControlError, "decode", fmt.Errorf("unknown opcode %q", instr.Op)))
		}

		if advance {
			top.pc++
		}

		// Pop completed callee frames and deliver their return value.
		for len(stack) > 1 {
			callee := stack[len(stack)-1]
			done := callee.pc >= len(callee.task.Instructions) || callee.returnValue != nil
			if !done {
				break
			}
			caller := stack[len(stack)-2]
			if callee.returnValue != nil {
				// The call instruction that pushed this frame is at
				// caller.pc (it set advance=false above); consult it for
				// ResultInto/ResultIsGlobal, then actually advance.
				callInstr := caller.task.Instructions[caller.pc]
				if callInstr.ResultInto != "" {
					if callInstr.ResultIsGlobal {
						e.Storage.SetGlobal(callInstr.ResultInto, value.Float(value.KindLReal, *callee.returnValue))
					} else {
						caller.locals[callInstr.ResultInto] = *callee.returnValue
					}
				}
			}
			caller.pc++
			stack = stack[:len(stack)-1]
		}
	}

	res.Elapsed = time.Since(start)
	return res, nil
}

func binOp(op string, lhs, rhs float64) (float64, error) {
	switch op {
	case "+":
		return lhs + rhs, nil
	case "-":
		return lhs - rhs, nil
	case "*":
		return lhs * rhs, nil
	case "/":
		if rhs == 0 {
			return 0, fmt.Errorf("division by zero")
		}
		return lhs / rhs, nil
	case "<":
		if lhs < rhs {
			return 1, nil
		}
		return 0, nil
	case ">":
		if lhs > rhs {
			return 1, nil
		}
		return 0, nil
	case "==":
		if lhs == rhs {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, fmt.Errorf("unknown operator %q", op)
	}
}

// ResolveBreakpointLocation maps a source position to the nearest
// executable instruction's source range (§4.1). fileID/line select among
// the module's location table entries for that file (no column is taken
// into account); the nearest
// entry whose Line is >= the requested line (and, among ties, earliest
// Start) is returned, so clients that set breakpoints by line bind to the
// next executable boundary.
func (e *Executor) ResolveBreakpointLocation(fileID, line int) (debugctl.Location, bool) {
	best := -1
	for i, loc := range e.Module.Locations {
		if loc.FileID != fileID || loc.Line < line {
			continue
		}
		if best == -1 || loc.Line < e.Module.Locations[best].Line ||
			(loc.Line == e.Module.Locations[best].Line && loc.Start < e.Module.Locations[best].Start) {
			best = i
		}
	}
	if best == -1 {
		return debugctl.Location{}, false
	}
	loc := e.Module.Locations[best]
	return debugctl.Location{FileID: loc.FileID, Start: loc.Start, End: loc.End}, true
}
