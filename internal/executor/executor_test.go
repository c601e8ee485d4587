package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironloop/ironcycle/internal/bytecode"
	"github.com/ironloop/ironcycle/internal/debugctl"
	"github.com/ironloop/ironcycle/internal/value"
)

func TestExecuteCycleAddTwoViaCall(t *testing.T) {
	// count := AddTwo(count); AddTwo body: AddTwo := Value + 2
	mod := &bytecode.Module{
		Tasks: []bytecode.TaskBody{
			{
				Name:       "Main",
				EntryIndex: 0,
				Instructions: []bytecode.Instr{
					{Op: bytecode.OpLoadGlobal, A: "c", B: "count", LocIndex: -1},
					{Op: bytecode.OpCall, A: "AddTwo", Args: []string{"c"}, ResultInto: "count", ResultIsGlobal: true, LocIndex: -1},
					{Op: bytecode.OpReturn, A: "c", LocIndex: -1},
				},
			},
			{
				Name:       "AddTwo",
				EntryIndex: 0,
				Params:     []string{"Value"},
				Instructions: []bytecode.Instr{
					{Op: bytecode.OpLoadConst, A: "two", Const: 2, LocIndex: -1},
					{Op: bytecode.OpBinOp, A: "AddTwo", Args: []string{"Value", "two"}, B: "+", LocIndex: -1},
					{Op: bytecode.OpReturn, A: "AddTwo", LocIndex: -1},
				},
			},
		},
	}

	storage := value.NewStorage(nil)
	storage.SetGlobal("count", value.Float(value.KindLReal, 5))
	control := debugctl.NewControl()
	ex := New(mod, storage, control, make(chan debugctl.DebugStop, 1), FaultPolicy{Kind: FaultContinueLogged})

	res, err := ex.ExecuteCycle("Main")
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	g, ok := storage.Global("count")
	require.True(t, ok)
	f, _ := g.AsFloat64()
	require.Equal(t, 7.0, f)
}

func TestExecuteCycleDivideByZeroRecordedNotFatal(t *testing.T) {
	mod := &bytecode.Module{
		Tasks: []bytecode.TaskBody{{
			Name:       "Main",
			EntryIndex: 0,
			Instructions: []bytecode.Instr{
				{Op: bytecode.OpLoadConst, A: "a", Const: 1, LocIndex: -1},
				{Op: bytecode.OpLoadConst, A: "b", Const: 0, LocIndex: -1},
				{Op: bytecode.OpBinOp, A: "r", Args: []string{"a", "b"}, B: "/", LocIndex: -1},
			},
		}},
	}
	storage := value.NewStorage(nil)
	control := debugctl.NewControl()
	ex := New(mod, storage, control, make(chan debugctl.DebugStop, 1), FaultPolicy{Kind: FaultContinueLogged})

	res, err := ex.ExecuteCycle("Main")
	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	require.False(t, res.Faulted)
}

func TestExecuteCycleBranchTakenOnly(t *testing.T) {
	// IF flag THEN a ELSE b — verify only the taken branch's instruction runs.
	mod := &bytecode.Module{
		Tasks: []bytecode.TaskBody{{
			Name:       "Main",
			EntryIndex: 0,
			Instructions: []bytecode.Instr{
				{Op: bytecode.OpLoadConst, A: "flag", Const: 0, LocIndex: -1}, // false
				{Op: bytecode.OpJumpIfFalse, A: "flag", Target: 3, LocIndex: -1},
				{Op: bytecode.OpStoreGlobal, A: "branch", B: "then_const", LocIndex: 0}, // then
				{Op: bytecode.OpLoadConst, A: "else_const", Const: 99, LocIndex: -1},
				{Op: bytecode.OpStoreGlobal, A: "branch", B: "else_const", LocIndex: 1}, // else
			},
		}},
		Locations: []bytecode.SourceLocation{
			{FileID: 1, Line: 2, Start: 10, End: 11},
			{FileID: 1, Line: 4, Start: 20, End: 21},
		},
	}
	storage := value.NewStorage(nil)
	control := debugctl.NewControl()
	control.SetBreakpoints(1, []debugctl.Breakpoint{{Location: debugctl.Location{FileID: 1, Start: 10, End: 11}}})
	stopCh := make(chan debugctl.DebugStop, 4)
	ex := New(mod, storage, control, stopCh, FaultPolicy{Kind: FaultContinueLogged})

	go func() {
		for range stopCh {
			ex.Resume(ResumeCmd{Kind: ResumeContinue})
		}
	}()

	_, err := ex.ExecuteCycle("Main")
	require.NoError(t, err)

	g, ok := storage.Global("branch")
	require.True(t, ok)
	f, _ := g.AsFloat64()
	require.Equal(t, 99.0, f, "else branch must run when flag is false")
}
