package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ironloop/ironcycle/internal/bytecode"
	"github.com/ironloop/ironcycle/internal/debugctl"
	"github.com/ironloop/ironcycle/internal/executor"
	"github.com/ironloop/ironcycle/internal/value"
)

// faultingDivideModule always divides by zero, so with a Halt fault policy
// every call to ExecuteCycle reports res.Faulted == true.
func faultingDivideModule() *bytecode.Module {
	return &bytecode.Module{
		Tasks: []bytecode.TaskBody{{
			Name:       "Main",
			EntryIndex: 0,
			Instructions: []bytecode.Instr{
				{Op: bytecode.OpLoadConst, A: "lhs", Const: 1, LocIndex: -1},
				{Op: bytecode.OpLoadConst, A: "rhs", Const: 0, LocIndex: -1},
				{Op: bytecode.OpBinOp, A: "c", Args: []string{"lhs", "rhs"}, B: "/", LocIndex: -1},
			},
		}},
		Schedule: []bytecode.TaskSchedule{{Name: "Main", PeriodMS: 5, WatchdogMS: 1000}},
	}
}

func trivialModule() *bytecode.Module {
	return &bytecode.Module{
		Tasks: []bytecode.TaskBody{{
			Name:       "Main",
			EntryIndex: 0,
			Instructions: []bytecode.Instr{
				{Op: bytecode.OpLoadGlobal, A: "c", B: "Counter", LocIndex: -1},
				{Op: bytecode.OpLoadConst, A: "one", Const: 1, LocIndex: -1},
				{Op: bytecode.OpBinOp, A: "c2", Args: []string{"c", "one"}, B: "+", LocIndex: -1},
				{Op: bytecode.OpStoreGlobal, A: "Counter", B: "c2", LocIndex: -1},
			},
		}},
		Variables: []bytecode.VarDecl{{Name: "Counter", Retain: true, Initial: 0}},
		Schedule:  []bytecode.TaskSchedule{{Name: "Main", PeriodMS: 10, WatchdogMS: 100}},
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *value.Storage) {
	t.Helper()
	mod := trivialModule()
	storage := value.NewStorage(mod.RetainedNames())
	storage.SetGlobal("Counter", value.Float(value.KindLReal, 0))
	control := debugctl.NewControl()
	ex := executor.New(mod, storage, control, make(chan debugctl.DebugStop, 1), executor.FaultPolicy{Kind: executor.FaultContinueLogged})

	cfg := Config{
		TaskName: "Main",
		Schedule: mod.Schedule[0],
		Policy:   executor.FaultPolicy{Kind: executor.FaultContinueLogged},
	}
	sched := New(cfg, mod, storage, ex, nil, zerolog.Nop(), nil)
	return sched, storage
}

func TestRunOneCycleAdvancesCounterAndMetrics(t *testing.T) {
	sched, storage := newTestScheduler(t)

	_, err := sched.runOneCycle(make([]byte, 16), make([]byte, 16))
	require.NoError(t, err)

	g, ok := storage.Global("Counter")
	require.True(t, ok)
	f, _ := g.AsFloat64()
	require.Equal(t, 1.0, f)

	metrics := sched.Metrics()
	require.Equal(t, uint64(1), metrics.CyclesTotal)
	require.Equal(t, uint64(0), metrics.OverrunsTotal)
}

func TestZeroWatchdogNeverCountsOverrun(t *testing.T) {
	sched, _ := newTestScheduler(t)
	sched.cfg.Schedule.WatchdogMS = 0 // disable by zeroing watchdog: overrun never fires
	_, err := sched.runOneCycle(make([]byte, 16), make([]byte, 16))
	require.NoError(t, err)
	require.Equal(t, uint64(0), sched.Metrics().OverrunsTotal)
}

func TestRestartWarmPreservesRetainedResetsGlobals(t *testing.T) {
	sched, storage := newTestScheduler(t)
	require.NoError(t, storage.SetRetained("Counter", value.Float(value.KindLReal, 5)))
	storage.SetGlobal("Scratch", value.Int(value.KindInt, 42))

	sched.restart(executor.RestartWarm)

	v, ok := storage.Retained("Counter")
	require.True(t, ok)
	require.Equal(t, value.Float(value.KindLReal, 5), v)

	_, ok = storage.Global("Scratch")
	require.False(t, ok, "warm restart resets non-retained globals to declared initial values")
}

func TestRestartColdDiscardsRetained(t *testing.T) {
	sched, storage := newTestScheduler(t)
	require.NoError(t, storage.SetRetained("Counter", value.Float(value.KindLReal, 5)))

	sched.restart(executor.RestartCold)

	_, ok := storage.Retained("Counter")
	require.False(t, ok)
}

func TestRetainPersistRoundTrip(t *testing.T) {
	sched, storage := newTestScheduler(t)
	require.NoError(t, storage.SetRetained("Counter", value.Float(value.KindLReal, 7)))

	path := filepath.Join(t.TempDir(), "retain.msgpack")
	sched.cfg.RetainPath = path
	sched.persistRetained()
	require.FileExists(t, path)

	fresh := value.NewStorage([]string{"Counter"})
	require.NoError(t, LoadRetained(path, fresh))

	v, ok := fresh.Retained("Counter")
	require.True(t, ok)
	require.Equal(t, value.Float(value.KindLReal, 7), v)
}

func TestLoadRetainedMissingFileIsNotAnError(t *testing.T) {
	fresh := value.NewStorage([]string{"Counter"})
	err := LoadRetained(filepath.Join(os.TempDir(), "does-not-exist.msgpack"), fresh)
	require.NoError(t, err)
}

func TestRunOneCycleHaltsOnFault(t *testing.T) {
	mod := faultingDivideModule()
	storage := value.NewStorage(nil)
	control := debugctl.NewControl()
	ex := executor.New(mod, storage, control, make(chan debugctl.DebugStop, 1), executor.FaultPolicy{Kind: executor.FaultHalt})
	sched := New(Config{
		TaskName: "Main",
		Schedule: mod.Schedule[0],
		Policy:   executor.FaultPolicy{Kind: executor.FaultHalt},
	}, mod, storage, ex, nil, zerolog.Nop(), nil)

	halted, err := sched.runOneCycle(make([]byte, 16), make([]byte, 16))
	require.NoError(t, err)
	require.True(t, halted, "fault policy Halt must signal the run loop to stop scheduling")
}

func TestRunStopsSchedulingAfterHalt(t *testing.T) {
	mod := faultingDivideModule()
	storage := value.NewStorage(nil)
	control := debugctl.NewControl()
	ex := executor.New(mod, storage, control, make(chan debugctl.DebugStop, 1), executor.FaultPolicy{Kind: executor.FaultHalt})
	sched := New(Config{
		TaskName: "Main",
		Schedule: mod.Schedule[0],
		Policy:   executor.FaultPolicy{Kind: executor.FaultHalt},
	}, mod, storage, ex, nil, zerolog.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after a Halt fault; scheduling was not stopped")
	}

	require.Equal(t, uint64(1), sched.Metrics().CyclesTotal, "no further cycles should execute after Halt")
}
