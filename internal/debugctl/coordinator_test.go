package debugctl

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func readEvents(t *testing.T, buf *bytes.Buffer) []Event {
	t.Helper()
	var out []Event
	for buf.Len() > 0 {
		require.GreaterOrEqual(t, buf.Len(), 4)
		var lenPrefix [4]byte
		_, err := buf.Read(lenPrefix[:])
		require.NoError(t, err)
		n := binary.BigEndian.Uint32(lenPrefix[:])
		body := make([]byte, n)
		_, err = buf.Read(body)
		require.NoError(t, err)
		var ev Event
		require.NoError(t, json.Unmarshal(body, &ev))
		out = append(out, ev)
	}
	return out
}

func TestEvaluateBreakpointStaleGenerationDropped(t *testing.T) {
	c := NewControl()
	loc := Location{FileID: 1, Start: 10, End: 20}
	c.SetBreakpoints(1, []Breakpoint{{Location: loc}})
	gen := c.BreakpointGeneration(1)

	stop := c.Evaluate(1, 1, loc, 0)
	require.NotNil(t, stop)
	require.Equal(t, ReasonBreakpoint, stop.Reason)
	require.Equal(t, gen, *stop.BreakpointGeneration)

	// Replace the breakpoint vector: generation bumps.
	c.SetBreakpoints(1, []Breakpoint{{Location: loc}})

	var buf bytes.Buffer
	coord := NewCoordinator(c, &buf, nil)
	require.False(t, coord.shouldEmit(*stop), "stale generation must be dropped")

	fresh := c.Evaluate(1, 1, loc, 0)
	require.True(t, coord.shouldEmit(*fresh), "current generation must pass")
}

func TestPauseDroppedWhenNotExpected(t *testing.T) {
	c := NewControl()
	var buf bytes.Buffer
	coord := NewCoordinator(c, &buf, nil)

	stop := DebugStop{Reason: ReasonPause}
	require.False(t, coord.shouldEmit(stop), "pause not requested must be dropped")

	c.RequestPause()
	require.True(t, coord.shouldEmit(stop))
	require.False(t, c.PauseExpected(), "pause_expected must be consumed on emit")
}

// TestBreakpointRehitsEachCycle is concrete scenario 1 from spec.md §8:
// three consecutive continues on a breakpoint that re-fires each cycle must
// yield exactly three stopped{breakpoint} events.
func TestBreakpointRehitsEachCycle(t *testing.T) {
	c := NewControl()
	loc := Location{FileID: 1, Start: 0, End: 5}
	c.SetBreakpoints(1, []Breakpoint{{Location: loc}})

	var buf bytes.Buffer
	coord := NewCoordinator(c, &buf, nil)
	stopCh := make(chan DebugStop)
	go coord.Run(stopCh)

	for i := 0; i < 3; i++ {
		stop := c.Evaluate(1, 1, loc, 0)
		require.NotNil(t, stop)
		stopCh <- *stop
		// Give the coordinator a tick to process before resuming.
		time.Sleep(5 * time.Millisecond)
		coord.Resume()
		time.Sleep(5 * time.Millisecond)
	}
	close(stopCh)
	<-coord.Done()

	events := readEvents(t, &buf)
	stoppedCount := 0
	for _, ev := range events {
		if ev.Event == "stopped" {
			stoppedCount++
		}
	}
	require.Equal(t, 3, stoppedCount)
}

// TestBranchTakenOnlyFires is concrete scenario 2: a breakpoint on one
// branch of an IF must fire only when that branch actually executes.
func TestBranchTakenOnlyFires(t *testing.T) {
	c := NewControl()
	thenLoc := Location{FileID: 1, Start: 10, End: 20}
	c.SetBreakpoints(1, []Breakpoint{{Location: thenLoc}})

	elseLoc := Location{FileID: 1, Start: 30, End: 40}
	require.Nil(t, c.Evaluate(1, 1, elseLoc, 0), "else branch must not trip the then-branch breakpoint")
	require.NotNil(t, c.Evaluate(1, 1, thenLoc, 0), "then branch must trip its own breakpoint")
}

// TestStepInEntersCallee / TestStepOverSkipsCallee are concrete scenarios
// 3 and 4: depth-relative step semantics.
func TestStepInEntersCallee(t *testing.T) {
	c := NewControl()
	c.SetStep(1, StepIn, 0)
	stop := c.Evaluate(1, 1, Location{FileID: 1, Start: 0, End: 1}, 1)
	require.NotNil(t, stop, "step-in stops at the next instruction regardless of depth")
	require.Equal(t, ReasonStep, stop.Reason)
}

func TestStepOverSkipsCallee(t *testing.T) {
	c := NewControl()
	c.SetStep(1, StepOver, 0)
	require.Nil(t, c.Evaluate(1, 1, Location{FileID: 1}, 1), "step-over must not stop inside the callee")
	require.NotNil(t, c.Evaluate(1, 1, Location{FileID: 1}, 0), "step-over stops back at caller depth")
}

func TestStepOutStopsAboveAnchor(t *testing.T) {
	c := NewControl()
	c.SetStep(1, StepOut, 1)
	require.Nil(t, c.Evaluate(1, 1, Location{FileID: 1}, 1))
	require.NotNil(t, c.Evaluate(1, 1, Location{FileID: 1}, 0))
}
