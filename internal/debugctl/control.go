// Package debugctl implements the live debug coordinator of §4.3: the
// shared Control handle between client commands and the executor, and the
// single-consumer Coordinator that filters and serialises stop events to
// the host protocol.
package debugctl

import (
	"sync"
	"sync/atomic"
)

// Reason is the closed set of stop reasons a DebugStop may carry.
type Reason string

const (
	ReasonBreakpoint Reason = "breakpoint"
	ReasonStep       Reason = "step"
	ReasonPause      Reason = "pause"
	ReasonEntry      Reason = "entry"
)

// Location is a (file, byte-range) source reference.
type Location struct {
	FileID int
	Start  int
	End    int
}

// DebugStop is posted by the executor to the coordinator's channel at an
// instruction boundary (§3).
type DebugStop struct {
	Reason               Reason
	Location             *Location
	ThreadID             *int
	BreakpointGeneration *uint64
}

// Breakpoint is one client-installed breakpoint (§3).
type Breakpoint struct {
	Location  Location
	Condition string
}

// StepKind is the closed set of step modes (§4.3).
type StepKind string

const (
	StepIn   StepKind = "step_in"
	StepOver StepKind = "step_over"
	StepOut  StepKind = "step_out"
)

// StepState tracks an in-flight step command for one thread: its kind and
// the call-frame depth at the moment the step command was issued.
type StepState struct {
	Kind        StepKind
	AnchorDepth int
}

// Control is the shared handle described in §4.3: per-file breakpoint
// vectors and generation counters, a pause_expected flag, per-thread step
// state, a target-thread selector, and a watch-invalidated flag. Breakpoint
// vectors and pause/step state are guarded by a single mutex (§5);
// generation counters are atomic.Uint64 values: BreakpointGeneration looks
// the counter up under the mutex and loads it after releasing the lock.
type Control struct {
	mu          sync.Mutex
	breakpoints map[int][]Breakpoint
	generations map[int]*atomic.Uint64
	stepState   map[int]*StepState

	pauseExpected atomic.Bool
	watchChanged  atomic.Bool

	// targetThread is nil for "all threads"; otherwise the single thread
	// id step/pause commands are scoped to.
	targetThread *int
}

// NewControl constructs an empty Control: no breakpoints, no pending step,
// all-threads targeting.
func NewControl() *Control {
	return &Control{
		breakpoints: make(map[int][]Breakpoint),
		generations: make(map[int]*atomic.Uint64),
		stepState:   make(map[int]*StepState),
	}
}

func (c *Control) genFor(fileID int) *atomic.Uint64 {
	g, ok := c.generations[fileID]
	if !ok {
		g = &atomic.Uint64{}
		c.generations[fileID] = g
	}
	return g
}

// SetBreakpoints replaces the breakpoint vector for fileID and atomically
// bumps its generation counter. Any in-flight stop carrying the previous
// generation is dropped at the coordinator (§4.3 "Breakpoint set-after-launch").
func (c *Control) SetBreakpoints(fileID int, bps []Breakpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]Breakpoint(nil), bps...)
	c.breakpoints[fileID] = cp
	c.genFor(fileID).Add(1)
}

// Breakpoints returns a copy of fileID's current breakpoint vector.
func (c *Control) Breakpoints(fileID int) []Breakpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Breakpoint(nil), c.breakpoints[fileID]...)
}

// BreakpointGeneration returns fileID's current generation counter value.
func (c *Control) BreakpointGeneration(fileID int) uint64 {
	c.mu.Lock()
	g := c.genFor(fileID)
	c.mu.Unlock()
	return g.Load()
}

// RequestPause sets pause_expected. Consumed (cleared) the next time the
// coordinator evaluates a Pause/Entry stop, whether it emits or drops it.
func (c *Control) RequestPause() {
	c.pauseExpected.Store(true)
}

// PauseExpected reports the current value without consuming it.
func (c *Control) PauseExpected() bool {
	return c.pauseExpected.Load()
}

// SetStep arms a step command for threadID at the given anchor depth.
func (c *Control) SetStep(threadID int, kind StepKind, anchorDepth int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepState[threadID] = &StepState{Kind: kind, AnchorDepth: anchorDepth}
}

// ClearStep removes threadID's step state, returning it to Continue.
func (c *Control) ClearStep(threadID int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.stepState, threadID)
}

// Step returns threadID's current step state, or nil if it is in Continue.
func (c *Control) Step(threadID int) *StepState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stepState[threadID]
}

// SetTargetThread scopes subsequent pause/step commands to a single thread,
// or to all threads if id is nil.
func (c *Control) SetTargetThread(id *int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.targetThread = id
}

// TargetThread returns the current target-thread selector.
func (c *Control) TargetThread() *int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetThread
}

// MarkWatchChanged flags that the watch set changed since the last stop was
// emitted, causing the coordinator to append an invalidated(areas=["watch"])
// event after the next stopped event.
func (c *Control) MarkWatchChanged() {
	c.watchChanged.Store(true)
}

// TakeWatchChanged atomically reads and clears the watch-changed flag.
func (c *Control) TakeWatchChanged() bool {
	return c.watchChanged.Swap(false)
}

// Evaluate is the executor-side stop decision of §4.3: at an instruction
// boundary, decide whether a stop must be posted for threadID currently at
// loc with call-frame depth. Breakpoint stops take priority over step
// stops, which take priority over a pending pause. Returns nil if no stop
// is required.
func (c *Control) Evaluate(fileID, threadID int, loc Location, depth int) *DebugStop {
	for _, bp := range c.Breakpoints(fileID) {
		if bp.Location == loc {
			gen := c.BreakpointGeneration(fileID)
			return &DebugStop{Reason: ReasonBreakpoint, Location: &loc, ThreadID: &threadID, BreakpointGeneration: &gen}
		}
	}

	if step := c.Step(threadID); step != nil {
		stop := false
		switch step.Kind {
		case StepIn:
			stop = true
		case StepOver:
			stop = depth <= step.AnchorDepth
		case StepOut:
			stop = depth < step.AnchorDepth
		}
		if stop {
			return &DebugStop{Reason: ReasonStep, Location: &loc, ThreadID: &threadID}
		}
	}

	if c.PauseExpected() {
		return &DebugStop{Reason: ReasonPause, Location: &loc, ThreadID: &threadID}
	}

	return nil
}
