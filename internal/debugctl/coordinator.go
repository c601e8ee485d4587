package debugctl

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
)

// Event is a length-prefixed wire protocol event (§6): {seq, type:"event",
// event, body}.
type Event struct {
	Seq   uint32 `json:"seq"`
	Type  string `json:"type"`
	Event string `json:"event"`
	Body  any    `json:"body"`
}

// OutputEventBody is the console-text event body.
type OutputEventBody struct {
	Output   string `json:"output"`
	Category string `json:"category,omitempty"`
}

// StoppedEventBody is the stopped-event body.
type StoppedEventBody struct {
	Reason           Reason `json:"reason"`
	ThreadID         int    `json:"thread_id"`
	AllThreadsStopped bool  `json:"all_threads_stopped"`
}

// InvalidatedEventBody is the invalidated-event body.
type InvalidatedEventBody struct {
	Areas    []string `json:"areas"`
	ThreadID *int     `json:"thread_id,omitempty"`
}

// stopGate is the "ordering gate" of §4.3: after a stop is emitted, further
// emission is blocked until the host sends a resume verb. Modeled as a
// single-permit semaphore: the gate starts clear (one permit available);
// WaitClear takes the permit and Resume puts it back.
type stopGate struct {
	permit chan struct{}
}

func newStopGate() *stopGate {
	g := &stopGate{permit: make(chan struct{}, 1)}
	g.permit <- struct{}{} // starts clear
	return g
}

// WaitClear blocks until a resume verb has made the gate clear, then
// consumes the permit (the gate is "not clear" again until the next Resume).
func (g *stopGate) WaitClear() {
	<-g.permit
}

// Resume signals that the host issued a resume verb (continue, step-*,
// disconnect). Non-blocking: if the gate is already clear, the extra
// resume is a no-op.
func (g *stopGate) Resume() {
	select {
	case g.permit <- struct{}{}:
	default:
	}
}

// Coordinator is the single-consumer task of §4.3: it receives DebugStops
// from the executor's channel and serialises them to the host protocol.
// Grounded on internal/server/sse.go's Broadcaster: a doneCh distinguishing
// "coordinator terminated" from ordinary per-message filtering, except here
// there is exactly one consumer, so the channel itself doubles as the
// ordering gate's substrate.
type Coordinator struct {
	control *Control
	gate    *stopGate
	writer  io.Writer
	trace   io.Writer // optional protocol trace log; nil disables tracing
	seq     atomic.Uint32
	doneCh  chan struct{}
}

// NewCoordinator constructs a Coordinator writing length-prefixed JSON
// events to w. trace may be nil.
func NewCoordinator(control *Control, w io.Writer, trace io.Writer) *Coordinator {
	return &Coordinator{
		control: control,
		gate:    newStopGate(),
		writer:  w,
		trace:   trace,
		doneCh:  make(chan struct{}),
	}
}

// Resume must be called by the host-command handler whenever it receives a
// continue/step-in/step-over/step-out/disconnect command, to clear the
// ordering gate for the next stop.
func (c *Coordinator) Resume() {
	c.gate.Resume()
}

// Done is closed when the coordinator's run loop exits, whether from a
// write failure or the stop channel closing.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Run drives the coordinator loop until stopCh is closed or a write fails.
// Intended to be called in its own goroutine, matching §5's "debug
// coordinator runs in its own thread and is a single consumer of a bounded
// channel from the executor."
func (c *Coordinator) Run(stopCh <-chan DebugStop) {
	defer close(c.doneCh)
	for stop := range stopCh {
		c.trace_(fmt.Sprintf("recv reason=%s", stop.Reason))
		if !c.shouldEmit(stop) {
			continue
		}
		c.gate.WaitClear()
		if !c.emit(stop) {
			return
		}
	}
}

// shouldEmit implements the filtering rules of §4.3, ported from
// original_source/crates/trust-debug/src/adapter/stop.rs's should_emit_stop.
func (c *Coordinator) shouldEmit(stop DebugStop) bool {
	switch stop.Reason {
	case ReasonPause, ReasonEntry:
		// Consume pause_expected regardless of outcome: a race with a
		// continue means it was already false, and we must not emit.
		wasExpected := c.control.pauseExpected.Swap(false)
		if !wasExpected {
			c.trace_("drop: pause not expected")
			return false
		}
	case ReasonBreakpoint, ReasonStep:
		// Clear any stale pending pause so a later Pause stop doesn't
		// fire spuriously after a breakpoint/step already stopped us.
		c.control.pauseExpected.Store(false)
	}

	if stop.Reason == ReasonBreakpoint {
		if stop.Location == nil {
			c.trace_("drop: breakpoint stop missing location")
			return false
		}
		if stop.BreakpointGeneration == nil {
			c.trace_("drop: breakpoint stop missing generation")
			return false
		}
		current := c.control.BreakpointGeneration(stop.Location.FileID)
		if current != *stop.BreakpointGeneration {
			c.trace_(fmt.Sprintf("drop: stale generation want=%d have=%d", *stop.BreakpointGeneration, current))
			return false
		}
	}

	// Step stops pass through unfiltered: the executor already scoped
	// them to the right thread/depth in Control.Evaluate.
	return true
}

// emit writes the output+stopped (+optional invalidated) events. Returns
// false on any write failure, which terminates the coordinator loop.
func (c *Coordinator) emit(stop DebugStop) bool {
	threadID := 1
	if stop.ThreadID != nil {
		threadID = *stop.ThreadID
	}

	output := Event{
		Seq: c.nextSeq(), Type: "event", Event: "output",
		Body: OutputEventBody{Output: fmt.Sprintf("stopped: %s", stop.Reason), Category: "console"},
	}
	if !c.write(output) {
		return false
	}

	stopped := Event{
		Seq: c.nextSeq(), Type: "event", Event: "stopped",
		Body: StoppedEventBody{
			Reason:            stop.Reason,
			ThreadID:          threadID,
			AllThreadsStopped: c.control.TargetThread() == nil,
		},
	}
	if !c.write(stopped) {
		return false
	}

	if c.control.TakeWatchChanged() {
		inv := Event{
			Seq: c.nextSeq(), Type: "event", Event: "invalidated",
			Body: InvalidatedEventBody{Areas: []string{"watch"}, ThreadID: &threadID},
		}
		if !c.write(inv) {
			return false
		}
	}
	return true
}

func (c *Coordinator) nextSeq() uint32 {
	return c.seq.Add(1)
}

// write length-prefix-encodes ev and writes it to the wire, optionally
// mirroring the raw JSON to the trace log.
func (c *Coordinator) write(ev Event) bool {
	body, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(body)))
	if _, err := c.writer.Write(lenPrefix[:]); err != nil {
		return false
	}
	if _, err := c.writer.Write(body); err != nil {
		return false
	}
	if c.trace != nil {
		fmt.Fprintf(c.trace, "%s\n", body)
	}
	return true
}

func (c *Coordinator) trace_(msg string) {
	if c.trace == nil {
		return
	}
	fmt.Fprintf(c.trace, "trace: %s\n", msg)
}
