// Package scheduler implements the Scan Scheduler (C3): the cyclic
// read-execute-write loop, watchdog overrun tracking, fault policy
// application, and retained-variable persistence.
//
// Grounded on the teacher's internal/attractor/engine/engine.go run-loop
// shape (one struct owning mutable run state behind small per-concern
// mutexes), generalized from a resumable DAG run to a fixed-period cyclic
// task.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ironloop/ironcycle/internal/bytecode"
	"github.com/ironloop/ironcycle/internal/errkind"
	"github.com/ironloop/ironcycle/internal/executor"
	"github.com/ironloop/ironcycle/internal/iodriver"
	"github.com/ironloop/ironcycle/internal/telemetry"
	"github.com/ironloop/ironcycle/internal/value"
)

// RetainMode selects when retained variables are persisted (§4.2 step 5).
type RetainMode string

const (
	RetainOnInterval RetainMode = "on_interval"
	RetainOnShutdown RetainMode = "on_shutdown"
)

// OverrunPolicy configures the fault-policy window Open Question from §9:
// the exact overrun-triggered-restart window is not fixed in source, so it
// is exposed as configuration here rather than hard-coded.
type OverrunPolicy struct {
	WindowCycles int // sliding window width, in cycles
	Threshold    int // overruns within the window before fault policy fires
}

func defaultOverrunPolicy() OverrunPolicy {
	return OverrunPolicy{WindowCycles: 10, Threshold: 3}
}

// Config configures one scheduled task.
type Config struct {
	TaskName       string
	Schedule       bytecode.TaskSchedule
	RetainMode     RetainMode
	RetainInterval time.Duration
	RetainPath     string
	Overrun        OverrunPolicy
	Policy         executor.FaultPolicy
}

// CycleMetrics is the snapshot-under-lock cycle metrics view, grounded on
// internal/server/registry.go's PipelineState.Status() pattern: one struct
// owns the mutable fields and a Snapshot method copies out under lock.
type CycleMetrics struct {
	CyclesTotal      uint64
	OverrunsTotal    uint64
	CycleLast        time.Duration
	CycleAvg         time.Duration
	Faulted          bool
	LastRestartEpoch uint64
}

// Scheduler drives one configured cyclic task.
type Scheduler struct {
	cfg     Config
	mod     *bytecode.Module
	storage *value.Storage
	exec    *executor.Executor
	drivers []iodriver.Driver
	log     zerolog.Logger
	metrics *telemetry.SchedulerMetrics

	mu            sync.Mutex
	metricsState  CycleMetrics
	overrunWindow []bool // ring of the last WindowCycles results, true = overrun

	restartEpoch   uint64
	lastRetainSave time.Time
}

// New constructs a Scheduler for one task. drivers are consulted in
// registration order every cycle (§4.2 step 1/3: "order is stable by
// driver registration").
func New(cfg Config, mod *bytecode.Module, storage *value.Storage, exec *executor.Executor, drivers []iodriver.Driver, log zerolog.Logger, metrics *telemetry.SchedulerMetrics) *Scheduler {
	if cfg.Overrun.WindowCycles == 0 {
		cfg.Overrun = defaultOverrunPolicy()
	}
	return &Scheduler{
		cfg:     cfg,
		mod:     mod,
		storage: storage,
		exec:    exec,
		drivers: drivers,
		log:     log,
		metrics: metrics,
	}
}

// Metrics returns a copy of the current cycle metrics.
func (s *Scheduler) Metrics() CycleMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metricsState
}

// Run drives cycles at cfg.Schedule.PeriodMS until ctx is cancelled. It
// never blocks on driver I/O longer than the drivers' own bounded-time
// contract (§4.4): ReadInputs/WriteOutputs are assumed non-blocking.
func (s *Scheduler) Run(ctx context.Context) error {
	period := time.Duration(s.cfg.Schedule.PeriodMS) * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	inputImage := make([]byte, 4096)
	outputImage := make([]byte, 4096)

	for {
		select {
		case <-ctx.Done():
			if s.cfg.RetainMode == RetainOnShutdown || s.cfg.RetainMode == RetainOnInterval {
				s.persistRetained()
			}
			return nil
		case <-ticker.C:
			halted, err := s.runOneCycle(inputImage, outputImage)
			if err != nil {
				return err
			}
			if halted {
				s.log.Warn().Str("task", s.cfg.TaskName).Msg("fault policy halted scheduling")
				if s.cfg.RetainMode == RetainOnShutdown || s.cfg.RetainMode == RetainOnInterval {
					s.persistRetained()
				}
				return nil
			}
			if s.cfg.RetainMode == RetainOnInterval && s.cfg.RetainInterval > 0 &&
				time.Since(s.lastRetainSave) >= s.cfg.RetainInterval {
				s.persistRetained()
			}
		}
	}
}

// runOneCycle executes one read-execute-write-watchdog cycle. The returned
// halted flag is true when the configured fault policy is Halt and either
// this cycle's execution faulted or the sliding overrun window was exceeded;
// the caller must stop scheduling immediately in that case (§4.1: "Halt
// marks the runtime faulted and stops scheduling").
func (s *Scheduler) runOneCycle(inputImage, outputImage []byte) (halted bool, err error) {
	cycleStart := time.Now()

	// 1. Read inputs: stable driver-registration order (§4.2 step 1).
	for _, d := range s.drivers {
		if err := d.ReadInputs(inputImage); err != nil {
			s.log.Warn().Err(err).Msg("driver read_inputs failed")
		}
	}

	// 2. Execute the task body (§4.2 step 2).
	res, err := s.exec.ExecuteCycle(s.cfg.TaskName)
	if err != nil {
		return false, errkind.New(errkind.ControlError, "run_one_cycle", err)
	}
	for _, e := range res.Errors {
		s.log.Warn().Err(e).Msg("per-instruction diagnostic")
	}

	// 3. Write outputs (§4.2 step 3).
	for _, d := range s.drivers {
		if err := d.WriteOutputs(outputImage); err != nil {
			s.log.Warn().Err(err).Msg("driver write_outputs failed")
		}
	}

	elapsed := time.Since(cycleStart)
	watchdog := time.Duration(s.cfg.Schedule.WatchdogMS) * time.Millisecond
	overrun := watchdog > 0 && elapsed > watchdog

	s.recordCycle(elapsed, overrun, res.Faulted)

	if res.Faulted && s.cfg.Policy.Kind == executor.FaultHalt {
		halted = true
	}
	if overrun && s.applyFaultPolicyIfWindowExceeded() {
		halted = true
	}
	if res.Faulted && s.cfg.Policy.Kind == executor.FaultRestart {
		s.restart(s.cfg.Policy.RestartMode)
	}
	return halted, nil
}

// recordCycle updates metrics under lock (§5: snapshots are cheap clones
// taken at the end of a cycle).
func (s *Scheduler) recordCycle(elapsed time.Duration, overrun, faulted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.metricsState.CyclesTotal++
	s.metricsState.CycleLast = elapsed
	n := s.metricsState.CyclesTotal
	// Running average: avg_n = avg_{n-1} + (x_n - avg_{n-1})/n.
	s.metricsState.CycleAvg += (elapsed - s.metricsState.CycleAvg) / time.Duration(n)
	if overrun {
		s.metricsState.OverrunsTotal++
	}
	s.metricsState.Faulted = s.metricsState.Faulted || faulted

	s.overrunWindow = append(s.overrunWindow, overrun)
	if len(s.overrunWindow) > s.cfg.Overrun.WindowCycles {
		s.overrunWindow = s.overrunWindow[1:]
	}

	if s.metrics != nil {
		s.metrics.Observe(s.cfg.TaskName, elapsed, overrun)
	}
}

// applyFaultPolicyIfWindowExceeded checks the sliding overrun window
// (§4.2 Watchdog: "if overruns exceed the policy's threshold within a
// sliding window, apply fault policy"). Returns true when the policy is
// Halt and the threshold was exceeded, signalling the caller to stop
// scheduling.
func (s *Scheduler) applyFaultPolicyIfWindowExceeded() bool {
	s.mu.Lock()
	count := 0
	for _, o := range s.overrunWindow {
		if o {
			count++
		}
	}
	exceeded := count > s.cfg.Overrun.Threshold
	s.mu.Unlock()

	if !exceeded {
		return false
	}
	switch s.cfg.Policy.Kind {
	case executor.FaultHalt:
		s.mu.Lock()
		s.metricsState.Faulted = true
		s.mu.Unlock()
		return true
	case executor.FaultRestart:
		s.restart(s.cfg.Policy.RestartMode)
	case executor.FaultContinueLogged:
		s.log.Warn().Int("threshold", s.cfg.Overrun.Threshold).Msg("watchdog overrun threshold exceeded, continuing")
	}
	return false
}

// restart applies Warm/Cold restart semantics (§4.2 Restart semantics).
func (s *Scheduler) restart(mode executor.RestartMode) {
	warm := mode == executor.RestartWarm
	initial := make(map[string]value.Value, len(s.mod.Variables))
	for _, v := range s.mod.Variables {
		initial[v.Name] = value.Float(value.KindLReal, v.Initial)
	}
	s.storage.Reset(warm, initial)

	s.mu.Lock()
	s.restartEpoch++
	s.metricsState.LastRestartEpoch = s.restartEpoch
	s.metricsState.Faulted = false
	s.overrunWindow = nil
	s.mu.Unlock()

	s.log.Info().Str("mode", string(mode)).Uint64("epoch", s.restartEpoch).Msg("restart applied")
}
