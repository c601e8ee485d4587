package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"net/http"

	"github.com/ironloop/ironcycle/internal/bytecode"
	"github.com/ironloop/ironcycle/internal/debugctl"
	"github.com/ironloop/ironcycle/internal/executor"
	"github.com/ironloop/ironcycle/internal/historian"
	"github.com/ironloop/ironcycle/internal/iodriver"
	"github.com/ironloop/ironcycle/internal/iodriver/wsdriver"
	"github.com/ironloop/ironcycle/internal/runtimeconfig"
	"github.com/ironloop/ironcycle/internal/scheduler"
	"github.com/ironloop/ironcycle/internal/telemetry"
	"github.com/ironloop/ironcycle/internal/value"
)

func runRuntime(args []string) {
	var configPath string
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" && i+1 < len(args) {
			i++
			configPath = args[i]
		}
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "run requires --config <runtime.yaml>")
		os.Exit(1)
	}

	log := newLogger()
	cfg, err := runtimeconfig.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load runtime config")
	}

	modRaw, err := os.ReadFile(cfg.ResolveDataPath(cfg.ModulePath))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to read bytecode module")
	}
	mod, err := bytecode.Load(modRaw)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to decode bytecode module")
	}

	storage := value.NewStorage(mod.RetainedNames())
	for _, v := range mod.Variables {
		storage.SetGlobal(v.Name, value.Float(value.KindLReal, v.Initial))
	}

	retainPath := cfg.ResolveDataPath(cfg.RetainPath)
	if retainPath != "" {
		if err := scheduler.LoadRetained(retainPath, storage); err != nil {
			log.Warn().Err(err).Msg("failed to load retained snapshot, starting cold")
		}
	}

	reg := prometheus.NewRegistry()
	schedulerMetrics := telemetry.NewSchedulerMetrics(reg)
	historianMetrics := telemetry.NewHistorianMetrics(reg)

	var drivers []iodriver.Driver
	ctx, cleanup := signalContext()
	defer cleanup()
	for _, wsCfg := range cfg.WebSockets {
		d, err := wsdriver.New(wsCfg.ToDriverConfig(), log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to construct websocket driver")
		}
		drivers = append(drivers, d)
		go d.Run(ctx)
	}

	hist, err := historian.New(cfg.Historian.ToHistorianConfig(), cfg.DataRoot, historian.NewDispatcher(log))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to construct historian")
	}

	if cfg.Historian.PrometheusEnabled && cfg.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Historian.PrometheusPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
				log.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	control := debugctl.NewControl()
	stopCh := make(chan debugctl.DebugStop, 8)
	coordinator := debugctl.NewCoordinator(control, os.Stdout, nil)
	go coordinator.Run(stopCh)

	var schedulers []*scheduler.Scheduler
	for _, taskFile := range cfg.Tasks {
		ts, ok := scheduleFor(mod, taskFile.Name)
		if !ok {
			log.Fatal().Str("task", taskFile.Name).Msg("task has no schedule entry")
		}
		if taskFile.PeriodMS > 0 {
			ts.PeriodMS = taskFile.PeriodMS
		}
		if taskFile.Priority != 0 {
			ts.Priority = taskFile.Priority
		}
		if taskFile.WatchdogMS > 0 {
			ts.WatchdogMS = taskFile.WatchdogMS
		}

		ex := executor.New(mod, storage, control, stopCh, faultPolicyFromConfig(taskFile))

		s := scheduler.New(scheduler.Config{
			TaskName:       taskFile.Name,
			Schedule:       ts,
			RetainMode:     retainModeFromConfig(taskFile),
			RetainInterval: time.Duration(taskFile.RetainInterval) * time.Millisecond,
			RetainPath:     retainPath,
			Policy:         faultPolicyFromConfig(taskFile),
		}, mod, storage, ex, drivers, log, schedulerMetrics)
		schedulers = append(schedulers, s)
	}

	go historianSampleLoop(ctx, hist, storage, cfg.Historian.ToHistorianConfig())
	go historianMetricsBridge(ctx, hist, historianMetrics)

	done := make(chan error, len(schedulers))
	for _, s := range schedulers {
		go func(s *scheduler.Scheduler) { done <- s.Run(ctx) }(s)
	}

	log.Info().Str("config", configPath).Msg("ironcycle runtime started")
	<-ctx.Done()
	for range schedulers {
		<-done
	}
}

func scheduleFor(mod *bytecode.Module, name string) (bytecode.TaskSchedule, bool) {
	for _, ts := range mod.Schedule {
		if ts.Name == name {
			return ts, true
		}
	}
	return bytecode.TaskSchedule{}, false
}

func faultPolicyFromConfig(t runtimeconfig.TaskFile) executor.FaultPolicy {
	mode := executor.RestartWarm
	if t.RestartMode == "cold" {
		mode = executor.RestartCold
	}
	switch t.FaultPolicy {
	case "halt":
		return executor.FaultPolicy{Kind: executor.FaultHalt}
	case "restart":
		return executor.FaultPolicy{Kind: executor.FaultRestart, RestartMode: mode}
	default:
		return executor.FaultPolicy{Kind: executor.FaultContinueLogged}
	}
}

func retainModeFromConfig(t runtimeconfig.TaskFile) scheduler.RetainMode {
	if t.RetainMode == "on_shutdown" {
		return scheduler.RetainOnShutdown
	}
	return scheduler.RetainOnInterval
}

func historianSampleLoop(ctx context.Context, hist *historian.Historian, storage *value.Storage, cfg historian.Config) {
	if !cfg.Enabled {
		return
	}
	ticker := time.NewTicker(cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			_, _ = hist.CaptureSnapshotAt(storage.Snapshot(), now.UnixMilli(), now.UnixNano())
		}
	}
}

// historianMetricsBridge mirrors the historian's cumulative counters into
// the Prometheus objects. SamplesTotal and AlertsTotal are monotonic, so
// only the delta since the last tick is added; SeriesTotal is a gauge and
// is set directly.
func historianMetricsBridge(ctx context.Context, hist *historian.Historian, metrics *telemetry.HistorianMetrics) {
	var lastSamples, lastAlerts uint64
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples := hist.SamplesTotal()
			alerts := hist.AlertsTotal()
			metrics.SamplesTotal.Add(float64(samples - lastSamples))
			metrics.AlertsTotal.Add(float64(alerts - lastAlerts))
			metrics.SeriesTotal.Set(float64(hist.SeriesTotal()))
			lastSamples, lastAlerts = samples, alerts
		}
	}
}
