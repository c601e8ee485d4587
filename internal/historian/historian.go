// Package historian implements the Historian (C6): interval sampling,
// journaled ring storage, allow-list filtering, and threshold alerts with
// debounce and hook dispatch.
//
// Grounded in full on original_source/crates/trust-runtime/src/historian.rs;
// every constant and algorithm below (sample defaults, the alerts-ring cap,
// the hook-target string disambiguation rule, and the lock/dispatch split)
// is carried over from that reference, since spec.md states them only in
// prose or not at all.
package historian

import (
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ironloop/ironcycle/internal/errkind"
	"github.com/ironloop/ironcycle/internal/value"
)

// Mode selects which flattened variable paths are recorded.
type Mode string

const (
	ModeAll       Mode = "all"
	ModeAllowlist Mode = "allowlist"
)

// Config configures a Historian. Defaults match the reference
// implementation exactly (see SPEC_FULL.md §3 Supplemented data-model detail).
type Config struct {
	Enabled            bool
	SampleIntervalMS   int64
	Mode               Mode
	Include            []string // glob patterns, only used in ModeAllowlist
	HistoryPath        string
	MaxEntries         int
	PrometheusEnabled  bool
	PrometheusPath     string
	Alerts             []AlertRuleConfig
}

// AlertRuleConfig is one configured alert rule before compilation.
type AlertRuleConfig struct {
	Name            string
	VariablePath    string
	Above           *float64
	Below           *float64
	DebounceSamples uint32
	Hook            string // "", "log", "http(s)://...", or a file path
}

// DefaultConfig returns the reference implementation's stated defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:           true,
		SampleIntervalMS:  1000,
		Mode:              ModeAll,
		HistoryPath:       "history/historian.jsonl",
		MaxEntries:        20000,
		PrometheusEnabled: true,
		PrometheusPath:    "/metrics",
	}
}

const alertsRingCap = 1000 // hard-coded, independent of Config.MaxEntries (§3 Supplemented)

// Sample is one recorded leaf value (§3 HistorianSample).
type Sample struct {
	TimestampMS  int64
	SourceTimeNS int64
	Variable     string
	Value        HistorianValue
}

// HistorianValue is the narrow value union samples carry (§3/§6):
// bool, integer, unsigned, float, or string — never a composite.
type HistorianValue struct {
	Kind    string // "bool" | "integer" | "unsigned" | "float" | "string"
	Bool    bool
	Integer int64
	Unsigned uint64
	Float   float64
	Str     string
}

// compiledAlertRule is an AlertRuleConfig after validation.
type compiledAlertRule struct {
	cfg  AlertRuleConfig
	hook hookTarget
}

type alertTracker struct {
	active     bool
	consecutive uint32
}

// AlertState is the closed set of alert transitions.
type AlertState string

const (
	AlertTriggered AlertState = "triggered"
	AlertCleared   AlertState = "cleared"
)

// AlertEvent is one recorded alert transition (§3/§8).
type AlertEvent struct {
	TimestampMS int64
	Rule        string
	Variable    string
	State       AlertState
	Value       *float64
	Threshold   string
}

type inner struct {
	samples         []Sample // ring, bounded by MaxEntries
	trackedVariables map[string]struct{}
	samplesTotal    uint64
	lastCaptureMS   *int64
	alertTrackers   map[string]*alertTracker
	alerts          []AlertEvent // ring, bounded by alertsRingCap
	alertsTotal     uint64
}

// Historian is the C6 sampler. Safe for concurrent use.
type Historian struct {
	cfg             Config
	journalPath     string
	includePatterns []string
	rules           []compiledAlertRule
	dispatcher      HookDispatcher

	mu sync.Mutex
	in inner
}

// New validates cfg and loads any existing journal at cfg.HistoryPath
// (§4.5 "Load on restart"). bundleRoot, if non-empty, HistoryPath is
// resolved relative to it.
func New(cfg Config, bundleRoot string, dispatcher HookDispatcher) (*Historian, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultConfig().MaxEntries
	}
	if cfg.SampleIntervalMS < 0 {
		cfg.SampleIntervalMS = DefaultConfig().SampleIntervalMS
	}

	for _, pat := range cfg.Include {
		if _, err := doublestar.Match(pat, "probe"); err != nil {
			return nil, errkind.New(errkind.InvalidConfig, "historian.New", err)
		}
	}

	var rules []compiledAlertRule
	for _, rc := range cfg.Alerts {
		if rc.Name == "" || rc.VariablePath == "" {
			return nil, errkind.New(errkind.InvalidConfig, "historian.New", errRuleMissingField)
		}
		if rc.Above == nil && rc.Below == nil {
			return nil, errkind.New(errkind.InvalidConfig, "historian.New", errRuleNoThreshold)
		}
		if rc.DebounceSamples == 0 {
			return nil, errkind.New(errkind.InvalidConfig, "historian.New", errRuleZeroDebounce)
		}
		rules = append(rules, compiledAlertRule{cfg: rc, hook: resolveHookTarget(rc.Hook, bundleRoot)})
	}

	path := resolvePath(cfg.HistoryPath, bundleRoot)
	h := &Historian{
		cfg:             cfg,
		journalPath:     path,
		includePatterns: cfg.Include,
		rules:           rules,
		dispatcher:      dispatcher,
		in: inner{
			trackedVariables: make(map[string]struct{}),
			alertTrackers:    make(map[string]*alertTracker),
		},
	}

	if err := h.loadExistingSamples(path); err != nil {
		return nil, errkind.New(errkind.ControlError, "historian.New", err)
	}
	return h, nil
}

func (h *Historian) shouldRecord(path string) bool {
	if h.cfg.Mode == ModeAll {
		return true
	}
	for _, pat := range h.includePatterns {
		if ok, _ := doublestar.Match(pat, path); ok {
			return true
		}
	}
	return false
}

// CaptureSnapshotAt is the interval-driven capture entry point (§4.5).
// Returns the count of samples recorded; if timestampMS - last_capture <
// sample_interval_ms, returns 0 and mutates no other state — the
// interval-suppression invariant tested in §8.
func (h *Historian) CaptureSnapshotAt(snap value.Snapshot, timestampMS int64, sourceTimeNS int64) (int, error) {
	h.mu.Lock()
	if h.in.lastCaptureMS != nil && timestampMS-*h.in.lastCaptureMS < h.cfg.SampleIntervalMS {
		h.mu.Unlock()
		return 0, nil
	}
	h.mu.Unlock()

	samples := h.collectSamples(snap, timestampMS, sourceTimeNS)

	var pending []pendingHook
	h.mu.Lock()
	if len(samples) > 0 {
		if err := appendSamplesToJournal(h.journalPath, samples); err != nil {
			h.mu.Unlock()
			return 0, errkind.New(errkind.ControlError, "capture_snapshot_at", err)
		}
		for _, s := range samples {
			h.in.samples = append(h.in.samples, s)
			h.in.trackedVariables[s.Variable] = struct{}{}
		}
		for len(h.in.samples) > h.cfg.MaxEntries {
			h.in.samples = h.in.samples[1:]
		}
		h.in.samplesTotal += uint64(len(samples))
	}
	t := timestampMS
	h.in.lastCaptureMS = &t

	latestNumeric := make(map[string]float64, len(samples))
	for _, s := range samples {
		switch s.Value.Kind {
		case "integer":
			latestNumeric[s.Variable] = float64(s.Value.Integer)
		case "unsigned":
			latestNumeric[s.Variable] = float64(s.Value.Unsigned)
		case "float":
			latestNumeric[s.Variable] = s.Value.Float
		}
	}
	pending = h.evaluateAlertsLocked(latestNumeric, timestampMS)
	h.mu.Unlock()

	// Hook dispatch must never hold the inner lock (§4.5/§5).
	for _, p := range pending {
		h.dispatcher.Dispatch(p.target, p.event)
	}

	return len(samples), nil
}

type pendingHook struct {
	target hookTarget
	event  AlertEvent
}

// evaluateAlertsLocked runs the debounce state machine for every rule and
// returns the hooks that must fire, to be dispatched after the lock is
// released. Must be called with h.mu held.
func (h *Historian) evaluateAlertsLocked(latestNumeric map[string]float64, timestampMS int64) []pendingHook {
	var pending []pendingHook
	for _, rule := range h.rules {
		tracker, ok := h.in.alertTrackers[rule.cfg.Name]
		if !ok {
			tracker = &alertTracker{}
			h.in.alertTrackers[rule.cfg.Name] = tracker
		}

		val, known := latestNumeric[rule.cfg.VariablePath]
		breached := false
		if known {
			if rule.cfg.Above != nil && val > *rule.cfg.Above {
				breached = true
			}
			if rule.cfg.Below != nil && val < *rule.cfg.Below {
				breached = true
			}
		}

		if breached {
			tracker.consecutive++
			if !tracker.active && tracker.consecutive >= rule.cfg.DebounceSamples {
				tracker.active = true
				ev := AlertEvent{TimestampMS: timestampMS, Rule: rule.cfg.Name, Variable: rule.cfg.VariablePath, State: AlertTriggered, Value: valPtr(val), Threshold: thresholdString(rule.cfg)}
				h.pushAlertLocked(ev)
				if rule.hook.kind != hookNone {
					pending = append(pending, pendingHook{target: rule.hook, event: ev})
				}
			}
		} else {
			tracker.consecutive = 0
			if tracker.active {
				tracker.active = false
				var vp *float64
				if known {
					vp = valPtr(val)
				}
				ev := AlertEvent{TimestampMS: timestampMS, Rule: rule.cfg.Name, Variable: rule.cfg.VariablePath, State: AlertCleared, Value: vp, Threshold: thresholdString(rule.cfg)}
				h.pushAlertLocked(ev)
				if rule.hook.kind != hookNone {
					pending = append(pending, pendingHook{target: rule.hook, event: ev})
				}
			}
		}
	}
	return pending
}

func (h *Historian) pushAlertLocked(ev AlertEvent) {
	h.in.alerts = append(h.in.alerts, ev)
	for len(h.in.alerts) > alertsRingCap {
		h.in.alerts = h.in.alerts[1:]
	}
	h.in.alertsTotal++
}

func valPtr(v float64) *float64 { return &v }

func thresholdString(cfg AlertRuleConfig) string {
	switch {
	case cfg.Above != nil && cfg.Below != nil:
		return "above_or_below"
	case cfg.Above != nil:
		return "above"
	default:
		return "below"
	}
}

// Query returns the most-recent matching samples in chronological order,
// capped at the hard limit of 5,000 (§4.5/§8), optionally filtered by
// variable name and/or a minimum timestamp.
func (h *Historian) Query(variable string, sinceMS *int64, limit int) []Sample {
	if limit <= 0 {
		limit = 100
	}
	if limit > 5000 {
		limit = 5000
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var out []Sample
	for i := len(h.in.samples) - 1; i >= 0 && len(out) < limit; i-- {
		s := h.in.samples[i]
		if variable != "" && s.Variable != variable {
			continue
		}
		if sinceMS != nil && s.TimestampMS < *sinceMS {
			continue
		}
		out = append(out, s)
	}
	// out was built newest-first; reverse for chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Alerts returns up to limit of the most recent alert events. A limit <= 0
// means 100; larger limits are capped at the 1,000-entry alert ring.
func (h *Historian) Alerts(limit int) []AlertEvent {
	if limit <= 0 {
		limit = 100
	}
	if limit > alertsRingCap {
		limit = alertsRingCap
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	start := len(h.in.alerts) - limit
	if start < 0 {
		start = 0
	}
	out := make([]AlertEvent, len(h.in.alerts)-start)
	copy(out, h.in.alerts[start:])
	return out
}

// SamplesTotal / SeriesTotal / AlertsTotal feed the Prometheus exposition
// supplemented in SPEC_FULL.md §6.
func (h *Historian) SamplesTotal() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.in.samplesTotal
}

func (h *Historian) SeriesTotal() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.in.trackedVariables)
}

func (h *Historian) AlertsTotal() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.in.alertsTotal
}

// PollInterval returns max(10ms, sample_interval/2), the sampler polling
// rate mandated by §5.
func (cfg Config) PollInterval() time.Duration {
	interval := time.Duration(cfg.SampleIntervalMS/2) * time.Millisecond
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	return interval
}
