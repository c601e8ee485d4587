package historian

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ironloop/ironcycle/internal/value"
)

type fakeDispatcher struct {
	events []AlertEvent
}

func (f *fakeDispatcher) Dispatch(target hookTarget, event AlertEvent) {
	f.events = append(f.events, event)
}

func newTestHistorian(t *testing.T, cfg Config, dispatcher HookDispatcher) *Historian {
	t.Helper()
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = filepath.Join(t.TempDir(), "historian.jsonl")
	}
	if dispatcher == nil {
		dispatcher = &fakeDispatcher{}
	}
	h, err := New(cfg, "", dispatcher)
	require.NoError(t, err)
	return h
}

func snapshotWith(globals map[string]value.Value) value.Snapshot {
	return value.Snapshot{Globals: globals, Retained: map[string]value.Value{}, Instances: map[value.InstanceID]*value.Instance{}}
}

func TestCaptureSnapshotSuppressesWithinInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleIntervalMS = 1000
	h := newTestHistorian(t, cfg, nil)

	snap := snapshotWith(map[string]value.Value{"Counter": value.Int(value.KindInt, 1)})

	n, err := h.CaptureSnapshotAt(snap, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = h.CaptureSnapshotAt(snap, 500, 0)
	require.NoError(t, err)
	require.Equal(t, 0, n, "capture within the sample interval must be suppressed")

	n, err = h.CaptureSnapshotAt(snap, 1000, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestAllowlistModeFiltersToIncludedPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleIntervalMS = 0
	cfg.Mode = ModeAllowlist
	cfg.Include = []string{"Tracked"}
	h := newTestHistorian(t, cfg, nil)

	snap := snapshotWith(map[string]value.Value{
		"Tracked":   value.Int(value.KindInt, 1),
		"Untracked": value.Int(value.KindInt, 2),
	})

	n, err := h.CaptureSnapshotAt(snap, 0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	samples := h.Query("", nil, 10)
	require.Len(t, samples, 1)
	require.Equal(t, "Tracked", samples[0].Variable)
}

func TestStructAndArrayFlattenToDotAndBracketPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleIntervalMS = 0
	h := newTestHistorian(t, cfg, nil)

	st := value.Value{Kind: value.KindStruct, Struct: &value.Struct{
		TypeName: "Point",
		Fields: []value.StructField{
			{Name: "X", Value: value.Int(value.KindInt, 1)},
			{Name: "Y", Value: value.Int(value.KindInt, 2)},
		},
	}}
	arr := value.Value{Kind: value.KindArray, Array: &value.Array{
		ElementKind: value.KindInt,
		Dims:        []int{2},
		Elems:       []value.Value{value.Int(value.KindInt, 9), value.Int(value.KindInt, 8)},
	}}
	snap := snapshotWith(map[string]value.Value{"P": st, "A": arr})

	_, err := h.CaptureSnapshotAt(snap, 0, 0)
	require.NoError(t, err)

	samples := h.Query("", nil, 10)
	var paths []string
	for _, s := range samples {
		paths = append(paths, s.Variable)
	}
	require.Contains(t, paths, "P.X")
	require.Contains(t, paths, "P.Y")
	require.Contains(t, paths, "A[0]")
	require.Contains(t, paths, "A[1]")
}

func TestAlertTriggersAfterDebounceAndClearsOnce(t *testing.T) {
	above := 10.0
	cfg := DefaultConfig()
	cfg.SampleIntervalMS = 0
	cfg.Alerts = []AlertRuleConfig{{
		Name: "high_counter", VariablePath: "Counter", Above: &above, DebounceSamples: 2, Hook: "log",
	}}
	disp := &fakeDispatcher{}
	h := newTestHistorian(t, cfg, disp)

	below := snapshotWith(map[string]value.Value{"Counter": value.Int(value.KindInt, 1)})
	breach := snapshotWith(map[string]value.Value{"Counter": value.Int(value.KindInt, 20)})

	_, err := h.CaptureSnapshotAt(below, 0, 0)
	require.NoError(t, err)
	require.Empty(t, disp.events)

	_, err = h.CaptureSnapshotAt(breach, 1, 0)
	require.NoError(t, err)
	require.Empty(t, disp.events, "debounce_samples=2 requires two consecutive breaching samples")

	_, err = h.CaptureSnapshotAt(breach, 2, 0)
	require.NoError(t, err)
	require.Len(t, disp.events, 1)
	require.Equal(t, AlertTriggered, disp.events[0].State)

	_, err = h.CaptureSnapshotAt(below, 3, 0)
	require.NoError(t, err)
	require.Len(t, disp.events, 2)
	require.Equal(t, AlertCleared, disp.events[1].State)

	alerts := h.Alerts(10)
	require.Len(t, alerts, 2)
}

func TestQueryCapsAtFiveThousand(t *testing.T) {
	h := newTestHistorian(t, DefaultConfig(), nil)
	samples := h.Query("", nil, 999999)
	require.True(t, len(samples) <= 5000)
}

func TestJournalReloadSkipsMalformedTrailingLine(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SampleIntervalMS = 0
	path := filepath.Join(t.TempDir(), "historian.jsonl")
	cfg.HistoryPath = path

	h, err := New(cfg, "", &fakeDispatcher{})
	require.NoError(t, err)
	snap := snapshotWith(map[string]value.Value{"Counter": value.Int(value.KindInt, 1)})
	_, err = h.CaptureSnapshotAt(snap, 0, 0)
	require.NoError(t, err)

	appendRaw(t, path, "{not valid json")

	h2, err := New(cfg, "", &fakeDispatcher{})
	require.NoError(t, err)
	require.Len(t, h2.Query("", nil, 10), 1)
}

func appendRaw(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}
