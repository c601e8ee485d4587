package historian

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

func resolvePath(path, bundleRoot string) string {
	if path == "" || filepath.IsAbs(path) || bundleRoot == "" {
		return path
	}
	return filepath.Join(bundleRoot, path)
}

// journalLine is one NDJSON record. Flat fields, not nested, so a partially
// written line (truncated by a crash mid-append) fails json.Unmarshal
// cleanly rather than parsing into a half-populated nested struct.
type journalLine struct {
	TimestampMS  int64   `json:"ts_ms"`
	SourceTimeNS int64   `json:"source_time_ns"`
	Variable     string  `json:"variable"`
	Kind         string  `json:"kind"`
	Bool         bool    `json:"bool,omitempty"`
	Integer      int64   `json:"integer,omitempty"`
	Unsigned     uint64  `json:"unsigned,omitempty"`
	Float        float64 `json:"float,omitempty"`
	Str          string  `json:"str,omitempty"`
}

func toJournalLine(s Sample) journalLine {
	return journalLine{
		TimestampMS:  s.TimestampMS,
		SourceTimeNS: s.SourceTimeNS,
		Variable:     s.Variable,
		Kind:         s.Value.Kind,
		Bool:         s.Value.Bool,
		Integer:      s.Value.Integer,
		Unsigned:     s.Value.Unsigned,
		Float:        s.Value.Float,
		Str:          s.Value.Str,
	}
}

func fromJournalLine(l journalLine) Sample {
	return Sample{
		TimestampMS:  l.TimestampMS,
		SourceTimeNS: l.SourceTimeNS,
		Variable:     l.Variable,
		Value: HistorianValue{
			Kind: l.Kind, Bool: l.Bool, Integer: l.Integer,
			Unsigned: l.Unsigned, Float: l.Float, Str: l.Str,
		},
	}
}

// appendSamplesToJournal appends samples to the NDJSON file at path,
// creating parent directories as needed. Called with the historian's lock
// held by the caller.
func appendSamplesToJournal(path string, samples []Sample) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, s := range samples {
		data, err := json.Marshal(toJournalLine(s))
		if err != nil {
			return err
		}
		if _, err := w.Write(data); err != nil {
			return err
		}
		if _, err := w.WriteString("\n"); err != nil {
			return err
		}
	}
	return w.Flush()
}

// loadExistingSamples replays path into the in-memory ring on startup,
// skipping any line that fails to parse as a malformed-tail-write recovery
// (§4.5 "a truncated final line from a crash mid-append must not prevent
// startup"). A missing file is not an error.
func (h *Historian) loadExistingSamples(path string) error {
	if path == "" {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var loaded []Sample
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var jl journalLine
		if err := json.Unmarshal(line, &jl); err != nil {
			continue // skip malformed/truncated line
		}
		loaded = append(loaded, fromJournalLine(jl))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range loaded {
		h.in.samples = append(h.in.samples, s)
		h.in.trackedVariables[s.Variable] = struct{}{}
	}
	for len(h.in.samples) > h.cfg.MaxEntries {
		h.in.samples = h.in.samples[1:]
	}
	h.in.samplesTotal += uint64(len(loaded))
	if n := len(loaded); n > 0 {
		t := h.in.samples[len(h.in.samples)-1].TimestampMS
		h.in.lastCaptureMS = &t
	}
	return nil
}
