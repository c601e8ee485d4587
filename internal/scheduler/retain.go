package scheduler

import (
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ironloop/ironcycle/internal/value"
)

// retainEntry is the on-disk shape of one retained variable: a type tag
// plus the narrow payload matching value.Value's scalar fields, msgpack's
// struct-tag-driven encoding mirrors the teacher's json-tag style so
// retained storage keeps a familiar struct-tag shape even though the wire
// format itself is binary, not JSON.
type retainEntry struct {
	Kind       value.Kind `msgpack:"kind"`
	Bool       bool       `msgpack:"bool,omitempty"`
	Int        int64      `msgpack:"int,omitempty"`
	Uint       uint64     `msgpack:"uint,omitempty"`
	Float      float64    `msgpack:"float,omitempty"`
	Str        string     `msgpack:"str,omitempty"`
	DurationNS int64      `msgpack:"duration_ns,omitempty"`
	DateTimeNS int64      `msgpack:"datetime_ns,omitempty"`
}

func toRetainEntry(v value.Value) retainEntry {
	return retainEntry{
		Kind: v.Kind, Bool: v.Bool, Int: v.Int, Uint: v.Uint, Float: v.Float,
		Str: v.Str, DurationNS: v.DurationNS, DateTimeNS: v.DateTimeNS,
	}
}

func fromRetainEntry(e retainEntry) value.Value {
	return value.Value{
		Kind: e.Kind, Bool: e.Bool, Int: e.Int, Uint: e.Uint, Float: e.Float,
		Str: e.Str, DurationNS: e.DurationNS, DateTimeNS: e.DateTimeNS,
	}
}

// persistRetained writes the current retained-variable set to cfg.RetainPath
// as a msgpack map (msgpack.Marshal's default encoding, which does not sort
// map keys, so the byte layout can differ between saves of equal state), and
// records the save time so RetainOnInterval can rate-limit itself.
func (s *Scheduler) persistRetained() {
	if s.cfg.RetainPath == "" {
		return
	}
	snapshot := s.storage.RetainedSnapshotForPersist()
	out := make(map[string]retainEntry, len(snapshot))
	for k, v := range snapshot {
		out[k] = toRetainEntry(v)
	}
	data, err := msgpack.Marshal(out)
	if err != nil {
		s.log.Warn().Err(err).Msg("retain persist: marshal failed")
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.cfg.RetainPath), 0o755); err != nil {
		s.log.Warn().Err(err).Msg("retain persist: mkdir failed")
		return
	}
	if err := os.WriteFile(s.cfg.RetainPath, data, 0o644); err != nil {
		s.log.Warn().Err(err).Msg("retain persist: write failed")
		return
	}
	s.lastRetainSave = time.Now()
}

// LoadRetained reads path's msgpack-encoded retained snapshot and merges it
// into storage via value.Storage.MergeRetained, for warm-start initialization
// (§3 Lifecycle: "retained values are merged from disk on warm start").
// A missing file is not an error: cold-started runtimes have none yet.
func LoadRetained(path string, storage *value.Storage) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var raw map[string]retainEntry
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return err
	}
	loaded := make(map[string]value.Value, len(raw))
	for k, e := range raw {
		loaded[k] = fromRetainEntry(e)
	}
	storage.MergeRetained(loaded)
	return nil
}
