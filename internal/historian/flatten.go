package historian

import (
	"fmt"
	"sort"

	"github.com/ironloop/ironcycle/internal/value"
)

// collectSamples flattens every global, retained, and reachable instance
// field in snap into dot/`[i]`-path leaves, filters them through the
// configured allow-list mode, and converts each surviving leaf to a
// HistorianValue (§3 Supplemented "IEC-type to HistorianValue mapping").
func (h *Historian) collectSamples(snap value.Snapshot, timestampMS, sourceTimeNS int64) []Sample {
	var paths []string
	leaves := make(map[string]value.Value)

	collect := func(prefix string, v value.Value) {
		flattenInto(prefix, v, snap, leaves)
	}
	for name, v := range snap.Globals {
		collect(name, v)
	}
	for name, v := range snap.Retained {
		collect("retain."+name, v)
	}

	for path := range leaves {
		paths = append(paths, path)
	}
	sort.Strings(paths) // deterministic emission order

	samples := make([]Sample, 0, len(paths))
	for _, path := range paths {
		if !h.shouldRecord(path) {
			continue
		}
		hv, ok := toHistorianValue(leaves[path])
		if !ok {
			continue
		}
		samples = append(samples, Sample{
			TimestampMS:  timestampMS,
			SourceTimeNS: sourceTimeNS,
			Variable:     path,
			Value:        hv,
		})
	}
	return samples
}

// flattenInto recursively decomposes v into leaf paths under prefix,
// following struct fields, array elements (`path[i]`), and instance
// references (resolved against snap) the way the reference implementation's
// flatten_value walks a live program state tree.
func flattenInto(prefix string, v value.Value, snap value.Snapshot, out map[string]value.Value) {
	switch v.Kind {
	case value.KindStruct:
		if v.Struct == nil {
			return
		}
		for _, f := range v.Struct.Fields {
			flattenInto(prefix+"."+f.Name, f.Value, snap, out)
		}
	case value.KindArray:
		if v.Array == nil {
			return
		}
		for i, elem := range v.Array.Elems {
			flattenInto(fmt.Sprintf("%s[%d]", prefix, i), elem, snap, out)
		}
	case value.KindInstance:
		inst, ok := snap.GetInstance(v.Instance)
		if !ok {
			return
		}
		for _, f := range inst.Fields {
			flattenInto(prefix+"."+f.Name, f.Value, snap, out)
		}
	case value.KindReference:
		if v.Reference == nil {
			return
		}
		inst, ok := snap.GetInstance(*v.Reference)
		if !ok {
			return
		}
		for _, f := range inst.Fields {
			flattenInto(prefix+"."+f.Name, f.Value, snap, out)
		}
	default:
		out[prefix] = v
	}
}

// toHistorianValue narrows a scalar value.Value to the historian's five-kind
// wire union (§3 Supplemented "IEC-type to HistorianValue mapping"). Enum
// records the variant name as a string; Date/LDate/Tod/LTod/DT/LDT record
// their type-appropriate tick count as an integer, same as Time/LTime.
func toHistorianValue(v value.Value) (HistorianValue, bool) {
	switch v.Kind {
	case value.KindBool:
		return HistorianValue{Kind: "bool", Bool: v.Bool}, true
	case value.KindSInt, value.KindInt, value.KindDInt, value.KindLInt:
		return HistorianValue{Kind: "integer", Integer: v.Int}, true
	case value.KindUSInt, value.KindUInt, value.KindUDInt, value.KindULInt,
		value.KindByte, value.KindWord, value.KindDWord, value.KindLWord:
		return HistorianValue{Kind: "unsigned", Unsigned: v.Uint}, true
	case value.KindReal, value.KindLReal:
		return HistorianValue{Kind: "float", Float: v.Float}, true
	case value.KindTime, value.KindLTime:
		return HistorianValue{Kind: "integer", Integer: v.DurationNS}, true
	case value.KindDate, value.KindLDate, value.KindTod, value.KindLTod, value.KindDT, value.KindLDT:
		return HistorianValue{Kind: "integer", Integer: v.DateTimeNS}, true
	case value.KindString, value.KindWString, value.KindChar, value.KindWChar:
		return HistorianValue{Kind: "string", Str: v.Str}, true
	case value.KindEnum:
		if v.Enum == nil {
			return HistorianValue{}, false
		}
		return HistorianValue{Kind: "string", Str: v.Enum.Variant}, true
	default:
		return HistorianValue{}, false
	}
}
