package value

import (
	"fmt"
	"sort"
	"sync"
)

// Instance is an ordered field-name-to-Value mapping for one function-block
// or struct instance, preserving declaration order the way Struct does.
type Instance struct {
	TypeName string
	Fields   []StructField
}

// Storage holds the three keyed mappings of §3: globals, retained, and
// instances. It is owned by the executor and mutated only on the cycle
// thread (§5); every other reader takes a Snapshot instead of touching the
// live maps, mirroring internal/server/registry.go's PipelineState.Status()
// snapshot-under-lock pattern from the teacher.
type Storage struct {
	mu        sync.RWMutex
	globals   map[string]Value
	retained  map[string]Value
	instances map[InstanceID]*Instance
	nextInst  InstanceID

	// retainDeclared is the full set of declared retained identifiers;
	// retained must always be a subset of it (§3 invariant).
	retainDeclared map[string]struct{}
}

// NewStorage constructs empty storage. retainDeclared lists every
// identifier the bytecode module declares as RETAIN; Merge/Set enforce that
// retained stays a subset of this set.
func NewStorage(retainDeclared []string) *Storage {
	declared := make(map[string]struct{}, len(retainDeclared))
	for _, id := range retainDeclared {
		declared[id] = struct{}{}
	}
	return &Storage{
		globals:        make(map[string]Value),
		retained:       make(map[string]Value),
		instances:      make(map[InstanceID]*Instance),
		retainDeclared: declared,
	}
}

// SetGlobal sets a global's value. Called only from the cycle thread. A
// name declared RETAIN is mirrored into the retained map as it's written,
// since the executor only ever reads/writes globals (never the retained map
// directly) and persistence (RetainedSnapshotForPersist) reads from
// retained: globals stays the single value the running program sees, and
// retained is kept as its durable mirror for declared identifiers.
func (s *Storage) SetGlobal(name string, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals[name] = v
	if _, declared := s.retainDeclared[name]; declared {
		s.retained[name] = v
	}
}

// Global reads a global's current value.
func (s *Storage) Global(name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.globals[name]
	return v, ok
}

// SetRetained sets a retained variable's value. name must be declared
// retained; callers are expected to validate against the bytecode module's
// variable manifest before calling this on arbitrary names.
func (s *Storage) SetRetained(name string, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, declared := s.retainDeclared[name]; !declared {
		return fmt.Errorf("%q is not a declared retained variable", name)
	}
	s.retained[name] = v
	return nil
}

// Retained reads a retained variable's current value.
func (s *Storage) Retained(name string) (Value, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.retained[name]
	return v, ok
}

// NewInstance allocates a fresh instance id and stores its initial field
// values, preserving declaration order. Instances are created on first
// reference and destroyed on cold start only (§3 Lifecycle).
func (s *Storage) NewInstance(typeName string, fields []StructField) InstanceID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextInst++
	id := s.nextInst
	cp := make([]StructField, len(fields))
	copy(cp, fields)
	s.instances[id] = &Instance{TypeName: typeName, Fields: cp}
	return id
}

// Instance returns a copy of the named instance's fields.
func (s *Storage) Instance(id InstanceID) (*Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, false
	}
	cp := &Instance{TypeName: inst.TypeName, Fields: append([]StructField(nil), inst.Fields...)}
	return cp, true
}

// SetInstanceField mutates one field of an existing instance in place.
func (s *Storage) SetInstanceField(id InstanceID, field string, v Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("unknown instance %d", id)
	}
	for i := range inst.Fields {
		if inst.Fields[i].Name == field {
			inst.Fields[i].Value = v
			return nil
		}
	}
	return fmt.Errorf("instance %d has no field %q", id, field)
}

// Snapshot is an immutable, cheaply-cloned view of storage taken at the end
// of a cycle or at a safe point (§5), for the historian and debug clients.
type Snapshot struct {
	Globals   map[string]Value
	Retained  map[string]Value
	Instances map[InstanceID]*Instance
}

// Snapshot copies all three mappings under a read lock. Values themselves
// are small structs (no internal pointers mutated after construction other
// than through Storage's own setters), so a shallow map copy is a safe
// point-in-time view.
func (s *Storage) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Snapshot{
		Globals:   make(map[string]Value, len(s.globals)),
		Retained:  make(map[string]Value, len(s.retained)),
		Instances: make(map[InstanceID]*Instance, len(s.instances)),
	}
	for k, v := range s.globals {
		out.Globals[k] = v
	}
	for k, v := range s.retained {
		out.Retained[k] = v
	}
	for k, inst := range s.instances {
		out.Instances[k] = &Instance{TypeName: inst.TypeName, Fields: append([]StructField(nil), inst.Fields...)}
	}
	return out
}

// GetInstance resolves an instance id against this snapshot, for flattening
// struct/reference chains without touching live Storage.
func (sn Snapshot) GetInstance(id InstanceID) (*Instance, bool) {
	inst, ok := sn.Instances[id]
	return inst, ok
}

// Reset applies restart semantics (§4.2). Warm preserves retained values and
// overlays them back onto globals (the executor reads retained-declared
// variables through Global, never through the retained map directly), reset
// to their declared initial values, and clears instances. Cold discards
// retained and non-retained globals alike.
func (s *Storage) Reset(warm bool, initialGlobals map[string]Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globals = make(map[string]Value, len(initialGlobals))
	for k, v := range initialGlobals {
		s.globals[k] = v
	}
	s.instances = make(map[InstanceID]*Instance)
	s.nextInst = 0
	if warm {
		for k, v := range s.retained {
			s.globals[k] = v
		}
	} else {
		s.retained = make(map[string]Value)
	}
}

// RetainedSnapshotForPersist returns a copy of the retained map, suitable
// for msgpack encoding (internal/scheduler's retain persistence). The copy
// is a plain Go map and carries no key order.
func (s *Storage) RetainedSnapshotForPersist() map[string]Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Value, len(s.retained))
	for k, v := range s.retained {
		out[k] = v
	}
	return out
}

// MergeRetained loads persisted retained values back in on warm start,
// silently skipping any identifier no longer declared retained. Values are
// written into globals as well as retained, so the loaded state is visible
// to the running program immediately, not just to later persistence.
func (s *Storage) MergeRetained(loaded map[string]Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range loaded {
		if _, declared := s.retainDeclared[k]; declared {
			s.retained[k] = v
			s.globals[k] = v
		}
	}
}

// RetainedNames returns the sorted list of declared retained identifiers.
func (s *Storage) RetainedNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.retainDeclared))
	for k := range s.retainDeclared {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
