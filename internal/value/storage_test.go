package value

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorageRetainSubsetInvariant(t *testing.T) {
	s := NewStorage([]string{"Counter"})
	require.NoError(t, s.SetRetained("Counter", Int(KindDInt, 1)))
	err := s.SetRetained("NotDeclared", Int(KindDInt, 1))
	require.Error(t, err)
}

func TestStorageWarmRestartPreservesRetained(t *testing.T) {
	s := NewStorage([]string{"Counter"})
	require.NoError(t, s.SetRetained("Counter", Int(KindDInt, 42)))
	s.SetGlobal("Scratch", Int(KindInt, 99))
	s.NewInstance("Timer", []StructField{{Name: "ET", Value: Int(KindTime, 0)}})

	s.Reset(true, map[string]Value{"Scratch": Int(KindInt, 0)})

	v, ok := s.Retained("Counter")
	require.True(t, ok)
	require.Equal(t, Int(KindDInt, 42), v)

	g, ok := s.Global("Scratch")
	require.True(t, ok)
	require.Equal(t, Int(KindInt, 0), g)

	snap := s.Snapshot()
	require.Empty(t, snap.Instances)
}

func TestStorageColdRestartDiscardsRetained(t *testing.T) {
	s := NewStorage([]string{"Counter"})
	require.NoError(t, s.SetRetained("Counter", Int(KindDInt, 42)))

	s.Reset(false, nil)

	_, ok := s.Retained("Counter")
	require.False(t, ok)
}

func TestStorageRetainedRoundTrip(t *testing.T) {
	s := NewStorage([]string{"A", "B"})
	require.NoError(t, s.SetRetained("A", Int(KindDInt, 1)))
	require.NoError(t, s.SetRetained("B", Bool(true)))

	persisted := s.RetainedSnapshotForPersist()

	fresh := NewStorage([]string{"A", "B"})
	fresh.MergeRetained(persisted)

	a, ok := fresh.Retained("A")
	require.True(t, ok)
	require.Equal(t, Int(KindDInt, 1), a)
	b, ok := fresh.Retained("B")
	require.True(t, ok)
	require.Equal(t, Bool(true), b)
}

func TestStorageSnapshotIsIndependentCopy(t *testing.T) {
	s := NewStorage(nil)
	s.SetGlobal("X", Int(KindInt, 1))
	snap := s.Snapshot()
	s.SetGlobal("X", Int(KindInt, 2))
	require.Equal(t, Int(KindInt, 1), snap.Globals["X"])
}
