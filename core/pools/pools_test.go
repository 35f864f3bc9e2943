package pools

import (
	"errors"
	"runtime"
	"runtime/debug"
	"testing"
)

func TestSlabInsertGetRemove(t *testing.T) {
	s := NewSlab[string](0)

	h1, _ := s.Insert("a")
	h2, _ := s.Insert("b")
	if h1 == 0 || h2 == 0 || h1 == h2 {
		t.Fatalf("handles = %x %x", h1, h2)
	}

	if v, ok := s.Get(h2); !ok || *v != "b" {
		t.Errorf("Get(h2) = %v %v", v, ok)
	}
	*mustGet(t, s, h1) = "a2"
	if v, _ := s.Get(h1); *v != "a2" {
		t.Error("Get should return a pointer into the slot")
	}

	if v, ok := s.Remove(h1); !ok || v != "a2" {
		t.Errorf("Remove = %q %v", v, ok)
	}
	if _, ok := s.Get(h1); ok {
		t.Error("removed handle still resolves")
	}
	if _, ok := s.Remove(h1); ok {
		t.Error("double remove succeeded")
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func mustGet(t *testing.T, s *Slab[string], h Handle) *string {
	t.Helper()
	v, ok := s.Get(h)
	if !ok {
		t.Fatalf("handle %x does not resolve", h)
	}
	return v
}

// A reused slot must not answer to the handle of its previous occupant.
func TestSlabStaleHandle(t *testing.T) {
	s := NewSlab[int](0)
	old, _ := s.Insert(1)
	s.Remove(old)

	fresh, _ := s.Insert(2)
	if fresh.Index() != old.Index() {
		t.Fatalf("slot not reused: %d vs %d", fresh.Index(), old.Index())
	}
	if _, ok := s.Get(old); ok {
		t.Error("stale handle resolved to new occupant")
	}
	if v, ok := s.Get(fresh); !ok || *v != 2 {
		t.Errorf("fresh handle = %v %v", v, ok)
	}
	if _, ok := s.Get(0); ok {
		t.Error("zero handle resolved")
	}
}

func TestSlabBounded(t *testing.T) {
	s := NewSlab[int](2)
	h, _ := s.Insert(1)
	s.Insert(2)
	if _, err := s.Insert(3); !errors.Is(err, ErrSlabFull) {
		t.Fatalf("err = %v, want ErrSlabFull", err)
	}
	s.Remove(h)
	if _, err := s.Insert(3); err != nil {
		t.Errorf("insert after remove: %v", err)
	}
	ins, rem := s.Stats()
	if ins != 3 || rem != 1 {
		t.Errorf("stats = %d/%d", ins, rem)
	}
}

func TestSlabRange(t *testing.T) {
	s := NewSlab[int](0)
	for i := 0; i < 5; i++ {
		s.Insert(i)
	}
	h, _ := s.Insert(99)
	s.Remove(h)

	sum := 0
	s.Range(func(_ Handle, v *int) bool {
		sum += *v
		return true
	})
	if sum != 10 {
		t.Errorf("sum = %d, want 10", sum)
	}

	visited := 0
	s.Range(func(Handle, *int) bool {
		visited++
		return visited < 2
	})
	if visited != 2 {
		t.Errorf("Range did not stop: %d", visited)
	}
}

func TestBytePoolTiers(t *testing.T) {
	bp := NewBytePoolWithSizes([]int{64, 256})

	tests := []struct {
		size    int
		wantCap int
	}{
		{10, 64},
		{64, 64},
		{65, 256},
		{1000, 1000},
	}
	for _, tt := range tests {
		b := bp.Get(tt.size)
		if len(b) != tt.size || cap(b) != tt.wantCap {
			t.Errorf("Get(%d): len=%d cap=%d, want cap %d", tt.size, len(b), cap(b), tt.wantCap)
		}
		bp.Put(b[:0])
	}

	gets, puts := bp.Stats()
	if gets != 4 || puts != 3 {
		t.Errorf("stats = %d/%d, want 4/3", gets, puts)
	}
}

func TestGCConfig(t *testing.T) {
	prev := ApplyGCConfig(GCConfig{GOGC: 150})
	defer debug.SetGCPercent(prev)

	if got := ApplyGCConfig(GCConfig{GOGC: 200}); got != 150 {
		t.Errorf("previous GOGC = %d, want 150", got)
	}
	if got := ApplyGCConfig(GCConfig{}); got != -1 {
		t.Errorf("empty config reported %d", got)
	}

	runtime.GC()
	s := ReadGCStats()
	if s.NumGC == 0 || s.Sys == 0 || s.NumGoroutine == 0 {
		t.Errorf("stats = %+v", s)
	}
	if f := s.Fields(); len(f) != 8 || f["num_gc"] != s.NumGC {
		t.Errorf("fields = %v", f)
	}
}
