package ports

import "testing"

func newTestAllocator(t *testing.T, ranges ...Range) *Allocator {
	t.Helper()
	a, err := NewAllocator(ranges)
	if err != nil {
		t.Fatalf("NewAllocator: %v", err)
	}
	return a
}

func TestNewAllocator_RejectsInvalidRanges(t *testing.T) {
	if _, err := NewAllocator(nil); err == nil {
		t.Fatal("expected error for no ranges")
	}
	if _, err := NewAllocator([]Range{{Low: 100, High: 50}}); err == nil {
		t.Fatal("expected error for inverted range")
	}
	if _, err := NewAllocator([]Range{{Low: 0, High: 50}}); err == nil {
		t.Fatal("expected error for port 0")
	}
	if _, err := NewAllocator([]Range{{Low: 1, High: 70000}}); err == nil {
		t.Fatal("expected error for out-of-range high port")
	}
}

func TestAllocate_LowestFreeFirst(t *testing.T) {
	a := newTestAllocator(t, Range{Low: 10000, High: 10002})

	p1, err := a.Allocate("svc-a")
	if err != nil || p1 != 10000 {
		t.Fatalf("expected 10000, got %d (%v)", p1, err)
	}
	p2, _ := a.Allocate("svc-b")
	if p2 != 10001 {
		t.Fatalf("expected 10001, got %d", p2)
	}

	// Releasing the low port makes it the next pick again.
	a.Release("svc-a")
	p3, _ := a.Allocate("svc-c")
	if p3 != 10000 {
		t.Fatalf("expected reuse of 10000, got %d", p3)
	}
}

func TestAllocate_IdempotentPerKey(t *testing.T) {
	a := newTestAllocator(t, Range{Low: 10000, High: 10010})
	p1, _ := a.Allocate("svc-a")
	p2, _ := a.Allocate("svc-a")
	if p1 != p2 {
		t.Fatalf("repeated allocate must return the same port: %d vs %d", p1, p2)
	}
	if a.AvailableCount() != 10 {
		t.Fatalf("expected 10 free, got %d", a.AvailableCount())
	}
}

func TestAllocate_SpansRangesAndExhausts(t *testing.T) {
	a := newTestAllocator(t, Range{Low: 10000, High: 10000}, Range{Low: 20000, High: 20000})

	p1, _ := a.Allocate("a")
	p2, _ := a.Allocate("b")
	if p1 != 10000 || p2 != 20000 {
		t.Fatalf("expected ranges scanned in order, got %d %d", p1, p2)
	}
	if _, err := a.Allocate("c"); err == nil {
		t.Fatal("expected exhaustion error")
	}
}

func TestRelease_UnknownKeyIsNoop(t *testing.T) {
	a := newTestAllocator(t, Range{Low: 10000, High: 10001})
	a.Release("ghost")
	if a.AvailableCount() != 2 {
		t.Fatalf("expected 2 free, got %d", a.AvailableCount())
	}
}

func TestAvailableCount_RoundTrips(t *testing.T) {
	a := newTestAllocator(t, Range{Low: 10000, High: 10100})
	initial := a.AvailableCount()
	if initial != 101 {
		t.Fatalf("expected 101 free, got %d", initial)
	}

	keys := []string{"svc-a", "egress_svc-b_via_node-b", "svc-c"}
	for _, k := range keys {
		if _, err := a.Allocate(k); err != nil {
			t.Fatalf("allocate %s: %v", k, err)
		}
	}
	if a.AvailableCount() != initial-3 {
		t.Fatalf("expected %d free, got %d", initial-3, a.AvailableCount())
	}
	for _, k := range keys {
		a.Release(k)
	}
	if a.AvailableCount() != initial {
		t.Fatalf("expected %d free after release, got %d", initial, a.AvailableCount())
	}
}
