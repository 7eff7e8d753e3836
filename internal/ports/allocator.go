package ports

import (
	"fmt"
	"sort"
)

// Range is an inclusive [Low, High] port range.
type Range struct {
	Low  int
	High int
}

// Allocator hands out proxy listener ports from configured ranges. It is
// idempotent per key: repeated Allocate calls for the same key return the
// same port until Release. Not safe for concurrent use; the queue consumer
// owns it.
type Allocator struct {
	ranges []Range
	byKey  map[string]int
	used   map[int]bool
}

// NewAllocator validates the ranges and builds an empty allocator.
func NewAllocator(ranges []Range) (*Allocator, error) {
	if len(ranges) == 0 {
		return nil, fmt.Errorf("ports: at least one range is required")
	}
	for _, r := range ranges {
		if r.Low <= 0 || r.High > 65535 || r.Low > r.High {
			return nil, fmt.Errorf("ports: invalid range [%d, %d]", r.Low, r.High)
		}
	}
	return &Allocator{
		ranges: append([]Range(nil), ranges...),
		byKey:  make(map[string]int),
		used:   make(map[int]bool),
	}, nil
}

// Allocate returns the port held by key, assigning the lowest free port
// across the configured ranges on first use. Errors when every range is
// exhausted.
func (a *Allocator) Allocate(key string) (int, error) {
	if p, ok := a.byKey[key]; ok {
		return p, nil
	}
	for _, r := range a.ranges {
		for p := r.Low; p <= r.High; p++ {
			if !a.used[p] {
				a.used[p] = true
				a.byKey[key] = p
				return p, nil
			}
		}
	}
	return 0, fmt.Errorf("ports: all ranges exhausted")
}

// Release frees the port held by key. Releasing an unknown key is a no-op.
func (a *Allocator) Release(key string) {
	p, ok := a.byKey[key]
	if !ok {
		return
	}
	delete(a.byKey, key)
	delete(a.used, p)
}

// Lookup returns the port held by key, if any.
func (a *Allocator) Lookup(key string) (int, bool) {
	p, ok := a.byKey[key]
	return p, ok
}

// Keys returns the currently held keys, sorted.
func (a *Allocator) Keys() []string {
	keys := make([]string, 0, len(a.byKey))
	for k := range a.byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Allocations returns a copy of the key→port table.
func (a *Allocator) Allocations() map[string]int {
	out := make(map[string]int, len(a.byKey))
	for k, p := range a.byKey {
		out[k] = p
	}
	return out
}

// AvailableCount reports the number of free ports across all ranges.
func (a *Allocator) AvailableCount() int {
	total := 0
	for _, r := range a.ranges {
		total += r.High - r.Low + 1
	}
	return total - len(a.used)
}
