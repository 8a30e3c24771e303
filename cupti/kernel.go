package cupti

import (
	"log/slog"

	"github.com/ianlancetaylor/demangle"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

const (
	kernelBuckets     = 1024
	unknownKernelName = "unknown_kernel"
)

type kernelNode struct {
	name   string
	region measurement.RegionHandle
	next   *kernelNode
}

// kernelTable maps raw kernel names to their region. Entries live until reset.
// Callers hold the adapter lock.
type kernelTable struct {
	buckets [kernelBuckets]*kernelNode
	size    int
}

func sdbmHash(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = uint32(s[i]) + (h << 6) + (h << 16) - h
	}
	return h
}

func (t *kernelTable) lookup(name string) (measurement.RegionHandle, bool) {
	for n := t.buckets[sdbmHash(name)%kernelBuckets]; n != nil; n = n.next {
		if n.name == name {
			return n.region, true
		}
	}
	return measurement.NoRegion, false
}

// intern returns the region registered for name, defining it on first use
// under its demangled name.
func (t *kernelTable) intern(name string, define func(display string) measurement.RegionHandle) (measurement.RegionHandle, bool) {
	if r, ok := t.lookup(name); ok {
		return r, false
	}
	display := demangleKernel(name)
	r := define(display)
	idx := sdbmHash(name) % kernelBuckets
	t.buckets[idx] = &kernelNode{name: name, region: r, next: t.buckets[idx]}
	t.size++
	return r, true
}

func (t *kernelTable) len() int { return t.size }

func (t *kernelTable) reset() {
	clear(t.buckets[:])
	t.size = 0
}

func demangleKernel(name string) string {
	if name == "" {
		slog.Warn("kernel name missing")
		return unknownKernelName
	}
	return demangle.Filter(name, demangle.NoParams)
}
