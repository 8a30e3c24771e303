// Package measurement is the generic measurement core the GPU adapter reports to.
// It owns locations and definitions and receives the event stream.
package measurement

// Handles are opaque ids handed out by a Core. Zero is never a valid handle.
type (
	LocationHandle    uint32
	RegionHandle      uint32
	MetricHandle      uint32
	SamplingSetHandle uint32
	RmaWindowHandle   uint32
)

const (
	NoLocation    LocationHandle    = 0
	NoRegion      RegionHandle      = 0
	NoSamplingSet SamplingSetHandle = 0
	NoRmaWindow   RmaWindowHandle   = 0
)

type LocationType uint8

const (
	LocationCPU LocationType = iota + 1
	LocationGPU
)

func (t LocationType) String() string {
	if t == LocationGPU {
		return "gpu"
	}
	return "cpu"
}

type RegionType uint8

const (
	RegionFunction RegionType = iota + 1
	RegionWrapper
	RegionArtificial
	RegionImplicitBarrier
)

type MetricMode uint8

const (
	// MetricAbsolute values replace the previous sample.
	MetricAbsolute MetricMode = iota + 1
	// MetricAccumulated values sum up.
	MetricAccumulated
)

// Clock is a monotonic host time source in nanoseconds.
type Clock interface {
	Now() uint64
}

// Core is the measurement system as seen from an adapter. Definitions are
// idempotent by name and safe for concurrent first use.
type Core interface {
	Clock

	// CPULocation looks up or creates the location of a host thread.
	CPULocation(thread uint64) LocationHandle
	// CreateNonCPULocation creates a new GPU location below parent.
	CreateNonCPULocation(parent LocationHandle, name string) LocationHandle
	// LocationID returns the global id of a location, used as RMA address.
	LocationID(loc LocationHandle) uint64

	DefineRegion(name, file string, typ RegionType) RegionHandle
	DefineMetric(name, unit string, mode MetricMode) MetricHandle
	DefineSamplingSet(metric MetricHandle) SamplingSetHandle
	DefineRmaWindow(name string) RmaWindowHandle

	Enter(loc LocationHandle, t uint64, region RegionHandle)
	Exit(loc LocationHandle, t uint64, region RegionHandle)
	TriggerCounter(loc LocationHandle, t uint64, set SamplingSetHandle, value uint64)

	RmaWinCreate(loc LocationHandle, t uint64, win RmaWindowHandle)
	RmaWinDestroy(loc LocationHandle, t uint64, win RmaWindowHandle)
	RmaPut(loc LocationHandle, t uint64, win RmaWindowHandle, remote uint32, bytes, matchingID uint64)
	RmaGet(loc LocationHandle, t uint64, win RmaWindowHandle, remote uint32, bytes, matchingID uint64)
	RmaOpComplete(loc LocationHandle, t uint64, win RmaWindowHandle, matchingID uint64)
}
