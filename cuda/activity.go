package cuda

import "fmt"

// ActivityKind selects a class of asynchronous activity records.
type ActivityKind int

const (
	KindKernel ActivityKind = iota + 1
	KindConcurrentKernel
	KindMemcpy
	KindOther
)

func (k ActivityKind) String() string {
	switch k {
	case KindKernel:
		return "kernel"
	case KindConcurrentKernel:
		return "concurrent_kernel"
	case KindMemcpy:
		return "memcpy"
	case KindOther:
		return "other"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// CopyKind is the direction of a memory copy.
type CopyKind uint8

const (
	CopyUnknown CopyKind = iota
	CopyHtoD
	CopyDtoH
	CopyHtoA
	CopyAtoH
	CopyAtoA
	CopyAtoD
	CopyDtoA
	CopyDtoD
	CopyHtoH
	CopyPtoP
)

var copyKindNames = [...]string{"unknown", "HtoD", "DtoH", "HtoA", "AtoH", "AtoA", "AtoD", "DtoA", "DtoD", "HtoH", "PtoP"}

func (c CopyKind) String() string {
	if int(c) < len(copyKindNames) {
		return copyKindNames[c]
	}
	return "unknown"
}

// MemoryKind is the kind of memory on either side of a copy.
type MemoryKind uint8

const (
	MemUnknown MemoryKind = iota
	MemPageable
	MemPinned
	MemDevice
	MemArray
	MemManaged
)

// Dim3 is a grid or block extent.
type Dim3 struct {
	X, Y, Z int32
}

// Count returns X*Y*Z.
func (d Dim3) Count() uint64 {
	return uint64(d.X) * uint64(d.Y) * uint64(d.Z)
}

// Record is one decoded activity record: *KernelRecord, *MemcpyRecord or *OtherRecord.
type Record interface {
	Kind() ActivityKind
	record()
}

// KernelRecord describes one completed kernel execution.
type KernelRecord struct {
	Name           string
	DeviceID       Device
	ContextID      uint32
	StreamID       uint32
	Start, End     uint64
	Grid, Block    Dim3
	StaticShared   int32
	DynamicShared  int32
	LocalPerThread uint32
	Registers      uint16
	CorrelationID  uint32
}

// MemcpyRecord describes one completed memory copy.
type MemcpyRecord struct {
	CopyKind   CopyKind
	SrcKind    MemoryKind
	DstKind    MemoryKind
	Bytes      uint64
	Start, End uint64
	DeviceID   Device
	// PeerDevice is the other device of a DtoD or PtoP copy, NoDevice if unknown.
	PeerDevice    Device
	ContextID     uint32
	StreamID      uint32
	CorrelationID uint32
}

// OtherRecord is any record kind the tracer does not convert.
type OtherRecord struct {
	RawKind ActivityKind
}

func (*KernelRecord) Kind() ActivityKind { return KindConcurrentKernel }
func (*MemcpyRecord) Kind() ActivityKind { return KindMemcpy }
func (r *OtherRecord) Kind() ActivityKind {
	if r.RawKind == 0 {
		return KindOther
	}
	return r.RawKind
}

func (*KernelRecord) record() {}
func (*MemcpyRecord) record() {}
func (*OtherRecord) record()  {}

// Approximate wire sizes of the raw records, used to size buffers.
const (
	KernelRecordSize = 144
	MemcpyRecordSize = 64
	OtherRecordSize  = 16
)

// RecordSize returns the number of buffer bytes a record occupies.
func RecordSize(r Record) int {
	switch r.(type) {
	case *KernelRecord:
		return KernelRecordSize
	case *MemcpyRecord:
		return MemcpyRecordSize
	default:
		return OtherRecordSize
	}
}
