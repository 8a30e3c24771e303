package cuda

import (
	"fmt"
	"math"
)

// Context is the native handle of an accelerator execution context.
type Context uintptr

// Stream is the native handle of a stream inside a context.
type Stream uintptr

// Device is a device ordinal. NoDevice marks an unknown device.
type Device int32

const (
	NoContext Context = 0
	NoStream  Stream  = 0
	NoDevice  Device  = -1

	// NoStreamID marks a missing stream id.
	NoStreamID uint32 = math.MaxUint32
)

func (c Context) String() string {
	return fmt.Sprintf("0x%x", uintptr(c))
}

func (s Stream) String() string {
	return fmt.Sprintf("0x%x", uintptr(s))
}

// LocationName renders the name of the GPU location of a stream, e.g. CUDA[0:13].
// With perDevice set the stream id is left out, which is used when streams are
// reused and one location stands for several streams.
func LocationName(dev Device, streamID uint32, perDevice bool) string {
	if streamID == NoStreamID {
		streamID = 0
	}
	switch {
	case perDevice && dev == NoDevice:
		return "CUDA"
	case perDevice:
		return fmt.Sprintf("CUDA[%d]", dev)
	case dev == NoDevice:
		return fmt.Sprintf("CUDA[?:%d]", streamID)
	default:
		return fmt.Sprintf("CUDA[%d:%d]", dev, streamID)
	}
}

// Driver is the callback side of the accelerator API the tracer depends on.
type Driver interface {
	// CtxGetCurrent returns the context bound to the calling thread.
	CtxGetCurrent() (Context, Result)
	// CtxGetDevice returns the device a context lives on.
	CtxGetDevice(ctx Context) (Device, Result)
	// StreamID resolves the id of a native stream. NoStream yields the default stream id.
	StreamID(ctx Context, stream Stream) (uint32, Result)
	// DefaultStreamID returns the id of the context's implicit stream.
	DefaultStreamID(ctx Context) (uint32, Result)
	// DeviceTimestamp samples the device clock in nanoseconds.
	DeviceTimestamp() (uint64, Result)
}

// ActivityAPI is the optional asynchronous activity capability of a driver.
type ActivityAPI interface {
	Enable(kind ActivityKind) Result
	EnqueueBuffer(ctx Context, buf *Buffer) Result
	DequeueBuffer(ctx Context) (*Buffer, Result)
	// QueryBuffer reports the number of valid bytes in the context's buffer,
	// or ErrQueueEmpty when nothing was recorded.
	QueryBuffer(ctx Context) (int, Result)
	DroppedRecords(ctx Context) (int, Result)
}

// ChunkSizer is implemented by drivers that stage records on the device in
// chunks of a settable size before they reach the host buffer.
type ChunkSizer interface {
	SetChunkSize(bytes int) Result
}

// ActivitySupport returns the activity capability of d, if it has one.
func ActivitySupport(d Driver) (ActivityAPI, bool) {
	a, ok := d.(ActivityAPI)
	return a, ok
}
