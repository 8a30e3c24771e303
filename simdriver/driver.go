// Package simdriver is an in-memory accelerator driver with a controllable
// device clock and bounded activity buffers.
package simdriver

import (
	"sync"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

type simContext struct {
	dev           cuda.Device
	defaultStream uint32
	streams       map[cuda.Stream]uint32
	nextStream    uint32
	buf           *cuda.Buffer
	dropped       int
}

// Driver implements cuda.Driver and cuda.ActivityAPI.
type Driver struct {
	host measurement.Clock

	mu       sync.Mutex
	skew     float64
	offset   uint64
	contexts map[cuda.Context]*simContext
	current  cuda.Context
	nextCtx  uintptr
	nextStrm uintptr
	enabled  map[cuda.ActivityKind]bool
	chunk    int
}

type Option func(*Driver)

// WithSkew makes the device clock run at f times the host clock.
func WithSkew(f float64) Option {
	return func(d *Driver) { d.skew = f }
}

// WithOffset shifts the device clock by off nanoseconds.
func WithOffset(off uint64) Option {
	return func(d *Driver) { d.offset = off }
}

func New(host measurement.Clock, opts ...Option) *Driver {
	d := &Driver{
		host:     host,
		skew:     1,
		contexts: make(map[cuda.Context]*simContext),
		nextCtx:  0x1000,
		nextStrm: 0x100,
		enabled:  make(map[cuda.ActivityKind]bool),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// DeviceTime converts a host timestamp to the device clock.
func (d *Driver) DeviceTime(host uint64) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceTime(host)
}

func (d *Driver) deviceTime(host uint64) uint64 {
	return uint64(float64(host)*d.skew) + d.offset
}

// CreateContext creates a context on dev and makes it current.
func (d *Driver) CreateContext(dev cuda.Device) cuda.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextCtx += 0x10
	h := cuda.Context(d.nextCtx)
	d.contexts[h] = &simContext{
		dev:           dev,
		defaultStream: 7,
		streams:       make(map[cuda.Stream]uint32),
		nextStream:    13,
	}
	d.current = h
	return h
}

// DestroyContext forgets h. A buffer still enqueued is lost with it.
func (d *Driver) DestroyContext(h cuda.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.contexts, h)
	if d.current == h {
		d.current = cuda.NoContext
	}
}

func (d *Driver) SetCurrent(h cuda.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.current = h
}

// CreateStream creates a stream in h and returns its handle and id.
func (d *Driver) CreateStream(h cuda.Context) (cuda.Stream, uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	if !ok {
		return cuda.NoStream, cuda.NoStreamID
	}
	d.nextStrm += 0x10
	s := cuda.Stream(d.nextStrm)
	id := c.nextStream
	c.nextStream++
	c.streams[s] = id
	return s, id
}

// Emit appends a record to the context's buffer as the device would. It
// reports false when the record was dropped.
func (d *Driver) Emit(h cuda.Context, r cuda.Record) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	if !ok {
		return false
	}
	kind := r.Kind()
	if kind == cuda.KindConcurrentKernel && !d.enabled[kind] && d.enabled[cuda.KindKernel] {
		kind = cuda.KindKernel
	}
	if !d.enabled[kind] {
		return false
	}
	if c.buf == nil || (d.chunk > 0 && c.buf.Len()+cuda.RecordSize(r) > d.chunk) || !c.buf.Append(r) {
		c.dropped++
		return false
	}
	return true
}

// Dropped returns the number of records not yet reported as dropped.
func (d *Driver) Dropped(h cuda.Context) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.contexts[h]; ok {
		return c.dropped
	}
	return 0
}

func (d *Driver) CtxGetCurrent() (cuda.Context, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current == cuda.NoContext {
		return cuda.NoContext, cuda.ErrInvalidContext
	}
	return d.current, cuda.Success
}

func (d *Driver) CtxGetDevice(h cuda.Context) (cuda.Device, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	if !ok {
		return cuda.NoDevice, cuda.ErrInvalidContext
	}
	return c.dev, cuda.Success
}

func (d *Driver) StreamID(h cuda.Context, s cuda.Stream) (uint32, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	if !ok {
		return cuda.NoStreamID, cuda.ErrInvalidContext
	}
	if s == cuda.NoStream {
		return c.defaultStream, cuda.Success
	}
	id, ok := c.streams[s]
	if !ok {
		return cuda.NoStreamID, cuda.ErrInvalidValue
	}
	return id, cuda.Success
}

func (d *Driver) DefaultStreamID(h cuda.Context) (uint32, cuda.Result) {
	return d.StreamID(h, cuda.NoStream)
}

func (d *Driver) DeviceTimestamp() (uint64, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceTime(d.host.Now()), cuda.Success
}

func (d *Driver) Enable(kind cuda.ActivityKind) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch kind {
	case cuda.KindKernel, cuda.KindConcurrentKernel, cuda.KindMemcpy:
		d.enabled[kind] = true
		return cuda.Success
	}
	return cuda.ErrInvalidKind
}

// SetChunkSize limits the bytes staged between two dequeues, whatever the
// size of the enqueued buffer.
func (d *Driver) SetChunkSize(bytes int) cuda.Result {
	if bytes <= 0 {
		return cuda.ErrInvalidValue
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chunk = bytes
	return cuda.Success
}

func (d *Driver) EnqueueBuffer(h cuda.Context, buf *cuda.Buffer) cuda.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	if !ok {
		return cuda.ErrInvalidContext
	}
	if buf == nil || c.buf != nil {
		return cuda.ErrInvalidValue
	}
	c.buf = buf
	return cuda.Success
}

func (d *Driver) DequeueBuffer(h cuda.Context) (*cuda.Buffer, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	if !ok {
		return nil, cuda.ErrInvalidContext
	}
	if c.buf == nil {
		return nil, cuda.ErrQueueEmpty
	}
	buf := c.buf
	c.buf = nil
	return buf, cuda.Success
}

func (d *Driver) QueryBuffer(h cuda.Context) (int, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	if !ok {
		return 0, cuda.ErrInvalidContext
	}
	if c.buf == nil || (c.buf.Len() == 0 && c.dropped == 0) {
		return 0, cuda.ErrQueueEmpty
	}
	return c.buf.Len(), cuda.Success
}

// DroppedRecords returns the records dropped since the previous call.
func (d *Driver) DroppedRecords(h cuda.Context) (int, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.contexts[h]
	if !ok {
		return 0, cuda.ErrInvalidContext
	}
	n := c.dropped
	c.dropped = 0
	return n, cuda.Success
}

// CallbackOnly returns a view of d without the activity capability.
func (d *Driver) CallbackOnly() cuda.Driver {
	return callbackOnly{d}
}

type callbackOnly struct{ d *Driver }

func (c callbackOnly) CtxGetCurrent() (cuda.Context, cuda.Result) { return c.d.CtxGetCurrent() }
func (c callbackOnly) CtxGetDevice(h cuda.Context) (cuda.Device, cuda.Result) {
	return c.d.CtxGetDevice(h)
}
func (c callbackOnly) StreamID(h cuda.Context, s cuda.Stream) (uint32, cuda.Result) {
	return c.d.StreamID(h, s)
}
func (c callbackOnly) DefaultStreamID(h cuda.Context) (uint32, cuda.Result) {
	return c.d.DefaultStreamID(h)
}
func (c callbackOnly) DeviceTimestamp() (uint64, cuda.Result) { return c.d.DeviceTimestamp() }

var (
	_ cuda.Driver      = (*Driver)(nil)
	_ cuda.ActivityAPI = (*Driver)(nil)
	_ cuda.ChunkSizer  = (*Driver)(nil)
)
