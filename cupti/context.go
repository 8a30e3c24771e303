package cupti

import (
	"fmt"
	"log/slog"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

// Context is the record of one accelerator context. Records are owned by the
// adapter; fields are only read or written under its lock.
type Context struct {
	Handle       cuda.Context
	Device       cuda.Device
	HostLocation measurement.LocationHandle
	Thread       uint64

	commID    uint32
	destroyed bool
	streams   []*Stream
	mem       memLedger
	activity  *activityState
	copies    map[uint64]pendingCopy
}

func (c *Context) String() string {
	return fmt.Sprintf("ctx %s dev %d", c.Handle, c.Device)
}

func (c *Context) firstStream() *Stream {
	if len(c.streams) == 0 {
		return nil
	}
	return c.streams[0]
}

// contextRegistry is a slot arena of context records. Destroyed records keep
// their slot and stay reachable by handle until they are adopted or removed.
type contextRegistry struct {
	slots    []*Context
	free     []int
	byHandle map[cuda.Context]int
}

func (r *contextRegistry) get(h cuda.Context) *Context {
	if i, ok := r.byHandle[h]; ok {
		return r.slots[i]
	}
	return nil
}

func (r *contextRegistry) insert(c *Context) {
	if r.byHandle == nil {
		r.byHandle = make(map[cuda.Context]int)
	}
	i := len(r.slots)
	if n := len(r.free); n > 0 {
		i = r.free[n-1]
		r.free = r.free[:n-1]
		r.slots[i] = c
	} else {
		r.slots = append(r.slots, c)
	}
	r.byHandle[c.Handle] = i
}

// rebind moves a record to a new native handle.
func (r *contextRegistry) rebind(c *Context, h cuda.Context) {
	i, ok := r.byHandle[c.Handle]
	if !ok {
		return
	}
	delete(r.byHandle, c.Handle)
	c.Handle = h
	r.byHandle[h] = i
}

func (r *contextRegistry) remove(h cuda.Context) *Context {
	i, ok := r.byHandle[h]
	if !ok {
		return nil
	}
	c := r.slots[i]
	delete(r.byHandle, h)
	r.slots[i] = nil
	r.free = append(r.free, i)
	return c
}

// adoptable returns the first destroyed record on dev.
func (r *contextRegistry) adoptable(dev cuda.Device) *Context {
	for _, c := range r.slots {
		if c != nil && c.destroyed && c.Device == dev {
			return c
		}
	}
	return nil
}

func (r *contextRegistry) each(fn func(*Context)) {
	for _, c := range r.slots {
		if c != nil {
			fn(c)
		}
	}
}

func (r *contextRegistry) len() int { return len(r.byHandle) }

func (r *contextRegistry) reset() {
	r.slots, r.free, r.byHandle = nil, nil, nil
}

// GetContext describes the record of a native context, destroyed or not.
func (a *Adapter) GetContext(h cuda.Context) (ContextInfo, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.contexts.get(h)
	if c == nil {
		return ContextInfo{}, false
	}
	return contextInfo(c), true
}

// GetOrCreateContext returns the record of h, creating it on first use.
// NoContext selects the context current on the calling thread; NoDevice asks the driver.
func (a *Adapter) GetOrCreateContext(h cuda.Context, dev cuda.Device, thread uint64) (*Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return nil, err
	}
	return a.getOrCreateContextLocked(h, dev, thread)
}

// RemoveContext detaches the record of h. The caller is responsible for it.
func (a *Adapter) RemoveContext(h cuda.Context) *Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.contexts.remove(h)
	if c != nil && !c.destroyed {
		a.telemetry.ContextDestroyed()
	}
	return c
}

// MarkDestroyed flags c and its streams as destroyed and takes its buffer
// back from the driver. The record stays adoptable.
func (a *Adapter) MarkDestroyed(c *Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markDestroyedLocked(c)
}

func (a *Adapter) currentContext() (cuda.Context, error) {
	h, res := a.driver.CtxGetCurrent()
	if !checkDriver("cuCtxGetCurrent", res) || h == cuda.NoContext {
		return cuda.NoContext, ErrNoContext
	}
	return h, nil
}

func (a *Adapter) lookupContextLocked(h cuda.Context) (*Context, error) {
	if h == cuda.NoContext {
		var err error
		if h, err = a.currentContext(); err != nil {
			return nil, err
		}
	}
	c := a.contexts.get(h)
	if c == nil || c.destroyed {
		return nil, fmt.Errorf("%w: %s", ErrNoContext, h)
	}
	return c, nil
}

func (a *Adapter) getOrCreateContextLocked(h cuda.Context, dev cuda.Device, thread uint64) (*Context, error) {
	if h == cuda.NoContext {
		var err error
		if h, err = a.currentContext(); err != nil {
			return nil, err
		}
	}
	if c := a.contexts.get(h); c != nil {
		if c.destroyed {
			a.adoptLocked(c)
		}
		return c, nil
	}

	if dev == cuda.NoDevice {
		if d, res := a.driver.CtxGetDevice(h); checkDriver("cuCtxGetDevice", res) {
			dev = d
		}
	}

	if a.cfg.Features.Has(FeatureDeviceReuse) {
		if c := a.contexts.adoptable(dev); c != nil {
			slog.Debug("reusing destroyed context record", "old", c.Handle, "ctx", h, "device", dev)
			a.contexts.rebind(c, h)
			a.adoptLocked(c)
			return c, nil
		}
	}

	c := &Context{
		Handle:       h,
		Device:       dev,
		Thread:       thread,
		HostLocation: a.core.CPULocation(thread),
		commID:       noCommID,
	}
	if a.activity != nil && a.cfg.recordsActivity() {
		a.setupActivityLocked(c)
	}
	a.contexts.insert(c)
	a.telemetry.ContextCreated()
	slog.Debug("context created", "ctx", h, "device", dev, "thread", thread)
	return c, nil
}

func (a *Adapter) adoptLocked(c *Context) {
	c.destroyed = false
	if c.activity != nil {
		a.resumeActivityLocked(c)
	}
	a.telemetry.ContextCreated()
}

func (a *Adapter) markDestroyedLocked(c *Context) {
	if c.destroyed {
		return
	}
	c.destroyed = true
	for _, s := range c.streams {
		s.destroyed = true
	}
	if c.activity != nil {
		a.dequeueLocked(c)
	}
	a.telemetry.MemoryAllocated(-int64(c.mem.allocated))
	c.mem.drain(c)
	a.telemetry.ContextDestroyed()
}

// finalizeContextLocked writes the closing events of c and releases its buffer.
func (a *Adapter) finalizeContextLocked(c *Context) {
	now := a.core.Now()
	a.idleCloseLocked(c, now)
	for _, s := range c.streams {
		if s.commID != noCommID {
			a.core.RmaWinDestroy(s.Location, a.ordered(s, now, "window_destroy"), a.window)
			a.comm.closed(s.Location)
		}
	}
	if c.activity != nil {
		a.dequeueLocked(c)
		c.activity.buf = nil
	}
	if !c.destroyed {
		a.telemetry.MemoryAllocated(-int64(c.mem.allocated))
		a.telemetry.ContextDestroyed()
	}
	c.mem.drain(c)
}
