package main

import (
	"sync"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

// probeDriver answers the adapter's driver queries from what the uprobes
// have reported so far. It has no activity capability, so an adapter built
// on it times kernels and copies from API callbacks.
type probeDriver struct {
	clock measurement.Clock

	mu      sync.Mutex
	thread  Tid
	current map[Tid]cuda.Context
	devices map[cuda.Context]cuda.Device
	streams map[cuda.Context]map[cuda.Stream]uint32
	nextID  map[cuda.Context]uint32
}

const probeDefaultStreamID uint32 = 0

func newProbeDriver(clock measurement.Clock) *probeDriver {
	return &probeDriver{
		clock:   clock,
		current: make(map[Tid]cuda.Context),
		devices: make(map[cuda.Context]cuda.Device),
		streams: make(map[cuda.Context]map[cuda.Stream]uint32),
		nextID:  make(map[cuda.Context]uint32),
	}
}

// observe updates the driver's view with e and makes e's thread the one
// CtxGetCurrent answers for.
func (d *probeDriver) observe(e Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.thread = e.Tid
	if e.Failed() {
		return
	}
	h := e.NativeContext()
	switch e.EventType {
	case EVENT_CTX_CREATE:
		if e.Site != SITE_EXIT || h == cuda.NoContext {
			return
		}
		d.devices[h] = e.Device()
		d.current[e.Tid] = h
	case EVENT_CTX_SET_CURRENT:
		d.current[e.Tid] = h
	case EVENT_CTX_DESTROY:
		if e.Site != SITE_EXIT {
			return
		}
		d.forgetLocked(h)
	}
}

// forget drops everything known about h.
func (d *probeDriver) forget(h cuda.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forgetLocked(h)
}

func (d *probeDriver) forgetLocked(h cuda.Context) {
	delete(d.devices, h)
	delete(d.streams, h)
	delete(d.nextID, h)
	for tid, cur := range d.current {
		if cur == h {
			delete(d.current, tid)
		}
	}
}

func (d *probeDriver) CtxGetCurrent() (cuda.Context, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.current[d.thread]
	if !ok || h == cuda.NoContext {
		return cuda.NoContext, cuda.ErrInvalidContext
	}
	return h, cuda.Success
}

func (d *probeDriver) CtxGetDevice(h cuda.Context) (cuda.Device, cuda.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, ok := d.devices[h]
	if !ok || dev == cuda.NoDevice {
		return cuda.NoDevice, cuda.ErrInvalidContext
	}
	return dev, cuda.Success
}

// StreamID numbers streams per context in the order they are first seen.
func (d *probeDriver) StreamID(h cuda.Context, s cuda.Stream) (uint32, cuda.Result) {
	if s == cuda.NoStream {
		return probeDefaultStreamID, cuda.Success
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ids, ok := d.streams[h]
	if !ok {
		ids = make(map[cuda.Stream]uint32)
		d.streams[h] = ids
	}
	if id, ok := ids[s]; ok {
		return id, cuda.Success
	}
	d.nextID[h]++
	ids[s] = d.nextID[h]
	return ids[s], cuda.Success
}

func (d *probeDriver) DefaultStreamID(cuda.Context) (uint32, cuda.Result) {
	return probeDefaultStreamID, cuda.Success
}

// DeviceTimestamp uses the host clock: probe timestamps are CLOCK_MONOTONIC.
func (d *probeDriver) DeviceTimestamp() (uint64, cuda.Result) {
	return d.clock.Now(), cuda.Success
}
