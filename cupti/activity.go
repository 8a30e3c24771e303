package cupti

import (
	"fmt"
	"log/slog"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

// activityState is the activity side of a context.
type activityState struct {
	defaultStreamID uint32
	sync            clockSync
	// buf belongs to the driver while enqueued is set.
	buf         *cuda.Buffer
	enqueued    bool
	lastGPUTime uint64
	gpuIdle     bool
	dropped     int
}

func (a *Adapter) deviceNow() (uint64, bool) {
	t, res := a.driver.DeviceTimestamp()
	return t, checkDriver("cuptiGetTimestamp", res)
}

func (a *Adapter) setupActivityLocked(c *Context) {
	id, res := a.driver.DefaultStreamID(c.Handle)
	if !checkDriver("cuptiGetStreamId", res) {
		id = cuda.NoStreamID
	}
	act := &activityState{
		defaultStreamID: id,
		buf:             cuda.NewBuffer(a.cfg.BufferSize),
	}
	c.activity = act
	a.syncBeginLocked(c)
	a.enqueueLocked(c)
}

// resumeActivityLocked restarts recording for an adopted context.
func (a *Adapter) resumeActivityLocked(c *Context) {
	if c.activity.buf == nil {
		c.activity.buf = cuda.NewBuffer(a.cfg.BufferSize)
	}
	a.syncBeginLocked(c)
	a.enqueueLocked(c)
}

func (a *Adapter) syncBeginLocked(c *Context) {
	act := c.activity
	host := a.core.Now()
	gpu, ok := a.deviceNow()
	if !ok {
		gpu = host
	}
	// never move the anchors back behind what streams already hold
	if host < act.sync.hostStart {
		host = act.sync.hostStart
	}
	act.sync.begin(host, gpu)
	act.advanceGPUTime(host)
}

func (a *Adapter) enqueueLocked(c *Context) {
	act := c.activity
	if act.enqueued || act.buf == nil {
		return
	}
	if checkDriver("cuptiActivityEnqueueBuffer", a.activity.EnqueueBuffer(c.Handle, act.buf)) {
		act.enqueued = true
	}
}

// dequeueLocked takes the buffer back from the driver, discarding its content.
func (a *Adapter) dequeueLocked(c *Context) {
	act := c.activity
	if !act.enqueued {
		return
	}
	buf, res := a.activity.DequeueBuffer(c.Handle)
	act.enqueued = false
	if !checkDriver("cuptiActivityDequeueBuffer", res) {
		return
	}
	buf.Reset()
	act.buf = buf
}

// IsEmpty reports whether the driver holds no records for the context h.
func (a *Adapter) IsEmpty(h cuda.Context) bool {
	if a.activity == nil {
		return true
	}
	_, res := a.activity.QueryBuffer(h)
	switch res {
	case cuda.Success:
		return false
	case cuda.ErrQueueEmpty, cuda.ErrMaxLimitReached:
		return true
	}
	checkDriver("cuptiActivityQueryBuffer", res)
	return true
}

// Flush drains the activity buffer of context h.
func (a *Adapter) Flush(h cuda.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return err
	}
	c, err := a.lookupContextLocked(h)
	if err != nil {
		return err
	}
	a.flushLocked(c)
	return nil
}

// FlushAll drains the buffers of every live context.
func (a *Adapter) FlushAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return err
	}
	a.contexts.each(func(c *Context) {
		if !c.destroyed {
			a.flushLocked(c)
		}
	})
	return nil
}

func (a *Adapter) flushLocked(c *Context) {
	act := c.activity
	if a.activity == nil || act == nil || !act.enqueued || a.IsEmpty(c.Handle) {
		return
	}
	a.core.Enter(c.HostLocation, a.core.Now(), a.regions.flush)
	defer func() { a.core.Exit(c.HostLocation, a.core.Now(), a.regions.flush) }()

	buf, res := a.activity.DequeueBuffer(c.Handle)
	act.enqueued = false
	if !checkDriver("cuptiActivityDequeueBuffer", res) {
		return
	}
	act.buf = buf

	gpuStop, ok := a.deviceNow()
	hostStop := a.core.Now()
	if ok {
		act.sync.window(hostStop, gpuStop)
	}

	n := 0
	for {
		rec, res := buf.Next()
		if res == cuda.ErrMaxLimitReached {
			break
		}
		if !checkDriver("cuptiActivityGetNextRecord", res) {
			break
		}
		a.writeRecordLocked(c, rec)
		n++
	}
	a.reportDroppedLocked(c)
	a.idleOpenLocked(c)

	buf.Reset()
	a.enqueueLocked(c)
	act.sync.advance()
	a.telemetry.Flushed()
	slog.Debug("activity buffer flushed", "ctx", c.Handle, "records", n)
}

func (a *Adapter) reportDroppedLocked(c *Context) {
	dropped, res := a.activity.DroppedRecords(c.Handle)
	if !checkDriver("cuptiActivityGetNumDroppedRecords", res) || dropped == 0 {
		return
	}
	c.activity.dropped += dropped
	a.telemetry.RecordsDropped(dropped)
	size := a.cfg.BufferSize
	slog.Warn(fmt.Sprintf("dropped %d records, current buffer size %d, increase the buffer size; proposed minimum BUFFER=%d",
		dropped, size, ProposedBufferSize(size, dropped)), "ctx", c.Handle)
}

// ProposedBufferSize suggests a buffer size that would have held dropped more records.
func ProposedBufferSize(size, dropped int) int {
	return size + dropped/2*(cuda.KernelRecordSize+cuda.MemcpyRecordSize)
}

func (a *Adapter) writeRecordLocked(c *Context, rec cuda.Record) {
	switch r := rec.(type) {
	case *cuda.KernelRecord:
		a.writeKernelLocked(c, r)
	case *cuda.MemcpyRecord:
		a.writeMemcpyLocked(c, r)
	case *cuda.OtherRecord:
		slog.Debug("skipping activity record", "kind", r.Kind())
	}
}

// placeLocked maps a device interval to host time on stream s and applies
// the ordering policy. It reports false for records that must be dropped.
func (a *Adapter) placeLocked(c *Context, s *Stream, what string, gpuStart, gpuEnd uint64) (uint64, uint64, bool) {
	sync := &c.activity.sync
	start, stop, v := fitInterval(sync.toHost(gpuStart), sync.toHost(gpuEnd), s.lastTime, sync.hostStop)
	if v == fitOK {
		return start, stop, true
	}
	reason := v.reason()
	if v.dropped() {
		a.warn.warn("activity record dropped", "record", what, "device", c.Device, "stream", s.ID, "reason", reason)
		a.telemetry.RecordDiscarded(reason)
		return 0, 0, false
	}
	a.warn.warn("activity record clamped", "record", what, "device", c.Device, "stream", s.ID, "reason", reason)
	a.telemetry.RecordClamped(reason)
	return start, stop, true
}

func (a *Adapter) internKernelLocked(name string) measurement.RegionHandle {
	r, fresh := a.kernels.intern(name, func(display string) measurement.RegionHandle {
		return a.core.DefineRegion(display, kernelFile, measurement.RegionFunction)
	})
	if fresh {
		a.telemetry.KernelInterned()
	}
	return r
}

func (a *Adapter) writeKernelLocked(c *Context, k *cuda.KernelRecord) {
	if !a.cfg.Features.Has(FeatureKernel) {
		return
	}
	s, err := a.getOrCreateStreamLocked(c, cuda.NoStream, k.StreamID)
	if err != nil {
		slog.Warn("skipping kernel record", "kernel", k.Name, "err", err)
		return
	}
	region := a.internKernelLocked(k.Name)
	start, stop, ok := a.placeLocked(c, s, "kernel "+k.Name, k.Start, k.End)
	if !ok {
		return
	}
	if a.idle != IdleOff {
		a.idleBusyLocked(c, start)
	}
	a.enter(s, start, region)
	if a.cfg.Features.Has(FeatureKernelCounter) {
		a.kernelCountersLocked(s, start, k)
		a.kernelCountersLocked(s, stop, nil)
	}
	a.exit(s, stop, region)
	c.activity.advanceGPUTime(stop)
	a.telemetry.RecordWritten("kernel")
}

func (a *Adapter) kernelCountersLocked(s *Stream, t uint64, k *cuda.KernelRecord) {
	var values [len(kernelMetrics)]uint64
	if k != nil {
		values = [len(kernelMetrics)]uint64{
			k.Grid.Count(),
			k.Block.Count(),
			k.Grid.Count() * k.Block.Count(),
			uint64(k.StaticShared),
			uint64(k.DynamicShared),
			uint64(k.LocalPerThread),
			uint64(k.Registers),
		}
	}
	for i, set := range a.sets.kernel {
		a.trigger(s, t, set, values[i])
	}
}

func (a *Adapter) memcpyRegionLocked(kind cuda.CopyKind) measurement.RegionHandle {
	if r, ok := a.regions.memcpy[kind]; ok {
		return r
	}
	r := a.core.DefineRegion("cuda_memcpy_"+kind.String(), memcpyFile, measurement.RegionFunction)
	a.regions.memcpy[kind] = r
	return r
}

func (a *Adapter) writeMemcpyLocked(c *Context, m *cuda.MemcpyRecord) {
	f := a.cfg.Features
	if !f.Has(FeatureMemcpy) {
		return
	}
	local := isLocalCopy(m)
	if m.CopyKind == cuda.CopyDtoD && local && !f.Has(FeatureReferences) {
		return
	}
	s, err := a.getOrCreateStreamLocked(c, cuda.NoStream, m.StreamID)
	if err != nil {
		slog.Warn("skipping memcpy record", "kind", m.CopyKind, "err", err)
		return
	}
	start, stop, ok := a.placeLocked(c, s, "memcpy "+m.CopyKind.String(), m.Start, m.End)
	if !ok {
		return
	}

	act := c.activity
	switch a.idle {
	case IdlePure:
		a.idleBusyLocked(c, start)
	case IdleCompute:
		// a copy on the default stream waits for all kernels
		if !act.gpuIdle && m.StreamID == act.defaultStreamID {
			a.idleOpenLocked(c)
		}
	}

	if local || !f.Has(FeatureReferences) || !a.writeTransferLocked(c, s, m, start, stop) {
		region := a.memcpyRegionLocked(m.CopyKind)
		a.enter(s, start, region)
		a.exit(s, stop, region)
	}
	if a.idle == IdlePure {
		act.advanceGPUTime(stop)
	}
	a.telemetry.RecordWritten("memcpy")
}
