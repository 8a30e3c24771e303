// Package cupti turns accelerator driver callbacks and activity records into
// clock-synchronized measurement events.
package cupti

import (
	"log/slog"
	"sync"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

const (
	idleRegionName  = "gpu_idle"
	flushRegionName = "flush_cupti_activity_buffer"
	syncRegionName  = "cuda_synchronize"
	windowName      = "CUDA_WINDOW"

	kernelFile = "CUDA_KERNEL"
	apiFile    = "CUDA_API"
	idleFile   = "CUDA_IDLE"
	memcpyFile = "CUDA_MEMCPY"

	gpuMemMetric = "gpu_memory_usage"
)

var kernelMetrics = [...]string{
	"blocks_per_grid",
	"threads_per_block",
	"threads_per_kernel",
	"static_shared_mem",
	"dynamic_shared_mem",
	"local_mem_per_thread",
	"registers_per_thread",
}

// Adapter is the GPU tracing adapter. All registry mutation happens under mu.
type Adapter struct {
	cfg       Config
	idle      IdleMode
	core      measurement.Core
	driver    cuda.Driver
	activity  cuda.ActivityAPI
	telemetry Telemetry
	warn      warnOnce

	mu          sync.Mutex
	initialized bool
	finalized   bool
	contexts    contextRegistry
	kernels     kernelTable
	comm        commTracker
	api         apiTable
	window      measurement.RmaWindowHandle
	regions     struct {
		idle, flush, sync measurement.RegionHandle
		memcpy            map[cuda.CopyKind]measurement.RegionHandle
	}
	sets struct {
		gpuMem measurement.SamplingSetHandle
		kernel [len(kernelMetrics)]measurement.SamplingSetHandle
	}
}

type Option func(*Adapter)

func WithTelemetry(t Telemetry) Option {
	return func(a *Adapter) {
		if t != nil {
			a.telemetry = t
		}
	}
}

// WithCallbacksOnly ignores the driver's activity capability.
func WithCallbacksOnly() Option {
	return func(a *Adapter) { a.activity = nil }
}

// New builds an adapter. Activity records are used when the driver supports them,
// otherwise kernels and copies are timed on the host from API callbacks.
func New(cfg Config, core measurement.Core, driver cuda.Driver, opts ...Option) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Features.Has(FeaturePureIdle) && !cfg.Features.Has(FeatureMemcpy) {
		slog.Warn("pure_idle needs memcpy recording, falling back to idle")
	}
	a := &Adapter{
		cfg:       cfg,
		idle:      cfg.Features.IdleMode(),
		core:      core,
		driver:    driver,
		telemetry: noopTelemetry{},
	}
	a.activity, _ = cuda.ActivitySupport(driver)
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Config returns the configuration the adapter was built with.
func (a *Adapter) Config() Config { return a.cfg }

// ActivityMode reports whether activity records are used.
func (a *Adapter) ActivityMode() bool { return a.activity != nil }

// Init defines the adapter's regions and metrics and enables activity kinds.
func (a *Adapter) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return ErrFinalized
	}
	a.initLocked()
	return nil
}

func (a *Adapter) initLocked() {
	if a.initialized {
		return
	}
	f := a.cfg.Features
	if a.idle != IdleOff {
		a.regions.idle = a.core.DefineRegion(idleRegionName, idleFile, measurement.RegionArtificial)
	}
	a.regions.flush = a.core.DefineRegion(flushRegionName, "", measurement.RegionArtificial)
	if f.Has(FeatureSync) {
		a.regions.sync = a.core.DefineRegion(syncRegionName, apiFile, measurement.RegionImplicitBarrier)
	}
	a.regions.memcpy = make(map[cuda.CopyKind]measurement.RegionHandle)
	if f.Has(FeatureGPUMemUsage) {
		m := a.core.DefineMetric(gpuMemMetric, "Byte", measurement.MetricAbsolute)
		a.sets.gpuMem = a.core.DefineSamplingSet(m)
	}
	if f.Has(FeatureKernelCounter) {
		for i, name := range kernelMetrics {
			m := a.core.DefineMetric(name, "#", measurement.MetricAbsolute)
			a.sets.kernel[i] = a.core.DefineSamplingSet(m)
		}
	}
	if f.Has(FeatureMemcpy) && f.Has(FeatureReferences) {
		a.window = a.core.DefineRmaWindow(windowName)
	}
	a.comm.init()

	if a.activity != nil {
		if f.Has(FeatureKernel) {
			checkDriver("cuptiActivityEnable(kernel)", a.activity.Enable(cuda.KindConcurrentKernel))
		}
		if f.Has(FeatureMemcpy) {
			checkDriver("cuptiActivityEnable(memcpy)", a.activity.Enable(cuda.KindMemcpy))
		}
		if cs, ok := a.activity.(cuda.ChunkSizer); ok && a.cfg.ChunkSize > 0 {
			checkDriver("cuptiActivitySetAttribute(DEVICE_BUFFER_SIZE)", cs.SetChunkSize(a.cfg.ChunkSize))
		}
	}
	a.initialized = true
	slog.Debug("cupti adapter initialized", "features", f.String(), "activity", a.activity != nil,
		"buffer", a.cfg.BufferSize, "chunk", a.cfg.ChunkSize)
}

func (a *Adapter) readyLocked() error {
	if a.finalized {
		return ErrFinalized
	}
	a.initLocked()
	return nil
}

// Finalize drains outstanding buffers when flush at exit is enabled, writes
// the closing events of every context and releases all records.
func (a *Adapter) Finalize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.finalized {
		return ErrFinalized
	}
	a.initLocked()
	if a.cfg.Features.Has(FeatureFlushAtExit) {
		a.contexts.each(func(c *Context) {
			if !c.destroyed {
				a.flushLocked(c)
			}
		})
	}
	a.contexts.each(a.finalizeContextLocked)
	a.comm.closeAll(a.core, a.core.Now(), a.window)
	slog.Debug("cupti adapter finalized", "contexts", a.contexts.len(), "kernels", a.kernels.len())
	a.contexts.reset()
	a.kernels.reset()
	a.finalized = true
	return nil
}

// ordered returns t, raised to the stream's last written timestamp if it
// would go backwards, and records it as the new last timestamp.
func (a *Adapter) ordered(s *Stream, t uint64, event string) uint64 {
	if t < s.lastTime {
		a.warn.warn("timestamp before last written on stream, clamped", "event", event, "location", s.Name)
		a.telemetry.RecordClamped("stream_order")
		return s.lastTime
	}
	s.lastTime = t
	return t
}

func (a *Adapter) enter(s *Stream, t uint64, r measurement.RegionHandle) {
	a.core.Enter(s.Location, a.ordered(s, t, "enter"), r)
}

func (a *Adapter) exit(s *Stream, t uint64, r measurement.RegionHandle) {
	a.core.Exit(s.Location, a.ordered(s, t, "exit"), r)
}

func (a *Adapter) trigger(s *Stream, t uint64, set measurement.SamplingSetHandle, v uint64) {
	a.core.TriggerCounter(s.Location, a.ordered(s, t, "counter"), set, v)
}

// KernelCount returns the number of distinct kernel names registered.
func (a *Adapter) KernelCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.kernels.len()
}

type StreamInfo struct {
	ID        uint32
	Name      string
	LastTime  uint64
	Destroyed bool
}

// ContextInfo is a copy of a context record taken under the adapter lock.
type ContextInfo struct {
	Handle       cuda.Context
	Device       cuda.Device
	Thread       uint64
	HostLocation measurement.LocationHandle
	Destroyed    bool
	Streams      []StreamInfo
	Allocations  int
	Allocated    uint64
	Dropped      int
	Idle         bool
}

func contextInfo(c *Context) ContextInfo {
	n, _ := c.mem.outstanding()
	info := ContextInfo{
		Handle:       c.Handle,
		Device:       c.Device,
		Thread:       c.Thread,
		HostLocation: c.HostLocation,
		Destroyed:    c.destroyed,
		Allocations:  n,
		Allocated:    c.mem.allocated,
	}
	if c.activity != nil {
		info.Dropped = c.activity.dropped
		info.Idle = c.activity.gpuIdle
	}
	for _, s := range c.streams {
		info.Streams = append(info.Streams, StreamInfo{
			ID: s.ID, Name: s.Name, LastTime: s.lastTime, Destroyed: s.destroyed,
		})
	}
	return info
}

// Snapshot describes every context record currently held.
func (a *Adapter) Snapshot() []ContextInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []ContextInfo
	a.contexts.each(func(c *Context) {
		out = append(out, contextInfo(c))
	})
	return out
}
