package cupti

import (
	"fmt"
	"log/slog"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

type ResourceKind uint8

const (
	ContextCreated ResourceKind = iota + 1
	ContextDestroyStarting
	StreamCreated
	StreamDestroyStarting
)

func (k ResourceKind) String() string {
	switch k {
	case ContextCreated:
		return "context_created"
	case ContextDestroyStarting:
		return "context_destroy_starting"
	case StreamCreated:
		return "stream_created"
	case StreamDestroyStarting:
		return "stream_destroy_starting"
	}
	return fmt.Sprintf("resource(%d)", uint8(k))
}

// ResourceEvent is a context or stream lifecycle notification.
type ResourceEvent struct {
	Kind    ResourceKind
	Thread  uint64
	Context cuda.Context
	// Device is NoDevice when the driver has to be asked.
	Device   cuda.Device
	Stream   cuda.Stream
	StreamID uint32
}

type Domain uint8

const (
	DomainRuntime Domain = iota + 1
	DomainDriver
)

type Site uint8

const (
	SiteEnter Site = iota + 1
	SiteExit
)

// APIKind classifies API calls the adapter looks into.
type APIKind uint8

const (
	APIOther APIKind = iota
	APIMalloc
	APIFree
	APIMemcpy
	APILaunch
)

// APIEvent is the enter or exit notification of one runtime or driver API call.
type APIEvent struct {
	Domain     Domain
	CallbackID uint32
	Name       string
	Site       Site
	Kind       APIKind
	Thread     uint64
	Context    cuda.Context
	Stream     cuda.Stream

	// Ptr and Bytes describe allocations, frees and copies.
	Ptr        uint64
	Bytes      uint64
	CopyKind   cuda.CopyKind
	KernelName string
	// Failed is set on exit when the call returned an error.
	Failed bool
}

// SyncEvent reports a completed device or context synchronization.
type SyncEvent struct {
	Thread  uint64
	Context cuda.Context
}

const (
	apiSlots     = 1024
	driverOffset = 512
)

// apiTable caches API regions by callback id.
type apiTable [apiSlots]measurement.RegionHandle

func (a *Adapter) apiRegionLocked(ev APIEvent) measurement.RegionHandle {
	idx := ev.CallbackID
	if ev.Domain == DomainDriver && a.cfg.Features.Has(FeatureRuntimeAPI|FeatureDriverAPI) {
		idx += driverOffset
	}
	if idx >= apiSlots {
		return a.core.DefineRegion(ev.Name, apiFile, measurement.RegionWrapper)
	}
	if a.api[idx] == measurement.NoRegion {
		a.api[idx] = a.core.DefineRegion(ev.Name, apiFile, measurement.RegionWrapper)
	}
	return a.api[idx]
}

func (a *Adapter) recordsDomain(d Domain) bool {
	switch d {
	case DomainRuntime:
		return a.cfg.Features.Has(FeatureRuntimeAPI)
	case DomainDriver:
		return a.cfg.Features.Has(FeatureDriverAPI)
	}
	return false
}

// HandleResource processes a context or stream lifecycle notification.
func (a *Adapter) HandleResource(ev ResourceEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return err
	}

	switch ev.Kind {
	case ContextCreated:
		_, err := a.getOrCreateContextLocked(ev.Context, ev.Device, ev.Thread)
		return err

	case ContextDestroyStarting:
		c, err := a.lookupContextLocked(ev.Context)
		if err != nil {
			slog.Warn("destroying unknown context", "ctx", ev.Context)
			return err
		}
		a.flushLocked(c)
		if a.cfg.Features.Has(FeatureDeviceReuse) {
			a.markDestroyedLocked(c)
			return nil
		}
		a.contexts.remove(c.Handle)
		a.finalizeContextLocked(c)
		return nil

	case StreamCreated:
		if !a.cfg.recordsActivity() {
			return nil
		}
		c, err := a.getOrCreateContextLocked(ev.Context, ev.Device, ev.Thread)
		if err != nil {
			return err
		}
		_, err = a.getOrCreateStreamLocked(c, ev.Stream, ev.StreamID)
		return err

	case StreamDestroyStarting:
		c, err := a.lookupContextLocked(ev.Context)
		if err != nil {
			return err
		}
		a.flushLocked(c)
		for _, s := range c.streams {
			if s.destroyed {
				continue
			}
			if (ev.StreamID != cuda.NoStreamID && s.ID == ev.StreamID) ||
				(ev.Stream != cuda.NoStream && s.Handle == ev.Stream) {
				s.destroyed = true
				return nil
			}
		}
		slog.Warn("destroying unknown stream", "ctx", ev.Context, "stream", ev.StreamID)
		return fmt.Errorf("%w: stream %d", ErrNoStreamInfo, ev.StreamID)
	}
	return fmt.Errorf("unsupported resource event %s", ev.Kind)
}

// HandleAPI processes the enter or exit of an API call.
func (a *Adapter) HandleAPI(ev APIEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return err
	}

	host := a.core.CPULocation(ev.Thread)
	var region measurement.RegionHandle
	if a.recordsDomain(ev.Domain) {
		region = a.apiRegionLocked(ev)
		if ev.Site == SiteEnter {
			a.core.Enter(host, a.core.Now(), region)
		} else {
			defer func() { a.core.Exit(host, a.core.Now(), region) }()
		}
	}
	if ev.Kind == APIOther {
		return nil
	}

	c, err := a.getOrCreateContextLocked(ev.Context, cuda.NoDevice, ev.Thread)
	if err != nil {
		slog.Warn("skipping API event without context", "call", ev.Name, "err", err)
		return err
	}

	f := a.cfg.Features
	switch ev.Kind {
	case APIMalloc:
		if ev.Site == SiteExit && !ev.Failed && f.Has(FeatureGPUMemUsage) {
			a.recordAllocLocked(c, ev.Ptr, ev.Bytes, ev.Thread)
		}
	case APIFree:
		if ev.Site == SiteEnter && f.Has(FeatureGPUMemUsage) {
			a.releaseAllocLocked(c, ev.Ptr)
		}
	case APIMemcpy:
		if a.activity != nil || !f.Has(FeatureMemcpy) || !f.Has(FeatureReferences) {
			return nil
		}
		if host != c.HostLocation {
			slog.Warn("skipping copy", "call", ev.Name, "ctx", c.Handle, "thread", ev.Thread, "err", ErrThreadMismatch)
			return ErrThreadMismatch
		}
		if ev.Site == SiteEnter {
			a.hostCopyEnterLocked(c, ev)
		} else {
			a.hostCopyExitLocked(c, ev)
		}
	case APILaunch:
		if a.activity != nil || !f.Has(FeatureKernel) {
			return nil
		}
		a.hostKernelLocked(c, ev)
	}
	return nil
}

// hostKernelLocked times a kernel by its launch call when no activity
// records are available.
func (a *Adapter) hostKernelLocked(c *Context, ev APIEvent) {
	s, err := a.getOrCreateStreamLocked(c, ev.Stream, cuda.NoStreamID)
	if err != nil {
		slog.Warn("skipping kernel launch", "kernel", ev.KernelName, "err", err)
		return
	}
	now := a.core.Now()
	if ev.Site == SiteEnter {
		s.pendingKernel = a.internKernelLocked(ev.KernelName)
		a.enter(s, now, s.pendingKernel)
		return
	}
	if s.pendingKernel == measurement.NoRegion {
		return
	}
	a.exit(s, now, s.pendingKernel)
	s.pendingKernel = measurement.NoRegion
	a.telemetry.RecordWritten("kernel")
}

// HandleSync flushes the synchronized context. Synchronizing an unknown
// context is a warning and nothing else.
func (a *Adapter) HandleSync(ev SyncEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return err
	}
	c, err := a.lookupContextLocked(ev.Context)
	if err != nil {
		slog.Warn("synchronize on unknown context", "ctx", ev.Context, "err", err)
		return err
	}
	host := a.core.CPULocation(ev.Thread)
	if a.cfg.Features.Has(FeatureSync) {
		a.core.Enter(host, a.core.Now(), a.regions.sync)
		defer func() { a.core.Exit(host, a.core.Now(), a.regions.sync) }()
	}
	a.flushLocked(c)
	return nil
}
