package cupti

import (
	"fmt"
	"log/slog"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

// Stream is the record of one stream of a context, mapped to a GPU location.
type Stream struct {
	Handle   cuda.Stream
	ID       uint32
	Name     string
	Location measurement.LocationHandle

	commID    uint32
	lastTime  uint64
	destroyed bool
	// region of a launch seen at API enter, closed at API exit
	pendingKernel measurement.RegionHandle
}

func (s *Stream) LastTime() uint64 { return s.lastTime }

func (s *Stream) Destroyed() bool { return s.destroyed }

// GetOrCreateStream returns the stream record for handle or id in the context h.
func (a *Adapter) GetOrCreateStream(h cuda.Context, handle cuda.Stream, id uint32) (*Stream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.readyLocked(); err != nil {
		return nil, err
	}
	c, err := a.lookupContextLocked(h)
	if err != nil {
		return nil, err
	}
	return a.getOrCreateStreamLocked(c, handle, id)
}

// MarkStreamDestroyed flags the stream id of context h as destroyed.
func (a *Adapter) MarkStreamDestroyed(h cuda.Context, id uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, err := a.lookupContextLocked(h)
	if err != nil {
		return err
	}
	s := streamByID(c, id)
	if s == nil {
		slog.Warn("destroying unknown stream", "ctx", h, "stream", id)
		return fmt.Errorf("%w: stream %d", ErrNoStreamInfo, id)
	}
	s.destroyed = true
	return nil
}

// streamByID looks up a stream without creating it.
func streamByID(c *Context, id uint32) *Stream {
	for _, s := range c.streams {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (a *Adapter) defaultStreamID(c *Context) uint32 {
	if c.activity != nil && c.activity.defaultStreamID != cuda.NoStreamID {
		return c.activity.defaultStreamID
	}
	id, res := a.driver.DefaultStreamID(c.Handle)
	if !checkDriver("cuptiGetStreamId", res) {
		return cuda.NoStreamID
	}
	return id
}

func (a *Adapter) getOrCreateStreamLocked(c *Context, handle cuda.Stream, id uint32) (*Stream, error) {
	if id == cuda.NoStreamID {
		if handle == cuda.NoStream {
			id = a.defaultStreamID(c)
		} else {
			sid, res := a.driver.StreamID(c.Handle, handle)
			if !checkDriver("cuptiGetStreamId", res) {
				return nil, fmt.Errorf("%w: stream %s", ErrNoStreamInfo, handle)
			}
			id = sid
		}
	}

	for _, s := range c.streams {
		if s.ID == id || (handle != cuda.NoStream && s.Handle == handle) {
			s.destroyed = false
			return s, nil
		}
	}

	features := a.cfg.Features
	if features.Has(FeatureStreamReuse) {
		for _, s := range c.streams {
			if s.destroyed {
				slog.Debug("reusing destroyed stream record", "ctx", c.Handle, "old", s.ID, "stream", id)
				s.ID, s.Handle, s.destroyed = id, handle, false
				return s, nil
			}
		}

		// The default stream has to come first, otherwise idle markers
		// written for copies on it could precede the first stream's events.
		if len(c.streams) == 0 && c.activity != nil && id != c.activity.defaultStreamID &&
			a.idle != IdleOff && features.Has(FeatureMemcpy) {
			a.createStreamLocked(c, cuda.NoStream, c.activity.defaultStreamID)
		}
	}
	return a.createStreamLocked(c, handle, id), nil
}

func (a *Adapter) createStreamLocked(c *Context, handle cuda.Stream, id uint32) *Stream {
	name := cuda.LocationName(c.Device, id, a.cfg.Features.Has(FeatureStreamReuse))
	s := &Stream{
		Handle:   handle,
		ID:       id,
		Name:     name,
		Location: a.core.CreateNonCPULocation(c.HostLocation, name),
		commID:   noCommID,
	}
	t := a.core.Now()
	if c.activity != nil {
		t = c.activity.sync.hostStart
	}
	s.lastTime = t

	first := len(c.streams) == 0
	c.streams = append(c.streams, s)

	if first {
		if c.activity != nil && a.idle != IdleOff {
			a.core.Enter(s.Location, t, a.regions.idle)
			c.activity.gpuIdle = true
		}
		if a.cfg.Features.Has(FeatureGPUMemUsage) {
			a.core.TriggerCounter(s.Location, t, a.sets.gpuMem, 0)
		}
	}
	if a.cfg.Features.Has(FeatureKernelCounter) {
		for _, set := range a.sets.kernel {
			a.core.TriggerCounter(s.Location, t, set, 0)
		}
	}
	a.telemetry.StreamCreated()
	slog.Debug("stream created", "ctx", c.Handle, "stream", id, "location", name)
	return s
}
