package cupti

import (
	"log/slog"
	"math"

	"go.uber.org/atomic"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

const noCommID = math.MaxUint32

// commTracker hands out communication participant ids to locations on their
// first transfer and remembers which RMA windows are still open.
type commTracker struct {
	next     atomic.Uint32
	matching atomic.Uint64
	ids      map[measurement.LocationHandle]uint32
	locs     []measurement.LocationHandle
	group    []uint64
	open     map[measurement.LocationHandle]bool
}

func (t *commTracker) init() {
	if t.ids == nil {
		t.ids = make(map[measurement.LocationHandle]uint32)
		t.open = make(map[measurement.LocationHandle]bool)
	}
}

// assign returns the participant id of loc and whether it was just assigned.
func (t *commTracker) assign(loc measurement.LocationHandle, globalID uint64) (uint32, bool) {
	if id, ok := t.ids[loc]; ok {
		return id, false
	}
	id := t.next.Inc() - 1
	t.ids[loc] = id
	t.locs = append(t.locs, loc)
	t.group = append(t.group, globalID)
	t.open[loc] = true
	return id, true
}

func (t *commTracker) nextMatchingID() uint64 { return t.matching.Inc() }

func (t *commTracker) closed(loc measurement.LocationHandle) { delete(t.open, loc) }

// closeAll destroys every window still open, in participant order.
func (t *commTracker) closeAll(core measurement.Core, now uint64, win measurement.RmaWindowHandle) {
	for _, loc := range t.locs {
		if t.open[loc] {
			core.RmaWinDestroy(loc, now, win)
			delete(t.open, loc)
		}
	}
}

// CommGroup returns the global location ids of all communication
// participants, indexed by participant id.
func (a *Adapter) CommGroup() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.comm.group...)
}

func (a *Adapter) streamParticipant(s *Stream, t uint64) uint32 {
	if s.commID == noCommID {
		id, fresh := a.comm.assign(s.Location, a.core.LocationID(s.Location))
		if fresh {
			a.core.RmaWinCreate(s.Location, a.ordered(s, t, "window_create"), a.window)
		}
		s.commID = id
	}
	return s.commID
}

// hostParticipant assigns the id of the context's host location. Several
// contexts created by one thread share it.
func (a *Adapter) hostParticipant(c *Context) uint32 {
	if c.commID == noCommID {
		id, fresh := a.comm.assign(c.HostLocation, a.core.LocationID(c.HostLocation))
		if fresh {
			a.core.RmaWinCreate(c.HostLocation, a.core.Now(), a.window)
		}
		c.commID = id
	}
	return c.commID
}

func isLocalCopy(m *cuda.MemcpyRecord) bool {
	switch m.CopyKind {
	case cuda.CopyHtoD, cuda.CopyDtoH, cuda.CopyHtoA, cuda.CopyAtoH:
		return false
	case cuda.CopyDtoD, cuda.CopyPtoP:
		return m.PeerDevice == cuda.NoDevice || m.PeerDevice == m.DeviceID
	}
	return true
}

// peerStreamLocked returns the first stream of a live context on dev.
func (a *Adapter) peerStreamLocked(dev cuda.Device) *Stream {
	var peer *Stream
	a.contexts.each(func(c *Context) {
		if peer == nil && !c.destroyed && c.Device == dev {
			peer = c.firstStream()
		}
	})
	return peer
}

// writeTransferLocked writes a device-timed non-local copy as one-sided
// communication initiated by the stream s.
func (a *Adapter) writeTransferLocked(c *Context, s *Stream, m *cuda.MemcpyRecord, start, stop uint64) bool {
	var (
		remote uint32
		put    bool
	)
	switch m.CopyKind {
	case cuda.CopyHtoD, cuda.CopyHtoA:
		remote = a.hostParticipant(c)
	case cuda.CopyDtoH, cuda.CopyAtoH:
		remote, put = a.hostParticipant(c), true
	default:
		peer := a.peerStreamLocked(m.PeerDevice)
		if peer == nil {
			return false
		}
		remote, put = a.streamParticipant(peer, start), true
	}
	a.streamParticipant(s, start)
	id := a.comm.nextMatchingID()
	t := a.ordered(s, start, "rma")
	if put {
		a.core.RmaPut(s.Location, t, a.window, remote, m.Bytes, id)
	} else {
		a.core.RmaGet(s.Location, t, a.window, remote, m.Bytes, id)
	}
	a.core.RmaOpComplete(s.Location, a.ordered(s, stop, "rma"), a.window, id)
	return true
}

type pendingCopy struct {
	matchingID uint64
}

// hostCopyEnterLocked writes the host side of a copy seen at API enter when
// no activity records are available.
func (a *Adapter) hostCopyEnterLocked(c *Context, ev APIEvent) {
	if ev.CopyKind != cuda.CopyHtoD && ev.CopyKind != cuda.CopyDtoH {
		return
	}
	s, err := a.getOrCreateStreamLocked(c, ev.Stream, cuda.NoStreamID)
	if err != nil {
		slog.Warn("skipping copy", "ctx", c.Handle, "err", err)
		return
	}
	now := a.core.Now()
	remote := a.streamParticipant(s, now)
	a.hostParticipant(c)
	id := a.comm.nextMatchingID()
	if ev.CopyKind == cuda.CopyHtoD {
		a.core.RmaPut(c.HostLocation, now, a.window, remote, ev.Bytes, id)
	} else {
		a.core.RmaGet(c.HostLocation, now, a.window, remote, ev.Bytes, id)
	}
	if c.copies == nil {
		c.copies = make(map[uint64]pendingCopy)
	}
	c.copies[ev.Thread] = pendingCopy{matchingID: id}
}

func (a *Adapter) hostCopyExitLocked(c *Context, ev APIEvent) {
	p, ok := c.copies[ev.Thread]
	if !ok {
		return
	}
	delete(c.copies, ev.Thread)
	a.core.RmaOpComplete(c.HostLocation, a.core.Now(), a.window, p.matchingID)
}
