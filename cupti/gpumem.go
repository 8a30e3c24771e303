package cupti

import (
	"fmt"
	"log/slog"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
)

type allocation struct {
	addr   uint64
	size   uint64
	thread uint64
	next   *allocation
}

// memLedger tracks outstanding device allocations of one context.
type memLedger struct {
	head      *allocation
	allocated uint64
}

func (l *memLedger) record(addr, size, thread uint64) {
	l.head = &allocation{addr: addr, size: size, thread: thread, next: l.head}
	l.allocated += size
}

// release removes the allocation at addr and returns its size.
func (l *memLedger) release(addr uint64) (uint64, bool) {
	for p := &l.head; *p != nil; p = &(*p).next {
		if a := *p; a.addr == addr {
			*p = a.next
			l.allocated -= a.size
			return a.size, true
		}
	}
	return 0, false
}

func (l *memLedger) empty() bool { return l.head == nil }

func (l *memLedger) outstanding() (n int, bytes uint64) {
	for a := l.head; a != nil; a = a.next {
		n++
		bytes += a.size
	}
	return n, bytes
}

// drain warns about every outstanding allocation and empties the ledger.
func (l *memLedger) drain(ctx *Context) {
	if l.head == nil {
		l.allocated = 0
		return
	}
	n, bytes := l.outstanding()
	slog.Warn("free of GPU memory missing", "ctx", ctx.Handle, "device", ctx.Device,
		"allocations", n, "bytes", bytes)
	for a := l.head; a != nil; a = a.next {
		slog.Debug("leaked allocation", "ctx", ctx.Handle, "addr", a.addr, "size", a.size, "thread", a.thread)
	}
	l.head = nil
	l.allocated = 0
}

// memCounterLocked writes the running total at host now. Pending activity
// records are written first so none of them ends up behind the counter.
func (a *Adapter) memCounterLocked(c *Context) {
	a.flushLocked(c)
	s, err := a.getOrCreateStreamLocked(c, cuda.NoStream, cuda.NoStreamID)
	if err != nil {
		slog.Warn("no stream for memory counter", "ctx", c.Handle, "err", err)
		return
	}
	a.trigger(s, a.core.Now(), a.sets.gpuMem, c.mem.allocated)
}

func (a *Adapter) recordAllocLocked(c *Context, addr, size, thread uint64) {
	c.mem.record(addr, size, thread)
	a.telemetry.MemoryAllocated(int64(size))
	a.memCounterLocked(c)
}

func (a *Adapter) releaseAllocLocked(c *Context, addr uint64) bool {
	size, ok := c.mem.release(addr)
	if !ok {
		slog.Warn("free of unknown GPU memory", "ctx", c.Handle, "addr", fmt.Sprintf("0x%x", addr))
		return false
	}
	a.telemetry.MemoryAllocated(-int64(size))
	a.memCounterLocked(c)
	return true
}

// Allocated returns the bytes currently recorded for context h.
func (a *Adapter) Allocated(h cuda.Context) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c := a.contexts.get(h); c != nil {
		return c.mem.allocated
	}
	return 0
}
