package main

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
)

func (e EventType) String() string {
	switch e {
	case EVENT_CTX_CREATE:
		return "CTX_CREATE"
	case EVENT_CTX_DESTROY:
		return "CTX_DESTROY"
	case EVENT_CTX_SET_CURRENT:
		return "CTX_SET_CURRENT"
	case EVENT_STREAM_CREATE:
		return "STREAM_CREATE"
	case EVENT_STREAM_DESTROY:
		return "STREAM_DESTROY"
	case EVENT_MALLOC:
		return "MALLOC"
	case EVENT_FREE:
		return "FREE"
	case EVENT_MEMCPY:
		return "MEMCPY"
	case EVENT_LAUNCH:
		return "LAUNCH"
	case EVENT_SYNC:
		return "SYNC"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", e)
	}
}

func (s Site) String() string {
	if s == SITE_EXIT {
		return "exit"
	}
	return "enter"
}

// Event mirrors struct event in the uprobe programs. Handles are the raw
// driver values, zero when the probe could not read them.
type Event struct {
	Pid       Pid
	Tid       Tid
	Timestamp Timestamp // bpf_ktime_get_ns
	Ctx       CtxHandle
	Stream    StreamHandle
	Dptr      Dptr
	Size      AllocSize
	Func      FuncHandle
	DeviceID  DeviceID
	EventType EventType
	Site      Site
	CopyKind  CopyKind
	Retval    Retval
	_         uint32 // padding to make struct 96 bytes
	Comm      Comm
}

func decodeEvent(raw []byte) (Event, error) {
	var e Event
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &e); err != nil {
		return Event{}, fmt.Errorf("decode %d byte sample: %w", len(raw), err)
	}
	return e, nil
}

func (e Event) CommString() string {
	b, _ := e.Comm.MarshalText()
	return string(b)
}

// Failed reports whether the probed call returned an error. Only exit
// events carry a return value.
func (e Event) Failed() bool {
	return e.Site == SITE_EXIT && e.Retval != 0
}

func (e Event) NativeContext() cuda.Context { return cuda.Context(e.Ctx) }

func (e Event) NativeStream() cuda.Stream { return cuda.Stream(e.Stream) }

func (e Event) Device() cuda.Device {
	if e.DeviceID < 0 {
		return cuda.NoDevice
	}
	return cuda.Device(e.DeviceID)
}

// KernelName names a launched function by its handle; the probes cannot
// resolve symbol names.
func (e Event) KernelName() string {
	return fmt.Sprintf("kernel_%#x", uint64(e.Func))
}

func (e Event) String() string {
	comm := e.CommString()
	head := fmt.Sprintf("[%s/%s] pid=%d tid=%d comm=%s", e.EventType, e.Site, e.Pid, e.Tid, comm)

	switch e.EventType {
	case EVENT_CTX_CREATE, EVENT_CTX_DESTROY, EVENT_CTX_SET_CURRENT, EVENT_SYNC:
		return fmt.Sprintf("%s ctx=%#x dev=%d retval=%d", head, e.Ctx, e.DeviceID, e.Retval)
	case EVENT_STREAM_CREATE, EVENT_STREAM_DESTROY:
		return fmt.Sprintf("%s ctx=%#x stream=%#x retval=%d", head, e.Ctx, e.Stream, e.Retval)
	case EVENT_MALLOC:
		return fmt.Sprintf("%s size=%d dptr=0x%x retval=%d", head, e.Size, e.Dptr, e.Retval)
	case EVENT_FREE:
		return fmt.Sprintf("%s dptr=0x%x retval=%d", head, e.Dptr, e.Retval)
	case EVENT_MEMCPY:
		return fmt.Sprintf("%s kind=%s size=%d stream=%#x retval=%d", head, cuda.CopyKind(e.CopyKind), e.Size, e.Stream, e.Retval)
	case EVENT_LAUNCH:
		return fmt.Sprintf("%s func=%#x stream=%#x retval=%d", head, e.Func, e.Stream, e.Retval)
	default:
		return "[UNKNOWN]"
	}
}

func (e EventType) MarshalText() ([]byte, error) { return []byte(e.String()), nil }

func (s Site) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (c Comm) MarshalText() ([]byte, error) {
	return []byte(strings.TrimRight(string(c[:]), "\x00")), nil
}
