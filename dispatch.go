package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/cupti"
)

type apiCall struct {
	name string
	kind cupti.APIKind
}

// Driver API calls the probes are attached to, indexed by event type.
var apiCalls = map[EventType]apiCall{
	EVENT_CTX_CREATE:     {"cuCtxCreate", cupti.APIOther},
	EVENT_CTX_DESTROY:    {"cuCtxDestroy", cupti.APIOther},
	EVENT_STREAM_CREATE:  {"cuStreamCreate", cupti.APIOther},
	EVENT_STREAM_DESTROY: {"cuStreamDestroy", cupti.APIOther},
	EVENT_MALLOC:         {"cuMemAlloc_v2", cupti.APIMalloc},
	EVENT_FREE:           {"cuMemFree_v2", cupti.APIFree},
	EVENT_MEMCPY:         {"cuMemcpy", cupti.APIMemcpy},
	EVENT_LAUNCH:         {"cuLaunchKernel", cupti.APILaunch},
	EVENT_SYNC:           {"cuCtxSynchronize", cupti.APIOther},
}

// dispatcher turns probe events into adapter callbacks. It is driven by a
// single goroutine.
type dispatcher struct {
	adapter *cupti.Adapter
	driver  *probeDriver
	procs   *procTable

	printEvents bool
	printJSON   bool
	out         io.Writer
}

func (d *dispatcher) print(e Event) {
	if d.out == nil {
		return
	}
	if d.printJSON {
		b, err := json.Marshal(e)
		if err != nil {
			slog.Warn("failed to marshal event", "err", err)
			return
		}
		fmt.Fprintln(d.out, string(b))
		return
	}
	if d.printEvents {
		fmt.Fprintln(d.out, e)
	}
}

func (d *dispatcher) handle(e Event) error {
	d.driver.observe(e)
	if d.procs != nil {
		d.procs.observe(e)
	}
	d.print(e)

	call, ok := apiCalls[e.EventType]
	if !ok {
		if e.EventType == EVENT_CTX_SET_CURRENT {
			return nil
		}
		return fmt.Errorf("unknown event type %s", e.EventType)
	}

	if e.Site == SITE_ENTER {
		if err := d.api(e, call); err != nil {
			return err
		}
		return d.resource(e)
	}
	if err := d.resource(e); err != nil {
		return err
	}
	return d.api(e, call)
}

func (d *dispatcher) api(e Event, call apiCall) error {
	site := cupti.SiteEnter
	if e.Site == SITE_EXIT {
		site = cupti.SiteExit
	}
	return d.adapter.HandleAPI(cupti.APIEvent{
		Domain:     cupti.DomainDriver,
		CallbackID: uint32(e.EventType) + 1,
		Name:       call.name,
		Site:       site,
		Kind:       call.kind,
		Thread:     uint64(e.Tid),
		Context:    e.NativeContext(),
		Stream:     e.NativeStream(),
		Ptr:        uint64(e.Dptr),
		Bytes:      uint64(e.Size),
		CopyKind:   cuda.CopyKind(e.CopyKind),
		KernelName: e.KernelName(),
		Failed:     e.Failed(),
	})
}

// resource reports lifecycle changes: creations once the call returned,
// destructions before the call runs.
func (d *dispatcher) resource(e Event) error {
	if e.Failed() {
		return nil
	}
	ev := cupti.ResourceEvent{
		Thread:   uint64(e.Tid),
		Context:  e.NativeContext(),
		Device:   e.Device(),
		Stream:   e.NativeStream(),
		StreamID: cuda.NoStreamID,
	}
	switch {
	case e.EventType == EVENT_CTX_CREATE && e.Site == SITE_EXIT:
		if ev.Context == cuda.NoContext {
			return nil
		}
		ev.Kind = cupti.ContextCreated
	case e.EventType == EVENT_CTX_DESTROY && e.Site == SITE_ENTER:
		ev.Kind = cupti.ContextDestroyStarting
	case e.EventType == EVENT_STREAM_CREATE && e.Site == SITE_EXIT:
		ev.Kind = cupti.StreamCreated
	case e.EventType == EVENT_STREAM_DESTROY && e.Site == SITE_ENTER:
		ev.Kind = cupti.StreamDestroyStarting
	case e.EventType == EVENT_SYNC && e.Site == SITE_EXIT:
		return d.adapter.HandleSync(cupti.SyncEvent{Thread: ev.Thread, Context: ev.Context})
	default:
		return nil
	}
	return d.adapter.HandleResource(ev)
}
