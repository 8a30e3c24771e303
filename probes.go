package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// probe attaches program prog to symbol in libcuda.
type probe struct {
	symbol string
	prog   string
	ret    bool
}

// Programs are pinned by the loader under <pin-dir>/progs, the event ring
// buffer under <pin-dir>/maps/events.
var probes = []probe{
	// Context management
	{"cuCtxCreate_v2", "up_cu_ctx_create", false},
	{"cuCtxCreate_v2", "ur_cu_ctx_create", true},
	{"cuDevicePrimaryCtxRetain", "up_cu_ctx_create", false},
	{"cuDevicePrimaryCtxRetain", "ur_cu_ctx_create", true},
	{"cuCtxDestroy_v2", "up_cu_ctx_destroy", false},
	{"cuCtxDestroy_v2", "ur_cu_ctx_destroy", true},
	{"cuCtxSetCurrent", "up_cu_ctx_set_current", false},
	{"cuCtxPushCurrent_v2", "up_cu_ctx_set_current", false},
	{"cuCtxSynchronize", "up_cu_ctx_synchronize", false},
	{"cuCtxSynchronize", "ur_cu_ctx_synchronize", true},

	// Streams
	{"cuStreamCreate", "up_cu_stream_create", false},
	{"cuStreamCreate", "ur_cu_stream_create", true},
	{"cuStreamDestroy_v2", "up_cu_stream_destroy", false},
	{"cuStreamDestroy_v2", "ur_cu_stream_destroy", true},

	// Memory actions
	{"cuMemAlloc_v2", "trace_cu_mem_alloc_entry", false},
	{"cuMemAlloc_v2", "trace_malloc_return", true},
	{"cuMemFree_v2", "trace_cu_mem_free", false},
	{"cuMemFree_v2", "trace_free_return", true},
	{"cuMemcpyHtoD_v2", "up_cu_memcpy_htod", false},
	{"cuMemcpyHtoD_v2", "ur_cu_memcpy", true},
	{"cuMemcpyDtoH_v2", "up_cu_memcpy_dtoh", false},
	{"cuMemcpyDtoH_v2", "ur_cu_memcpy", true},
	{"cuMemcpyDtoD_v2", "up_cu_memcpy_dtod", false},
	{"cuMemcpyDtoD_v2", "ur_cu_memcpy", true},

	// Kernels
	{"cuLaunchKernel", "up_cu_launch_kernel", false},
	{"cuLaunchKernel", "ur_cu_launch_kernel", true},
}

const eventsMap = "events"

type probeObjects struct {
	Events *ebpf.Map
	progs  map[string]*ebpf.Program
	links  []link.Link
}

func progPath(pinDir, name string) string { return filepath.Join(pinDir, "progs", name) }

func mapPath(pinDir, name string) string { return filepath.Join(pinDir, "maps", name) }

// loadProbeObjects opens the pinned event map and every program in probes.
func loadProbeObjects(pinDir string) (*probeObjects, error) {
	events, err := ebpf.LoadPinnedMap(mapPath(pinDir, eventsMap), nil)
	if err != nil {
		return nil, fmt.Errorf("loading event map: %w", err)
	}
	objs := &probeObjects{Events: events, progs: make(map[string]*ebpf.Program)}
	for _, p := range probes {
		if _, ok := objs.progs[p.prog]; ok {
			continue
		}
		prog, err := ebpf.LoadPinnedProgram(progPath(pinDir, p.prog), nil)
		if err != nil {
			objs.Close()
			return nil, fmt.Errorf("loading program %s: %w", p.prog, err)
		}
		objs.progs[p.prog] = prog
	}
	return objs, nil
}

// Attach uprobes/uretprobes to libcuda symbols. Symbols missing from the
// library are skipped with a warning.
func (o *probeObjects) Attach(libcuda string) error {
	ex, err := link.OpenExecutable(libcuda)
	if err != nil {
		return fmt.Errorf("opening executable: %w", err)
	}
	for _, p := range probes {
		var l link.Link
		if p.ret {
			l, err = ex.Uretprobe(p.symbol, o.progs[p.prog], nil)
		} else {
			l, err = ex.Uprobe(p.symbol, o.progs[p.prog], nil)
		}
		if errors.Is(err, link.ErrNoSymbol) {
			slog.Warn("symbol not found, probe skipped", "symbol", p.symbol, "ret", p.ret)
			continue
		}
		if err != nil {
			return fmt.Errorf("attach %s ret=%v: %w", p.symbol, p.ret, err)
		}
		o.links = append(o.links, l)
	}
	if len(o.links) == 0 {
		return fmt.Errorf("no probe attached to %s", libcuda)
	}
	return nil
}

func (o *probeObjects) Close() error {
	var errs []error
	for _, l := range o.links {
		errs = append(errs, l.Close())
	}
	for _, p := range o.progs {
		errs = append(errs, p.Close())
	}
	errs = append(errs, o.Events.Close())
	return errors.Join(errs...)
}
