package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/cupti"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
	"github.com/vuvietnguyenit/cupti-trace/simdriver"
)

// Kernel names launched by the simulated workload, in rotation.
var simKernels = []string{
	"_Z6vecAddPKfS0_Pfi",
	"_Z4gemmIfEvPKT_S2_PS0_iii",
	"reduce_sum",
}

const (
	simThreadBase = 1000
	simAllocBase  = 0x7f0000000000
	simAllocSize  = 1 << 20
	simKernelNs   = 4000
	simCopyNs     = 1500
	simGapNs      = 300
	simSyncEvery  = 8
	simLaunchCbid = 211
	simMemcpyCbid = 31
	simMallocCbid = 20
	simFreeCbid   = 22
)

type workload struct {
	Devices int
	Streams int
	Kernels int
	Copies  int
}

// simulation drives an adapter with the in-memory driver on a manual clock,
// so a run is reproducible.
type simulation struct {
	clock   *measurement.ManualClock
	rec     *measurement.Recorder
	drv     *simdriver.Driver
	adapter *cupti.Adapter
}

func newSimulation(cfg cupti.Config, skew float64, callbacksOnly bool, opts ...cupti.Option) (*simulation, error) {
	clock := measurement.NewManualClock(1_000_000)
	s := &simulation{
		clock: clock,
		rec:   measurement.NewRecorder(measurement.WithClock(clock)),
		drv:   simdriver.New(clock, simdriver.WithSkew(skew)),
	}
	var drv cuda.Driver = s.drv
	if callbacksOnly {
		drv = s.drv.CallbackOnly()
	}
	a, err := cupti.New(cfg, s.rec, drv, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.Init(); err != nil {
		return nil, err
	}
	s.adapter = a
	return s, nil
}

func (s *simulation) run(w workload) error {
	for dev := 0; dev < w.Devices; dev++ {
		if err := s.runDevice(cuda.Device(dev), w); err != nil {
			return fmt.Errorf("device %d: %w", dev, err)
		}
	}
	return nil
}

func (s *simulation) api(ev cupti.APIEvent, body func()) error {
	ev.Domain = cupti.DomainRuntime
	ev.Site = cupti.SiteEnter
	if err := s.adapter.HandleAPI(ev); err != nil {
		return err
	}
	if body != nil {
		body()
	}
	ev.Site = cupti.SiteExit
	return s.adapter.HandleAPI(ev)
}

func (s *simulation) runDevice(dev cuda.Device, w workload) error {
	thread := uint64(simThreadBase + int(dev))
	h := s.drv.CreateContext(dev)
	if err := s.adapter.HandleResource(cupti.ResourceEvent{
		Kind: cupti.ContextCreated, Thread: thread, Context: h, Device: dev,
	}); err != nil {
		return err
	}

	streams := make([]cuda.Stream, w.Streams)
	ids := make([]uint32, w.Streams)
	for i := range streams {
		streams[i], ids[i] = s.drv.CreateStream(h)
		if err := s.adapter.HandleResource(cupti.ResourceEvent{
			Kind: cupti.StreamCreated, Thread: thread, Context: h, Device: dev,
			Stream: streams[i], StreamID: ids[i],
		}); err != nil {
			return err
		}
	}

	ptr := uint64(simAllocBase) + uint64(dev)<<32
	if err := s.api(cupti.APIEvent{
		CallbackID: simMallocCbid, Name: "cudaMalloc", Kind: cupti.APIMalloc,
		Thread: thread, Context: h, Ptr: ptr, Bytes: simAllocSize,
	}, nil); err != nil {
		return err
	}

	ops := 0
	for i := 0; i < max(w.Kernels, w.Copies); i++ {
		slot := i % w.Streams
		if i < w.Kernels {
			name := simKernels[i%len(simKernels)]
			if err := s.api(cupti.APIEvent{
				CallbackID: simLaunchCbid, Name: "cudaLaunchKernel", Kind: cupti.APILaunch,
				Thread: thread, Context: h, Stream: streams[slot], KernelName: name,
			}, func() { s.kernel(h, dev, ids[slot], name, i) }); err != nil {
				return err
			}
			ops++
		}
		if i < w.Copies {
			kind := cuda.CopyHtoD
			if i%2 == 1 {
				kind = cuda.CopyDtoH
			}
			if err := s.api(cupti.APIEvent{
				CallbackID: simMemcpyCbid, Name: "cudaMemcpyAsync", Kind: cupti.APIMemcpy,
				Thread: thread, Context: h, Stream: streams[slot], Bytes: simAllocSize, CopyKind: kind,
			}, func() { s.memcpy(h, dev, ids[slot], kind) }); err != nil {
				return err
			}
			ops++
		}
		if ops >= simSyncEvery {
			ops = 0
			if err := s.sync(thread, h); err != nil {
				return err
			}
		}
	}

	if err := s.api(cupti.APIEvent{
		CallbackID: simFreeCbid, Name: "cudaFree", Kind: cupti.APIFree,
		Thread: thread, Context: h, Ptr: ptr,
	}, nil); err != nil {
		return err
	}
	return s.sync(thread, h)
}

func (s *simulation) sync(thread uint64, h cuda.Context) error {
	s.clock.Advance(simGapNs)
	return s.adapter.HandleSync(cupti.SyncEvent{Thread: thread, Context: h})
}

// kernel runs a kernel on the device clock and emits its record.
func (s *simulation) kernel(h cuda.Context, dev cuda.Device, stream uint32, name string, i int) {
	start := s.drv.DeviceTime(s.clock.Advance(simGapNs))
	end := s.drv.DeviceTime(s.clock.Advance(simKernelNs + uint64(i%4)*500))
	if !s.drv.Emit(h, &cuda.KernelRecord{
		Name: name, DeviceID: dev, StreamID: stream, Start: start, End: end,
		Grid: cuda.Dim3{X: int32(64 << (i % 3)), Y: 1, Z: 1}, Block: cuda.Dim3{X: 256, Y: 1, Z: 1},
		StaticShared: 4096, Registers: 32, CorrelationID: uint32(i + 1),
	}) {
		slog.Debug("kernel record dropped", "ctx", h, "kernel", name)
	}
}

func (s *simulation) memcpy(h cuda.Context, dev cuda.Device, stream uint32, kind cuda.CopyKind) {
	start := s.drv.DeviceTime(s.clock.Advance(simGapNs))
	end := s.drv.DeviceTime(s.clock.Advance(simCopyNs))
	src, dst := cuda.MemPinned, cuda.MemDevice
	if kind == cuda.CopyDtoH {
		src, dst = dst, src
	}
	if !s.drv.Emit(h, &cuda.MemcpyRecord{
		CopyKind: kind, SrcKind: src, DstKind: dst, Bytes: simAllocSize,
		Start: start, End: end, DeviceID: dev, PeerDevice: cuda.NoDevice, StreamID: stream,
	}) {
		slog.Debug("memcpy record dropped", "ctx", h, "kind", kind)
	}
}

func simulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Trace a simulated workload on an in-memory device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.OutOrStdout())
		},
	}
	addSimulateFlags(cmd)
	return cmd
}

func runSimulate(out io.Writer) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	sim, err := newSimulation(cfg, FlagSkew, FlagCallbacksOnly)
	if err != nil {
		return err
	}
	slog.Info("simulating", "features", cfg.Features, "activity", sim.adapter.ActivityMode(),
		"devices", FlagDevices, "streams", FlagStreams)

	if err := sim.run(workload{
		Devices: FlagDevices, Streams: FlagStreams, Kernels: FlagKernels, Copies: FlagCopies,
	}); err != nil {
		return err
	}
	if FlagTracePrint {
		newSummary(sim.adapter, func(cuda.Device) string { return "(simulated)" }).PrintTable(out, false)
	}
	if err := sim.adapter.Finalize(); err != nil {
		return err
	}
	if FlagOut == "" {
		return nil
	}
	return writeTrace(FlagOut, sim.rec)
}

func writeTrace(path string, rec *measurement.Recorder) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := rec.WriteJSON(f); err != nil {
		f.Close()
		return err
	}
	slog.Info("trace written", "path", path, "locations", len(rec.Locations()))
	return f.Close()
}
