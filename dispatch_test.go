package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/cupti"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

type dispatchFixture struct {
	clock *measurement.ManualClock
	rec   *measurement.Recorder
	drv   *probeDriver
	procs *procTable
	a     *cupti.Adapter
	d     *dispatcher
}

func newDispatchFixture(t *testing.T, f cupti.Features) *dispatchFixture {
	t.Helper()
	clock := measurement.NewManualClock(100)
	fx := &dispatchFixture{
		clock: clock,
		rec:   measurement.NewRecorder(measurement.WithClock(clock)),
		drv:   newProbeDriver(clock),
		procs: newProcTable(),
	}
	a, err := cupti.New(cupti.Config{Features: f, BufferSize: cupti.DefaultBufferSize}, fx.rec, fx.drv)
	require.NoError(t, err)
	require.False(t, a.ActivityMode())
	fx.a = a
	fx.d = &dispatcher{adapter: a, driver: fx.drv, procs: fx.procs}
	return fx
}

func comm(s string) Comm {
	var c Comm
	copy(c[:], s)
	return c
}

const (
	testPid = Pid(4194999) // above the kernel pid limit
	testTid = Tid(4243)
	testCtx = CtxHandle(0x5500)
	testStr = StreamHandle(0x7700)
)

func (fx *dispatchFixture) call(t *testing.T, e Event, at ...uint64) {
	t.Helper()
	e.Pid, e.Tid, e.Comm = testPid, testTid, comm("python")
	for i, site := range []Site{SITE_ENTER, SITE_EXIT} {
		if i < len(at) {
			fx.clock.Set(at[i])
		}
		e.Site = site
		require.NoError(t, fx.d.handle(e))
	}
}

func (fx *dispatchFixture) events(t *testing.T, name string) []measurement.Event {
	t.Helper()
	loc, ok := fx.rec.LocationByName(name)
	require.True(t, ok, "location %s", name)
	return fx.rec.Events(loc)
}

func TestDispatchContextLifecycle(t *testing.T) {
	fx := newDispatchFixture(t, cupti.FeatureKernel|cupti.FeatureGPUMemUsage)

	fx.call(t, Event{EventType: EVENT_CTX_CREATE, Ctx: testCtx, DeviceID: 1})
	info := fx.a.Snapshot()
	require.Len(t, info, 1)
	require.Equal(t, cuda.Context(testCtx), info[0].Handle)
	require.Equal(t, cuda.Device(1), info[0].Device)
	require.Equal(t, uint64(testTid), info[0].Thread)
	require.Equal(t, "python:4194999", fx.procs.Owner(cuda.Context(testCtx)))

	// allocations carry no context; the thread's current one is used
	fx.call(t, Event{EventType: EVENT_MALLOC, Dptr: 0xA0, Size: 256})
	info = fx.a.Snapshot()
	require.Equal(t, 1, info[0].Allocations)
	require.Equal(t, uint64(256), info[0].Allocated)

	fx.call(t, Event{EventType: EVENT_FREE, Dptr: 0xA0})
	require.Zero(t, fx.a.Snapshot()[0].Allocated)

	fx.call(t, Event{EventType: EVENT_CTX_DESTROY, Ctx: testCtx})
	require.Empty(t, fx.a.Snapshot())
	_, res := fx.drv.CtxGetCurrent()
	require.Equal(t, cuda.ErrInvalidContext, res)
	require.Equal(t, "-", fx.procs.Owner(cuda.Context(testCtx)))
}

func TestDispatchFailedCallsAreIgnored(t *testing.T) {
	fx := newDispatchFixture(t, cupti.FeatureKernel|cupti.FeatureGPUMemUsage)
	fx.call(t, Event{EventType: EVENT_CTX_CREATE, Ctx: testCtx, DeviceID: 0})

	failed := Event{EventType: EVENT_MALLOC, Dptr: 0xB0, Size: 64, Retval: 2}
	fx.call(t, failed)
	require.Zero(t, fx.a.Snapshot()[0].Allocations)

	failedCtx := Event{EventType: EVENT_CTX_CREATE, Ctx: testCtx + 0x100, Retval: 201}
	fx.call(t, failedCtx)
	require.Len(t, fx.a.Snapshot(), 1)
}

func TestDispatchKernelOnStream(t *testing.T) {
	fx := newDispatchFixture(t, cupti.FeatureDriverAPI|cupti.FeatureKernel)

	fx.call(t, Event{EventType: EVENT_CTX_CREATE, Ctx: testCtx, DeviceID: 0}, 100, 110)
	fx.call(t, Event{EventType: EVENT_STREAM_CREATE, Stream: testStr}, 120, 130)
	fx.call(t, Event{EventType: EVENT_LAUNCH, Stream: testStr, Func: 0x1234}, 200, 260)

	info := fx.a.Snapshot()
	require.Len(t, info[0].Streams, 1)
	require.Equal(t, "CUDA[0:1]", info[0].Streams[0].Name)

	evs := fx.events(t, "CUDA[0:1]")
	require.Len(t, evs, 2)
	require.Equal(t, measurement.EventEnter, evs[0].Kind)
	require.Equal(t, uint64(200), evs[0].Time)
	require.Equal(t, "kernel_0x1234", fx.rec.RegionName(evs[0].Region))
	require.Equal(t, measurement.EventExit, evs[1].Kind)
	require.Equal(t, uint64(260), evs[1].Time)

	host := fx.events(t, "thread 4243")
	var names []string
	for _, e := range host {
		names = append(names, e.Kind.String()+" "+fx.rec.RegionName(e.Region))
	}
	require.Equal(t, []string{
		"enter cuCtxCreate", "exit cuCtxCreate",
		"enter cuStreamCreate", "exit cuStreamCreate",
		"enter cuLaunchKernel", "exit cuLaunchKernel",
	}, names)

	fx.call(t, Event{EventType: EVENT_STREAM_DESTROY, Stream: testStr})
	require.True(t, fx.a.Snapshot()[0].Streams[0].Destroyed)
}

func TestDispatchSync(t *testing.T) {
	fx := newDispatchFixture(t, cupti.FeatureKernel|cupti.FeatureSync)
	fx.call(t, Event{EventType: EVENT_CTX_CREATE, Ctx: testCtx})
	fx.call(t, Event{EventType: EVENT_SYNC}, 300, 310)

	var names []string
	for _, e := range fx.events(t, "thread 4243") {
		names = append(names, e.Kind.String()+" "+fx.rec.RegionName(e.Region))
	}
	require.Equal(t, []string{"enter cuda_synchronize", "exit cuda_synchronize"}, names)
}

func TestDispatchUnknownEvent(t *testing.T) {
	fx := newDispatchFixture(t, cupti.FeaturesDefault)
	require.Error(t, fx.d.handle(Event{EventType: 42}))
	require.NoError(t, fx.d.handle(Event{EventType: EVENT_CTX_SET_CURRENT, Ctx: testCtx}))

	cur, res := fx.drv.CtxGetCurrent()
	require.Equal(t, cuda.Success, res)
	require.Equal(t, cuda.Context(testCtx), cur)
}

func TestDispatchPrintsEvents(t *testing.T) {
	fx := newDispatchFixture(t, cupti.FeaturesDefault)
	var out bytes.Buffer
	fx.d.out = &out
	fx.d.printEvents = true
	fx.call(t, Event{EventType: EVENT_CTX_CREATE, Ctx: testCtx})
	require.Contains(t, out.String(), "[CTX_CREATE/enter] pid=4194999 tid=4243 comm=python ctx=0x5500")

	out.Reset()
	fx.d.printJSON = true
	fx.call(t, Event{EventType: EVENT_MALLOC, Dptr: 0xA0, Size: 16})
	require.Contains(t, out.String(), `"EventType":"MALLOC"`)
	require.Contains(t, out.String(), `"Comm":"python"`)
}
