package main

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/cupti"
)

func TestProcTable(t *testing.T) {
	procs := newProcTable()
	create := func(pid Pid, ctx CtxHandle) Event {
		return Event{Pid: pid, Tid: Tid(pid), Ctx: ctx, EventType: EVENT_CTX_CREATE, Site: SITE_EXIT, Comm: comm("worker")}
	}

	procs.observe(create(4194901, 0x10))
	procs.observe(create(4194902, 0x20))
	procs.observe(Event{Pid: 4194903, Ctx: 0x30, EventType: EVENT_CTX_CREATE, Site: SITE_ENTER})
	require.Equal(t, "worker:4194901", procs.Owner(0x10))
	require.Equal(t, "-", procs.Owner(0x30), "only returned creations count")

	gone := procs.exited(func(pid Pid) bool { return pid != 4194902 })
	require.Equal(t, map[cuda.Context]ProcessInfo{
		0x20: {PID: 4194902, TID: 4194902, Comm: "worker"},
	}, gone)
	require.Equal(t, "-", procs.Owner(0x20))
	require.Empty(t, procs.exited(func(Pid) bool { return true }))

	procs.observe(Event{Ctx: 0x10, EventType: EVENT_CTX_DESTROY, Site: SITE_EXIT})
	require.Equal(t, "-", procs.Owner(0x10))
}

func TestPidExists(t *testing.T) {
	require.True(t, pidExists(Pid(os.Getpid())))
	require.False(t, pidExists(4194999))

	_, comm, err := getProcessInfo(Pid(os.Getpid()))
	if err == nil {
		require.NotEmpty(t, comm)
	}
}

func TestCleanupExitedDestroysContexts(t *testing.T) {
	fx := newDispatchFixture(t, cupti.FeatureKernel|cupti.FeatureGPUMemUsage)
	fx.call(t, Event{EventType: EVENT_CTX_CREATE, Ctx: testCtx})
	fx.call(t, Event{EventType: EVENT_MALLOC, Dptr: 0xA0, Size: 64})
	require.Len(t, fx.a.Snapshot(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	var wg WG
	wg.Go(func() { fx.procs.CleanupExited(ctx, 5*time.Millisecond, fx.a, fx.drv) })

	require.Eventually(t, func() bool { return len(fx.a.Snapshot()) == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	_, res := fx.drv.CtxGetCurrent()
	require.Equal(t, cuda.ErrInvalidContext, res)
}
