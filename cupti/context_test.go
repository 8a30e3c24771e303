package cupti

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
)

func TestNoDuplicateContexts(t *testing.T) {
	fx := newFixture(t, FeaturesDefault)
	h := fx.drv.CreateContext(0)

	const workers = 32
	got := make([]*Context, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i], errs[i] = fx.a.GetOrCreateContext(h, cuda.NoDevice, 1)
		}(i)
	}
	wg.Wait()

	for i, c := range got {
		require.NoError(t, errs[i])
		require.Same(t, got[0], c)
	}
	require.NoError(t, fx.a.HandleResource(ResourceEvent{Kind: ContextCreated, Thread: 1, Context: h, Device: 0}))
	require.Len(t, fx.a.Snapshot(), 1)
	require.Equal(t, cuda.Device(0), got[0].Device)
}

func TestCurrentContextFallback(t *testing.T) {
	fx := newFixture(t, FeaturesDefault)
	h := fx.drv.CreateContext(3)

	c, err := fx.a.GetOrCreateContext(cuda.NoContext, cuda.NoDevice, 1)
	require.NoError(t, err)
	require.Equal(t, h, c.Handle)
	require.Equal(t, cuda.Device(3), c.Device)

	fx.drv.DestroyContext(h)
	log := captureLog(t)
	_, err = fx.a.GetOrCreateContext(cuda.NoContext, cuda.NoDevice, 1)
	require.ErrorIs(t, err, ErrNoContext)
	require.Contains(t, log.String(), "cuCtxGetCurrent")
}

func TestDeviceReuseAdoptsRecord(t *testing.T) {
	fx := newFixture(t, FeatureKernel|FeatureDeviceReuse)
	h1 := fx.context(t, 0)
	orig := fx.record(h1)
	_, err := fx.a.GetOrCreateStream(h1, cuda.NoStream, 13)
	require.NoError(t, err)

	require.NoError(t, fx.a.HandleResource(ResourceEvent{Kind: ContextDestroyStarting, Thread: 1, Context: h1}))
	info := fx.info(t, h1)
	require.True(t, info.Destroyed)
	require.True(t, info.Streams[0].Destroyed)
	fx.inspect(h1, func(c *Context) { require.False(t, c.activity.enqueued) })
	fx.drv.DestroyContext(h1)

	h2 := fx.drv.CreateContext(0)
	require.NotEqual(t, h1, h2)
	require.NoError(t, fx.a.HandleResource(ResourceEvent{Kind: ContextCreated, Thread: 1, Context: h2, Device: cuda.NoDevice}))

	require.Same(t, orig, fx.record(h2))
	info = fx.info(t, h2)
	require.False(t, info.Destroyed)
	require.Equal(t, h2, info.Handle)
	fx.inspect(h2, func(c *Context) { require.True(t, c.activity.enqueued) })
	_, ok := fx.a.GetContext(h1)
	require.False(t, ok)

	other := fx.context(t, 1)
	require.NotSame(t, orig, fx.record(other))
	require.Len(t, fx.a.Snapshot(), 2)
}

func TestDeviceReuseKeepsStreamTimeline(t *testing.T) {
	fx := newFixture(t, FeatureKernel|FeatureIdle|FeatureDeviceReuse)
	h1 := fx.context(t, 0)

	fx.clock.Set(1000)
	fx.kernel(t, h1, 13, "kA", 50, 100)
	require.NoError(t, fx.a.Flush(h1))
	require.NoError(t, fx.a.HandleResource(ResourceEvent{Kind: ContextDestroyStarting, Thread: 1, Context: h1}))
	fx.drv.DestroyContext(h1)

	fx.clock.Set(1200)
	h2 := fx.context(t, 0)
	fx.kernel(t, h2, 13, "kB", 1300, 1400)
	fx.clock.Set(1500)
	require.NoError(t, fx.a.Flush(h2))

	n := 0
	for _, l := range fx.rec.Locations() {
		if l.Name == "CUDA[0:13]" {
			n++
		}
	}
	require.Equal(t, 1, n, "the adopted context writes to the stream's existing location")

	info := fx.info(t, h2)
	require.Len(t, info.Streams, 1)
	require.False(t, info.Streams[0].Destroyed)
	require.Equal(t, []string{
		"enter gpu_idle 0",
		"exit gpu_idle 50",
		"enter kA 50",
		"exit kA 100",
		"enter gpu_idle 100",
		"exit gpu_idle 1300",
		"enter kB 1300",
		"exit kB 1400",
		"enter gpu_idle 1400",
	}, fx.trace(t, "CUDA[0:13]"))
}

func TestDestroyWithoutReuseRemoves(t *testing.T) {
	fx := newFixture(t, FeatureKernel)
	h1 := fx.context(t, 0)
	orig := fx.record(h1)
	require.NoError(t, fx.a.HandleResource(ResourceEvent{Kind: ContextDestroyStarting, Thread: 1, Context: h1}))
	_, ok := fx.a.GetContext(h1)
	require.False(t, ok)
	fx.drv.DestroyContext(h1)

	h2 := fx.context(t, 0)
	require.NotSame(t, orig, fx.record(h2))

	err := fx.a.HandleResource(ResourceEvent{Kind: ContextDestroyStarting, Thread: 1, Context: h1})
	require.ErrorIs(t, err, ErrNoContext)
}

func TestRemoveAndMarkDestroyed(t *testing.T) {
	fx := newFixture(t, FeatureKernel)
	h := fx.context(t, 0)
	c := fx.record(h)

	fx.a.MarkDestroyed(c)
	require.True(t, fx.info(t, h).Destroyed)
	_, err := fx.a.GetOrCreateStream(h, cuda.NoStream, 13)
	require.ErrorIs(t, err, ErrNoContext)

	require.Same(t, c, fx.a.RemoveContext(h))
	require.Nil(t, fx.a.RemoveContext(h))
	require.Empty(t, fx.a.Snapshot())
}

func TestContextRegistrySlots(t *testing.T) {
	var r contextRegistry
	a := &Context{Handle: 1, Device: 0}
	b := &Context{Handle: 2, Device: 1}
	r.insert(a)
	r.insert(b)
	require.Same(t, a, r.remove(1))
	c := &Context{Handle: 3, Device: 0}
	r.insert(c)
	require.Len(t, r.slots, 2, "freed slot is reused")
	require.Same(t, c, r.get(3))

	b.destroyed = true
	require.Same(t, b, r.adoptable(1))
	require.Nil(t, r.adoptable(0))
	r.rebind(b, 9)
	require.Nil(t, r.get(2))
	require.Same(t, b, r.get(9))
	require.Equal(t, 2, r.len())
}
