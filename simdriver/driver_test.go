package simdriver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
)

func TestDeviceClock(t *testing.T) {
	clock := measurement.NewManualClock(1000)
	d := New(clock, WithSkew(2), WithOffset(5))
	ts, res := d.DeviceTimestamp()
	require.Equal(t, cuda.Success, res)
	require.Equal(t, uint64(2005), ts)
	require.Equal(t, uint64(205), d.DeviceTime(100))
}

func TestContextsAndStreams(t *testing.T) {
	d := New(measurement.NewManualClock(0))
	_, res := d.CtxGetCurrent()
	require.Equal(t, cuda.ErrInvalidContext, res)

	h := d.CreateContext(2)
	cur, res := d.CtxGetCurrent()
	require.Equal(t, cuda.Success, res)
	require.Equal(t, h, cur)
	dev, _ := d.CtxGetDevice(h)
	require.Equal(t, cuda.Device(2), dev)

	s, id := d.CreateStream(h)
	got, res := d.StreamID(h, s)
	require.Equal(t, cuda.Success, res)
	require.Equal(t, id, got)
	def, _ := d.DefaultStreamID(h)
	require.NotEqual(t, id, def)

	d.DestroyContext(h)
	_, res = d.CtxGetDevice(h)
	require.Equal(t, cuda.ErrInvalidContext, res)
}

func TestBufferOwnership(t *testing.T) {
	d := New(measurement.NewManualClock(0))
	h := d.CreateContext(0)
	require.Equal(t, cuda.Success, d.Enable(cuda.KindConcurrentKernel))
	require.Equal(t, cuda.ErrInvalidKind, d.Enable(cuda.KindOther))

	require.False(t, d.Emit(h, &cuda.KernelRecord{Name: "k"}), "no buffer enqueued")
	n, _ := d.DroppedRecords(h)
	require.Equal(t, 1, n)

	buf := cuda.NewBuffer(cuda.KernelRecordSize)
	require.Equal(t, cuda.Success, d.EnqueueBuffer(h, buf))
	require.Equal(t, cuda.ErrInvalidValue, d.EnqueueBuffer(h, buf))
	_, res := d.QueryBuffer(h)
	require.Equal(t, cuda.ErrQueueEmpty, res)

	require.True(t, d.Emit(h, &cuda.KernelRecord{Name: "a"}))
	require.False(t, d.Emit(h, &cuda.KernelRecord{Name: "b"}))
	require.False(t, d.Emit(h, &cuda.MemcpyRecord{}), "memcpy not enabled")
	size, res := d.QueryBuffer(h)
	require.Equal(t, cuda.Success, res)
	require.Equal(t, cuda.KernelRecordSize, size)

	got, res := d.DequeueBuffer(h)
	require.Equal(t, cuda.Success, res)
	require.Same(t, buf, got)
	_, res = d.DequeueBuffer(h)
	require.Equal(t, cuda.ErrQueueEmpty, res)
	n, _ = d.DroppedRecords(h)
	require.Equal(t, 1, n)
	n, _ = d.DroppedRecords(h)
	require.Zero(t, n)
}

func TestCallbackOnly(t *testing.T) {
	d := New(measurement.NewManualClock(0))
	_, ok := cuda.ActivitySupport(d)
	require.True(t, ok)
	_, ok = cuda.ActivitySupport(d.CallbackOnly())
	require.False(t, ok)
}

func TestChunkSizeLimitsStagedRecords(t *testing.T) {
	d := New(measurement.NewManualClock(0))
	require.Equal(t, cuda.ErrInvalidValue, d.SetChunkSize(0))
	require.Equal(t, cuda.Success, d.SetChunkSize(2*cuda.KernelRecordSize))
	require.Equal(t, cuda.Success, d.Enable(cuda.KindKernel))

	h := d.CreateContext(0)
	require.Equal(t, cuda.Success, d.EnqueueBuffer(h, cuda.NewBuffer(16*cuda.KernelRecordSize)))
	for i := 0; i < 2; i++ {
		require.True(t, d.Emit(h, &cuda.KernelRecord{Name: "k"}))
	}
	require.False(t, d.Emit(h, &cuda.KernelRecord{Name: "k"}))

	n, _ := d.DroppedRecords(h)
	require.Equal(t, 1, n)
}
