package cupti

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
)

func TestStreamLookup(t *testing.T) {
	fx := newFixture(t, FeatureKernel)
	h := fx.context(t, 0)
	sh, id := fx.drv.CreateStream(h)

	byHandle, err := fx.a.GetOrCreateStream(h, sh, cuda.NoStreamID)
	require.NoError(t, err)
	require.Equal(t, id, byHandle.ID)
	require.Equal(t, cuda.LocationName(0, id, false), byHandle.Name)

	byID, err := fx.a.GetOrCreateStream(h, cuda.NoStream, id)
	require.NoError(t, err)
	require.Same(t, byHandle, byID)

	def, err := fx.a.GetOrCreateStream(h, cuda.NoStream, cuda.NoStreamID)
	require.NoError(t, err)
	require.Equal(t, uint32(7), def.ID)

	_, err = fx.a.GetOrCreateStream(h, cuda.Stream(0xdead), cuda.NoStreamID)
	require.ErrorIs(t, err, ErrNoStreamInfo)
}

func TestStreamWithoutReuseIsDistinct(t *testing.T) {
	fx := newFixture(t, FeatureKernel)
	h := fx.context(t, 0)

	s1, err := fx.a.GetOrCreateStream(h, cuda.NoStream, 13)
	require.NoError(t, err)
	require.NoError(t, fx.a.HandleResource(ResourceEvent{
		Kind: StreamDestroyStarting, Thread: 1, Context: h, StreamID: 13,
	}))
	require.True(t, s1.Destroyed())

	s2, err := fx.a.GetOrCreateStream(h, cuda.NoStream, 14)
	require.NoError(t, err)
	require.NotSame(t, s1, s2)
	require.Len(t, fx.info(t, h).Streams, 2)

	// a known id resolves to its record even after destruction
	again, err := fx.a.GetOrCreateStream(h, cuda.NoStream, 13)
	require.NoError(t, err)
	require.Same(t, s1, again)
	require.False(t, again.Destroyed())
	require.Len(t, fx.info(t, h).Streams, 2)
}

func TestStreamReuse(t *testing.T) {
	fx := newFixture(t, FeatureKernel|FeatureStreamReuse)
	h := fx.context(t, 2)

	s1, err := fx.a.GetOrCreateStream(h, cuda.NoStream, 13)
	require.NoError(t, err)
	require.Equal(t, "CUDA[2]", s1.Name)
	require.NoError(t, fx.a.MarkStreamDestroyed(h, 13))

	s2, err := fx.a.GetOrCreateStream(h, cuda.NoStream, 14)
	require.NoError(t, err)
	require.Same(t, s1, s2)
	require.Equal(t, uint32(14), s2.ID)
	require.False(t, s2.Destroyed())

	require.ErrorIs(t, fx.a.MarkStreamDestroyed(h, 99), ErrNoStreamInfo)
}

func TestSyntheticDefaultStream(t *testing.T) {
	fx := newFixture(t, FeatureKernel|FeatureMemcpy|FeatureIdle|FeatureStreamReuse)
	h := fx.context(t, 0)

	s, err := fx.a.GetOrCreateStream(h, cuda.NoStream, 13)
	require.NoError(t, err)
	var streams []*Stream
	fx.inspect(h, func(c *Context) { streams = append(streams, c.streams...) })
	require.Len(t, streams, 2)
	require.Equal(t, uint32(7), streams[0].ID)
	require.Same(t, s, streams[1])

	// idle begins on the default stream, which came first
	require.Equal(t, []string{"enter gpu_idle 0"}, fx.traceOf(streams[0].Location))
	require.Empty(t, fx.traceOf(s.Location))
}

func TestStreamCreatedEvent(t *testing.T) {
	fx := newFixture(t, FeatureKernel|FeatureKernelCounter)
	h := fx.context(t, 1)
	sh, id := fx.drv.CreateStream(h)
	require.NoError(t, fx.a.HandleResource(ResourceEvent{
		Kind: StreamCreated, Thread: 1, Context: h, Stream: sh, StreamID: cuda.NoStreamID,
	}))
	tr := fx.trace(t, cuda.LocationName(1, id, false))
	require.Len(t, tr, len(kernelMetrics))
	require.Equal(t, "counter blocks_per_grid=0 0", tr[0])
}
