package cuda

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocationName(t *testing.T) {
	tests := []struct {
		dev       Device
		id        uint32
		perDevice bool
		want      string
	}{
		{0, 13, false, "CUDA[0:13]"},
		{NoDevice, 2, false, "CUDA[?:2]"},
		{1, NoStreamID, false, "CUDA[1:0]"},
		{3, 9, true, "CUDA[3]"},
		{NoDevice, 9, true, "CUDA"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			require.Equal(t, tt.want, LocationName(tt.dev, tt.id, tt.perDevice))
		})
	}
}

func TestBufferCapacity(t *testing.T) {
	b := NewBuffer(KernelRecordSize + MemcpyRecordSize)
	require.True(t, b.Append(&KernelRecord{Name: "k"}))
	require.True(t, b.Append(&MemcpyRecord{CopyKind: CopyHtoD}))
	require.False(t, b.Append(&OtherRecord{}))
	require.Equal(t, 2, b.Records())
	require.Equal(t, b.Cap(), b.Len())

	r, res := b.Next()
	require.Equal(t, Success, res)
	require.Equal(t, KindConcurrentKernel, r.Kind())
	r, _ = b.Next()
	require.Equal(t, KindMemcpy, r.Kind())
	_, res = b.Next()
	require.Equal(t, ErrMaxLimitReached, res)

	b.Reset()
	require.Zero(t, b.Len())
	_, res = b.Next()
	require.Equal(t, ErrMaxLimitReached, res)
}

func TestResult(t *testing.T) {
	require.NoError(t, Success.Err())
	err := ErrQueueEmpty.Err()
	require.Error(t, err)
	require.Contains(t, err.Error(), "activity queue is empty")
	require.Equal(t, "unknown result (77)", Result(77).String())
	require.Equal(t, "DtoH", CopyDtoH.String())
	require.Equal(t, uint64(24), Dim3{2, 3, 4}.Count())
}
