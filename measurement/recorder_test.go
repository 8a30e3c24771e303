package measurement

import (
	"bufio"
	"bytes"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefinitionsAreIdempotent(t *testing.T) {
	r := NewRecorder()

	var wg sync.WaitGroup
	handles := make([]RegionHandle, 16)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i] = r.DefineRegion("gpu_idle", "CUDA_IDLE", RegionArtificial)
		}(i)
	}
	wg.Wait()
	for _, h := range handles {
		require.Equal(t, handles[0], h)
	}
	require.Equal(t, "gpu_idle", r.RegionName(handles[0]))

	m := r.DefineMetric("gpu_memory_usage", "Byte", MetricAbsolute)
	require.Equal(t, m, r.DefineMetric("gpu_memory_usage", "Byte", MetricAbsolute))
	s := r.DefineSamplingSet(m)
	require.Equal(t, s, r.DefineSamplingSet(m))
	got, ok := r.SamplingSet("gpu_memory_usage")
	require.True(t, ok)
	require.Equal(t, s, got)
	require.Equal(t, "gpu_memory_usage", r.MetricName(s))

	w := r.DefineRmaWindow("CUDA_WINDOW")
	require.Equal(t, w, r.DefineRmaWindow("CUDA_WINDOW"))
}

func TestLocations(t *testing.T) {
	r := NewRecorder(WithClock(NewManualClock(5)))
	require.Equal(t, uint64(5), r.Now())

	host := r.CPULocation(42)
	require.Equal(t, host, r.CPULocation(42))
	require.NotEqual(t, host, r.CPULocation(43))

	gpu := r.CreateNonCPULocation(host, "CUDA[0:7]")
	found, ok := r.LocationByName("CUDA[0:7]")
	require.True(t, ok)
	require.Equal(t, gpu, found)
	require.NotEqual(t, r.LocationID(host), r.LocationID(gpu))

	r.Enter(gpu, 10, 1)
	r.Exit(gpu, 20, 1)
	r.Enter(NoLocation, 30, 1)

	evs := r.Events(gpu)
	require.Len(t, evs, 2)
	require.Equal(t, EventEnter, evs[0].Kind)
	require.Equal(t, uint64(20), evs[1].Time)
	require.Empty(t, r.Events(host))
	require.Len(t, r.Locations(), 3)
}

func TestWriteJSON(t *testing.T) {
	r := NewRecorder(WithClock(NewManualClock(0)))
	reg := r.DefineRegion("k", "", RegionFunction)
	loc := r.CreateNonCPULocation(r.CPULocation(1), "CUDA[0:0]")
	r.Enter(loc, 1, reg)
	r.Exit(loc, 2, reg)

	var buf bytes.Buffer
	require.NoError(t, r.WriteJSON(&buf))

	var lines []map[string]json.RawMessage
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var m map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], "region")
	require.Contains(t, string(lines[2]["location"]), `"kind":"enter"`)
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(100)
	require.Equal(t, uint64(150), c.Advance(50))
	c.Set(10)
	require.Equal(t, uint64(10), c.Now())
	require.NotZero(t, MonotonicClock{}.Now())
}
