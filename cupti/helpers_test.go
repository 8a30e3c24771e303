package cupti

import (
	"bytes"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
	"github.com/vuvietnguyenit/cupti-trace/simdriver"
)

type fixture struct {
	clock *measurement.ManualClock
	rec   *measurement.Recorder
	drv   *simdriver.Driver
	a     *Adapter
}

func newFixture(t *testing.T, f Features, opts ...Option) *fixture {
	t.Helper()
	return newFixtureConfig(t, Config{Features: f, BufferSize: DefaultBufferSize}, opts...)
}

func newFixtureConfig(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	return newFixtureSim(t, cfg, nil, opts...)
}

func newFixtureSim(t *testing.T, cfg Config, simOpts []simdriver.Option, opts ...Option) *fixture {
	t.Helper()
	clock := measurement.NewManualClock(0)
	fx := &fixture{
		clock: clock,
		rec:   measurement.NewRecorder(measurement.WithClock(clock)),
		drv:   simdriver.New(clock, simOpts...),
	}
	a, err := New(cfg, fx.rec, fx.drv, opts...)
	require.NoError(t, err)
	require.NoError(t, a.Init())
	fx.a = a
	return fx
}

// context creates a driver context on dev and announces it to the adapter.
func (fx *fixture) context(t *testing.T, dev cuda.Device) cuda.Context {
	t.Helper()
	h := fx.drv.CreateContext(dev)
	require.NoError(t, fx.a.HandleResource(ResourceEvent{
		Kind: ContextCreated, Thread: 1, Context: h, Device: dev,
	}))
	return h
}

func (fx *fixture) kernel(t *testing.T, h cuda.Context, stream uint32, name string, start, end uint64) {
	t.Helper()
	require.True(t, fx.drv.Emit(h, &cuda.KernelRecord{
		Name: name, StreamID: stream, Start: start, End: end,
		Grid: cuda.Dim3{X: 2, Y: 1, Z: 1}, Block: cuda.Dim3{X: 32, Y: 1, Z: 1},
	}))
}

func (fx *fixture) memcpy(t *testing.T, h cuda.Context, stream uint32, kind cuda.CopyKind, start, end uint64) {
	t.Helper()
	require.True(t, fx.drv.Emit(h, &cuda.MemcpyRecord{
		CopyKind: kind, StreamID: stream, Start: start, End: end,
		Bytes: 4096, PeerDevice: cuda.NoDevice,
	}))
}

// trace renders the events of the named location as "kind name time" lines.
func (fx *fixture) trace(t *testing.T, location string) []string {
	t.Helper()
	loc, ok := fx.rec.LocationByName(location)
	require.True(t, ok, "location %s", location)
	return fx.traceOf(loc)
}

func (fx *fixture) traceOf(loc measurement.LocationHandle) []string {
	var out []string
	for _, e := range fx.rec.Events(loc) {
		switch e.Kind {
		case measurement.EventEnter, measurement.EventExit:
			out = append(out, fmt.Sprintf("%s %s %d", e.Kind, fx.rec.RegionName(e.Region), e.Time))
		case measurement.EventCounter:
			out = append(out, fmt.Sprintf("%s %s=%d %d", e.Kind, fx.rec.MetricName(e.SamplingSet), e.Value, e.Time))
		default:
			out = append(out, fmt.Sprintf("%s %d", e.Kind, e.Time))
		}
	}
	return out
}

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func (fx *fixture) info(t *testing.T, h cuda.Context) ContextInfo {
	t.Helper()
	info, ok := fx.a.GetContext(h)
	require.True(t, ok, "context %s", h)
	return info
}

// inspect runs fn on the record of h under the adapter lock.
func (fx *fixture) inspect(h cuda.Context, fn func(c *Context)) {
	fx.a.mu.Lock()
	defer fx.a.mu.Unlock()
	fn(fx.a.contexts.get(h))
}

// record returns the record of h for identity checks only.
func (fx *fixture) record(h cuda.Context) *Context {
	var rec *Context
	fx.inspect(h, func(c *Context) { rec = c })
	return rec
}
