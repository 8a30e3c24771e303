package cupti

import "github.com/prometheus/client_golang/prometheus"

// Telemetry receives operational counters of the adapter itself.
type Telemetry interface {
	ContextCreated()
	ContextDestroyed()
	StreamCreated()
	KernelInterned()
	RecordWritten(kind string)
	RecordClamped(reason string)
	RecordDiscarded(reason string)
	RecordsDropped(n int)
	Flushed()
	MemoryAllocated(delta int64)
}

type noopTelemetry struct{}

func (noopTelemetry) ContextCreated()        {}
func (noopTelemetry) ContextDestroyed()      {}
func (noopTelemetry) StreamCreated()         {}
func (noopTelemetry) KernelInterned()        {}
func (noopTelemetry) RecordWritten(string)   {}
func (noopTelemetry) RecordClamped(string)   {}
func (noopTelemetry) RecordDiscarded(string) {}
func (noopTelemetry) RecordsDropped(int)     {}
func (noopTelemetry) Flushed()               {}
func (noopTelemetry) MemoryAllocated(int64)  {}

const namespace = "cupti_trace"

// PromTelemetry exports adapter telemetry as Prometheus metrics.
type PromTelemetry struct {
	contexts  prometheus.Gauge
	streams   prometheus.Counter
	kernels   prometheus.Counter
	written   *prometheus.CounterVec
	clamped   *prometheus.CounterVec
	discarded *prometheus.CounterVec
	dropped   prometheus.Counter
	flushes   prometheus.Counter
	gpuMemory prometheus.Gauge
}

func NewPromTelemetry(reg prometheus.Registerer) *PromTelemetry {
	t := &PromTelemetry{
		contexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "contexts",
			Help: "Number of live accelerator contexts.",
		}),
		streams: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "streams_created_total",
			Help: "Number of stream records created.",
		}),
		kernels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "kernels_interned_total",
			Help: "Number of distinct kernel names registered.",
		}),
		written: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_written_total",
			Help: "Activity records converted to events.",
		}, []string{"kind"}),
		clamped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_clamped_total",
			Help: "Activity records whose interval was clamped.",
		}, []string{"reason"}),
		discarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_discarded_total",
			Help: "Activity records discarded for ordering violations.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "records_dropped_total",
			Help: "Activity records the driver dropped because the buffer was full.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushes_total",
			Help: "Activity buffer flushes.",
		}),
		gpuMemory: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "gpu_memory_allocated_bytes",
			Help: "Device memory currently allocated through traced calls.",
		}),
	}
	reg.MustRegister(t.contexts, t.streams, t.kernels, t.written, t.clamped,
		t.discarded, t.dropped, t.flushes, t.gpuMemory)
	return t
}

func (t *PromTelemetry) ContextCreated()   { t.contexts.Inc() }
func (t *PromTelemetry) ContextDestroyed() { t.contexts.Dec() }
func (t *PromTelemetry) StreamCreated()    { t.streams.Inc() }
func (t *PromTelemetry) KernelInterned()   { t.kernels.Inc() }
func (t *PromTelemetry) RecordWritten(kind string) {
	t.written.WithLabelValues(kind).Inc()
}
func (t *PromTelemetry) RecordClamped(reason string) {
	t.clamped.WithLabelValues(reason).Inc()
}
func (t *PromTelemetry) RecordDiscarded(reason string) {
	t.discarded.WithLabelValues(reason).Inc()
}
func (t *PromTelemetry) RecordsDropped(n int)        { t.dropped.Add(float64(n)) }
func (t *PromTelemetry) Flushed()                    { t.flushes.Inc() }
func (t *PromTelemetry) MemoryAllocated(delta int64) { t.gpuMemory.Add(float64(delta)) }
