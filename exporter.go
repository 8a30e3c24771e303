package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vuvietnguyenit/cupti-trace/cupti"
)

// snapshotSource is the part of the adapter the exporter reads on scrape.
type snapshotSource interface {
	Snapshot() []cupti.ContextInfo
	KernelCount() int
}

// snapshotCollector reports per-context state at scrape time.
type snapshotCollector struct {
	src snapshotSource

	streamsDesc     *prometheus.Desc
	allocationsDesc *prometheus.Desc
	allocatedDesc   *prometheus.Desc
	kernelsDesc     *prometheus.Desc
}

func newSnapshotCollector(src snapshotSource) *snapshotCollector {
	labels := []string{"ctx", "device"}
	return &snapshotCollector{
		src: src,
		streamsDesc: prometheus.NewDesc("cupti_trace_context_streams",
			"Live streams per context.", labels, nil),
		allocationsDesc: prometheus.NewDesc("cupti_trace_context_allocations",
			"Outstanding device allocations per context.", labels, nil),
		allocatedDesc: prometheus.NewDesc("cupti_trace_context_allocated_bytes",
			"Outstanding device memory per context.", labels, nil),
		kernelsDesc: prometheus.NewDesc("cupti_trace_kernels",
			"Distinct kernel names registered.", nil, nil),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.streamsDesc
	ch <- c.allocationsDesc
	ch <- c.allocatedDesc
	ch <- c.kernelsDesc
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	for _, info := range c.src.Snapshot() {
		if info.Destroyed {
			continue
		}
		ctx := info.Handle.String()
		dev := strconv.Itoa(int(info.Device))
		live := 0
		for _, s := range info.Streams {
			if !s.Destroyed {
				live++
			}
		}
		ch <- prometheus.MustNewConstMetric(c.streamsDesc, prometheus.GaugeValue, float64(live), ctx, dev)
		ch <- prometheus.MustNewConstMetric(c.allocationsDesc, prometheus.GaugeValue, float64(info.Allocations), ctx, dev)
		ch <- prometheus.MustNewConstMetric(c.allocatedDesc, prometheus.GaugeValue, float64(info.Allocated), ctx, dev)
	}
	ch <- prometheus.MustNewConstMetric(c.kernelsDesc, prometheus.GaugeValue, float64(c.src.KernelCount()))
}

type exporter struct {
	reg *prometheus.Registry
	srv *http.Server
}

func newExporter(addr string) *exporter {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	return &exporter{
		reg: reg,
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Run serves metrics until ctx is cancelled.
func (e *exporter) Run(ctx context.Context) error {
	slog.Info("Starting Prometheus exporter...", "addr", e.srv.Addr)
	errs := make(chan error, 1)
	go func() { errs <- e.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		slog.Debug("Stop exporter")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return e.srv.Shutdown(shutdownCtx)
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
