package main

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSnapshotCollector(t *testing.T) {
	c := newSnapshotCollector(testSource())

	// two live contexts with three gauges each, plus the kernel gauge
	require.Equal(t, 7, testutil.CollectAndCount(c))

	expected := `
# HELP cupti_trace_context_allocated_bytes Outstanding device memory per context.
# TYPE cupti_trace_context_allocated_bytes gauge
cupti_trace_context_allocated_bytes{ctx="0x10",device="0"} 3.145728e+06
cupti_trace_context_allocated_bytes{ctx="0x20",device="-1"} 0
# HELP cupti_trace_context_streams Live streams per context.
# TYPE cupti_trace_context_streams gauge
cupti_trace_context_streams{ctx="0x10",device="0"} 1
cupti_trace_context_streams{ctx="0x20",device="-1"} 0
# HELP cupti_trace_kernels Distinct kernel names registered.
# TYPE cupti_trace_kernels gauge
cupti_trace_kernels 3
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"cupti_trace_context_allocated_bytes", "cupti_trace_context_streams", "cupti_trace_kernels"))
}

func TestExporterServesMetrics(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	exp := newExporter(addr)
	exp.reg.MustRegister(newSnapshotCollector(testSource()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exp.Run(ctx) }()

	var body string
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		body = string(b)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
	require.Contains(t, body, "cupti_trace_kernels 3")
	require.Contains(t, body, "go_goroutines")

	cancel()
	require.NoError(t, <-done)
}
