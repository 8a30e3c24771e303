package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/spf13/cobra"
	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/cupti"
	"github.com/vuvietnguyenit/cupti-trace/measurement"
	"github.com/vuvietnguyenit/cupti-trace/nvlm"
)

func traceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Trace processes using libcuda through pinned uprobes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), cmd.OutOrStdout())
		},
	}
	addTraceFlags(cmd)
	cmd.Flags().StringVar(&FlagOut, "out", "", "Write the recorded trace as JSON lines to this file on exit")
	return cmd
}

func runTrace(parent context.Context, out io.Writer) error {
	cfg, err := buildConfig()
	if err != nil {
		return err
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("failed to remove memlock: %w", err)
	}

	objs, err := loadProbeObjects(FlagPinDir)
	if err != nil {
		return err
	}
	defer objs.Close()
	if err := objs.Attach(FlagLibCUDAPath); err != nil {
		return err
	}

	var gpus *nvlm.Lib
	if lib := nvlm.New(); lib.Init() != nil {
		slog.Warn("NVML not available, devices will be unnamed")
	} else {
		gpus = lib
		defer gpus.Shutdown()
		if v, err := gpus.DriverVersion(); err == nil {
			slog.Info("NVIDIA driver", "version", v)
		}
	}

	rec := measurement.NewRecorder()
	drv := newProbeDriver(measurement.MonotonicClock{})
	procs := newProcTable()
	var opts []cupti.Option
	var exp *exporter
	if FlagExportMetrics && !FlagDebug {
		exp = newExporter(FlagMetricsAddr)
		opts = append(opts, cupti.WithTelemetry(cupti.NewPromTelemetry(exp.reg)))
	}
	adapter, err := cupti.New(cfg, rec, drv, opts...)
	if err != nil {
		return err
	}
	if err := adapter.Init(); err != nil {
		return err
	}
	if exp != nil {
		exp.reg.MustRegister(newSnapshotCollector(adapter))
	}

	ctx, stop := signalContext(parent)
	defer stop()
	errs := make(chan error, 2)
	fail := func(err error) {
		errs <- err
		stop()
	}

	slog.Info("eBPF probes attached... Press Ctrl+C to exit.", "libcuda", FlagLibCUDAPath, "features", cfg.Features)

	var wg WG
	wg.Go(func() { procs.CleanupExited(ctx, FlagPrintInterval, adapter, drv) })
	if FlagDebug {
		// Debug mode: print events, no periodic tables or exporters
		slog.Info("Running in DEBUG mode: ignoring --trace-print and --export-metrics")
	} else {
		if FlagTracePrint {
			wg.Go(func() { printPeriodically(ctx, out, FlagPrintInterval, adapter, procs, gpus) })
		}
		if exp != nil {
			wg.Go(func() {
				if err := exp.Run(ctx); err != nil {
					fail(err)
				}
			})
		}
	}
	wg.Go(func() {
		rb := RingBuffer{
			Event: objs.Events,
			Handler: &dispatcher{
				adapter:     adapter,
				driver:      drv,
				procs:       procs,
				printEvents: FlagDebug && FlagPrintEvents,
				printJSON:   FlagDebug && FlagPrintJSON,
				out:         out,
			},
		}
		if err := rb.RbReserve(ctx); err != nil {
			fail(fmt.Errorf("ringbuf read failed: %w", err))
		}
	})

	<-ctx.Done()
	slog.Info("Shutting down gracefully...")
	wg.Wait()
	slog.Info("All goroutines stopped.")

	if err := adapter.Finalize(); err != nil {
		return err
	}
	if FlagOut != "" {
		if err := writeTrace(FlagOut, rec); err != nil {
			return err
		}
	}
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

func printPeriodically(ctx context.Context, out io.Writer, interval time.Duration, src snapshotSource, procs *procTable, gpus *nvlm.Lib) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	names := func(cuda.Device) string { return nvlm.Unknown }
	if gpus != nil {
		names = func(dev cuda.Device) string { return gpus.DeviceName(int(dev)) }
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := newSummary(src, names)
			s.Owner = procs.Owner
			s.PrintTable(out, true)
			printDeviceTable(out, gpus, s.Devices())
		}
	}
}
