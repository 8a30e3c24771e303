package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/vuvietnguyenit/cupti-trace/cupti"
)

const (
	envFeatures   = "CUPTI_TRACE_FEATURES"
	envBufferSize = "CUPTI_TRACE_BUFFER"
)

// normalizeFlag accepts underscores in flag names, e.g. --buffer_size.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

func validateFlags(cmd *cobra.Command) error {
	switch cmd.Name() {
	case "trace":
		if FlagPrintInterval <= 0 {
			return fmt.Errorf("--interval must be positive")
		}
		if FlagDebug {
			return nil
		}
		if !FlagTracePrint && !FlagExportMetrics {
			return fmt.Errorf("you must enable either --trace-print or --export-metrics (unless --debug is used)")
		}
		if !FlagTracePrint && cmd.Flags().Changed("interval") {
			return fmt.Errorf("--interval can only be used with --trace-print")
		}
	case "simulate":
		if FlagDevices < 1 || FlagStreams < 1 {
			return fmt.Errorf("--devices and --streams must be at least 1")
		}
		if FlagKernels < 0 || FlagCopies < 0 {
			return fmt.Errorf("--kernels and --copies cannot be negative")
		}
		if FlagSkew <= 0 {
			return fmt.Errorf("--skew must be positive")
		}
	}
	return nil
}

// applyEnv fills flags the user did not set from the environment.
func applyEnv(cmd *cobra.Command) error {
	if v, ok := os.LookupEnv(envFeatures); ok && !cmd.Flags().Changed("features") {
		FlagFeatures = strings.Split(v, ",")
	}
	if v, ok := os.LookupEnv(envBufferSize); ok && !cmd.Flags().Changed("buffer-size") {
		if _, err := parseSize(v); err != nil {
			return fmt.Errorf("%s: %w", envBufferSize, err)
		}
		FlagBufferSize = v
	}
	return nil
}

// parseSize accepts plain byte counts or a k/M/G suffix (powers of 1024).
func parseSize(raw string) (int, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "b")
	mult := 1
	switch {
	case strings.HasSuffix(s, "k"):
		mult = 1 << 10
	case strings.HasSuffix(s, "m"):
		mult = 1 << 20
	case strings.HasSuffix(s, "g"):
		mult = 1 << 30
	}
	if mult > 1 {
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * mult, nil
}

// buildConfig turns the global flags into an adapter configuration.
func buildConfig() (cupti.Config, error) {
	cfg := cupti.DefaultConfig()
	if len(FlagFeatures) > 0 {
		f, err := cupti.ParseFeatures(FlagFeatures)
		if err != nil {
			return cfg, err
		}
		cfg.Features = f
	}
	size, err := parseSize(FlagBufferSize)
	if err != nil {
		return cfg, fmt.Errorf("--buffer-size: %w", err)
	}
	cfg.BufferSize = size
	cfg.ChunkSize = min(cupti.DefaultChunkSize, size)
	if FlagChunkSize != "" {
		if cfg.ChunkSize, err = parseSize(FlagChunkSize); err != nil {
			return cfg, fmt.Errorf("--chunk-size: %w", err)
		}
	}
	return cfg, cfg.Validate()
}

func addProdFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&FlagVerbose, "log-verbose", slog.LevelInfo.String(), "Log verbosity level (DEBUG, INFO, WARN, ERROR)")
	cmd.PersistentFlags().StringSliceVar(&FlagFeatures, "features", nil, "Recorded features, e.g. runtime,kernel,memcpy,idle (env "+envFeatures+")")
	cmd.PersistentFlags().StringVar(&FlagBufferSize, "buffer-size", strconv.Itoa(cupti.DefaultBufferSize), "Activity buffer size per context, k/M/G suffixes allowed (env "+envBufferSize+")")
	cmd.PersistentFlags().StringVar(&FlagChunkSize, "chunk-size", "", "Driver chunk size, capped to the buffer size")
}

func addTraceFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&FlagLibCUDAPath, "libcuda-path", "/usr/lib/x86_64-linux-gnu/libcuda.so", "Path to libcuda.so")
	cmd.Flags().StringVar(&FlagPinDir, "pin-dir", "/sys/fs/bpf/cupti-trace", "bpffs directory holding the pinned probe programs and event map")
	cmd.Flags().BoolVar(&FlagTracePrint, "trace-print", false, "Enable periodic printing of context and stream tables")
	cmd.Flags().DurationVar(&FlagPrintInterval, "interval", 2*time.Second, "Trace print interval")
	cmd.Flags().BoolVar(&FlagExportMetrics, "export-metrics", false, "Export metrics as Prometheus exporter")
	cmd.Flags().StringVar(&FlagMetricsAddr, "metrics-addr", ":9400", "Listen address of the Prometheus exporter")
}

func addSimulateFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&FlagDevices, "devices", 1, "Number of simulated devices, one context each")
	cmd.Flags().IntVar(&FlagStreams, "streams", 2, "Streams per context")
	cmd.Flags().IntVar(&FlagKernels, "kernels", 16, "Kernel launches per context")
	cmd.Flags().IntVar(&FlagCopies, "copies", 8, "Memory copies per context")
	cmd.Flags().Float64Var(&FlagSkew, "skew", 1.0, "Device clock rate relative to the host clock")
	cmd.Flags().BoolVar(&FlagCallbacksOnly, "callbacks-only", false, "Time kernels and copies from API callbacks instead of activity records")
	cmd.Flags().StringVar(&FlagOut, "out", "", "Write the recorded trace as JSON lines to this file")
	cmd.Flags().BoolVar(&FlagTracePrint, "trace-print", false, "Print context, stream and kernel tables when done")
}
