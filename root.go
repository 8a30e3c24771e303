package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	FlagVerbose    string
	FlagFeatures   []string
	FlagBufferSize string
	FlagChunkSize  string

	// Debug flags
	FlagDebug       bool
	FlagPrintEvents bool
	FlagPrintJSON   bool

	// Trace flags
	FlagLibCUDAPath   string
	FlagPinDir        string
	FlagTracePrint    bool
	FlagPrintInterval time.Duration
	FlagExportMetrics bool
	FlagMetricsAddr   string

	// Simulate flags
	FlagDevices       int
	FlagKernels       int
	FlagStreams       int
	FlagCopies        int
	FlagSkew          float64
	FlagCallbacksOnly bool

	// Written by both subcommands
	FlagOut string
)

func RootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "cupti-trace",
		Short:         "GPU activity tracer",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := applyEnv(cmd); err != nil {
				return err
			}
			if err := validateFlags(cmd); err != nil {
				return err
			}
			return initLogger()
		},
	}

	rootCmd.SetGlobalNormalizationFunc(normalizeFlag)
	addDebugFlags(rootCmd)
	addProdFlags(rootCmd)
	rootCmd.AddCommand(simulateCmd(), traceCmd())

	return rootCmd
}

func Execute() {
	if err := RootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
