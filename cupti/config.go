package cupti

import (
	"fmt"
	"strings"
)

// Features selects which GPU event classes are recorded.
type Features uint32

const (
	FeatureRuntimeAPI Features = 1 << iota
	FeatureDriverAPI
	FeatureKernel
	FeatureKernelCounter
	FeatureMemcpy
	FeatureSync
	FeatureIdle
	FeaturePureIdle
	FeatureDeviceReuse
	FeatureStreamReuse
	FeatureGPUMemUsage
	FeatureReferences
	FeatureFlushAtExit

	FeaturesNone    Features = 0
	FeaturesDefault          = FeatureRuntimeAPI | FeatureKernel | FeatureMemcpy
)

var featureWords = map[string]Features{
	"runtime":        FeatureRuntimeAPI,
	"driver":         FeatureDriverAPI,
	"kernel":         FeatureKernel,
	"kernel_counter": FeatureKernel | FeatureKernelCounter,
	"memcpy":         FeatureMemcpy,
	"sync":           FeatureSync,
	"idle":           FeatureIdle,
	"pure_idle":      FeaturePureIdle,
	"device_reuse":   FeatureDeviceReuse,
	"stream_reuse":   FeatureStreamReuse,
	"gpumemusage":    FeatureGPUMemUsage,
	"references":     FeatureReferences,
	"flush":          FeatureFlushAtExit,
	"flushatexit":    FeatureFlushAtExit,
	"gpu":            FeatureKernel | FeatureMemcpy,
	"default":        FeaturesDefault,
	"yes":            FeaturesDefault,
	"1":              FeaturesDefault,
	"no":             FeaturesNone,
	"0":              FeaturesNone,
}

// ParseFeatures maps option words (case insensitive, comma separated or not) to a feature set.
func ParseFeatures(words []string) (Features, error) {
	var f Features
	for _, w := range words {
		for _, part := range strings.Split(w, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			v, ok := featureWords[part]
			if !ok {
				return FeaturesNone, fmt.Errorf("%w: unknown feature %q", ErrInvalidConfig, part)
			}
			f |= v
		}
	}
	return f, nil
}

func (f Features) Has(x Features) bool { return f&x == x }

func (f Features) String() string {
	if f == FeaturesNone {
		return "none"
	}
	names := []struct {
		f    Features
		name string
	}{
		{FeatureRuntimeAPI, "runtime"},
		{FeatureDriverAPI, "driver"},
		{FeatureKernel, "kernel"},
		{FeatureKernelCounter, "kernel_counter"},
		{FeatureMemcpy, "memcpy"},
		{FeatureSync, "sync"},
		{FeatureIdle, "idle"},
		{FeaturePureIdle, "pure_idle"},
		{FeatureDeviceReuse, "device_reuse"},
		{FeatureStreamReuse, "stream_reuse"},
		{FeatureGPUMemUsage, "gpumemusage"},
		{FeatureReferences, "references"},
		{FeatureFlushAtExit, "flushatexit"},
	}
	var out []string
	for _, n := range names {
		if f.Has(n.f) {
			out = append(out, n.name)
		}
	}
	return strings.Join(out, ",")
}

// IdleMode is the effective idle tracking policy.
type IdleMode uint8

const (
	IdleOff IdleMode = iota
	// IdleCompute treats only kernels as GPU activity.
	IdleCompute
	// IdlePure treats kernels and memory copies as GPU activity.
	IdlePure
)

// IdleMode resolves idle and pure_idle. Pure idle needs memcpy recording and
// wins over idle when both are set; without memcpy it degrades to compute idle.
func (f Features) IdleMode() IdleMode {
	switch {
	case f.Has(FeaturePureIdle) && f.Has(FeatureMemcpy):
		return IdlePure
	case f.Has(FeaturePureIdle), f.Has(FeatureIdle):
		return IdleCompute
	}
	return IdleOff
}

const (
	MinBufferSize     = 1024
	DefaultBufferSize = 1 << 20
	DefaultChunkSize  = 8 << 20
)

type Config struct {
	Features Features
	// BufferSize is the byte size of each per-context activity buffer.
	BufferSize int
	// ChunkSize is the device-side staging size handed to drivers that
	// implement cuda.ChunkSizer; capped to BufferSize, 0 keeps the driver's.
	ChunkSize int
}

func DefaultConfig() Config {
	return Config{
		Features:   FeaturesDefault,
		BufferSize: DefaultBufferSize,
		ChunkSize:  DefaultBufferSize,
	}
}

func (c Config) Validate() error {
	if c.BufferSize < MinBufferSize {
		return fmt.Errorf("%w: buffer size %d below minimum %d", ErrInvalidConfig, c.BufferSize, MinBufferSize)
	}
	if c.ChunkSize < 0 || c.ChunkSize > c.BufferSize {
		return fmt.Errorf("%w: chunk size %d must be within 0..%d", ErrInvalidConfig, c.ChunkSize, c.BufferSize)
	}
	return nil
}

// recordsActivity reports whether any device-side record class is enabled.
func (c Config) recordsActivity() bool {
	return c.Features.Has(FeatureKernel) || c.Features.Has(FeatureMemcpy)
}
