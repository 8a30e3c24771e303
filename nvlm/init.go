// Package nvlm reads device names and health from NVML for reports.
package nvlm

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const Unknown = "unknown"

var ErrUnavailable = errors.New("nvml unavailable")

// Lib is a lazily initialized NVML handle. A missing library is not fatal:
// lookups degrade to Unknown.
type Lib struct {
	newFn func(...nvml.LibraryOption) nvml.Interface

	mu    sync.Mutex
	lib   nvml.Interface
	ready bool
	names map[int]string
}

type Option func(*Lib)

// WithInterface replaces the NVML constructor, for tests.
func WithInterface(fn func(...nvml.LibraryOption) nvml.Interface) Option {
	return func(l *Lib) { l.newFn = fn }
}

func New(opts ...Option) *Lib {
	l := &Lib{newFn: nvml.New, names: make(map[int]string)}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Init loads and initializes NVML. It may be called again after a failure.
func (l *Lib) Init() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.initLocked()
}

func (l *Lib) initLocked() error {
	if l.ready {
		return nil
	}
	lib := l.newFn()
	if ret := lib.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("%w: %s", ErrUnavailable, nvml.ErrorString(ret))
	}
	l.lib, l.ready = lib, true
	return nil
}

func (l *Lib) Shutdown() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.ready {
		return nil
	}
	l.ready = false
	if ret := l.lib.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("nvml shutdown: %s", nvml.ErrorString(ret))
	}
	return nil
}

func (l *Lib) DriverVersion() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.initLocked(); err != nil {
		return "", err
	}
	v, ret := l.lib.SystemGetDriverVersion()
	if ret != nvml.SUCCESS {
		return "", fmt.Errorf("error getting driver version: %s", nvml.ErrorString(ret))
	}
	return v, nil
}

func (l *Lib) device(idx int) (nvml.Device, error) {
	if err := l.initLocked(); err != nil {
		return nil, err
	}
	dev, ret := l.lib.DeviceGetHandleByIndex(idx)
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device handle for index %d: %s", idx, nvml.ErrorString(ret))
	}
	return dev, nil
}

func warnUnavailable(idx int, err error) {
	slog.Warn("cannot read device from NVML", "device", idx, "err", err)
}
