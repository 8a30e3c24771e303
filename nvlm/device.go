package nvlm

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// DeviceName returns the product name of device idx, or Unknown. Names are
// cached, failures are not.
func (l *Lib) DeviceName(idx int) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if name, ok := l.names[idx]; ok {
		return name
	}
	dev, err := l.device(idx)
	if err != nil {
		warnUnavailable(idx, err)
		return Unknown
	}
	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		warnUnavailable(idx, fmt.Errorf("error getting device name: %s", nvml.ErrorString(ret)))
		return Unknown
	}
	l.names[idx] = name
	return name
}

func (l *Lib) DeviceUUID(idx int) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	dev, err := l.device(idx)
	if err != nil {
		return "", err
	}
	uuid, ret := dev.GetUUID()
	if ret != nvml.SUCCESS {
		return "", fmt.Errorf("error getting device UUID: %s", nvml.ErrorString(ret))
	}
	return uuid, nil
}

func (l *Lib) DeviceCount() (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.initLocked(); err != nil {
		return 0, err
	}
	n, ret := l.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %s", nvml.ErrorString(ret))
	}
	return n, nil
}

// DeviceNames lists the names of all visible devices by index.
func (l *Lib) DeviceNames() []string {
	n, err := l.DeviceCount()
	if err != nil {
		warnUnavailable(-1, err)
		return nil
	}
	names := make([]string, n)
	for i := range names {
		names[i] = l.DeviceName(i)
	}
	return names
}
