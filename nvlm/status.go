package nvlm

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

type Utilization struct {
	GPU    uint
	Memory uint
}

// Status is a point-in-time health reading of one device. Fields that
// could not be read stay zero and are reported in the returned error.
type Status struct {
	Index       int
	TempC       uint
	PowerMilliW uint
	FanPercent  uint
	SMClockMHz  uint
	Util        Utilization
	MemUsed     uint64
	MemTotal    uint64
}

func (l *Lib) Status(idx int) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{Index: idx}
	dev, err := l.device(idx)
	if err != nil {
		return st, err
	}

	var errs []error
	check := func(what string, ret nvml.Return) bool {
		if ret == nvml.SUCCESS {
			return true
		}
		if ret != nvml.ERROR_NOT_SUPPORTED {
			errs = append(errs, fmt.Errorf("%s: %s", what, nvml.ErrorString(ret)))
		}
		return false
	}

	if t, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU); check("temperature", ret) {
		st.TempC = uint(t)
	}
	if p, ret := dev.GetPowerUsage(); check("power", ret) {
		st.PowerMilliW = uint(p)
	}
	if f, ret := dev.GetFanSpeed(); check("fan", ret) {
		st.FanPercent = uint(f)
	}
	if c, ret := dev.GetClockInfo(nvml.CLOCK_SM); check("sm clock", ret) {
		st.SMClockMHz = uint(c)
	}
	if u, ret := dev.GetUtilizationRates(); check("utilization", ret) {
		st.Util = Utilization{GPU: uint(u.Gpu), Memory: uint(u.Memory)}
	}
	if m, ret := dev.GetMemoryInfo(); check("memory", ret) {
		st.MemUsed, st.MemTotal = m.Used, m.Total
	}
	return st, errors.Join(errs...)
}
