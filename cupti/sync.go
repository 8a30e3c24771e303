package cupti

// clockSync holds the host/device anchor pair of one context.
// Device timestamps t map to hostStart + (t-gpuStart)*factor.
type clockSync struct {
	hostStart, hostStop uint64
	gpuStart, gpuStop   uint64
	factor              float64
}

func (c *clockSync) begin(host, gpu uint64) {
	c.hostStart, c.hostStop = host, host
	c.gpuStart, c.gpuStop = gpu, gpu
	c.factor = 1
}

// window closes the current synchronization window at (host, gpu) and
// recomputes the scale factor over it. Samples that do not move both clocks
// forward keep the previous factor.
func (c *clockSync) window(host, gpu uint64) {
	if host < c.hostStart || gpu < c.gpuStart {
		return
	}
	c.hostStop, c.gpuStop = host, gpu
	if gpu > c.gpuStart && host > c.hostStart {
		c.factor = float64(host-c.hostStart) / float64(gpu-c.gpuStart)
	}
}

// advance starts the next window where the last one stopped.
func (c *clockSync) advance() {
	if c.hostStop < c.hostStart || c.gpuStop < c.gpuStart {
		return
	}
	c.hostStart, c.gpuStart = c.hostStop, c.gpuStop
}

func (c *clockSync) toHost(t uint64) uint64 {
	if t >= c.gpuStart {
		return c.hostStart + uint64(float64(t-c.gpuStart)*c.factor)
	}
	d := uint64(float64(c.gpuStart-t) * c.factor)
	if d > c.hostStart {
		return 0
	}
	return c.hostStart - d
}

// fit is the outcome of placing a record interval on a stream.
type fit uint8

const (
	fitClampedStart fit = 1 << iota
	fitClampedStop
	fitDropBeforeLast
	fitDropAfterWindow
	fitDropInverted

	fitOK fit = 0
)

func (f fit) dropped() bool {
	return f&(fitDropBeforeLast|fitDropAfterWindow|fitDropInverted) != 0
}

func (f fit) reason() string {
	switch {
	case f&fitDropInverted != 0:
		return "stop_before_start"
	case f&fitDropBeforeLast != 0:
		return "before_last_written"
	case f&fitDropAfterWindow != 0:
		return "after_sync_window"
	case f&fitClampedStart != 0 && f&fitClampedStop != 0:
		return "clamped_both"
	case f&fitClampedStart != 0:
		return "clamped_start"
	case f&fitClampedStop != 0:
		return "clamped_stop"
	}
	return "ok"
}

// fitInterval places [start, stop] after the stream's last written timestamp
// and inside the synchronization window ending at upper.
func fitInterval(start, stop, last, upper uint64) (uint64, uint64, fit) {
	if stop < start {
		return start, stop, fitDropInverted
	}
	v := fitOK
	if start < last {
		if stop <= last {
			return start, stop, fitDropBeforeLast
		}
		start = last
		v |= fitClampedStart
	}
	if stop > upper {
		if upper < start {
			return start, stop, v | fitDropAfterWindow
		}
		stop = upper
		v |= fitClampedStop
	}
	return start, stop, v
}
