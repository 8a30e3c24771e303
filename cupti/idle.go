package cupti

// Idle markers of a context always go to its first stream so that there is
// one idle timeline per context.

// idleBusyLocked switches the context to busy for an activity starting at start.
// A gap since the last activity is bridged by a closed idle interval.
func (a *Adapter) idleBusyLocked(c *Context, start uint64) {
	act, first := c.activity, c.firstStream()
	if first == nil {
		return
	}
	switch {
	case act.gpuIdle:
		a.exit(first, start, a.regions.idle)
		act.gpuIdle = false
	case start > act.lastGPUTime:
		a.enter(first, act.lastGPUTime, a.regions.idle)
		a.exit(first, start, a.regions.idle)
	}
}

// idleOpenLocked enters idle after the last activity if the context is busy.
func (a *Adapter) idleOpenLocked(c *Context) {
	act, first := c.activity, c.firstStream()
	if a.idle == IdleOff || act == nil || first == nil || act.gpuIdle {
		return
	}
	a.enter(first, act.lastGPUTime, a.regions.idle)
	act.gpuIdle = true
}

// idleCloseLocked ends the idle timeline of c at t.
func (a *Adapter) idleCloseLocked(c *Context, t uint64) {
	act, first := c.activity, c.firstStream()
	if a.idle == IdleOff || act == nil || first == nil {
		return
	}
	a.idleOpenLocked(c)
	a.exit(first, t, a.regions.idle)
	act.gpuIdle = false
}

func (act *activityState) advanceGPUTime(stop uint64) {
	if stop > act.lastGPUTime {
		act.lastGPUTime = stop
	}
}
