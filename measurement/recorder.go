package measurement

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/atomic"
)

// Location is a recorded location and its events in write order.
type Location struct {
	Handle   LocationHandle `json:"handle"`
	ID       uint64         `json:"id"`
	Type     LocationType   `json:"-"`
	TypeName string         `json:"type"`
	Name     string         `json:"name"`
	Parent   LocationHandle `json:"parent,omitempty"`
	Thread   uint64         `json:"thread,omitempty"`
	Events   []Event        `json:"events"`
}

type region struct {
	name, file string
	typ        RegionType
}

type metric struct {
	name, unit string
	mode       MetricMode
}

// Recorder is an in-memory Core. It keeps every event grouped by location.
type Recorder struct {
	clock Clock

	mu        sync.Mutex
	locations []*Location
	byThread  map[uint64]LocationHandle

	regions     []region
	regionNames map[string]RegionHandle
	metrics     []metric
	metricNames map[string]MetricHandle
	sets        map[MetricHandle]SamplingSetHandle
	setMetric   []MetricHandle
	windows     map[string]RmaWindowHandle

	nextLocationID atomic.Uint64
}

type RecorderOption func(*Recorder)

// WithClock replaces the monotonic host clock.
func WithClock(c Clock) RecorderOption {
	return func(r *Recorder) { r.clock = c }
}

func NewRecorder(opts ...RecorderOption) *Recorder {
	r := &Recorder{
		clock:       MonotonicClock{},
		byThread:    make(map[uint64]LocationHandle),
		regionNames: make(map[string]RegionHandle),
		metricNames: make(map[string]MetricHandle),
		sets:        make(map[MetricHandle]SamplingSetHandle),
		windows:     make(map[string]RmaWindowHandle),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Recorder) Now() uint64 { return r.clock.Now() }

func (r *Recorder) newLocationLocked(typ LocationType, name string, parent LocationHandle) *Location {
	loc := &Location{
		Handle:   LocationHandle(len(r.locations) + 1),
		ID:       r.nextLocationID.Inc() - 1,
		Type:     typ,
		TypeName: typ.String(),
		Name:     name,
		Parent:   parent,
	}
	r.locations = append(r.locations, loc)
	return loc
}

func (r *Recorder) CPULocation(thread uint64) LocationHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.byThread[thread]; ok {
		return h
	}
	loc := r.newLocationLocked(LocationCPU, fmt.Sprintf("thread %d", thread), NoLocation)
	loc.Thread = thread
	r.byThread[thread] = loc.Handle
	return loc.Handle
}

func (r *Recorder) CreateNonCPULocation(parent LocationHandle, name string) LocationHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.newLocationLocked(LocationGPU, name, parent).Handle
}

func (r *Recorder) LocationID(loc LocationHandle) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.locationLocked(loc); l != nil {
		return l.ID
	}
	return 0
}

func (r *Recorder) locationLocked(h LocationHandle) *Location {
	if h == NoLocation || int(h) > len(r.locations) {
		return nil
	}
	return r.locations[h-1]
}

func (r *Recorder) DefineRegion(name, file string, typ RegionType) RegionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.regionNames[name]; ok {
		return h
	}
	r.regions = append(r.regions, region{name: name, file: file, typ: typ})
	h := RegionHandle(len(r.regions))
	r.regionNames[name] = h
	return h
}

func (r *Recorder) DefineMetric(name, unit string, mode MetricMode) MetricHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.metricNames[name]; ok {
		return h
	}
	r.metrics = append(r.metrics, metric{name: name, unit: unit, mode: mode})
	h := MetricHandle(len(r.metrics))
	r.metricNames[name] = h
	return h
}

func (r *Recorder) DefineSamplingSet(m MetricHandle) SamplingSetHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.sets[m]; ok {
		return h
	}
	r.setMetric = append(r.setMetric, m)
	h := SamplingSetHandle(len(r.setMetric))
	r.sets[m] = h
	return h
}

func (r *Recorder) DefineRmaWindow(name string) RmaWindowHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.windows[name]; ok {
		return h
	}
	h := RmaWindowHandle(len(r.windows) + 1)
	r.windows[name] = h
	return h
}

func (r *Recorder) add(loc LocationHandle, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l := r.locationLocked(loc); l != nil {
		l.Events = append(l.Events, e)
	}
}

func (r *Recorder) Enter(loc LocationHandle, t uint64, region RegionHandle) {
	r.add(loc, Event{Kind: EventEnter, Time: t, Region: region})
}

func (r *Recorder) Exit(loc LocationHandle, t uint64, region RegionHandle) {
	r.add(loc, Event{Kind: EventExit, Time: t, Region: region})
}

func (r *Recorder) TriggerCounter(loc LocationHandle, t uint64, set SamplingSetHandle, value uint64) {
	r.add(loc, Event{Kind: EventCounter, Time: t, SamplingSet: set, Value: value})
}

func (r *Recorder) RmaWinCreate(loc LocationHandle, t uint64, win RmaWindowHandle) {
	r.add(loc, Event{Kind: EventRmaWinCreate, Time: t, Window: win})
}

func (r *Recorder) RmaWinDestroy(loc LocationHandle, t uint64, win RmaWindowHandle) {
	r.add(loc, Event{Kind: EventRmaWinDestroy, Time: t, Window: win})
}

func (r *Recorder) RmaPut(loc LocationHandle, t uint64, win RmaWindowHandle, remote uint32, bytes, matchingID uint64) {
	r.add(loc, Event{Kind: EventRmaPut, Time: t, Window: win, Remote: remote, Bytes: bytes, MatchingID: matchingID})
}

func (r *Recorder) RmaGet(loc LocationHandle, t uint64, win RmaWindowHandle, remote uint32, bytes, matchingID uint64) {
	r.add(loc, Event{Kind: EventRmaGet, Time: t, Window: win, Remote: remote, Bytes: bytes, MatchingID: matchingID})
}

func (r *Recorder) RmaOpComplete(loc LocationHandle, t uint64, win RmaWindowHandle, matchingID uint64) {
	r.add(loc, Event{Kind: EventRmaOpComplete, Time: t, Window: win, MatchingID: matchingID})
}

// Events returns a copy of the events recorded on loc.
func (r *Recorder) Events(loc LocationHandle) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	l := r.locationLocked(loc)
	if l == nil {
		return nil
	}
	return append([]Event(nil), l.Events...)
}

// Locations returns a snapshot of all locations without their events.
func (r *Recorder) Locations() []Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Location, 0, len(r.locations))
	for _, l := range r.locations {
		c := *l
		c.Events = nil
		out = append(out, c)
	}
	return out
}

// LocationByName returns the first location with the given name.
func (r *Recorder) LocationByName(name string) (LocationHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.locations {
		if l.Name == name {
			return l.Handle, true
		}
	}
	return NoLocation, false
}

func (r *Recorder) RegionName(h RegionHandle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == NoRegion || int(h) > len(r.regions) {
		return ""
	}
	return r.regions[h-1].name
}

// Region looks a region up by name.
func (r *Recorder) Region(name string) (RegionHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.regionNames[name]
	return h, ok
}

// SamplingSet returns the sampling set of the metric called name.
func (r *Recorder) SamplingSet(name string) (SamplingSetHandle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.metricNames[name]
	if !ok {
		return NoSamplingSet, false
	}
	s, ok := r.sets[m]
	return s, ok
}

func (r *Recorder) MetricName(set SamplingSetHandle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set == NoSamplingSet || int(set) > len(r.setMetric) {
		return ""
	}
	return r.metrics[r.setMetric[set-1]-1].name
}

type jsonRegion struct {
	Handle RegionHandle `json:"handle"`
	Name   string       `json:"name"`
	File   string       `json:"file,omitempty"`
}

type jsonLine struct {
	Region   *jsonRegion `json:"region,omitempty"`
	Location *Location   `json:"location,omitempty"`
}

// WriteJSON writes one JSON object per line: all regions, then all locations with events.
func (r *Recorder) WriteJSON(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	enc := json.NewEncoder(w)
	for i, reg := range r.regions {
		line := jsonLine{Region: &jsonRegion{Handle: RegionHandle(i + 1), Name: reg.name, File: reg.file}}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("encode region %q: %w", reg.name, err)
		}
	}
	for _, l := range r.locations {
		if err := enc.Encode(jsonLine{Location: l}); err != nil {
			return fmt.Errorf("encode location %q: %w", l.Name, err)
		}
	}
	return nil
}

var _ Core = (*Recorder)(nil)
