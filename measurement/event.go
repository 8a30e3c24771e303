package measurement

import "fmt"

type EventKind uint8

const (
	EventEnter EventKind = iota + 1
	EventExit
	EventCounter
	EventRmaWinCreate
	EventRmaWinDestroy
	EventRmaPut
	EventRmaGet
	EventRmaOpComplete
)

var eventKindNames = map[EventKind]string{
	EventEnter:         "enter",
	EventExit:          "exit",
	EventCounter:       "counter",
	EventRmaWinCreate:  "rma_win_create",
	EventRmaWinDestroy: "rma_win_destroy",
	EventRmaPut:        "rma_put",
	EventRmaGet:        "rma_get",
	EventRmaOpComplete: "rma_op_complete",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("event(%d)", uint8(k))
}

func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Event is one recorded measurement event. Only the fields relevant for Kind are set.
type Event struct {
	Kind        EventKind         `json:"kind"`
	Time        uint64            `json:"time"`
	Region      RegionHandle      `json:"region,omitempty"`
	SamplingSet SamplingSetHandle `json:"sampling_set,omitempty"`
	Value       uint64            `json:"value,omitempty"`
	Window      RmaWindowHandle   `json:"window,omitempty"`
	Remote      uint32            `json:"remote,omitempty"`
	Bytes       uint64            `json:"bytes,omitempty"`
	MatchingID  uint64            `json:"matching_id,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case EventEnter, EventExit:
		return fmt.Sprintf("%d %s region=%d", e.Time, e.Kind, e.Region)
	case EventCounter:
		return fmt.Sprintf("%d %s set=%d value=%d", e.Time, e.Kind, e.SamplingSet, e.Value)
	default:
		return fmt.Sprintf("%d %s win=%d remote=%d bytes=%d id=%d", e.Time, e.Kind, e.Window, e.Remote, e.Bytes, e.MatchingID)
	}
}
