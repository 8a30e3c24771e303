package main

import "fmt"

// Event types emitted by the uprobe programs.
const (
	EVENT_CTX_CREATE      EventType = 0
	EVENT_CTX_DESTROY     EventType = 1
	EVENT_CTX_SET_CURRENT EventType = 2
	EVENT_STREAM_CREATE   EventType = 3
	EVENT_STREAM_DESTROY  EventType = 4
	EVENT_MALLOC          EventType = 5
	EVENT_FREE            EventType = 6
	EVENT_MEMCPY          EventType = 7
	EVENT_LAUNCH          EventType = 8
	EVENT_SYNC            EventType = 9
)

const (
	SITE_ENTER Site = 0
	SITE_EXIT  Site = 1
)

type EventType int32
type Site uint32
type Timestamp uint64
type Dptr uint64
type AllocSize uint64
type Pid uint32
type Tid uint32
type DeviceID int32 // -1 when the probe could not read it
type CtxHandle uint64
type StreamHandle uint64
type FuncHandle uint64
type CopyKind uint32
type Comm [16]byte
type Retval int32

// Human-readable format for size
func (s AllocSize) HumanSize() string {
	return humanSize(uint64(s))
}

func humanSize(n uint64) string {
	val := float64(n)
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for val >= 1024 && i < len(units)-1 {
		val /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", val, units[i])
}
