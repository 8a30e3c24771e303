package cupti

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
)

var (
	ErrNoContext      = errors.New("no accelerator context")
	ErrNoStreamInfo   = errors.New("stream information unavailable")
	ErrThreadMismatch = errors.New("host thread does not own context")
	ErrFinalized      = errors.New("adapter finalized")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// checkDriver logs a failed driver call and reports whether it succeeded.
func checkDriver(call string, res cuda.Result) bool {
	if res == cuda.Success {
		return true
	}
	slog.Warn("driver call failed", "call", call, "code", int32(res), "err", res.String())
	return false
}

// warnOnce logs each distinct key a single time.
type warnOnce struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (w *warnOnce) warn(msg string, keyParts ...any) {
	key := msg + fmt.Sprint(keyParts...)
	w.mu.Lock()
	if w.seen == nil {
		w.seen = make(map[string]struct{})
	}
	_, dup := w.seen[key]
	w.seen[key] = struct{}{}
	w.mu.Unlock()
	if !dup {
		slog.Warn(msg, keyParts...)
	}
}
