package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/cupti"
)

type ProcessInfo struct {
	PID  Pid
	TID  Tid
	Comm string
}

func (p ProcessInfo) String() string {
	return fmt.Sprintf("%s:%d", p.Comm, p.PID)
}

// procTable remembers which process created each context the probes saw.
type procTable struct {
	mu     sync.Mutex
	owners map[cuda.Context]ProcessInfo
}

func newProcTable() *procTable {
	return &procTable{owners: make(map[cuda.Context]ProcessInfo)}
}

func (t *procTable) observe(e Event) {
	if e.Failed() || e.Site != SITE_EXIT || e.Ctx == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	switch e.EventType {
	case EVENT_CTX_CREATE:
		t.owners[e.NativeContext()] = ProcessInfo{PID: e.Pid, TID: e.Tid, Comm: e.CommString()}
	case EVENT_CTX_DESTROY:
		delete(t.owners, e.NativeContext())
	}
}

// Owner labels the process owning h, "-" if unknown.
func (t *procTable) Owner(h cuda.Context) string {
	t.mu.Lock()
	p, ok := t.owners[h]
	t.mu.Unlock()
	if !ok {
		return "-"
	}
	if user, _, err := getProcessInfo(p.PID); err == nil {
		return user + " " + p.String()
	}
	return p.String()
}

// exited removes and returns the contexts whose process is gone.
func (t *procTable) exited(alive func(Pid) bool) map[cuda.Context]ProcessInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	gone := make(map[cuda.Context]ProcessInfo)
	for h, p := range t.owners {
		if !alive(p.PID) {
			gone[h] = p
			delete(t.owners, h)
		}
	}
	return gone
}

// CleanupExited destroys the contexts of processes that exited without
// destroying them, so their leaked allocations get reported.
func (t *procTable) CleanupExited(ctx context.Context, interval time.Duration, adapter *cupti.Adapter, drv *probeDriver) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("Stopping cleanup of exited processes...")
			return
		case <-ticker.C:
			for h, p := range t.exited(pidExists) {
				slog.Debug("process exited, removing its context", "pid", p.PID, "comm", p.Comm, "ctx", h)
				if err := adapter.HandleResource(cupti.ResourceEvent{
					Kind: cupti.ContextDestroyStarting, Thread: uint64(p.TID), Context: h,
				}); err != nil {
					slog.Debug("context already gone", "ctx", h, "err", err)
				}
				drv.forget(h)
			}
		}
	}
}

func pidExists(pid Pid) bool {
	_, err := os.Stat("/proc/" + strconv.FormatUint(uint64(pid), 10))
	return err == nil
}

// getProcessInfo returns the user name and command of a live process.
func getProcessInfo(pid Pid) (string, string, error) {
	procPath := filepath.Join("/proc", strconv.Itoa(int(pid)))
	commBytes, err := os.ReadFile(filepath.Join(procPath, "comm"))
	if err != nil {
		return "", "", fmt.Errorf("read comm: %w", err)
	}
	comm := string(commBytes)
	if n := len(comm); n > 0 && comm[n-1] == '\n' {
		comm = comm[:n-1]
	}

	stat, err := os.Stat(procPath)
	if err != nil {
		return "", comm, fmt.Errorf("stat proc: %w", err)
	}
	sys, ok := stat.Sys().(*syscall.Stat_t)
	if !ok {
		return "", comm, fmt.Errorf("stat proc: no owner information")
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(sys.Uid), 10))
	if err != nil {
		return "", comm, fmt.Errorf("lookup user: %w", err)
	}
	return u.Username, comm, nil
}
