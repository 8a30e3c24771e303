package main

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/vuvietnguyenit/cupti-trace/cuda"
	"github.com/vuvietnguyenit/cupti-trace/cupti"
	"github.com/vuvietnguyenit/cupti-trace/nvlm"
)

// DeviceNamer labels a device for display.
type DeviceNamer func(cuda.Device) string

type Summary struct {
	Contexts []cupti.ContextInfo
	Kernels  int
	Names    DeviceNamer
	// Owner labels the process of a context; nil when unknown.
	Owner func(cuda.Context) string
}

func newSummary(src snapshotSource, names DeviceNamer) Summary {
	return Summary{Contexts: src.Snapshot(), Kernels: src.KernelCount(), Names: names}
}

func (s Summary) owner(h cuda.Context) string {
	if s.Owner == nil {
		return "-"
	}
	return s.Owner(h)
}

func (s Summary) device(dev cuda.Device) string {
	if dev == cuda.NoDevice {
		return "?"
	}
	id := strconv.Itoa(int(dev))
	if s.Names == nil {
		return id
	}
	return id + " " + s.Names(dev)
}

func streamLines(streams []cupti.StreamInfo) string {
	lines := make([]string, 0, len(streams))
	for _, st := range streams {
		line := st.Name
		if st.Destroyed {
			line += " (destroyed)"
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (s Summary) Rows() [][]string {
	rows := make([][]string, 0, len(s.Contexts))
	for _, c := range s.Contexts {
		state := "active"
		switch {
		case c.Destroyed:
			state = "destroyed"
		case c.Idle:
			state = "idle"
		}
		rows = append(rows, []string{
			c.Handle.String(),
			s.owner(c.Handle),
			s.device(c.Device),
			strconv.FormatUint(c.Thread, 10),
			streamLines(c.Streams),
			strconv.Itoa(c.Allocations),
			humanSize(c.Allocated),
			strconv.Itoa(c.Dropped),
			state,
		})
	}
	return rows
}

// PrintTable renders the context table to w. clear resets the terminal first,
// for periodic printing.
func (s Summary) PrintTable(w io.Writer, clear bool) {
	table := tablewriter.NewTable(w, tablewriter.WithRenderer(renderer.NewBlueprint(tw.Rendition{
		Settings: tw.Settings{Separators: tw.Separators{BetweenRows: tw.On}},
	})))
	table.Header([]string{"CTX", "PROCESS", "DEVICE", "THREAD", "STREAMS", "ALLOCS", "ALLOCATED", "DROPPED", "STATE"})
	for _, row := range s.Rows() {
		table.Append(row)
	}
	if clear {
		fmt.Fprint(w, "\033[H\033[2J")
	}
	table.Render()
	fmt.Fprintf(w, "contexts: %d  kernels: %d\n", len(s.Contexts), s.Kernels)
}

// Devices lists the distinct known devices of the summary in order of appearance.
func (s Summary) Devices() []cuda.Device {
	var devs []cuda.Device
	seen := make(map[cuda.Device]struct{})
	for _, c := range s.Contexts {
		if c.Device == cuda.NoDevice {
			continue
		}
		if _, ok := seen[c.Device]; ok {
			continue
		}
		seen[c.Device] = struct{}{}
		devs = append(devs, c.Device)
	}
	return devs
}

// printDeviceTable renders NVML health readings of devs. Nothing is printed
// without NVML.
func printDeviceTable(w io.Writer, gpus *nvlm.Lib, devs []cuda.Device) {
	if gpus == nil || len(devs) == 0 {
		return
	}
	table := tablewriter.NewTable(w)
	table.Header([]string{"DEVICE", "NAME", "TEMP", "POWER", "SM CLOCK", "UTIL GPU/MEM", "MEMORY"})
	for _, dev := range devs {
		st, err := gpus.Status(int(dev))
		if err != nil {
			slog.Debug("incomplete device status", "device", dev, "err", err)
		}
		table.Append([]string{
			strconv.Itoa(int(dev)),
			gpus.DeviceName(int(dev)),
			fmt.Sprintf("%d C", st.TempC),
			fmt.Sprintf("%.1f W", float64(st.PowerMilliW)/1000),
			fmt.Sprintf("%d MHz", st.SMClockMHz),
			fmt.Sprintf("%d%% / %d%%", st.Util.GPU, st.Util.Memory),
			humanSize(st.MemUsed) + " / " + humanSize(st.MemTotal),
		})
	}
	table.Render()
}
