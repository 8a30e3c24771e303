package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
)

type RingBuffer struct {
	Event   *ebpf.Map
	Handler *dispatcher
}

func (r *RingBuffer) RbReserve(ctx context.Context) error {
	rd, err := ringbuf.NewReader(r.Event)
	if err != nil {
		return err
	}
	defer rd.Close()

	records := make(chan ringbuf.Record)
	errs := make(chan error, 1)

	go func() {
		for {
			record, err := rd.Read()
			if err != nil {
				errs <- err
				return
			}
			select {
			case records <- record:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			rd.Close()
			slog.Debug("Stopping consume ringbuffer...")
			return nil
		case err := <-errs:
			if errors.Is(err, ringbuf.ErrClosed) {
				slog.Debug("Ringbuffer reader closed")
				return nil
			}
			return err
		case record := <-records:
			e, err := decodeEvent(record.RawSample)
			if err != nil {
				slog.Warn("failed to parse event", "err", err)
				continue
			}
			if err := r.Handler.handle(e); err != nil {
				slog.Debug("event not traced", "event", e.EventType, "tid", e.Tid, "err", err)
			}
		}
	}
}
