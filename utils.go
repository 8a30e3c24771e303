package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

type WG struct {
	sync.WaitGroup
}

func (wg *WG) Go(f func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		f()
	}()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
