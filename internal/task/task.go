package task

import (
	"context"
	"fmt"
)

// Handle tracks one detached unit of work: a request, a command sequence
// or a firmware update.
type Handle struct {
	name string
	done chan struct{}
	err  error
}

// Go runs fn on its own goroutine. A panic in fn is recovered and
// reported as the handle's error so it never takes the process down.
func Go(name string, fn func() error) *Handle {
	h := &Handle{name: name, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("%s: panic: %v", name, r)
			}
		}()
		h.err = fn()
	}()
	return h
}

func (h *Handle) Name() string { return h.name }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the work finishes or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
