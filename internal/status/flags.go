package status

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"carshare-box/internal/types"
)

// Flag is one bit of the shared status word.
type Flag uint32

const (
	TelemetrySending Flag = 1 << iota
	TelemetryDone
	TagProcessing
	TagDone
	FirmwareUpdating
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{TelemetrySending, "telemetry-sending"},
	{TelemetryDone, "telemetry-done"},
	{TagProcessing, "tag-processing"},
	{TagDone, "tag-done"},
	{FirmwareUpdating, "firmware-updating"},
}

func (f Flag) String() string {
	var parts []string
	for _, n := range flagNames {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Has reports whether every bit of other is set in f.
func (f Flag) Has(other Flag) bool {
	return f&other == other
}

// Activity folds the snapshot into a single coarse label.
func (f Flag) Activity() types.Activity {
	switch {
	case f&FirmwareUpdating != 0:
		return types.ActivityFirmware
	case f&TagProcessing != 0 && f&TelemetrySending != 0:
		return types.ActivityTagAndTele
	case f&TagProcessing != 0:
		return types.ActivityTag
	case f&TelemetrySending != 0:
		return types.ActivityTelemetry
	}
	return types.ActivityIdle
}

// WaitMode selects whether any or all of the requested flags must be set.
type WaitMode int

const (
	Any WaitMode = iota
	All
)

// Set is a word of independent flags shared by the workflows. Updates are
// lock-free; waiters park on a channel that is closed and replaced on every
// change.
type Set struct {
	bits   atomic.Uint32
	notify atomic.Pointer[chan struct{}]
}

func NewSet() *Set {
	s := &Set{}
	ch := make(chan struct{})
	s.notify.Store(&ch)
	return s
}

func (s *Set) Set(f Flag) {
	s.bits.Or(uint32(f))
	s.broadcast()
}

func (s *Set) Clear(f Flag) {
	s.bits.And(^uint32(f))
	s.broadcast()
}

func (s *Set) Snapshot() Flag {
	return Flag(s.bits.Load())
}

// Changed returns a channel that is closed on the next Set or Clear.
func (s *Set) Changed() <-chan struct{} {
	return *s.notify.Load()
}

func (s *Set) broadcast() {
	ch := make(chan struct{})
	old := s.notify.Swap(&ch)
	close(*old)
}

func satisfied(cur, want Flag, mode WaitMode) bool {
	if mode == All {
		return cur&want == want
	}
	return cur&want != 0
}

// Wait blocks until the requested flags are set (per mode), the timeout
// elapses or ctx is done. With clearOnExit the requested bits are cleared
// atomically on success, so only one waiter consumes an edge signal.
func (s *Set) Wait(ctx context.Context, want Flag, mode WaitMode, clearOnExit bool, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		// Capture the change channel before reading the bits so a Set in
		// between is either visible in cur or closes ch.
		ch := *s.notify.Load()
		cur := s.bits.Load()

		if satisfied(Flag(cur), want, mode) {
			if !clearOnExit {
				return true
			}
			if s.bits.CompareAndSwap(cur, cur&^uint32(want)) {
				s.broadcast()
				return true
			}
			continue
		}

		select {
		case <-ch:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// WaitCleared blocks until none of f is set, the timeout elapses or ctx
// is done. It never modifies the flags.
func (s *Set) WaitCleared(ctx context.Context, f Flag, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		ch := *s.notify.Load()
		if Flag(s.bits.Load())&f == 0 {
			return true
		}
		select {
		case <-ch:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
