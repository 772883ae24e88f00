package vehicle

import (
	"context"
	"sync"
	"time"

	"carshare-box/internal/types"
)

// CAN ids broadcast by the vehicle that the box decodes.
const (
	FrameOdometer uint32 = 0x5c5
	FrameSoC      uint32 = 0x55b
	FrameDoors    uint32 = 0x60d
)

const doorsLockedMarker = 0x18

// Telemetry is the last known vehicle state. Negative numbers and the empty
// token mean unknown.
type Telemetry struct {
	DoorsLocked       types.DoorState
	OdometerMiles     int32
	SoCPercent        int32
	AuxBatteryVoltage float64
	IdentityToken     string
}

func unknownTelemetry() Telemetry {
	return Telemetry{
		DoorsLocked:       types.DoorsUnknown,
		OdometerMiles:     -1,
		SoCPercent:        -1,
		AuxBatteryVoltage: -1,
	}
}

// Store holds the single telemetry record. Every mutation happens under
// the store lock.
type Store struct {
	mu sync.Mutex
	t  Telemetry

	// doorsSeq counts decoded door frames; doorsChanged is closed and
	// replaced on each one.
	doorsSeq     uint64
	doorsChanged chan struct{}
}

func NewStore() *Store {
	return &Store{
		t:            unknownTelemetry(),
		doorsChanged: make(chan struct{}),
	}
}

// WithLock runs fn with exclusive access to the record.
func (s *Store) WithLock(fn func(t *Telemetry)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.t)
}

func (s *Store) Snapshot() Telemetry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}

// ResetToUnknown forgets the bus-derived fields after a report went out.
func (s *Store) ResetToUnknown() {
	s.WithLock(func(t *Telemetry) {
		t.SoCPercent = -1
		t.OdometerMiles = -1
		t.DoorsLocked = types.DoorsUnknown
	})
}

// ApplyFrame decodes a bus frame into the record. Unknown ids are ignored.
// It reports whether the frame was recognised.
func (s *Store) ApplyFrame(f types.CANFrame) bool {
	d := f.Data
	switch f.ID {
	case FrameOdometer:
		if f.Len < 4 {
			return false
		}
		odo := int32(d[1])<<16 | int32(d[2])<<8 | int32(d[3])
		s.WithLock(func(t *Telemetry) { t.OdometerMiles = odo })
	case FrameSoC:
		if f.Len < 2 {
			return false
		}
		soc := (int32(d[0])<<2 | int32(d[1])>>6) / 10
		s.WithLock(func(t *Telemetry) { t.SoCPercent = soc })
	case FrameDoors:
		if f.Len < 3 {
			return false
		}
		state := types.DoorsUnlocked
		if d[2] == doorsLockedMarker {
			state = types.DoorsLocked
		}
		s.mu.Lock()
		s.t.DoorsLocked = state
		s.doorsSeq++
		close(s.doorsChanged)
		s.doorsChanged = make(chan struct{})
		s.mu.Unlock()
	default:
		return false
	}
	return true
}

// DoorsMark returns an opaque marker for door frames seen so far.
func (s *Store) DoorsMark() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doorsSeq
}

// WaitDoorsFrame blocks until a door frame newer than mark has been
// decoded and returns its state. ok is false if none arrived before the
// deadline channel fired or ctx ended.
func (s *Store) WaitDoorsFrame(ctx context.Context, mark uint64, deadline <-chan time.Time) (state types.DoorState, ok bool) {
	for {
		s.mu.Lock()
		if s.doorsSeq > mark {
			state = s.t.DoorsLocked
			s.mu.Unlock()
			return state, true
		}
		ch := s.doorsChanged
		s.mu.Unlock()

		select {
		case <-ch:
		case <-deadline:
			return types.DoorsUnknown, false
		case <-ctx.Done():
			return types.DoorsUnknown, false
		}
	}
}
