package vehicle

import (
	"context"
	"sync"
	"time"

	"carshare-box/internal/clock"
	"carshare-box/internal/logger"
	"carshare-box/internal/metrics"
	"carshare-box/internal/status"
	"carshare-box/internal/types"
)

// CommandFrameID is the diagnostic address of the body controller.
const CommandFrameID uint32 = 0x756

var (
	sessionOpen   = [8]byte{0x02, 0x10, 0x81, 0xff, 0xff, 0xff, 0xff, 0xff}
	sessionExtend = [8]byte{0x02, 0x10, 0xc0, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// Bus transmits frames on the vehicle CAN bus.
type Bus interface {
	Send(ctx context.Context, f types.CANFrame) error
}

// Indicator is the LED the box uses for user feedback.
type Indicator interface {
	SetStatus(s types.LedStatus)
}

// Result is the outcome of one command sequence.
type Result int

const (
	ResultVerified Result = iota
	ResultUnverified
	ResultMismatch
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultVerified:
		return "verified"
	case ResultUnverified:
		return "unverified"
	case ResultMismatch:
		return "mismatch"
	}
	return "failed"
}

type SequencerConfig struct {
	SendTimeout  time.Duration
	Dwell        time.Duration
	VerifyWindow time.Duration
}

func DefaultSequencerConfig() SequencerConfig {
	return SequencerConfig{
		SendTimeout:  100 * time.Millisecond,
		Dwell:        2000 * time.Millisecond,
		VerifyWindow: 1500 * time.Millisecond,
	}
}

type step struct {
	frame   types.CANFrame
	gap     time.Duration
	command bool
}

func frame(data [8]byte) types.CANFrame {
	return types.CANFrame{ID: CommandFrameID, Len: 8, Data: data}
}

func commandFrame(target types.LockTarget) types.CANFrame {
	op := byte(0x02)
	if target == types.TargetLocked {
		op = 0x01
	}
	return frame([8]byte{0x04, 0x30, 0x07, 0x00, op, 0xff, 0xff, 0xff})
}

// steps lays out the full diagnostic session: open, eleven keep-alives,
// reopen, keep-alive, the lock command and a closing open.
func steps(target types.LockTarget) []step {
	s := []step{{frame: frame(sessionOpen), gap: 200 * time.Millisecond}}
	for i := 0; i < 11; i++ {
		gap := 50 * time.Millisecond
		if i == 10 {
			gap = 100 * time.Millisecond
		}
		s = append(s, step{frame: frame(sessionExtend), gap: gap})
	}
	return append(s,
		step{frame: frame(sessionOpen), gap: 100 * time.Millisecond},
		step{frame: frame(sessionExtend), gap: 100 * time.Millisecond},
		step{frame: commandFrame(target), gap: 500 * time.Millisecond, command: true},
		step{frame: frame(sessionOpen)},
	)
}

// Sequencer drives the vehicle's door locks over CAN. Sequences are
// serialised; a second request waits for the first to finish.
type Sequencer struct {
	bus    Bus
	store  *Store
	flags  *status.Set
	led    Indicator
	clock  clock.Clock
	cfg    SequencerConfig
	logger *logger.Logger

	mu sync.Mutex
}

func NewSequencer(bus Bus, store *Store, flags *status.Set, led Indicator, clk clock.Clock, cfg SequencerConfig, l *logger.Logger) *Sequencer {
	return &Sequencer{
		bus:    bus,
		store:  store,
		flags:  flags,
		led:    led,
		clock:  clk,
		cfg:    cfg,
		logger: l,
	}
}

// Execute transmits the sequence for target, watches for the vehicle's
// door report, shows the result on the LED and then signals TagDone.
func (s *Sequencer) Execute(ctx context.Context, target types.LockTarget) Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Infof("Starting %s sequence", target)

	var mark uint64
	result := ResultVerified
	for i, st := range steps(target) {
		if st.command {
			mark = s.store.DoorsMark()
		}
		sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
		err := s.bus.Send(sendCtx, st.frame)
		cancel()
		if err != nil {
			s.logger.Errorf("Failed to send frame %d (%s): %v", i, st.frame, err)
			result = ResultFailed
			break
		}
		if st.gap > 0 {
			s.clock.Sleep(st.gap)
		}
	}

	want := types.DoorStateFor(target)
	dwellStart := s.clock.Now()

	if result == ResultFailed {
		s.led.SetStatus(types.LedError)
	} else {
		if target == types.TargetLocked {
			s.led.SetStatus(types.LedLocking)
		} else {
			s.led.SetStatus(types.LedUnlocking)
		}

		observed, seen := s.store.WaitDoorsFrame(ctx, mark, s.clock.After(s.cfg.VerifyWindow))
		switch {
		case !seen:
			result = ResultUnverified
			s.logger.Warnf("No door report after %s sequence, assuming %s", target, want)
			s.store.WithLock(func(t *Telemetry) { t.DoorsLocked = want })
		case observed != want:
			result = ResultMismatch
			s.logger.Warnf("Door report after %s sequence says %s", target, observed)
		default:
			s.logger.Infof("Vehicle confirmed doors %s", observed)
		}
	}

	if remaining := s.cfg.Dwell - s.clock.Now().Sub(dwellStart); remaining > 0 {
		s.clock.Sleep(remaining)
	}
	s.led.SetStatus(types.LedIdle)

	metrics.SequencesTotal.WithLabelValues(target.String(), result.String()).Inc()

	s.flags.Clear(status.TagProcessing)
	s.flags.Set(status.TagDone)
	return result
}
