package core

import (
	"context"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"carshare-box/internal/clock"
	"carshare-box/internal/logger"
	"carshare-box/internal/metrics"
	"carshare-box/internal/status"
	"carshare-box/internal/task"
	"carshare-box/internal/types"
	"carshare-box/internal/vehicle"
)

// Fault codes reported through the StatusPublisher.
const (
	FaultLinkFailed     = 1
	FaultSequenceFailed = 2
	FaultDoorMismatch   = 3
)

// Timings are the workflow cadences and dwell times.
type Timings struct {
	TagPoll          time.Duration
	TagTimeout       time.Duration
	TelemetryPeriod  time.Duration
	TelemetryTimeout time.Duration
	FirmwareBackoff  time.Duration
	DenyDwell        time.Duration
	ErrorDwell       time.Duration
}

func DefaultTimings() Timings {
	return Timings{
		TagPoll:          500 * time.Millisecond,
		TagTimeout:       20000 * time.Millisecond,
		TelemetryPeriod:  120000 * time.Millisecond,
		TelemetryTimeout: 8000 * time.Millisecond,
		FirmwareBackoff:  60000 * time.Millisecond,
		DenyDwell:        1000 * time.Millisecond,
		ErrorDwell:       2000 * time.Millisecond,
	}
}

// Runner is a long-lived worker started alongside the workflows, such as
// the bus listener or the LED loop.
type Runner struct {
	Name string
	Run  func(ctx context.Context) error
}

// Deps are the collaborators a BoxSystem is built from. Publisher and
// Firmware may be nil.
type Deps struct {
	Flags     *status.Set
	Store     *vehicle.Store
	Network   Connectivity
	Sequencer CommandSequencer
	Remote    RemoteClient
	Tags      TagReader
	Identity  IdentityReader
	Battery   BatterySampler
	LED       Indicator
	Cards     OperatorCards
	Firmware  FirmwareApplier
	Publisher StatusPublisher
	Clock     clock.Clock
	Logger    *logger.Logger

	// FreeHeap reports free memory for telemetry; defaults to the Go
	// runtime's idle heap.
	FreeHeap func() uint64
}

// BoxSystem ties the access, telemetry and firmware workflows together.
type BoxSystem struct {
	flags     *status.Set
	store     *vehicle.Store
	net       Connectivity
	sequencer CommandSequencer
	remote    RemoteClient
	tags      TagReader
	identity  IdentityReader
	battery   BatterySampler
	led       Indicator
	cards     OperatorCards
	firmware  FirmwareApplier
	publisher StatusPublisher
	clock     clock.Clock
	logger    *logger.Logger
	freeHeap  func() uint64
	timings   Timings

	started      time.Time
	operatorLock atomic.Bool
	runCtx       atomic.Pointer[context.Context]
}

func NewBoxSystem(d Deps, timings Timings) *BoxSystem {
	b := &BoxSystem{
		flags:     d.Flags,
		store:     d.Store,
		net:       d.Network,
		sequencer: d.Sequencer,
		remote:    d.Remote,
		tags:      d.Tags,
		identity:  d.Identity,
		battery:   d.Battery,
		led:       d.LED,
		cards:     d.Cards,
		firmware:  d.Firmware,
		publisher: d.Publisher,
		clock:     d.Clock,
		logger:    d.Logger,
		freeHeap:  d.FreeHeap,
		timings:   timings,
	}
	if b.flags == nil {
		b.flags = status.NewSet()
	}
	if b.publisher == nil {
		b.publisher = nopPublisher{}
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.logger == nil {
		b.logger = logger.NewNop()
	}
	if b.freeHeap == nil {
		b.freeHeap = runtimeFreeHeap
	}
	b.started = b.clock.Now()
	return b
}

// Run starts the workflows and every extra runner, and blocks until ctx is
// cancelled or a runner fails.
func (b *BoxSystem) Run(ctx context.Context, runners ...Runner) error {
	b.logger.Infof("Starting carshare box")
	b.led.SetStatus(types.LedIdle)

	g, ctx := errgroup.WithContext(ctx)
	b.runCtx.Store(&ctx)
	for _, r := range runners {
		g.Go(func() error {
			b.logger.Debugf("Starting %s", r.Name)
			return r.Run(ctx)
		})
	}
	g.Go(func() error { return b.tagLoop(ctx) })
	g.Go(func() error { return b.telemetryLoop(ctx) })
	g.Go(func() error { return b.statusLoop(ctx) })

	err := g.Wait()
	b.logger.Infof("Carshare box stopped")
	return err
}

// LockCommand runs a sequence requested by local tooling.
func (b *BoxSystem) LockCommand(target types.LockTarget) error {
	ctx := context.Background()
	if p := b.runCtx.Load(); p != nil {
		ctx = *p
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	b.logger.Infof("Local %s command", target)
	b.startSequence(ctx, target)
	return nil
}

// OperatorLocked reports the operator lock toggle.
func (b *BoxSystem) OperatorLocked() bool {
	return b.operatorLock.Load()
}

func (b *BoxSystem) Flags() *status.Set {
	return b.flags
}

// sequence runs one command sequence on the calling goroutine and reports
// its outcome.
func (b *BoxSystem) sequence(ctx context.Context, target types.LockTarget) vehicle.Result {
	result := b.sequencer.Execute(ctx, target)
	switch result {
	case vehicle.ResultFailed:
		b.published("fault", b.publisher.ReportFaultPresent(FaultSequenceFailed, "CAN transmit failed during "+target.String()+" sequence"))
	case vehicle.ResultMismatch:
		b.published("fault", b.publisher.ReportFaultPresent(FaultDoorMismatch, "Vehicle reported doors "+b.store.Snapshot().DoorsLocked.String()+" after "+target.String()))
	default:
		b.published("fault", b.publisher.ReportFaultAbsent(FaultSequenceFailed))
		b.published("fault", b.publisher.ReportFaultAbsent(FaultDoorMismatch))
	}
	b.published("doors", b.publisher.PublishStatus("doors", b.store.Snapshot().DoorsLocked.String()))
	return result
}

func (b *BoxSystem) startSequence(ctx context.Context, target types.LockTarget) *task.Handle {
	return task.Go("sequence-"+target.String(), func() error {
		b.sequence(ctx, target)
		return nil
	})
}

// ensureConnected wraps the connectivity manager with fault reporting.
func (b *BoxSystem) ensureConnected(ctx context.Context) bool {
	if !b.net.EnsureConnected(ctx) {
		b.published("fault", b.publisher.ReportFaultPresent(FaultLinkFailed, "Network link could not be established"))
		return false
	}
	b.published("fault", b.publisher.ReportFaultAbsent(FaultLinkFailed))
	return true
}

// published logs a failed status write. Local status is best effort and
// never stops a workflow.
func (b *BoxSystem) published(what string, err error) {
	if err != nil {
		b.logger.Debugf("Failed to publish %s: %v", what, err)
	}
}

// statusLoop publishes the activity derived from the flags whenever it
// changes.
func (b *BoxSystem) statusLoop(ctx context.Context) error {
	last := types.Activity("")
	for {
		changed := b.flags.Changed()
		if act := b.flags.Snapshot().Activity(); act != last {
			if err := b.publisher.PublishActivity(act); err != nil {
				b.logger.Debugf("Failed to publish activity: %v", err)
			}
			last = act
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		}
	}
}

// wait sleeps for d unless ctx ends first.
func (b *BoxSystem) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-b.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *BoxSystem) uptimeSeconds() int64 {
	return int64(b.clock.Now().Sub(b.started) / time.Second)
}

func runtimeFreeHeap() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapIdle - ms.HeapReleased
}

func recordTag(outcome string) {
	metrics.TagsTotal.WithLabelValues(outcome).Inc()
}

func formatBool(v bool) string {
	return strconv.FormatBool(v)
}
