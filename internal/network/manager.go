package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/librescoot/librefsm"

	"carshare-box/internal/fsm"
	"carshare-box/internal/logger"
	"carshare-box/internal/metrics"
)

// LinkEvent is reported by a Link driver when the underlying network
// comes up or goes away.
type LinkEvent int

const (
	LinkUp LinkEvent = iota
	LinkDown
)

func (e LinkEvent) String() string {
	if e == LinkUp {
		return "up"
	}
	return "down"
}

// Link is the radio or interface the box talks through. Up starts an
// association attempt whose result arrives later on Events as LinkUp or
// LinkDown. Up and Down must never block on event delivery.
type Link interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Events() <-chan LinkEvent
}

const DefaultConnectTimeout = 5000 * time.Millisecond

// Manager owns the network link on behalf of the workflows. At most one
// caller is inside EnsureConnected or ReleaseIfIdle at a time.
type Manager struct {
	link           Link
	logger         *logger.Logger
	connectTimeout time.Duration

	machine *librefsm.Machine
	ctx     context.Context

	busy chan struct{}
	// link events raised by the manager itself, fed through the pump
	injected chan LinkEvent

	mu      sync.Mutex
	desired bool
	retries int

	state   atomic.Value // librefsm.StateID
	changed atomic.Pointer[chan struct{}]
}

func NewManager(link Link, connectTimeout time.Duration, l *logger.Logger) (*Manager, error) {
	m := &Manager{
		link:           link,
		logger:         l,
		connectTimeout: connectTimeout,
		busy:           make(chan struct{}, 1),
		injected:       make(chan LinkEvent, 1),
		ctx:            context.Background(),
	}
	m.state.Store(fsm.StateIdle)
	ch := make(chan struct{})
	m.changed.Store(&ch)

	machine, err := fsm.NewDefinition(m).Build()
	if err != nil {
		return nil, err
	}
	m.machine = machine

	// Only record the transition here; the machine is still busy.
	m.machine.OnStateChange(func(from, to librefsm.StateID) {
		m.state.Store(to)
		next := make(chan struct{})
		close(*m.changed.Swap(&next))

		if to == fsm.StateConnected {
			metrics.LinkConnected.Set(1)
		} else {
			metrics.LinkConnected.Set(0)
		}
		m.logger.Debugf("Link state %s -> %s", from, to)
	})
	return m, nil
}

// Start runs the state machine and the link event pump until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx = ctx
	if err := m.machine.Start(ctx); err != nil {
		return err
	}
	go m.pump(ctx)
	m.logger.Infof("Connectivity manager started")
	return nil
}

func (m *Manager) pump(ctx context.Context) {
	for {
		var ev LinkEvent
		select {
		case <-ctx.Done():
			return
		case ev = <-m.injected:
		case e, ok := <-m.link.Events():
			if !ok {
				return
			}
			ev = e
			m.logger.Debugf("Link reported %s", ev)
		}
		id := fsm.EvLinkUp
		if ev == LinkDown {
			id = fsm.EvLinkDown
		}
		if err := m.machine.SendSync(librefsm.Event{ID: id}); err != nil {
			m.logger.Debugf("Link event %s ignored: %v", ev, err)
		}
	}
}

// linkLost queues a LinkDown as if the driver had reported it. It runs
// inside machine actions and must not block.
func (m *Manager) linkLost() {
	select {
	case m.injected <- LinkDown:
	default:
	}
}

// abort drops a pending attempt nobody is waiting for any more.
func (m *Manager) abort(wait bool) {
	m.mu.Lock()
	m.desired = false
	m.mu.Unlock()

	ev := librefsm.Event{ID: fsm.EvDisconnect}
	if !wait {
		m.machine.Send(ev)
		return
	}
	if err := m.machine.SendSync(ev); err != nil {
		m.logger.Debugf("Abort request: %v", err)
	}
}

// State returns the last observed machine state.
func (m *Manager) State() librefsm.StateID {
	return m.state.Load().(librefsm.StateID)
}

func (m *Manager) Connected() bool {
	return m.State() == fsm.StateConnected
}

func (m *Manager) acquire(ctx context.Context) bool {
	select {
	case m.busy <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Manager) release() {
	<-m.busy
}

// EnsureConnected brings the link up if it is not already and reports
// whether it is usable. It gives up after the connect timeout and tears
// the attempt down, so the next caller starts a fresh one.
func (m *Manager) EnsureConnected(ctx context.Context) bool {
	if !m.acquire(ctx) {
		return false
	}
	defer m.release()

	if m.Connected() {
		return true
	}

	m.mu.Lock()
	m.desired = true
	m.retries = 0
	m.mu.Unlock()

	m.logger.Infof("Bringing link up")
	changed := *m.changed.Load()
	if err := m.machine.SendSync(librefsm.Event{ID: fsm.EvConnect}); err != nil {
		m.logger.Debugf("Connect request: %v", err)
	}

	timer := time.NewTimer(m.connectTimeout)
	defer timer.Stop()

	for {
		switch m.State() {
		case fsm.StateConnected:
			metrics.ConnectAttemptsTotal.WithLabelValues("connected").Inc()
			m.logger.Infof("Link connected")
			return true
		case fsm.StateFailed:
			metrics.ConnectAttemptsTotal.WithLabelValues("failed").Inc()
			m.logger.Warnf("Link failed after %d retries", fsm.MaxRetries)
			return false
		}

		select {
		case <-changed:
			changed = *m.changed.Load()
		case <-timer.C:
			if m.Connected() {
				metrics.ConnectAttemptsTotal.WithLabelValues("connected").Inc()
				return true
			}
			metrics.ConnectAttemptsTotal.WithLabelValues("timeout").Inc()
			m.logger.Warnf("Link not up after %s", m.connectTimeout)
			m.abort(true)
			return false
		case <-ctx.Done():
			// the machine may be stopping with the same context
			m.abort(false)
			return false
		}
	}
}

// ReleaseIfIdle tears the link down if it is connected. Callers decide
// whether anybody else still needs it.
func (m *Manager) ReleaseIfIdle(ctx context.Context) {
	if !m.acquire(ctx) {
		return
	}
	defer m.release()

	if !m.Connected() {
		return
	}

	m.mu.Lock()
	m.desired = false
	m.mu.Unlock()

	m.logger.Infof("Releasing link")
	if err := m.machine.SendSync(librefsm.Event{ID: fsm.EvDisconnect}); err != nil {
		m.logger.Warnf("Disconnect request: %v", err)
	}
}

// === FSM actions ===

func (m *Manager) EnterIdle(c *librefsm.Context) error {
	m.mu.Lock()
	m.retries = 0
	m.mu.Unlock()
	return nil
}

func (m *Manager) EnterConnected(c *librefsm.Context) error {
	m.mu.Lock()
	m.retries = 0
	m.mu.Unlock()
	return nil
}

func (m *Manager) EnterFailed(c *librefsm.Context) error {
	m.mu.Lock()
	m.desired = false
	m.mu.Unlock()
	if err := m.link.Down(m.ctx); err != nil {
		m.logger.Warnf("Failed to stop link: %v", err)
	}
	return nil
}

func (m *Manager) CanRetry(c *librefsm.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desired && m.retries < fsm.MaxRetries
}

func (m *Manager) WantsLink(c *librefsm.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.desired
}

func (m *Manager) OnStartLink(c *librefsm.Context) error {
	// An action error would leave the machine where it was, so a failed
	// start is reported as a drop and the retry guards decide.
	if err := m.link.Up(m.ctx); err != nil {
		m.logger.Errorf("Failed to start link: %v", err)
		m.linkLost()
	}
	return nil
}

func (m *Manager) OnRetryLink(c *librefsm.Context) error {
	m.mu.Lock()
	m.retries++
	n := m.retries
	m.mu.Unlock()
	m.logger.Infof("Link dropped, retry %d/%d", n, fsm.MaxRetries)
	return m.OnStartLink(c)
}

func (m *Manager) OnStopLink(c *librefsm.Context) error {
	if err := m.link.Down(m.ctx); err != nil {
		m.logger.Warnf("Failed to stop link: %v", err)
	}
	return nil
}
