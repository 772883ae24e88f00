package network

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"carshare-box/internal/logger"
)

// InterfaceLink drives a Linux network interface with ip(8) and follows
// its operstate in sysfs. Association itself is left to whatever daemon
// manages the interface (wpa_supplicant on the box).
type InterfaceLink struct {
	iface          string
	sysfsRoot      string
	attemptTimeout time.Duration
	pollInterval   time.Duration
	logger         *logger.Logger

	events chan LinkEvent

	mu     sync.Mutex
	cancel context.CancelFunc

	// runCommand is swapped out in tests.
	runCommand func(ctx context.Context, name string, args ...string) error
}

func NewInterfaceLink(iface string, attemptTimeout time.Duration, l *logger.Logger) *InterfaceLink {
	return &InterfaceLink{
		iface:          iface,
		sysfsRoot:      "/sys/class/net",
		attemptTimeout: attemptTimeout,
		pollInterval:   250 * time.Millisecond,
		logger:         l,
		events:         make(chan LinkEvent, 8),
		runCommand: func(ctx context.Context, name string, args ...string) error {
			out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
			if err != nil {
				return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
			}
			return nil
		},
	}
}

func (n *InterfaceLink) Events() <-chan LinkEvent {
	return n.events
}

func (n *InterfaceLink) Up(ctx context.Context) error {
	if err := n.runCommand(ctx, "ip", "link", "set", "dev", n.iface, "up"); err != nil {
		return err
	}

	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	watchCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.mu.Unlock()

	go n.watch(watchCtx)
	return nil
}

func (n *InterfaceLink) Down(ctx context.Context) error {
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
		n.cancel = nil
	}
	n.mu.Unlock()

	return n.runCommand(ctx, "ip", "link", "set", "dev", n.iface, "down")
}

// watch reports LinkUp once operstate reads "up" within the attempt
// timeout, then LinkDown when it leaves "up". A timed out attempt is
// reported as LinkDown.
func (n *InterfaceLink) watch(ctx context.Context) {
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(n.attemptTimeout)
	up := false

	for {
		state := n.operState()
		if ctx.Err() != nil {
			return
		}
		switch {
		case !up && state == "up":
			up = true
			n.emit(LinkUp)
		case up && state != "up":
			n.emit(LinkDown)
			return
		case !up && time.Now().After(deadline):
			n.logger.Debugf("%s still %q after %s", n.iface, state, n.attemptTimeout)
			n.emit(LinkDown)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (n *InterfaceLink) operState() string {
	data, err := os.ReadFile(filepath.Join(n.sysfsRoot, n.iface, "operstate"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}

func (n *InterfaceLink) emit(ev LinkEvent) {
	select {
	case n.events <- ev:
	default:
		n.logger.Warnf("Dropping link event %s, queue full", ev)
	}
}

// HardwareID returns the interface MAC as 12 lowercase hex characters.
func HardwareID(iface string) (string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", fmt.Errorf("failed to look up %s: %w", iface, err)
	}
	if len(ifi.HardwareAddr) == 0 {
		return "", fmt.Errorf("%s has no hardware address", iface)
	}
	return hex.EncodeToString(ifi.HardwareAddr), nil
}
