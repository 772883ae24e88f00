package network

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"carshare-box/internal/logger"
)

func newTestInterfaceLink(t *testing.T) (*InterfaceLink, string, *[]string) {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "wlan0"), 0o755); err != nil {
		t.Fatal(err)
	}
	operstate := filepath.Join(root, "wlan0", "operstate")
	if err := os.WriteFile(operstate, []byte("down\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var commands []string
	link := NewInterfaceLink("wlan0", 100*time.Millisecond, logger.NewNop())
	link.sysfsRoot = root
	link.pollInterval = 5 * time.Millisecond
	link.runCommand = func(ctx context.Context, name string, args ...string) error {
		commands = append(commands, args[len(args)-1])
		return nil
	}
	return link, operstate, &commands
}

func expectEvent(t *testing.T, link *InterfaceLink, want LinkEvent) {
	t.Helper()
	select {
	case ev := <-link.Events():
		if ev != want {
			t.Fatalf("Expected %s, got %s", want, ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("No %s event", want)
	}
}

func TestInterfaceLinkReportsUpAndDown(t *testing.T) {
	link, operstate, commands := newTestInterfaceLink(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := link.Up(ctx); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	os.WriteFile(operstate, []byte("up\n"), 0o644)
	expectEvent(t, link, LinkUp)

	os.WriteFile(operstate, []byte("dormant\n"), 0o644)
	expectEvent(t, link, LinkDown)

	if len(*commands) != 1 || (*commands)[0] != "up" {
		t.Errorf("Expected one ip link up command, got %v", *commands)
	}
}

func TestInterfaceLinkAttemptTimeout(t *testing.T) {
	link, _, _ := newTestInterfaceLink(t)
	if err := link.Up(context.Background()); err != nil {
		t.Fatalf("Up failed: %v", err)
	}
	expectEvent(t, link, LinkDown)
}

func TestInterfaceLinkDownStopsWatching(t *testing.T) {
	link, operstate, commands := newTestInterfaceLink(t)
	link.Up(context.Background())
	if err := link.Down(context.Background()); err != nil {
		t.Fatalf("Down failed: %v", err)
	}
	os.WriteFile(operstate, []byte("up\n"), 0o644)

	select {
	case ev := <-link.Events():
		t.Fatalf("Unexpected event %s after Down", ev)
	case <-time.After(200 * time.Millisecond):
	}
	if got := (*commands)[len(*commands)-1]; got != "down" {
		t.Errorf("Expected ip link down, got %s", got)
	}
}
