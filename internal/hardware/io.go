package hardware

import (
	"fmt"
	"sync"

	"github.com/warthog618/go-gpiocdev"

	"carshare-box/internal/logger"
)

// LinuxHardwareIO owns the box's GPIO output lines.
type LinuxHardwareIO struct {
	logger        *logger.Logger
	mappings      map[string]LineMapping
	chips         map[int]*gpiocdev.Chip
	lines         map[string]*gpiocdev.Line
	initialValues map[string]bool
	mu            sync.RWMutex
}

func NewLinuxHardwareIO(mappings map[string]LineMapping, l *logger.Logger) *LinuxHardwareIO {
	return &LinuxHardwareIO{
		logger:        l,
		mappings:      mappings,
		chips:         make(map[int]*gpiocdev.Chip),
		lines:         make(map[string]*gpiocdev.Line),
		initialValues: make(map[string]bool),
	}
}

func (io *LinuxHardwareIO) SetInitialValue(name string, value bool) {
	io.mu.Lock()
	defer io.mu.Unlock()
	io.initialValues[name] = value
}

func (io *LinuxHardwareIO) Initialize() error {
	io.logger.Infof("Initializing GPIO outputs")

	io.mu.Lock()
	defer io.mu.Unlock()

	for name, mapping := range io.mappings {
		chip, ok := io.chips[mapping.Chip]
		if !ok {
			var err error
			chip, err = gpiocdev.NewChip(fmt.Sprintf("gpiochip%d", mapping.Chip))
			if err != nil {
				return fmt.Errorf("failed to open GPIO chip %d: %w", mapping.Chip, err)
			}
			io.chips[mapping.Chip] = chip
		}

		val := 0
		if io.initialValues[name] {
			val = 1
		}

		line, err := chip.RequestLine(mapping.Line,
			gpiocdev.AsOutput(val),
			gpiocdev.WithConsumer("carshare-box"))
		if err != nil {
			return fmt.Errorf("failed to request GPIO line %d for %s: %w", mapping.Line, name, err)
		}

		io.lines[name] = line
		io.logger.Debugf("Configured DO %s: chip=%d, line=%d", name, mapping.Chip, mapping.Line)
	}
	return nil
}

func (io *LinuxHardwareIO) WriteDigitalOutput(channel string, value bool) error {
	io.mu.RLock()
	line, ok := io.lines[channel]
	io.mu.RUnlock()

	if !ok {
		return fmt.Errorf("unknown digital output channel: %s", channel)
	}

	val := 0
	if value {
		val = 1
	}
	if err := line.SetValue(val); err != nil {
		return fmt.Errorf("failed to set DO %s=%v: %w", channel, value, err)
	}
	return nil
}

func (io *LinuxHardwareIO) Cleanup() {
	io.mu.Lock()
	defer io.mu.Unlock()

	io.logger.Infof("Cleaning up GPIO resources")
	for name, line := range io.lines {
		line.Close()
		delete(io.lines, name)
	}
	for id, chip := range io.chips {
		chip.Close()
		delete(io.chips, id)
	}
}
