package hardware

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/devices/v3/mfrc522"
	"periph.io/x/host/v3"

	"carshare-box/internal/logger"
)

type RFIDConfig struct {
	SPIPort  string // "" picks the first port
	ResetPin string
	IRQPin   string
	// ReadTimeout bounds each poll for a card.
	ReadTimeout time.Duration
}

// RFIDReader polls an MFRC522 over SPI.
type RFIDReader struct {
	dev     *mfrc522.Dev
	port    spi.PortCloser
	timeout time.Duration
	logger  *logger.Logger
}

func OpenRFID(cfg RFIDConfig, l *logger.Logger) (*RFIDReader, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to init periph: %w", err)
	}

	port, err := spireg.Open(cfg.SPIPort)
	if err != nil {
		return nil, fmt.Errorf("failed to open SPI port %q: %w", cfg.SPIPort, err)
	}

	reset := gpioreg.ByName(cfg.ResetPin)
	if reset == nil {
		port.Close()
		return nil, fmt.Errorf("unknown RFID reset pin %q", cfg.ResetPin)
	}
	irq := gpioreg.ByName(cfg.IRQPin)
	if irq == nil {
		port.Close()
		return nil, fmt.Errorf("unknown RFID IRQ pin %q", cfg.IRQPin)
	}

	dev, err := mfrc522.NewSPI(port, reset, irq)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to initialise MFRC522: %w", err)
	}

	l.Infof("RFID reader ready (spi=%q reset=%s irq=%s)", cfg.SPIPort, cfg.ResetPin, cfg.IRQPin)
	return &RFIDReader{dev: dev, port: port, timeout: cfg.ReadTimeout, logger: l}, nil
}

// ReadTag returns the first four bytes of a card's UID, or ok=false if
// no card answered within the read timeout.
func (r *RFIDReader) ReadTag(ctx context.Context) ([]byte, bool) {
	if ctx.Err() != nil {
		return nil, false
	}
	uid, err := r.dev.ReadUID(r.timeout)
	if err != nil || len(uid) < 4 {
		return nil, false
	}
	r.dev.Halt()
	return uid[:4], true
}

func (r *RFIDReader) Close() error {
	r.dev.Halt()
	return r.port.Close()
}
