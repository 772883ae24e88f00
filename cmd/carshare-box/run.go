package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"carshare-box/internal/api"
	"carshare-box/internal/cards"
	"carshare-box/internal/clock"
	"carshare-box/internal/config"
	"carshare-box/internal/core"
	"carshare-box/internal/firmware"
	"carshare-box/internal/hardware"
	"carshare-box/internal/logger"
	"carshare-box/internal/messaging"
	"carshare-box/internal/metrics"
	"carshare-box/internal/network"
	"carshare-box/internal/status"
	"carshare-box/internal/types"
	"carshare-box/internal/vehicle"
)

// runBox brings the hardware up in board order and runs the box until
// SIGINT or SIGTERM.
func runBox(cfg *config.Config, l *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	l.Infof("Starting carshare box %s", version)

	io := hardware.NewLinuxHardwareIO(map[string]hardware.LineMapping{
		hardware.OutLedRed:    {Chip: cfg.GPIOChip, Line: cfg.LedRedLine},
		hardware.OutLedGreen:  {Chip: cfg.GPIOChip, Line: cfg.LedGreenLine},
		hardware.OutLedBlue:   {Chip: cfg.GPIOChip, Line: cfg.LedBlueLine},
		hardware.OutLedStatus: {Chip: cfg.GPIOChip, Line: cfg.LedStatusLine},
		hardware.OutCanSleep:  {Chip: cfg.GPIOChip, Line: cfg.CANSleepLine},
	}, l.WithTag("GPIO"))
	// Transceiver awake from the first moment.
	io.SetInitialValue(hardware.OutCanSleep, false)
	if err := io.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize hardware: %w", err)
	}
	defer io.Cleanup()

	led := hardware.NewLedController(io, l.WithTag("LED"))
	led.BootFlash()

	redisClient := messaging.NewRedisClient(cfg.RedisAddr, l.WithTag("Redis"), messaging.Callbacks{})
	defer redisClient.Close()
	redisUp := true
	if err := redisClient.Connect(); err != nil {
		l.Warnf("Continuing without Redis: %v", err)
		redisUp = false
	}

	store, closeStore, err := openCardStore(cfg, redisClient, redisUp, l)
	if err != nil {
		return err
	}
	defer closeStore()
	cardCache := cards.NewCache(store, l.WithTag("Cards"))
	if err := cardCache.Load(ctx); err != nil {
		l.Warnf("Starting with an empty operator card list: %v", err)
	}

	rfid, err := hardware.OpenRFID(hardware.RFIDConfig{
		SPIPort:     cfg.RFIDSPIPort,
		ResetPin:    cfg.RFIDResetPin,
		IRQPin:      cfg.RFIDIRQPin,
		ReadTimeout: cfg.RFIDReadTimeout,
	}, l.WithTag("RFID"))
	if err != nil {
		return fmt.Errorf("failed to open RFID reader: %w", err)
	}
	defer rfid.Close()

	bus, err := hardware.OpenSocketCAN(cfg.CANInterface, cfg.CANReadTimeout, l.WithTag("CAN"))
	if err != nil {
		return fmt.Errorf("failed to open vehicle bus: %w", err)
	}
	defer bus.Close()

	battery := hardware.BatterySampler{
		Device:  cfg.ADCDevice,
		Channel: cfg.ADCChannel,
		Divider: cfg.BatteryDivider,
	}

	link := network.NewInterfaceLink(cfg.WifiInterface, cfg.ConnectTimeout, l.WithTag("Link"))
	netManager, err := network.NewManager(link, cfg.ConnectTimeout, l.WithTag("Network"))
	if err != nil {
		return fmt.Errorf("failed to build connectivity manager: %w", err)
	}

	boxID, err := network.HardwareID(cfg.WifiInterface)
	if err != nil {
		l.Warnf("No hardware id: %v", err)
		boxID = "000000000000"
	}

	identityToken := hardware.OneWireReader{DevicesDir: cfg.W1Devices}

	identity := api.Identity{
		BoxID:           boxID,
		Secret:          cfg.APISecret,
		FirmwareVersion: cfg.FirmwareVersion,
		UserAgent:       "carshare-box/" + version,
		ETag:            cardCache.ETag,
	}
	client := api.NewClient(cfg.APIRoot, cfg.RequestTimeout, identity, l.WithTag("API"))
	updater := firmware.NewUpdater(&http.Client{}, identity.SetHeaders, firmware.Config{
		ImagePath:    cfg.FirmwareImagePath,
		MaxResumes:   cfg.FirmwareMaxResumes,
		Timeout:      cfg.FirmwareTimeout,
		StallTimeout: cfg.FirmwareStallTimeout,
	}, firmware.SystemdRestarter{}, l.WithTag("Firmware"))

	flags := status.NewSet()
	vehicleStore := vehicle.NewStore()
	sequencer := vehicle.NewSequencer(bus, vehicleStore, flags, led, clock.Real(), vehicle.SequencerConfig{
		SendTimeout:  cfg.SendTimeout,
		Dwell:        cfg.SequenceDwell,
		VerifyWindow: cfg.VerifyWindow,
	}, l.WithTag("Sequencer"))

	deps := core.Deps{
		Flags:     flags,
		Store:     vehicleStore,
		Network:   netManager,
		Sequencer: sequencer,
		Remote:    client,
		Tags:      rfid,
		Identity:  identityToken,
		Battery:   battery,
		LED:       led,
		Cards:     cardCache,
		Firmware:  updater,
		Logger:    l.WithTag("Box"),
	}
	if redisUp {
		deps.Publisher = redisClient
		led.OnChange(func(s types.LedStatus) {
			redisClient.PublishStatus("led", string(s))
		})
	}

	box := core.NewBoxSystem(deps, core.Timings{
		TagPoll:          cfg.TagPoll,
		TagTimeout:       cfg.TagTimeout,
		TelemetryPeriod:  cfg.TelemetryPeriod,
		TelemetryTimeout: cfg.TelemetryTimeout,
		FirmwareBackoff:  cfg.FirmwareBackoff,
		DenyDwell:        cfg.DenyDwell,
		ErrorDwell:       cfg.ErrorDwell,
	})

	if err := netManager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity manager: %w", err)
	}
	if redisUp {
		redisClient.SetCallbacks(messaging.Callbacks{LockCallback: box.LockCommand})
		if err := redisClient.StartListening(); err != nil {
			l.Warnf("Local commands disabled: %v", err)
		}
	}

	err = box.Run(ctx,
		core.Runner{Name: "bus listener", Run: func(ctx context.Context) error {
			return vehicle.Listen(ctx, bus, vehicleStore, l.WithTag("Bus"))
		}},
		core.Runner{Name: "led", Run: led.Run},
		core.Runner{Name: "metrics", Run: func(ctx context.Context) error {
			return metrics.Serve(ctx, cfg.MetricsAddr)
		}},
	)
	l.Infof("Shutdown complete")
	return err
}

// openCardStore picks the persistence backend for the operator list. The
// Redis store falls back to memory when Redis is not reachable.
func openCardStore(cfg *config.Config, redisClient *messaging.RedisClient, redisUp bool, l *logger.Logger) (cards.Store, func(), error) {
	switch cfg.CardStore {
	case config.CardStoreSQLite:
		s, err := cards.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open card store: %w", err)
		}
		return s, func() { s.Close() }, nil
	case config.CardStoreRedis:
		if redisUp {
			return messaging.NewCardStore(redisClient.Client()), func() {}, nil
		}
		l.Warnf("Redis unavailable, operator cards will not survive a restart")
	}
	return cards.NewMemoryStore(), func() {}, nil
}
