package core

import (
	"context"
	"errors"

	"carshare-box/internal/metrics"
	"carshare-box/internal/status"
	"carshare-box/internal/task"
	"carshare-box/internal/types"
)

var errLinkUnavailable = errors.New("link not available")

// startFirmwareUpdate launches the update on its own goroutine. It is a
// no-op while another update is running.
func (b *BoxSystem) startFirmwareUpdate(ctx context.Context, url string) *task.Handle {
	if b.firmware == nil {
		b.logger.Warnf("Firmware update offered but no updater is configured")
		return nil
	}
	if b.flags.Snapshot().Has(status.FirmwareUpdating) {
		b.logger.Infof("Firmware update already in progress, ignoring %s", url)
		return nil
	}
	b.flags.Set(status.FirmwareUpdating)

	return task.Go("firmware", func() error {
		b.logger.Infof("Starting firmware update from %s", url)
		b.led.SetStatus(types.LedFirmware)

		err := errLinkUnavailable
		if b.ensureConnected(ctx) {
			err = b.firmware.Apply(ctx, url)
		}
		if err != nil {
			b.logger.Errorf("Firmware update failed: %v", err)
			metrics.FirmwareUpdatesTotal.WithLabelValues("failed").Inc()
			b.flags.Clear(status.FirmwareUpdating)
			b.led.SetStatus(types.LedIdle)
			return err
		}
		metrics.FirmwareUpdatesTotal.WithLabelValues("applied").Inc()
		return nil
	})
}
