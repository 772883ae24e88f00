package core

import (
	"context"
	"encoding/json"

	"carshare-box/internal/api"
	"carshare-box/internal/metrics"
	"carshare-box/internal/status"
	"carshare-box/internal/types"
	"carshare-box/internal/vehicle"
)

func (b *BoxSystem) telemetryLoop(ctx context.Context) error {
	for {
		snap := b.flags.Snapshot()
		switch {
		case snap.Has(status.TagProcessing):
			b.logger.Debugf("Telemetry deferred, tag in progress")
			metrics.TelemetryCyclesTotal.WithLabelValues("deferred-tag").Inc()
			b.flags.WaitCleared(ctx, status.TagProcessing, b.timings.TagTimeout)
			if ctx.Err() != nil {
				return nil
			}
			continue
		case snap.Has(status.FirmwareUpdating):
			b.logger.Debugf("Telemetry deferred, firmware update in progress")
			metrics.TelemetryCyclesTotal.WithLabelValues("deferred-firmware").Inc()
			if !b.wait(ctx, b.timings.FirmwareBackoff) {
				return nil
			}
			continue
		}

		b.telemetryCycle(ctx)
		if !b.wait(ctx, b.timings.TelemetryPeriod) {
			return nil
		}
	}
}

// telemetryCycle sends one report and waits for its response to be
// handled, or for the response timeout.
func (b *BoxSystem) telemetryCycle(ctx context.Context) {
	b.flags.Set(status.TelemetrySending)
	b.flags.Clear(status.TelemetryDone)
	b.led.SetStatus(types.LedHeartbeat)

	outcome := "sent"
	if b.ensureConnected(ctx) {
		payload, err := json.Marshal(api.TelemetryReport{Telemetry: b.buildReport()})
		if err != nil {
			b.logger.Errorf("Failed to encode telemetry: %v", err)
			outcome = "failed"
		} else {
			b.remote.Dispatch(ctx, api.PendingRequest{
				Endpoint:   api.EndpointTelemetry,
				Payload:    payload,
				OnResponse: func(body []byte) { b.handleTelemetryResponse(ctx, body) },
			})
			if !b.flags.Wait(ctx, status.TelemetryDone, status.Any, true, b.timings.TelemetryTimeout) {
				b.logger.Warnf("No telemetry response within %s", b.timings.TelemetryTimeout)
				outcome = "failed"
			}
		}
	} else {
		b.logger.Warnf("Skipping telemetry, link not available")
		outcome = "failed"
	}
	b.flags.Clear(status.TelemetrySending)
	metrics.TelemetryCyclesTotal.WithLabelValues(outcome).Inc()

	if b.flags.Snapshot()&(status.TagProcessing|status.FirmwareUpdating) != 0 {
		b.logger.Debugf("Keeping link up for tag or firmware")
		return
	}
	b.net.ReleaseIfIdle(ctx)
}

// buildReport samples the live values into the store and returns the
// report with unknown vehicle fields left out.
func (b *BoxSystem) buildReport() api.Telemetry {
	volts := b.battery.Volts()
	token := b.identity.ReadToken()
	b.store.WithLock(func(t *vehicle.Telemetry) {
		t.AuxBatteryVoltage = volts
		t.IdentityToken = token
	})
	snap := b.store.Snapshot()

	report := api.Telemetry{
		AuxBatteryVoltage: snap.AuxBatteryVoltage,
		IButtonID:         snap.IdentityToken,
		BoxUptimeS:        b.uptimeSeconds(),
		BoxFreeHeapBytes:  b.freeHeap(),
	}
	if snap.SoCPercent >= 0 {
		soc := snap.SoCPercent
		report.SoCPercent = &soc
	}
	if snap.OdometerMiles >= 0 {
		odo := snap.OdometerMiles
		report.OdometerMiles = &odo
	}
	if snap.DoorsLocked != types.DoorsUnknown {
		doors := int8(snap.DoorsLocked)
		report.DoorsLocked = &doors
	}
	return report
}

func (b *BoxSystem) handleTelemetryResponse(ctx context.Context, body []byte) {
	var resp api.TelemetryResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		b.logger.Warnf("Unparsable telemetry response: %v", err)
	} else {
		if list := resp.OperatorCardList; list != nil && list.ETag != nil {
			b.updateCards(ctx, int(*list.ETag), list.Cards)
		}
		if resp.Action != "" {
			if target, ok := types.ParseLockTarget(resp.Action); ok {
				b.logger.Infof("Remote %s requested", target)
				b.sequence(ctx, target)
			} else {
				b.logger.Warnf("Unknown telemetry action %q", resp.Action)
			}
		}
		if resp.FirmwareUpdateURL != "" {
			b.startFirmwareUpdate(ctx, resp.FirmwareUpdateURL)
		}
	}

	b.store.ResetToUnknown()
	b.flags.Clear(status.TelemetrySending)
	b.flags.Set(status.TelemetryDone)
}

func (b *BoxSystem) updateCards(ctx context.Context, etag int, list []string) {
	if etag == b.cards.ETag() {
		return
	}
	replaced, err := b.cards.Replace(ctx, etag, list)
	if err != nil {
		b.logger.Errorf("Failed to persist operator cards: %v", err)
	}
	if replaced {
		b.logger.Infof("Operator card list replaced, etag %d, %d cards", etag, len(list))
	}
}
