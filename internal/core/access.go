package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"carshare-box/internal/api"
	"carshare-box/internal/status"
	"carshare-box/internal/types"
	"carshare-box/internal/vehicle"
)

// FormatTagID renders the first four bytes of a tag serial as eight
// lowercase hex characters.
func FormatTagID(uid []byte) string {
	var b [4]byte
	copy(b[:], uid)
	return fmt.Sprintf("%02x%02x%02x%02x", b[0], b[1], b[2], b[3])
}

func (b *BoxSystem) tagLoop(ctx context.Context) error {
	for {
		if uid, ok := b.tags.ReadTag(ctx); ok {
			b.processTag(ctx, uid)
		}
		if !b.wait(ctx, b.timings.TagPoll) {
			return nil
		}
	}
}

// processTag runs one tag through the access workflow and waits for its
// outcome before the link is given back.
func (b *BoxSystem) processTag(ctx context.Context, uid []byte) {
	b.flags.Clear(status.TagDone)
	b.flags.Set(status.TagProcessing)

	b.handleTag(ctx, uid)

	if !b.flags.Wait(ctx, status.TagDone, status.Any, true, b.timings.TagTimeout) {
		b.logger.Warnf("Tag handling did not finish within %s", b.timings.TagTimeout)
		recordTag("timeout")
		b.led.SetStatus(types.LedIdle)
	}
	b.flags.Clear(status.TagProcessing)

	if b.flags.Snapshot()&(status.TelemetrySending|status.FirmwareUpdating) != 0 {
		b.logger.Debugf("Keeping link up for telemetry or firmware")
		return
	}
	b.net.ReleaseIfIdle(ctx)
}

func (b *BoxSystem) handleTag(ctx context.Context, uid []byte) {
	b.led.SetStatus(types.LedProcessing)
	id := FormatTagID(uid)
	b.logger.Infof("Tag %s presented", id)

	if b.cards.Contains(id) {
		target := types.TargetLocked
		if b.operatorLock.Load() {
			target = types.TargetUnlocked
		}
		b.operatorLock.Store(target == types.TargetLocked)
		b.published("operator lock", b.publisher.PublishStatus("operator-lock", formatBool(target == types.TargetLocked)))
		b.logger.Infof("Operator card %s, %s", id, target)
		recordTag("operator")
		b.startSequence(ctx, target)
		return
	}

	if !b.ensureConnected(ctx) {
		b.touchFailed(fmt.Errorf("%w: link not available", api.ErrTransport))
		return
	}

	token := b.identity.ReadToken()
	b.store.WithLock(func(t *vehicle.Telemetry) { t.IdentityToken = token })

	payload, err := json.Marshal(api.TouchRequest{CardID: id, IButtonID: token})
	if err != nil {
		b.touchFailed(err)
		return
	}
	b.remote.Dispatch(ctx, api.PendingRequest{
		Endpoint:       api.EndpointTouch,
		Payload:        payload,
		OnResponse:     func(body []byte) { b.handleTouchResponse(ctx, body) },
		AlertOnFailure: true,
		OnFailure:      b.touchFailed,
	})
}

// handleTouchResponse acts on the server's decision. Anything that is not
// a recognised action is shown as an error.
func (b *BoxSystem) handleTouchResponse(ctx context.Context, body []byte) {
	var resp api.TouchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		b.logger.Warnf("Unparsable touch response: %v", err)
		b.showOutcome(types.LedError, b.timings.ErrorDwell, "error")
		return
	}

	switch resp.Action {
	case "":
		b.logger.Warnf("Touch response carried no action")
		b.showOutcome(types.LedError, b.timings.ErrorDwell, "error")
	case "reject":
		b.logger.Infof("Access rejected")
		b.showOutcome(types.LedDeny, b.timings.DenyDwell, "reject")
	default:
		target, ok := types.ParseLockTarget(resp.Action)
		if !ok {
			b.logger.Warnf("Unknown touch action %q", resp.Action)
			b.showOutcome(types.LedError, b.timings.ErrorDwell, "error")
			return
		}
		recordTag(target.String())
		b.sequence(ctx, target)
	}
}

func (b *BoxSystem) touchFailed(err error) {
	b.logger.Errorf("Touch request failed: %v", err)
	b.showOutcome(types.LedError, b.timings.ErrorDwell, "error")
}

// showOutcome holds an LED status for the dwell, then returns to idle and
// signals the end of the tag.
func (b *BoxSystem) showOutcome(led types.LedStatus, dwell time.Duration, outcome string) {
	recordTag(outcome)
	b.led.SetStatus(led)
	b.clock.Sleep(dwell)
	b.led.SetStatus(types.LedIdle)
	b.flags.Set(status.TagDone)
}
