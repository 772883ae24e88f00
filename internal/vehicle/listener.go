package vehicle

import (
	"context"
	"errors"
	"time"

	"carshare-box/internal/logger"
	"carshare-box/internal/types"
)

// Receiver delivers frames from the vehicle bus. Receive blocks until a
// frame arrives or ctx ends.
type Receiver interface {
	Receive(ctx context.Context) (types.CANFrame, error)
}

// Listen feeds every received frame into the store until ctx is done.
// Receive errors are logged and retried after a short pause.
func Listen(ctx context.Context, rx Receiver, store *Store, l *logger.Logger) error {
	l.Infof("Bus listener started")
	for {
		f, err := rx.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				l.Infof("Bus listener stopped")
				return nil
			}
			if errors.Is(err, ErrNoFrame) {
				continue
			}
			l.Warnf("Bus receive failed: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if store.ApplyFrame(f) {
			l.Debugf("Applied frame %s", f)
		}
	}
}

// ErrNoFrame is returned by receivers whose read timed out without data.
var ErrNoFrame = errors.New("no frame")
