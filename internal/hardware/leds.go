package hardware

import (
	"context"
	"sync"
	"time"

	"carshare-box/internal/logger"
	"carshare-box/internal/types"
)

const LedTick = 20 * time.Millisecond

// DigitalOutputs is the part of the GPIO layer the LED needs.
type DigitalOutputs interface {
	WriteDigitalOutput(channel string, value bool) error
}

// pattern is one rendered LED frame.
type pattern struct {
	r, g, b, status bool
}

// render maps a status to line levels at ms since start. Blinking
// statuses use the same phases as the reference board.
func render(s types.LedStatus, ms int64) pattern {
	switch s {
	case types.LedHeartbeat:
		return pattern{status: true}
	case types.LedProcessing:
		return pattern{r: true, g: true, b: true}
	case types.LedDeny:
		return pattern{r: true}
	case types.LedError:
		return pattern{r: ms%500 >= 250}
	case types.LedLocking:
		return pattern{g: true}
	case types.LedUnlocking:
		return pattern{b: true}
	case types.LedFirmware:
		if ms%1000 >= 500 {
			return pattern{r: true, g: true}
		}
		return pattern{g: true, b: true}
	}
	return pattern{}
}

// LedController renders the current status on the RGB and status lines.
type LedController struct {
	out    DigitalOutputs
	logger *logger.Logger
	start  time.Time

	mu       sync.Mutex
	status   types.LedStatus
	onChange func(types.LedStatus)
	last     *pattern
}

func NewLedController(out DigitalOutputs, l *logger.Logger) *LedController {
	return &LedController{
		out:    out,
		logger: l,
		start:  time.Now(),
		status: types.LedIdle,
	}
}

// OnChange registers a hook called with each new status.
func (c *LedController) OnChange(fn func(types.LedStatus)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

func (c *LedController) SetStatus(s types.LedStatus) {
	c.mu.Lock()
	changed := c.status != s
	c.status = s
	fn := c.onChange
	c.mu.Unlock()

	if changed && fn != nil {
		fn(s)
	}
}

func (c *LedController) Status() types.LedStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// BootFlash shows red, green and blue in turn.
func (c *LedController) BootFlash() {
	for _, p := range []pattern{{r: true}, {g: true}, {b: true}} {
		c.apply(p)
		time.Sleep(200 * time.Millisecond)
	}
	c.apply(pattern{})
}

// Tick renders one frame. Heartbeat lasts a single tick.
func (c *LedController) Tick(now time.Time) {
	c.mu.Lock()
	s := c.status
	var fn func(types.LedStatus)
	if s == types.LedHeartbeat {
		c.status = types.LedIdle
		fn = c.onChange
	}
	c.mu.Unlock()

	c.apply(render(s, now.Sub(c.start).Milliseconds()))
	if fn != nil {
		fn(types.LedIdle)
	}
}

func (c *LedController) apply(p pattern) {
	if c.last != nil && *c.last == p {
		return
	}
	for _, w := range []struct {
		name  string
		level bool
	}{
		{OutLedRed, p.r},
		{OutLedGreen, p.g},
		{OutLedBlue, p.b},
		{OutLedStatus, p.status},
	} {
		if err := c.out.WriteDigitalOutput(w.name, w.level); err != nil {
			c.logger.Debugf("LED write failed: %v", err)
		}
	}
	c.last = &p
}

// Run renders every LedTick until ctx is done.
func (c *LedController) Run(ctx context.Context) error {
	ticker := time.NewTicker(LedTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.apply(pattern{})
			return nil
		case now := <-ticker.C:
			c.Tick(now)
		}
	}
}
