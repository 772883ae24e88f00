package fsm

import "github.com/librescoot/librefsm"

// Actions is implemented by the connectivity manager. Actions run inside
// the machine and must not send events back into it.
type Actions interface {
	// State entry actions
	EnterConnected(c *librefsm.Context) error
	EnterFailed(c *librefsm.Context) error
	EnterIdle(c *librefsm.Context) error

	// Guards for link-down handling
	CanRetry(c *librefsm.Context) bool // link still wanted and retries left
	WantsLink(c *librefsm.Context) bool

	// Transition actions
	OnStartLink(c *librefsm.Context) error
	OnRetryLink(c *librefsm.Context) error
	OnStopLink(c *librefsm.Context) error
}
