package fsm

import "github.com/librescoot/librefsm"

// Link states
const (
	StateIdle       librefsm.StateID = "idle"
	StateConnecting librefsm.StateID = "connecting"
	StateConnected  librefsm.StateID = "connected"
	StateFailed     librefsm.StateID = "failed"
)

// Link events
const (
	// Requests from the connectivity manager
	EvConnect    librefsm.EventID = "connect"
	EvDisconnect librefsm.EventID = "disconnect"

	// Reports from the link driver
	EvLinkUp   librefsm.EventID = "link-up"
	EvLinkDown librefsm.EventID = "link-down"
)
