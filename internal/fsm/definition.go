package fsm

import "github.com/librescoot/librefsm"

// MaxRetries bounds immediate reconnects after a link drop.
const MaxRetries = 3

// NewDefinition creates the network link FSM definition.
func NewDefinition(actions Actions) *librefsm.Definition {
	return librefsm.NewDefinition().
		State(StateIdle,
			librefsm.WithOnEnter(actions.EnterIdle),
		).
		State(StateConnecting).
		State(StateConnected,
			librefsm.WithOnEnter(actions.EnterConnected),
		).
		State(StateFailed,
			librefsm.WithOnEnter(actions.EnterFailed),
		).

		// === Transitions ===

		Transition(StateIdle, EvConnect, StateConnecting,
			librefsm.WithAction(actions.OnStartLink),
		).
		Transition(StateFailed, EvConnect, StateConnecting,
			librefsm.WithAction(actions.OnStartLink),
		).

		Transition(StateConnecting, EvLinkUp, StateConnected).
		// A late link-up after teardown is dropped by going straight back down
		Transition(StateIdle, EvLinkUp, StateIdle,
			librefsm.WithAction(actions.OnStopLink),
		).

		// Link down: retry while wanted, fail once retries are spent,
		// otherwise the drop was requested and we settle in idle
		Transition(StateConnecting, EvLinkDown, StateConnecting,
			librefsm.WithGuard(actions.CanRetry),
			librefsm.WithAction(actions.OnRetryLink),
		).
		Transition(StateConnecting, EvLinkDown, StateFailed,
			librefsm.WithGuard(actions.WantsLink),
		).
		Transition(StateConnecting, EvLinkDown, StateIdle).
		Transition(StateConnected, EvLinkDown, StateConnecting,
			librefsm.WithGuard(actions.CanRetry),
			librefsm.WithAction(actions.OnRetryLink),
		).
		Transition(StateConnected, EvLinkDown, StateFailed,
			librefsm.WithGuard(actions.WantsLink),
		).
		Transition(StateConnected, EvLinkDown, StateIdle).

		// Teardown
		Transition(StateConnecting, EvDisconnect, StateIdle,
			librefsm.WithAction(actions.OnStopLink),
		).
		Transition(StateConnected, EvDisconnect, StateIdle,
			librefsm.WithAction(actions.OnStopLink),
		).
		Transition(StateFailed, EvDisconnect, StateIdle).
		Initial(StateIdle)
}
