package types

// LedStatus is what the indicator LED is currently rendering.
type LedStatus string

const (
	LedIdle       LedStatus = "idle"
	LedHeartbeat  LedStatus = "heartbeat"
	LedProcessing LedStatus = "processing"
	LedLocking    LedStatus = "locking"
	LedUnlocking  LedStatus = "unlocking"
	LedDeny       LedStatus = "deny"
	LedError      LedStatus = "error"
	LedFirmware   LedStatus = "firmware"
)

// Activity is a coarse view of what the box is doing, derived from the
// status flags. It is used for logging and status publishing only.
type Activity string

const (
	ActivityIdle       Activity = "idle"
	ActivityTag        Activity = "tag"
	ActivityTelemetry  Activity = "telemetry"
	ActivityTagAndTele Activity = "tag+telemetry"
	ActivityFirmware   Activity = "firmware"
)

// LockTarget is the door state a command sequence drives towards.
type LockTarget int

const (
	TargetUnlocked LockTarget = iota
	TargetLocked
)

func (t LockTarget) String() string {
	if t == TargetLocked {
		return "lock"
	}
	return "unlock"
}

// ParseLockTarget maps the remote action strings onto a target.
func ParseLockTarget(action string) (LockTarget, bool) {
	switch action {
	case "lock":
		return TargetLocked, true
	case "unlock":
		return TargetUnlocked, true
	}
	return TargetUnlocked, false
}

// DoorState is the tri-state door lock reading.
type DoorState int8

const (
	DoorsUnknown  DoorState = -1
	DoorsUnlocked DoorState = 0
	DoorsLocked   DoorState = 1
)

func (d DoorState) String() string {
	switch d {
	case DoorsLocked:
		return "locked"
	case DoorsUnlocked:
		return "unlocked"
	}
	return "unknown"
}

// DoorStateFor returns the door state a target should produce.
func DoorStateFor(t LockTarget) DoorState {
	if t == TargetLocked {
		return DoorsLocked
	}
	return DoorsUnlocked
}
