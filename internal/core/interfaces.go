package core

import (
	"context"

	"carshare-box/internal/api"
	"carshare-box/internal/task"
	"carshare-box/internal/types"
	"carshare-box/internal/vehicle"
)

// Connectivity brings the uplink up on demand and releases it when no
// workflow needs it any more.
type Connectivity interface {
	EnsureConnected(ctx context.Context) bool
	ReleaseIfIdle(ctx context.Context)
}

// CommandSequencer drives the door locks.
type CommandSequencer interface {
	Execute(ctx context.Context, target types.LockTarget) vehicle.Result
}

// RemoteClient performs requests against the carshare service.
type RemoteClient interface {
	Dispatch(ctx context.Context, req api.PendingRequest) *task.Handle
}

// TagReader polls the RFID reader. ok is false when no tag is present.
type TagReader interface {
	ReadTag(ctx context.Context) (uid []byte, ok bool)
}

// IdentityReader returns the driver's identity token, "" if none is
// plugged in.
type IdentityReader interface {
	ReadToken() string
}

// BatterySampler returns the auxiliary battery voltage, negative when
// unknown.
type BatterySampler interface {
	Volts() float64
}

type Indicator interface {
	SetStatus(s types.LedStatus)
}

// OperatorCards is the locally cached list of operator cards.
type OperatorCards interface {
	Contains(id string) bool
	ETag() int
	Replace(ctx context.Context, etag int, list []string) (bool, error)
}

// FirmwareApplier downloads an image and restarts into it. It only
// returns on failure.
type FirmwareApplier interface {
	Apply(ctx context.Context, url string) error
}

// StatusPublisher exposes box state to local tooling.
type StatusPublisher interface {
	PublishStatus(field, value string) error
	PublishActivity(activity types.Activity) error
	ReportFaultPresent(code int, description string) error
	ReportFaultAbsent(code int) error
}

type nopPublisher struct{}

func (nopPublisher) PublishStatus(string, string) error   { return nil }
func (nopPublisher) PublishActivity(types.Activity) error { return nil }
func (nopPublisher) ReportFaultPresent(int, string) error { return nil }
func (nopPublisher) ReportFaultAbsent(int) error          { return nil }
