// Package location reconciles desired GPS and tracking state against the
// shared continuous-location background service.
package location

import (
	"context"

	"github.com/maplog/fieldsync/internal/track/chunk"
)

// Pace is the background service's motion hint. The service defaults to
// stationary on cold start and silently stops reporting fixes until it is
// forced to moving.
type Pace string

const (
	PaceStationary Pace = "stationary"
	PaceMoving     Pace = "moving"
)

// FixHandler receives one raw location fix per update.
type FixHandler func(fix chunk.LocationFix)

// HeadingHandler receives compass heading updates in degrees.
type HeadingHandler func(headingDeg float64)

// Service is the contract of the underlying continuous-location background
// service. It is a single shared resource: only the Coordinator may call it,
// all other components request state changes through the Coordinator.
type Service interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
	Enabled(ctx context.Context) (bool, error)

	Pace(ctx context.Context) (Pace, error)
	SetPace(ctx context.Context, pace Pace) error

	// SubscribeFixes registers a fix callback and returns an unsubscribe
	// function. The callback may fire from a background goroutine.
	SubscribeFixes(handler FixHandler) (func(), error)
	SubscribeHeading(handler HeadingHandler) (func(), error)

	// CurrentPosition is a single-shot position read. It honors ctx
	// cancellation and deadline.
	CurrentPosition(ctx context.Context) (chunk.LocationFix, error)
}

// Permissions requests location access from the platform. Request blocks
// until granted, denied or ctx expires; denial is reported as
// errors.ErrPermissionDenied, expiry as errors.ErrTimeout.
type Permissions interface {
	Request(ctx context.Context) error

	// OpenSettings sends the user to the system permission settings after a
	// denial. Best effort.
	OpenSettings(ctx context.Context) error
}
