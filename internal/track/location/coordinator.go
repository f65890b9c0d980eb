package location

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maplog/fieldsync/internal/common/errors"
	"github.com/maplog/fieldsync/internal/common/logger"
	"github.com/maplog/fieldsync/internal/common/result"
	"github.com/maplog/fieldsync/internal/track/chunk"
	"github.com/maplog/fieldsync/internal/track/state"
)

// TrackSession is the recording session the coordinator drives. Satisfied by
// *recorder.Recorder.
type TrackSession interface {
	Start(ctx context.Context) result.Result
	Stop(ctx context.Context) result.Result
	OnFix(fix chunk.LocationFix)
	TrackingState() chunk.TrackingState
}

// Alerter surfaces user-facing notices. Never blocks the coordinator on UI.
type Alerter interface {
	Alert(ctx context.Context, message string)
}

// Config holds coordinator timeouts.
type Config struct {
	PermissionTimeout time.Duration
	PositionTimeout   time.Duration
}

// Coordinator owns the shared background location service and reconciles the
// desired GPS display mode and tracking mode against it. All service
// start/stop/pace calls go through here.
type Coordinator struct {
	cfg     Config
	service Service
	perms   Permissions
	session TrackSession
	store   *chunk.Store
	alert   Alerter
	logger  *zap.Logger

	gps     *state.Holder[chunk.GPSState]
	heading *state.Holder[float64]

	mu          sync.Mutex
	fixUnsub    func()
	headingSubs func()
}

// NewCoordinator creates a coordinator. Call Restore before use so in-memory
// state matches the persisted flags.
func NewCoordinator(cfg Config, svc Service, perms Permissions, session TrackSession, store *chunk.Store, alert Alerter) *Coordinator {
	return &Coordinator{
		cfg:     cfg,
		service: svc,
		perms:   perms,
		session: session,
		store:   store,
		alert:   alert,
		logger:  logger.WithComponent("LocationCoordinator"),
		gps:     state.NewHolder(chunk.GPSOff),
		heading: state.NewHolder(0.0),
	}
}

// GPSState returns the current in-memory GPS display mode.
func (c *Coordinator) GPSState() chunk.GPSState {
	return c.gps.Get()
}

// Heading returns the latest compass heading in degrees.
func (c *Coordinator) Heading() float64 {
	return c.heading.Get()
}

// Restore runs at process startup. Persisted flags are read and applied to
// in-memory state BEFORE the service is touched or queried, so early fixes
// arriving through a still-live subscription are never dropped against stale
// in-memory state.
func (c *Coordinator) Restore(ctx context.Context) result.Result {
	mode := c.store.GPSState()
	c.gps.Set(mode)
	tracking := c.session.TrackingState()

	c.logger.Info("restoring location state",
		zap.String("gps_state", string(mode)),
		zap.String("tracking_state", string(tracking)),
	)

	if mode != chunk.GPSOff || tracking == chunk.TrackingOn {
		if err := c.ensureRunning(ctx); err != nil {
			return result.FailErr(err)
		}
		if mode == chunk.GPSFollow {
			c.subscribeHeading()
		}
		return result.OK()
	}

	// Only now query actual service state. A service left enabled is safe
	// but must be forced back to moving or it silently stops reporting.
	enabled, err := c.service.Enabled(ctx)
	if err != nil {
		c.logger.Warn("failed to query service state", zap.Error(err))
		return result.OK()
	}
	if enabled {
		if err := c.service.SetPace(ctx, PaceMoving); err != nil {
			c.logger.Warn("failed to force pace", zap.Error(err))
		}
	}
	return result.OK()
}

// ToggleGPS switches the GPS display mode. Enabling requires location
// permission; denial is surfaced as an alert plus system settings and leaves
// both the persisted flag and the in-memory mode unchanged.
func (c *Coordinator) ToggleGPS(ctx context.Context, mode chunk.GPSState) result.Result {
	if mode != chunk.GPSOff {
		if err := c.ensureRunning(ctx); err != nil {
			return result.FailErr(err)
		}
	}

	if err := c.store.SetGPSState(mode); err != nil {
		c.logger.Error("failed to persist gps state", zap.Error(err))
		return result.FailErr(err)
	}
	c.gps.Set(mode)

	if mode == chunk.GPSFollow {
		c.subscribeHeading()
	} else {
		c.unsubscribeHeading()
	}
	if mode == chunk.GPSOff {
		c.stopServiceIfIdle(ctx)
	}

	c.logger.Info("gps mode changed", zap.String("mode", string(mode)))
	return result.OK()
}

// ToggleTracking starts or stops a recording session. Stopping is safe even
// if the corresponding start never completed.
func (c *Coordinator) ToggleTracking(ctx context.Context, on bool) result.Result {
	if !on {
		res := c.session.Stop(ctx)
		c.stopServiceIfIdle(ctx)
		return res
	}

	if err := c.ensureRunning(ctx); err != nil {
		return result.FailErr(err)
	}
	res := c.session.Start(ctx)
	if !res.IsOK {
		// Undo the service spin-up so a failed start cannot leave the
		// service running with no session to consume it.
		c.stopServiceIfIdle(ctx)
	}
	return res
}

// CurrentPosition is a single-shot position read with the configured timeout.
func (c *Coordinator) CurrentPosition(ctx context.Context) (chunk.LocationFix, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.PositionTimeout)
	defer cancel()

	fix, err := c.service.CurrentPosition(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return chunk.LocationFix{}, errors.E("coordinator.CurrentPosition", errors.ErrTimeout, ctx.Err())
		}
		return chunk.LocationFix{}, err
	}
	return fix, nil
}

// OnResume runs on a foreground transition. The durable current-location slot
// is re-read in case the background process updated it while the UI was
// suspended, and the heading subscription is restored for follow mode.
func (c *Coordinator) OnResume(ctx context.Context) (chunk.LocationFix, bool) {
	if c.gps.Get() == chunk.GPSFollow {
		c.subscribeHeading()
	}
	return c.store.CurrentLocation()
}

// OnSuspend runs on a background transition. Heading updates are dropped to
// save power; the location service itself keeps running.
func (c *Coordinator) OnSuspend(ctx context.Context) {
	c.unsubscribeHeading()
}

// Close releases subscriptions without touching persisted flags.
func (c *Coordinator) Close() {
	c.unsubscribeHeading()
	c.mu.Lock()
	if c.fixUnsub != nil {
		c.fixUnsub()
		c.fixUnsub = nil
	}
	c.mu.Unlock()
}

// ensureRunning brings the service to enabled+moving with a live fix
// subscription. Idempotent.
func (c *Coordinator) ensureRunning(ctx context.Context) error {
	permCtx, cancel := context.WithTimeout(ctx, c.cfg.PermissionTimeout)
	err := c.perms.Request(permCtx)
	cancel()
	if err != nil {
		if errors.IsPermissionDenied(err) {
			c.logger.Warn("location permission denied")
			if c.alert != nil {
				c.alert.Alert(ctx, "Location permission is required. Please allow access in system settings.")
			}
			_ = c.perms.OpenSettings(ctx)
			return err
		}
		if permCtx.Err() != nil {
			return errors.E("coordinator.ensureRunning", errors.ErrTimeout, err)
		}
		return err
	}

	if err := c.service.Enable(ctx); err != nil {
		return errors.Wrap("coordinator.ensureRunning", err)
	}
	// The service comes up stationary and reports nothing until forced.
	if err := c.service.SetPace(ctx, PaceMoving); err != nil {
		return errors.Wrap("coordinator.ensureRunning", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fixUnsub == nil {
		unsub, err := c.service.SubscribeFixes(c.session.OnFix)
		if err != nil {
			return errors.Wrap("coordinator.ensureRunning", err)
		}
		c.fixUnsub = unsub
	}
	return nil
}

// stopServiceIfIdle disables the service when neither GPS display nor a
// recording session needs it. Failures are logged, not surfaced: leaving the
// service enabled is safe.
func (c *Coordinator) stopServiceIfIdle(ctx context.Context) {
	if c.gps.Get() != chunk.GPSOff || c.session.TrackingState() == chunk.TrackingOn {
		return
	}

	c.mu.Lock()
	if c.fixUnsub != nil {
		c.fixUnsub()
		c.fixUnsub = nil
	}
	c.mu.Unlock()

	if err := c.service.Disable(ctx); err != nil {
		c.logger.Warn("failed to disable idle service", zap.Error(err))
	}
}

func (c *Coordinator) subscribeHeading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headingSubs != nil {
		return
	}
	unsub, err := c.service.SubscribeHeading(func(deg float64) {
		c.heading.Set(deg)
	})
	if err != nil {
		c.logger.Warn("failed to subscribe heading", zap.Error(err))
		return
	}
	c.headingSubs = unsub
}

func (c *Coordinator) unsubscribeHeading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.headingSubs != nil {
		c.headingSubs()
		c.headingSubs = nil
	}
}
