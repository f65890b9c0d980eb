package location

import (
	"context"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/maplog/fieldsync/internal/common/errors"
	"github.com/maplog/fieldsync/internal/common/logger"
	"github.com/maplog/fieldsync/internal/track/chunk"
)

// WalkerConfig holds parameters for the simulated walker service.
type WalkerConfig struct {
	StartLatitude  float64
	StartLongitude float64
	BearingDeg     float64
	StepMeters     float64
	Interval       time.Duration
}

// Walker is a Service implementation that synthesizes fixes along a fixed
// bearing on a ticker. It backs the shipped daemon and development setups
// where no platform location service exists, and it reproduces the real
// service's cold-start quirk: while pace is stationary no fixes are emitted.
type Walker struct {
	cfg    WalkerConfig
	logger *zap.Logger

	mu          sync.Mutex
	enabled     bool
	pace        Pace
	pos         chunk.LocationFix
	fixSubs     map[int]FixHandler
	headingSubs map[int]HeadingHandler
	nextSubID   int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWalker creates a walker at the configured start position.
func NewWalker(cfg WalkerConfig) *Walker {
	if cfg.StepMeters == 0 {
		cfg.StepMeters = 1
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}
	return &Walker{
		cfg:    cfg,
		logger: logger.WithComponent("WalkerService"),
		pace:   PaceStationary,
		pos: chunk.LocationFix{
			Latitude:  cfg.StartLatitude,
			Longitude: cfg.StartLongitude,
			Heading:   cfg.BearingDeg,
			Accuracy:  5,
		},
		fixSubs:     make(map[int]FixHandler),
		headingSubs: make(map[int]HeadingHandler),
	}
}

// Enable starts the tick loop. Idempotent.
func (w *Walker) Enable(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.enabled {
		return nil
	}
	w.enabled = true
	w.pace = PaceStationary
	w.stopCh = make(chan struct{})
	w.wg.Add(1)
	go w.run(w.stopCh)
	w.logger.Info("walker enabled",
		zap.Float64("lat", w.pos.Latitude),
		zap.Float64("lng", w.pos.Longitude),
	)
	return nil
}

// Disable stops the tick loop. Safe to call when not enabled.
func (w *Walker) Disable(ctx context.Context) error {
	w.mu.Lock()
	if !w.enabled {
		w.mu.Unlock()
		return nil
	}
	w.enabled = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	w.logger.Info("walker disabled")
	return nil
}

func (w *Walker) Enabled(ctx context.Context) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.enabled, nil
}

func (w *Walker) Pace(ctx context.Context) (Pace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pace, nil
}

func (w *Walker) SetPace(ctx context.Context, pace Pace) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pace = pace
	return nil
}

func (w *Walker) SubscribeFixes(handler FixHandler) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSubID
	w.nextSubID++
	w.fixSubs[id] = handler
	return func() {
		w.mu.Lock()
		delete(w.fixSubs, id)
		w.mu.Unlock()
	}, nil
}

func (w *Walker) SubscribeHeading(handler HeadingHandler) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	id := w.nextSubID
	w.nextSubID++
	w.headingSubs[id] = handler
	return func() {
		w.mu.Lock()
		delete(w.headingSubs, id)
		w.mu.Unlock()
	}, nil
}

func (w *Walker) CurrentPosition(ctx context.Context) (chunk.LocationFix, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.enabled {
		return chunk.LocationFix{}, errors.E("walker.CurrentPosition", errors.ErrServiceUnavailable, nil)
	}
	pos := w.pos
	pos.Timestamp = time.Now().UnixMilli()
	return pos, nil
}

func (w *Walker) run(stopCh chan struct{}) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *Walker) tick() {
	w.mu.Lock()
	if w.pace != PaceMoving {
		w.mu.Unlock()
		return
	}

	const metersPerDegLat = 111194.93
	bearing := w.cfg.BearingDeg * math.Pi / 180
	w.pos.Latitude += w.cfg.StepMeters * math.Cos(bearing) / metersPerDegLat
	w.pos.Longitude += w.cfg.StepMeters * math.Sin(bearing) /
		(metersPerDegLat * math.Cos(w.pos.Latitude*math.Pi/180))
	w.pos.Timestamp = time.Now().UnixMilli()
	w.pos.Speed = w.cfg.StepMeters / w.cfg.Interval.Seconds()
	fix := w.pos

	fixSubs := make([]FixHandler, 0, len(w.fixSubs))
	for _, h := range w.fixSubs {
		fixSubs = append(fixSubs, h)
	}
	headingSubs := make([]HeadingHandler, 0, len(w.headingSubs))
	for _, h := range w.headingSubs {
		headingSubs = append(headingSubs, h)
	}
	w.mu.Unlock()

	for _, h := range fixSubs {
		h(fix)
	}
	for _, h := range headingSubs {
		h(fix.Heading)
	}
}

// GrantedPermissions is a Permissions implementation that always grants.
// Used by the daemon, where the process owner has already consented.
type GrantedPermissions struct{}

func (GrantedPermissions) Request(ctx context.Context) error      { return nil }
func (GrantedPermissions) OpenSettings(ctx context.Context) error { return nil }
