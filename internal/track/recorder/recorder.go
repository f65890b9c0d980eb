// Package recorder implements the track recording state machine on top of
// the chunk store.
package recorder

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maplog/fieldsync/internal/common/logger"
	"github.com/maplog/fieldsync/internal/common/result"
	"github.com/maplog/fieldsync/internal/track/chunk"
	"github.com/maplog/fieldsync/internal/track/state"
)

// TrackRecordOptions carries metadata for a committed track record.
type TrackRecordOptions struct {
	RecordID   string
	DistanceKm float64
}

// RecordStore commits a finished track into the application's record store.
type RecordStore interface {
	AddTrackRecord(ctx context.Context, points []chunk.LocationFix, opts TrackRecordOptions) result.Result
}

// Confirmer asks the user a yes/no question. User-visible failures and
// prompts go through this collaborator, never through panics.
type Confirmer interface {
	Confirm(ctx context.Context, message string) bool
}

// Phase identifies the current stage of the save pipeline.
type Phase string

const (
	PhaseIdle      Phase = ""
	PhaseMerging   Phase = "merging"
	PhaseFiltering Phase = "filtering"
	PhaseSaving    Phase = "saving"
)

// Recorder consumes location fixes and manages the recording session
// lifecycle: off -> (Start) -> recording -> (Stop | SaveTrackLog) -> off.
// Session state survives process kill via the chunk store's durable flag.
type Recorder struct {
	store   *chunk.Store
	records RecordStore
	confirm Confirmer
	logger  *zap.Logger

	tracking *state.Holder[chunk.TrackingState]
	saving   *state.Holder[bool]
	phase    *state.Holder[Phase]
}

// NewRecorder creates a recorder. The in-memory tracking state is restored
// from the persisted flag so an interrupted session is visible immediately.
func NewRecorder(store *chunk.Store, records RecordStore, confirm Confirmer) *Recorder {
	return &Recorder{
		store:    store,
		records:  records,
		confirm:  confirm,
		logger:   logger.WithComponent("TrackRecorder"),
		tracking: state.NewHolder(store.TrackingState()),
		saving:   state.NewHolder(false),
		phase:    state.NewHolder(PhaseIdle),
	}
}

// TrackingState returns the current in-memory recording state.
func (r *Recorder) TrackingState() chunk.TrackingState {
	return r.tracking.Get()
}

// Saving reports whether a save pipeline is in flight.
func (r *Recorder) Saving() bool {
	return r.saving.Get()
}

// Phase returns the current save pipeline phase.
func (r *Recorder) Phase() Phase {
	return r.phase.Get()
}

// Metadata returns the running track metadata.
func (r *Recorder) Metadata() chunk.TrackMetadata {
	return r.store.Metadata()
}

// Points returns the full recorded track.
func (r *Recorder) Points() []chunk.LocationFix {
	return r.store.GetAllPoints()
}

// DisplayPoints returns the bounded most-recent view for live rendering.
func (r *Recorder) DisplayPoints() []chunk.LocationFix {
	return r.store.DisplayPoints()
}

// CurrentLocation returns the last known fix, recorded or not.
func (r *Recorder) CurrentLocation() (chunk.LocationFix, bool) {
	return r.store.CurrentLocation()
}

// Start clears any stale chunk state, opens a new recording session and
// persists the durable tracking flag so a killed-and-relaunched process
// can detect the interrupted session.
func (r *Recorder) Start(ctx context.Context) result.Result {
	if r.tracking.Get() == chunk.TrackingOn {
		return result.Fail("a recording session is already active")
	}

	if err := r.store.ClearAll(); err != nil {
		r.logger.Error("failed to clear stale track data", zap.Error(err))
		return result.FailErr(err)
	}
	if err := r.store.SetTrackingState(chunk.TrackingOn); err != nil {
		r.logger.Error("failed to persist tracking flag", zap.Error(err))
		return result.FailErr(err)
	}
	r.tracking.Set(chunk.TrackingOn)

	r.logger.Info("recording session started")
	return result.OK()
}

// Stop stops consuming fixes into chunks. It does NOT clear recorded data:
// the track stays pending until SaveTrackLog or DiscardTrackLog, because
// the caller must ask the user whether to save. Safe to call when no
// session is active.
func (r *Recorder) Stop(ctx context.Context) result.Result {
	r.tracking.Set(chunk.TrackingOff)
	if err := r.store.SetTrackingState(chunk.TrackingOff); err != nil {
		r.logger.Warn("failed to persist tracking flag", zap.Error(err))
		return result.FailErr(err)
	}
	r.logger.Info("recording session stopped",
		zap.Int("total_points", r.store.Metadata().TotalPoints),
	)
	return result.OK()
}

// OnFix is called once per raw location update regardless of session
// state. The fix is always mirrored to the durable current-location slot
// for GPS-only display; it is persisted to chunks only while recording.
// Storage failures are logged and the fix dropped: live location display
// must never crash over a failed write.
func (r *Recorder) OnFix(fix chunk.LocationFix) {
	if err := r.store.SetCurrentLocation(fix); err != nil {
		r.logger.Warn("failed to mirror current location", zap.Error(err))
	}

	if r.tracking.Get() != chunk.TrackingOn {
		return
	}
	if _, err := r.store.AppendPoints([]chunk.LocationFix{fix}); err != nil {
		r.logger.Warn("failed to persist fix, dropping", zap.Error(err))
	}
}

// SaveTrackLog merges all chunks, filters invalid points, computes the
// final distance and commits the track via the record store. Chunk storage
// is cleared only on success so a failed save can be retried. The pipeline
// yields between phases so a large merge does not starve fix delivery.
func (r *Recorder) SaveTrackLog(ctx context.Context) (res result.Result) {
	if r.saving.Get() {
		return result.Fail("a save is already in progress")
	}
	r.saving.Set(true)
	defer func() {
		// Guaranteed cleanup: the saving flag is reset no matter how the
		// pipeline exits.
		r.saving.Set(false)
		r.phase.Set(PhaseIdle)
		if p := recover(); p != nil {
			r.logger.Error("save pipeline panicked", zap.Any("panic", p))
			res = result.Failf("save failed: %v", p)
		}
	}()

	r.phase.Set(PhaseMerging)
	if err := yieldPhase(ctx); err != nil {
		return result.FailErr(err)
	}
	points := r.store.GetAllPoints()
	if len(points) == 0 {
		return result.Fail("no track log to save")
	}

	r.phase.Set(PhaseFiltering)
	if err := yieldPhase(ctx); err != nil {
		return result.FailErr(err)
	}
	filtered := make([]chunk.LocationFix, 0, len(points))
	for _, p := range points {
		if p.Validate() == nil {
			filtered = append(filtered, p)
		}
	}
	distance := chunk.LineLengthKm(filtered)

	r.phase.Set(PhaseSaving)
	if err := yieldPhase(ctx); err != nil {
		return result.FailErr(err)
	}
	saveRes := r.records.AddTrackRecord(ctx, filtered, TrackRecordOptions{
		RecordID:   uuid.New().String(),
		DistanceKm: distance,
	})
	if !saveRes.IsOK {
		r.logger.Warn("record store rejected track", zap.String("message", saveRes.Message))
		return saveRes
	}

	r.tracking.Set(chunk.TrackingOff)
	if err := r.store.SetTrackingState(chunk.TrackingOff); err != nil {
		r.logger.Warn("failed to persist tracking flag", zap.Error(err))
	}
	if err := r.store.ClearAll(); err != nil {
		r.logger.Error("track saved but chunk cleanup failed", zap.Error(err))
		return result.FailErr(err)
	}

	r.logger.Info("track log saved",
		zap.Int("points", len(filtered)),
		zap.Float64("distance_km", distance),
	)
	return result.OK()
}

// DiscardTrackLog drops the pending track without committing it.
func (r *Recorder) DiscardTrackLog(ctx context.Context) result.Result {
	if stop := r.Stop(ctx); !stop.IsOK {
		return stop
	}
	if err := r.store.ClearAll(); err != nil {
		return result.FailErr(err)
	}
	r.logger.Info("track log discarded")
	return result.OK()
}

// CheckUnsavedTrackLog is invoked at process startup. If a prior session's
// tracking flag is still on, the user is asked to save or discard; a track
// of one point or less is cleared silently.
func (r *Recorder) CheckUnsavedTrackLog(ctx context.Context) result.Result {
	if r.store.TrackingState() != chunk.TrackingOn {
		return result.OK()
	}

	meta := r.store.Metadata()
	if meta.TotalPoints <= 1 {
		return r.DiscardTrackLog(ctx)
	}

	r.logger.Info("unsaved track log found",
		zap.Int("total_points", meta.TotalPoints),
		zap.Float64("distance_km", meta.TotalDistanceKm),
	)
	if r.confirm != nil && r.confirm.Confirm(ctx, "An unsaved track log was found. Save it?") {
		return r.SaveTrackLog(ctx)
	}
	return r.DiscardTrackLog(ctx)
}

// yieldPhase is a zero-delay deferral between pipeline phases: a
// cooperative-multitasking point, not parallelism.
func yieldPhase(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(0):
		return nil
	}
}
