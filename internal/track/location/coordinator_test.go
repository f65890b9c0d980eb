package location

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/maplog/fieldsync/internal/common/errors"
	"github.com/maplog/fieldsync/internal/common/result"
	"github.com/maplog/fieldsync/internal/track/chunk"
)

// fakeService records calls and lets tests deliver fixes and headings.
type fakeService struct {
	mu          sync.Mutex
	enabled     bool
	pace        Pace
	enableCalls int
	disables    int
	fixSub      FixHandler
	headingSub  HeadingHandler
	posErr      error
	pos         chunk.LocationFix
	blockPos    bool
}

func (f *fakeService) Enable(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = true
	f.enableCalls++
	f.pace = PaceStationary
	return nil
}

func (f *fakeService) Disable(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = false
	f.disables++
	return nil
}

func (f *fakeService) Enabled(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled, nil
}

func (f *fakeService) Pace(ctx context.Context) (Pace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pace, nil
}

func (f *fakeService) SetPace(ctx context.Context, pace Pace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pace = pace
	return nil
}

func (f *fakeService) SubscribeFixes(h FixHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixSub = h
	return func() {
		f.mu.Lock()
		f.fixSub = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeService) SubscribeHeading(h HeadingHandler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headingSub = h
	return func() {
		f.mu.Lock()
		f.headingSub = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeService) CurrentPosition(ctx context.Context) (chunk.LocationFix, error) {
	if f.blockPos {
		<-ctx.Done()
		return chunk.LocationFix{}, ctx.Err()
	}
	return f.pos, f.posErr
}

func (f *fakeService) deliver(fix chunk.LocationFix) {
	f.mu.Lock()
	h := f.fixSub
	f.mu.Unlock()
	if h != nil {
		h(fix)
	}
}

func (f *fakeService) deliverHeading(deg float64) {
	f.mu.Lock()
	h := f.headingSub
	f.mu.Unlock()
	if h != nil {
		h(deg)
	}
}

type fakePerms struct {
	err      error
	requests int
	settings int
}

func (f *fakePerms) Request(ctx context.Context) error {
	f.requests++
	return f.err
}

func (f *fakePerms) OpenSettings(ctx context.Context) error {
	f.settings++
	return nil
}

type fakeSession struct {
	mu       sync.Mutex
	tracking chunk.TrackingState
	fixes    []chunk.LocationFix
	startErr bool
}

func (f *fakeSession) Start(ctx context.Context) result.Result {
	if f.startErr {
		return result.Fail("start refused")
	}
	f.mu.Lock()
	f.tracking = chunk.TrackingOn
	f.mu.Unlock()
	return result.OK()
}

func (f *fakeSession) Stop(ctx context.Context) result.Result {
	f.mu.Lock()
	f.tracking = chunk.TrackingOff
	f.mu.Unlock()
	return result.OK()
}

func (f *fakeSession) OnFix(fix chunk.LocationFix) {
	f.mu.Lock()
	f.fixes = append(f.fixes, fix)
	f.mu.Unlock()
}

func (f *fakeSession) TrackingState() chunk.TrackingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tracking
}

type fakeAlerter struct {
	alerts []string
}

func (f *fakeAlerter) Alert(ctx context.Context, message string) {
	f.alerts = append(f.alerts, message)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeService, *fakePerms, *fakeSession, *fakeAlerter, *chunk.Store) {
	t.Helper()
	store, err := chunk.Open(t.TempDir(), chunk.Config{ChunkSize: 10})
	if err != nil {
		t.Fatalf("failed to open chunk store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	svc := &fakeService{}
	perms := &fakePerms{}
	session := &fakeSession{}
	alert := &fakeAlerter{}
	cfg := Config{PermissionTimeout: time.Second, PositionTimeout: time.Second}
	c := NewCoordinator(cfg, svc, perms, session, store, alert)
	t.Cleanup(c.Close)
	return c, svc, perms, session, alert, store
}

func TestCoordinator_ToggleGPS(t *testing.T) {
	ctx := context.Background()

	t.Run("show enables service and forces moving", func(t *testing.T) {
		c, svc, perms, session, _, store := newTestCoordinator(t)

		if res := c.ToggleGPS(ctx, chunk.GPSShow); !res.IsOK {
			t.Fatalf("ToggleGPS failed: %v", res.Message)
		}
		if perms.requests != 1 {
			t.Errorf("permission requests = %v, want 1", perms.requests)
		}
		if !svc.enabled {
			t.Error("service should be enabled")
		}
		if svc.pace != PaceMoving {
			t.Errorf("pace = %v, want moving", svc.pace)
		}
		if store.GPSState() != chunk.GPSShow {
			t.Errorf("persisted gps state = %v, want show", store.GPSState())
		}
		if c.GPSState() != chunk.GPSShow {
			t.Errorf("GPSState = %v, want show", c.GPSState())
		}

		// Delivered fixes must reach the session.
		svc.deliver(chunk.LocationFix{Latitude: 35, Longitude: 135, Timestamp: 1000})
		if len(session.fixes) != 1 {
			t.Errorf("session fixes = %v, want 1", len(session.fixes))
		}
	})

	t.Run("follow subscribes heading", func(t *testing.T) {
		c, svc, _, _, _, _ := newTestCoordinator(t)

		if res := c.ToggleGPS(ctx, chunk.GPSFollow); !res.IsOK {
			t.Fatalf("ToggleGPS failed: %v", res.Message)
		}
		svc.deliverHeading(42.5)
		if c.Heading() != 42.5 {
			t.Errorf("Heading = %v, want 42.5", c.Heading())
		}

		// Back to show drops the heading subscription.
		c.ToggleGPS(ctx, chunk.GPSShow)
		if svc.headingSub != nil {
			t.Error("heading subscription should be released outside follow mode")
		}
	})

	t.Run("off disables idle service", func(t *testing.T) {
		c, svc, _, _, _, store := newTestCoordinator(t)

		c.ToggleGPS(ctx, chunk.GPSShow)
		if res := c.ToggleGPS(ctx, chunk.GPSOff); !res.IsOK {
			t.Fatalf("ToggleGPS off failed: %v", res.Message)
		}
		if svc.enabled {
			t.Error("idle service should be disabled")
		}
		if store.GPSState() != chunk.GPSOff {
			t.Errorf("persisted gps state = %v, want off", store.GPSState())
		}
	})

	t.Run("off keeps service while tracking", func(t *testing.T) {
		c, svc, _, session, _, _ := newTestCoordinator(t)

		c.ToggleGPS(ctx, chunk.GPSShow)
		c.ToggleTracking(ctx, true)
		c.ToggleGPS(ctx, chunk.GPSOff)
		if !svc.enabled {
			t.Error("service must stay enabled while a session records")
		}
		if session.TrackingState() != chunk.TrackingOn {
			t.Error("session should still be recording")
		}
	})
}

func TestCoordinator_PermissionDenied(t *testing.T) {
	ctx := context.Background()
	c, svc, perms, _, alert, store := newTestCoordinator(t)
	perms.err = errors.ErrPermissionDenied

	res := c.ToggleGPS(ctx, chunk.GPSShow)
	if res.IsOK {
		t.Fatal("ToggleGPS should fail on permission denial")
	}
	if len(alert.alerts) != 1 {
		t.Errorf("alerts = %v, want 1", len(alert.alerts))
	}
	if perms.settings != 1 {
		t.Errorf("settings opens = %v, want 1", perms.settings)
	}
	if svc.enabled {
		t.Error("service must not be enabled after denial")
	}
	// In-memory mode and persisted flag must still agree.
	if c.GPSState() != chunk.GPSOff || store.GPSState() != chunk.GPSOff {
		t.Error("gps state must stay off on both sides after denial")
	}
}

func TestCoordinator_ToggleTracking(t *testing.T) {
	ctx := context.Background()

	t.Run("start and stop", func(t *testing.T) {
		c, svc, _, session, _, _ := newTestCoordinator(t)

		if res := c.ToggleTracking(ctx, true); !res.IsOK {
			t.Fatalf("ToggleTracking on failed: %v", res.Message)
		}
		if session.TrackingState() != chunk.TrackingOn {
			t.Error("session should be recording")
		}
		if !svc.enabled || svc.pace != PaceMoving {
			t.Error("service should be enabled and moving")
		}

		if res := c.ToggleTracking(ctx, false); !res.IsOK {
			t.Fatalf("ToggleTracking off failed: %v", res.Message)
		}
		if svc.enabled {
			t.Error("service should be disabled once fully idle")
		}
	})

	t.Run("stop without start", func(t *testing.T) {
		c, _, _, _, _, _ := newTestCoordinator(t)
		if res := c.ToggleTracking(ctx, false); !res.IsOK {
			t.Errorf("stop without start should succeed: %v", res.Message)
		}
	})

	t.Run("failed start undoes service spin-up", func(t *testing.T) {
		c, svc, _, session, _, _ := newTestCoordinator(t)
		session.startErr = true

		if res := c.ToggleTracking(ctx, true); res.IsOK {
			t.Fatal("ToggleTracking should surface the session failure")
		}
		if svc.enabled {
			t.Error("service must not stay enabled with no session consuming it")
		}
	})
}

func TestCoordinator_Restore(t *testing.T) {
	ctx := context.Background()

	t.Run("gps mode restored flags first", func(t *testing.T) {
		c, svc, _, _, _, store := newTestCoordinator(t)
		if err := store.SetGPSState(chunk.GPSShow); err != nil {
			t.Fatalf("SetGPSState failed: %v", err)
		}

		if res := c.Restore(ctx); !res.IsOK {
			t.Fatalf("Restore failed: %v", res.Message)
		}
		if c.GPSState() != chunk.GPSShow {
			t.Errorf("GPSState = %v, want show", c.GPSState())
		}
		if !svc.enabled || svc.pace != PaceMoving {
			t.Error("service should be enabled and moving after restore")
		}
	})

	t.Run("idle restore forces pace on lingering service", func(t *testing.T) {
		c, svc, perms, _, _, _ := newTestCoordinator(t)
		svc.enabled = true
		svc.pace = PaceStationary

		if res := c.Restore(ctx); !res.IsOK {
			t.Fatalf("Restore failed: %v", res.Message)
		}
		if perms.requests != 0 {
			t.Error("idle restore should not prompt for permission")
		}
		if svc.pace != PaceMoving {
			t.Errorf("pace = %v, want moving", svc.pace)
		}
	})
}

func TestCoordinator_ResumeSuspend(t *testing.T) {
	ctx := context.Background()
	c, svc, _, _, _, store := newTestCoordinator(t)

	c.ToggleGPS(ctx, chunk.GPSFollow)

	fix := chunk.LocationFix{Latitude: 35, Longitude: 135, Timestamp: 5000}
	if err := store.SetCurrentLocation(fix); err != nil {
		t.Fatalf("SetCurrentLocation failed: %v", err)
	}

	c.OnSuspend(ctx)
	if svc.headingSub != nil {
		t.Error("heading subscription should be dropped on suspend")
	}
	if !svc.enabled {
		t.Error("location service keeps running while suspended")
	}

	got, ok := c.OnResume(ctx)
	if !ok || got != fix {
		t.Errorf("OnResume = %+v, %v, want durable slot %+v", got, ok, fix)
	}
	if svc.headingSub == nil {
		t.Error("heading subscription should be restored on resume in follow mode")
	}
}

func TestCoordinator_CurrentPositionTimeout(t *testing.T) {
	store, err := chunk.Open(t.TempDir(), chunk.Config{ChunkSize: 10})
	if err != nil {
		t.Fatalf("failed to open chunk store: %v", err)
	}
	defer store.Close()

	svc := &fakeService{blockPos: true}
	cfg := Config{PermissionTimeout: time.Second, PositionTimeout: 20 * time.Millisecond}
	c := NewCoordinator(cfg, svc, &fakePerms{}, &fakeSession{}, store, nil)

	_, err = c.CurrentPosition(context.Background())
	if !errors.IsTimeout(err) {
		t.Errorf("CurrentPosition error = %v, want timeout", err)
	}
}

func TestWalker(t *testing.T) {
	ctx := context.Background()

	t.Run("stationary emits nothing", func(t *testing.T) {
		w := NewWalker(WalkerConfig{StartLatitude: 35, StartLongitude: 135, Interval: 5 * time.Millisecond})
		var mu sync.Mutex
		var got []chunk.LocationFix
		unsub, err := w.SubscribeFixes(func(f chunk.LocationFix) {
			mu.Lock()
			got = append(got, f)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("SubscribeFixes failed: %v", err)
		}
		defer unsub()

		if err := w.Enable(ctx); err != nil {
			t.Fatalf("Enable failed: %v", err)
		}
		defer w.Disable(ctx)

		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n != 0 {
			t.Errorf("stationary walker emitted %v fixes, want 0", n)
		}
	})

	t.Run("moving emits northbound fixes", func(t *testing.T) {
		w := NewWalker(WalkerConfig{
			StartLatitude:  35,
			StartLongitude: 135,
			StepMeters:     1,
			Interval:       5 * time.Millisecond,
		})
		var mu sync.Mutex
		var got []chunk.LocationFix
		unsub, err := w.SubscribeFixes(func(f chunk.LocationFix) {
			mu.Lock()
			got = append(got, f)
			mu.Unlock()
		})
		if err != nil {
			t.Fatalf("SubscribeFixes failed: %v", err)
		}
		defer unsub()

		if err := w.Enable(ctx); err != nil {
			t.Fatalf("Enable failed: %v", err)
		}
		if err := w.SetPace(ctx, PaceMoving); err != nil {
			t.Fatalf("SetPace failed: %v", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for {
			mu.Lock()
			n := len(got)
			mu.Unlock()
			if n >= 3 || time.Now().After(deadline) {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
		if err := w.Disable(ctx); err != nil {
			t.Fatalf("Disable failed: %v", err)
		}

		mu.Lock()
		defer mu.Unlock()
		if len(got) < 3 {
			t.Fatalf("moving walker emitted %v fixes, want >= 3", len(got))
		}
		for i := 1; i < len(got); i++ {
			if got[i].Latitude <= got[i-1].Latitude {
				t.Fatalf("fix %v latitude %v not north of %v", i, got[i].Latitude, got[i-1].Latitude)
			}
		}
	})
}
