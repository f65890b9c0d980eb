package chunk

import (
	"fmt"
	"testing"

	"github.com/dgraph-io/badger/v4"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// makeFixes returns n valid fixes with strictly increasing timestamps,
// spaced roughly one meter apart northward.
func makeFixes(n int, startTS int64) []LocationFix {
	fixes := make([]LocationFix, n)
	for i := 0; i < n; i++ {
		fixes[i] = LocationFix{
			Latitude:  35.0 + float64(i)*0.000009, // ~1m per step
			Longitude: 135.0,
			Accuracy:  5,
			Timestamp: startTS + int64(i)*1000,
		}
	}
	return fixes
}

func TestStore_RoundTrip(t *testing.T) {
	const chunkSize = 10
	counts := []int{0, chunkSize - 1, chunkSize, chunkSize + 1, 3*chunkSize + 7}

	for _, n := range counts {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			s := newTestStore(t, Config{ChunkSize: chunkSize, DisplayBufferSize: 5})

			fixes := makeFixes(n, 1000)
			accepted, err := s.AppendPoints(fixes)
			if err != nil {
				t.Fatalf("AppendPoints failed: %v", err)
			}
			if accepted != n {
				t.Errorf("accepted = %v, want %v", accepted, n)
			}

			got := s.GetAllPoints()
			if len(got) != n {
				t.Fatalf("GetAllPoints returned %v points, want %v", len(got), n)
			}
			for i := range got {
				if got[i] != fixes[i] {
					t.Fatalf("point %v = %+v, want %+v", i, got[i], fixes[i])
				}
			}
		})
	}
}

func TestStore_TimestampMonotonicity(t *testing.T) {
	s := newTestStore(t, Config{ChunkSize: 10})

	if _, err := s.AppendPoints(makeFixes(3, 10000)); err != nil {
		t.Fatalf("AppendPoints failed: %v", err)
	}

	stale := LocationFix{Latitude: 35, Longitude: 135, Accuracy: 5, Timestamp: 5000}
	accepted, err := s.AppendPoints([]LocationFix{stale})
	if err != nil {
		t.Fatalf("AppendPoints failed: %v", err)
	}
	if accepted != 0 {
		t.Errorf("accepted = %v, want 0 for stale timestamp", accepted)
	}

	points := s.GetAllPoints()
	if len(points) != 3 {
		t.Errorf("GetAllPoints returned %v points, want 3", len(points))
	}
	if s.Metadata().TotalPoints != 3 {
		t.Errorf("TotalPoints = %v, want 3", s.Metadata().TotalPoints)
	}
}

func TestStore_InvalidFixDropped(t *testing.T) {
	s := newTestStore(t, Config{ChunkSize: 10})

	nan := LocationFix{Latitude: 91, Longitude: 135, Timestamp: 1000}
	accepted, err := s.AppendPoints([]LocationFix{nan})
	if err != nil {
		t.Fatalf("AppendPoints failed: %v", err)
	}
	if accepted != 0 {
		t.Errorf("accepted = %v, want 0 for out-of-range latitude", accepted)
	}
}

func TestStore_AccuracyWarmupGate(t *testing.T) {
	s := newTestStore(t, Config{ChunkSize: 10, AccuracyLimitM: 30})

	noisy := LocationFix{Latitude: 35, Longitude: 135, Accuracy: 80, Timestamp: 1000}
	accepted, err := s.AppendPoints([]LocationFix{noisy})
	if err != nil {
		t.Fatalf("AppendPoints failed: %v", err)
	}
	if accepted != 0 {
		t.Errorf("accepted = %v, want 0 for warm-up noise", accepted)
	}

	// Once the track has a point, accuracy no longer gates.
	good := LocationFix{Latitude: 35, Longitude: 135, Accuracy: 5, Timestamp: 2000}
	later := LocationFix{Latitude: 35.0001, Longitude: 135, Accuracy: 80, Timestamp: 3000}
	accepted, _ = s.AppendPoints([]LocationFix{good, later})
	if accepted != 2 {
		t.Errorf("accepted = %v, want 2 after warm-up", accepted)
	}
}

func TestStore_MetadataConsistency(t *testing.T) {
	s := newTestStore(t, Config{ChunkSize: 5})

	check := func() {
		t.Helper()
		if got, want := s.Metadata().TotalPoints, len(s.GetAllPoints()); got != want {
			t.Fatalf("TotalPoints = %v, want %v", got, want)
		}
	}

	check()
	s.AppendPoints(makeFixes(7, 1000))
	check()
	s.AppendPoints(makeFixes(4, 100000))
	check()
	if err := s.ClearAll(); err != nil {
		t.Fatalf("ClearAll failed: %v", err)
	}
	check()
	s.AppendPoints(makeFixes(2, 1000))
	check()
}

func TestStore_ClearAllEmpty(t *testing.T) {
	s := newTestStore(t, Config{ChunkSize: 5})
	if err := s.ClearAll(); err != nil {
		t.Errorf("ClearAll on empty store should not error: %v", err)
	}
}

func TestStore_ReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{ChunkSize: 5}

	s, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	fixes := makeFixes(12, 1000)
	if _, err := s.AppendPoints(fixes); err != nil {
		t.Fatalf("AppendPoints failed: %v", err)
	}
	wantMeta := s.Metadata()
	if err := s.SetTrackingState(TrackingOn); err != nil {
		t.Fatalf("SetTrackingState failed: %v", err)
	}
	s.Close()

	s2, err := Open(dir, cfg)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer s2.Close()

	if got := s2.GetAllPoints(); len(got) != 12 {
		t.Errorf("GetAllPoints after reopen = %v points, want 12", len(got))
	}
	gotMeta := s2.Metadata()
	if gotMeta.TotalPoints != wantMeta.TotalPoints {
		t.Errorf("TotalPoints = %v, want %v", gotMeta.TotalPoints, wantMeta.TotalPoints)
	}
	if gotMeta.LastTimestamp != wantMeta.LastTimestamp {
		t.Errorf("LastTimestamp = %v, want %v", gotMeta.LastTimestamp, wantMeta.LastTimestamp)
	}
	if s2.TrackingState() != TrackingOn {
		t.Errorf("TrackingState = %v, want on", s2.TrackingState())
	}

	// Appending after reopen must continue the same session seamlessly.
	more := makeFixes(3, 100000)
	if _, err := s2.AppendPoints(more); err != nil {
		t.Fatalf("AppendPoints after reopen failed: %v", err)
	}
	if got := len(s2.GetAllPoints()); got != 15 {
		t.Errorf("GetAllPoints = %v points, want 15", got)
	}
}

func TestStore_CorruptedChunkSkipped(t *testing.T) {
	s := newTestStore(t, Config{ChunkSize: 5})

	if _, err := s.AppendPoints(makeFixes(12, 1000)); err != nil {
		t.Fatalf("AppendPoints failed: %v", err)
	}

	// Corrupt the first sealed chunk in place.
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(0), []byte("not json"))
	})
	if err != nil {
		t.Fatalf("failed to corrupt chunk: %v", err)
	}

	got := s.GetAllPoints()
	if len(got) != 7 {
		t.Errorf("GetAllPoints = %v points, want 7 after losing one chunk", len(got))
	}
}

func TestStore_DisplayBufferBounded(t *testing.T) {
	s := newTestStore(t, Config{ChunkSize: 100, DisplayBufferSize: 5})

	s.AppendPoints(makeFixes(20, 1000))

	display := s.DisplayPoints()
	if len(display) != 5 {
		t.Fatalf("DisplayPoints = %v points, want 5", len(display))
	}
	all := s.GetAllPoints()
	if display[4] != all[19] {
		t.Error("display buffer should hold the most recent points")
	}
}

func TestStore_Flags(t *testing.T) {
	s := newTestStore(t, Config{ChunkSize: 5})

	t.Run("defaults", func(t *testing.T) {
		if s.TrackingState() != TrackingOff {
			t.Errorf("TrackingState = %v, want off", s.TrackingState())
		}
		if s.GPSState() != GPSOff {
			t.Errorf("GPSState = %v, want off", s.GPSState())
		}
		if _, ok := s.CurrentLocation(); ok {
			t.Error("CurrentLocation should be absent initially")
		}
	})

	t.Run("round trip", func(t *testing.T) {
		s.SetTrackingState(TrackingOn)
		s.SetGPSState(GPSFollow)
		fix := LocationFix{Latitude: 35, Longitude: 135, Timestamp: 1000}
		s.SetCurrentLocation(fix)

		if s.TrackingState() != TrackingOn {
			t.Errorf("TrackingState = %v, want on", s.TrackingState())
		}
		if s.GPSState() != GPSFollow {
			t.Errorf("GPSState = %v, want follow", s.GPSState())
		}
		got, ok := s.CurrentLocation()
		if !ok || got != fix {
			t.Errorf("CurrentLocation = %+v, %v, want %+v", got, ok, fix)
		}
	})

	t.Run("clear current location", func(t *testing.T) {
		s.ClearCurrentLocation()
		if _, ok := s.CurrentLocation(); ok {
			t.Error("CurrentLocation should be absent after clear")
		}
	})
}

func TestDistanceKm(t *testing.T) {
	// Tokyo Station to Kyoto Station, roughly 370 km great-circle.
	tokyo := LocationFix{Latitude: 35.6812, Longitude: 139.7671}
	kyoto := LocationFix{Latitude: 34.9858, Longitude: 135.7588}

	d := DistanceKm(tokyo, kyoto)
	if d < 350 || d > 400 {
		t.Errorf("DistanceKm = %v, want roughly 370", d)
	}

	if DistanceKm(tokyo, tokyo) != 0 {
		t.Error("distance to self should be zero")
	}
}

func TestLineLengthKm(t *testing.T) {
	if LineLengthKm(nil) != 0 {
		t.Error("empty line should have zero length")
	}
	if LineLengthKm(makeFixes(1, 0)) != 0 {
		t.Error("single point should have zero length")
	}

	// 100 steps of ~1 m should be ~0.1 km.
	length := LineLengthKm(makeFixes(101, 0))
	if length < 0.09 || length > 0.11 {
		t.Errorf("LineLengthKm = %v, want ~0.1", length)
	}
}
