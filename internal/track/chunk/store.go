// Package chunk provides durable chunked persistence for track points.
package chunk

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/maplog/fieldsync/internal/common/errors"
	"github.com/maplog/fieldsync/internal/common/logger"
)

// Key layout. Chunks are keyed by index so an ascending key scan yields
// the track in order.
const (
	prefixChunk        = "chunk:"
	keyMeta            = "meta"
	keyTrackingState   = "state:tracking"
	keyGPSState        = "state:gps"
	keyCurrentLocation = "state:current"
)

func chunkKey(index int) []byte {
	return []byte(fmt.Sprintf("%s%08d", prefixChunk, index))
}

// Config holds chunk store configuration.
type Config struct {
	ChunkSize         int     // points per chunk before sealing
	DisplayBufferSize int     // most-recent points kept for live rendering
	AccuracyLimitM    float64 // warm-up accuracy gate, 0 disables
}

// DefaultConfig returns the default chunk store configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:         1000,
		DisplayBufferSize: 100,
		AccuracyLimitM:    30,
	}
}

// Store persists track points as fixed-capacity chunks in BadgerDB plus a
// small in-memory display buffer and a running metadata record.
//
// The store is single-writer (the active recording session) but safe for
// concurrent readers; readers observe eventually-consistent views of the
// open chunk.
type Store struct {
	db     *badger.DB
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	meta    TrackMetadata
	open    []LocationFix // the currently-open chunk, mirrored in storage
	display []LocationFix // bounded most-recent view, never authoritative
}

// Open opens (or creates) a chunk store at the given path.
func Open(dbPath string, cfg Config) (*Store, error) {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.DisplayBufferSize <= 0 {
		cfg.DisplayBufferSize = DefaultConfig().DisplayBufferSize
	}

	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Disable badger's default logger

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	s := &Store{
		db:     db,
		cfg:    cfg,
		logger: logger.WithComponent("ChunkStore"),
	}

	if err := s.restore(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("chunk store opened",
		zap.Int("total_points", s.meta.TotalPoints),
		zap.Int("last_chunk_index", s.meta.LastChunkIndex),
	)

	return s, nil
}

// restore loads the metadata record and the open chunk. A missing or
// unreadable metadata record is recomputed from the persisted chunks.
func (s *Store) restore() error {
	var meta TrackMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyMeta))
		if err == badger.ErrKeyNotFound {
			return errors.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})

	switch {
	case err == nil:
		s.meta = meta
	case errors.IsNotFound(err):
		recomputed, rerr := s.recompute()
		if rerr != nil {
			return rerr
		}
		s.meta = recomputed
	default:
		s.logger.Warn("metadata record unreadable, recomputing", zap.Error(err))
		recomputed, rerr := s.recompute()
		if rerr != nil {
			return rerr
		}
		s.meta = recomputed
	}

	// Load the open chunk back into memory.
	s.open = nil
	if s.meta.CurrentChunkSize > 0 {
		points, ok := s.readChunk(s.meta.LastChunkIndex)
		if ok {
			s.open = points
		} else {
			// Open chunk lost; metadata says otherwise. Trust the chunks.
			recomputed, rerr := s.recompute()
			if rerr != nil {
				return rerr
			}
			s.meta = recomputed
		}
	}

	return nil
}

// recompute derives metadata purely from the persisted chunks. Used for
// recovery and validation; corrupted chunks are skipped.
func (s *Store) recompute() (TrackMetadata, error) {
	var meta TrackMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixChunk)
		it := txn.NewIterator(opts)
		defer it.Close()

		lastIndex := -1
		lastSize := 0
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var points []LocationFix
			if verr := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &points)
			}); verr != nil {
				s.logger.Warn("skipping corrupted chunk during recovery",
					zap.String("key", string(item.Key())),
					zap.Error(verr),
				)
				continue
			}
			var index int
			if _, serr := fmt.Sscanf(string(item.Key()), prefixChunk+"%d", &index); serr != nil {
				continue
			}
			for _, p := range points {
				if meta.HasLast {
					meta.TotalDistanceKm += DistanceKm(
						LocationFix{Latitude: meta.LastLatitude, Longitude: meta.LastLongitude}, p)
				}
				meta.TotalPoints++
				meta.LastTimestamp = p.Timestamp
				meta.LastLatitude = p.Latitude
				meta.LastLongitude = p.Longitude
				meta.HasLast = true
			}
			lastIndex = index
			lastSize = len(points)
		}

		if lastIndex < 0 {
			return nil
		}
		if lastSize >= s.cfg.ChunkSize {
			// Last chunk is full: sealed, the successor index is open.
			meta.LastChunkIndex = lastIndex + 1
			meta.CurrentChunkSize = 0
		} else {
			meta.LastChunkIndex = lastIndex
			meta.CurrentChunkSize = lastSize
		}
		return nil
	})
	if err != nil {
		return TrackMetadata{}, fmt.Errorf("failed to recompute metadata: %w", err)
	}
	return meta, nil
}

// AppendPoints validates and appends fixes to the currently-open chunk,
// sealing it when it reaches capacity. Returns the number of accepted
// points. Rejected fixes (non-finite coordinates, stale timestamps,
// warm-up accuracy noise) are dropped, never reordered.
func (s *Store) AppendPoints(points []LocationFix) (int, error) {
	if len(points) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	accepted := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, p := range points {
			if verr := p.Validate(); verr != nil {
				s.logger.Warn("dropping invalid fix",
					zap.Float64("latitude", p.Latitude),
					zap.Float64("longitude", p.Longitude),
				)
				continue
			}
			if s.meta.TotalPoints > 0 && p.Timestamp <= s.meta.LastTimestamp {
				s.logger.Debug("dropping stale fix",
					zap.Int64("timestamp", p.Timestamp),
					zap.Int64("last_timestamp", s.meta.LastTimestamp),
				)
				continue
			}
			// The first fixes of a session often carry poor accuracy while
			// the receiver warms up.
			if s.meta.TotalPoints == 0 && s.cfg.AccuracyLimitM > 0 &&
				p.Accuracy > s.cfg.AccuracyLimitM {
				s.logger.Debug("dropping low-accuracy warm-up fix",
					zap.Float64("accuracy", p.Accuracy),
				)
				continue
			}

			if s.meta.HasLast {
				s.meta.TotalDistanceKm += DistanceKm(
					LocationFix{Latitude: s.meta.LastLatitude, Longitude: s.meta.LastLongitude}, p)
			}

			s.open = append(s.open, p)
			s.meta.TotalPoints++
			s.meta.LastTimestamp = p.Timestamp
			s.meta.LastLatitude = p.Latitude
			s.meta.LastLongitude = p.Longitude
			s.meta.HasLast = true
			s.meta.CurrentChunkSize = len(s.open)
			s.pushDisplay(p)
			accepted++

			if len(s.open) >= s.cfg.ChunkSize {
				if werr := writeChunk(txn, s.meta.LastChunkIndex, s.open); werr != nil {
					return werr
				}
				s.meta.LastChunkIndex++
				s.open = nil
				s.meta.CurrentChunkSize = 0
			}
		}

		// Persist the open chunk on every append so an interrupted process
		// loses nothing.
		if len(s.open) > 0 {
			if werr := writeChunk(txn, s.meta.LastChunkIndex, s.open); werr != nil {
				return werr
			}
		}
		return writeMeta(txn, s.meta)
	})
	if err != nil {
		return 0, errors.E("ChunkStore.AppendPoints", errors.ErrStorageClosed, err)
	}
	return accepted, nil
}

func writeChunk(txn *badger.Txn, index int, points []LocationFix) error {
	data, err := json.Marshal(points)
	if err != nil {
		return err
	}
	return txn.Set(chunkKey(index), data)
}

func writeMeta(txn *badger.Txn, meta TrackMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	return txn.Set([]byte(keyMeta), data)
}

// readChunk reads one chunk by index. Returns false if the chunk is
// missing or unreadable.
func (s *Store) readChunk(index int) ([]LocationFix, bool) {
	var points []LocationFix
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(index))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &points)
		})
	})
	if err != nil {
		return nil, false
	}
	return points, true
}

// GetAllPoints reads all sealed chunks in index order plus the open chunk.
// A corrupted or missing chunk is skipped with a warning; reconstruction
// continues with the remaining chunks.
func (s *Store) GetAllPoints() []LocationFix {
	s.mu.Lock()
	lastIndex := s.meta.LastChunkIndex
	total := s.meta.TotalPoints
	s.mu.Unlock()

	points := make([]LocationFix, 0, total)
	for i := 0; i <= lastIndex; i++ {
		chunkPoints, ok := s.readChunk(i)
		if !ok {
			// The open chunk may simply not exist yet.
			if i < lastIndex {
				s.logger.Warn("skipping unreadable chunk", zap.Int("chunk_index", i))
			}
			continue
		}
		points = append(points, chunkPoints...)
	}
	return points
}

// Metadata returns the running track metadata. O(1): backed by the
// maintained record, not recomputed.
func (s *Store) Metadata() TrackMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// DisplayPoints returns the bounded most-recent-points view used for live
// rendering.
func (s *Store) DisplayPoints() []LocationFix {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LocationFix, len(s.display))
	copy(out, s.display)
	return out
}

func (s *Store) pushDisplay(p LocationFix) {
	s.display = append(s.display, p)
	if len(s.display) > s.cfg.DisplayBufferSize {
		s.display = s.display[len(s.display)-s.cfg.DisplayBufferSize:]
	}
}

// ClearAll deletes all chunks and resets metadata and the display buffer.
// Clearing an already-empty store is not an error.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixChunk)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return errors.E("ChunkStore.ClearAll", errors.ErrStorageClosed, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if derr := txn.Delete(key); derr != nil && derr != badger.ErrKeyNotFound {
				return derr
			}
		}
		if derr := txn.Delete([]byte(keyMeta)); derr != nil && derr != badger.ErrKeyNotFound {
			return derr
		}
		return nil
	})
	if err != nil {
		return errors.E("ChunkStore.ClearAll", errors.ErrStorageClosed, err)
	}

	s.meta = TrackMetadata{}
	s.open = nil
	s.display = nil
	return nil
}

// TrackingState returns the persisted tracking flag, defaulting to off.
func (s *Store) TrackingState() TrackingState {
	value, err := s.getString(keyTrackingState)
	if err != nil {
		return TrackingOff
	}
	return TrackingState(value)
}

// SetTrackingState persists the tracking flag.
func (s *Store) SetTrackingState(state TrackingState) error {
	return s.setString(keyTrackingState, string(state))
}

// GPSState returns the persisted GPS display mode, defaulting to off.
func (s *Store) GPSState() GPSState {
	value, err := s.getString(keyGPSState)
	if err != nil {
		return GPSOff
	}
	return GPSState(value)
}

// SetGPSState persists the GPS display mode.
func (s *Store) SetGPSState(state GPSState) error {
	return s.setString(keyGPSState, string(state))
}

// CurrentLocation returns the last known location fix, used to bridge
// background updates to a resumed foreground UI.
func (s *Store) CurrentLocation() (LocationFix, bool) {
	var fix LocationFix
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyCurrentLocation))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &fix)
		})
	})
	if err != nil {
		return LocationFix{}, false
	}
	return fix, true
}

// SetCurrentLocation persists the last known location fix.
func (s *Store) SetCurrentLocation(fix LocationFix) error {
	data, err := json.Marshal(fix)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyCurrentLocation), data)
	})
}

// ClearCurrentLocation removes the persisted last known location.
func (s *Store) ClearCurrentLocation() error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(keyCurrentLocation))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (s *Store) getString(key string) (string, error) {
	var value string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = string(val)
			return nil
		})
	})
	return value, err
}

func (s *Store) setString(key, value string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
}

// Close closes the store.
func (s *Store) Close() error {
	return s.db.Close()
}
