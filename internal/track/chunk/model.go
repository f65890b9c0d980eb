// Package chunk provides durable chunked persistence for track points.
package chunk

import (
	"math"

	"github.com/maplog/fieldsync/internal/common/errors"
)

// LocationFix represents one GPS/location sample. Immutable once recorded.
type LocationFix struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Altitude  float64 `json:"altitude,omitempty"`
	Accuracy  float64 `json:"accuracy,omitempty"` // meters, 0 means unknown
	Heading   float64 `json:"heading,omitempty"`
	Speed     float64 `json:"speed,omitempty"`
	Timestamp int64   `json:"timestamp"` // Unix milliseconds
}

// Validate checks that the fix has finite, in-range coordinates.
func (f LocationFix) Validate() error {
	if !isFinite(f.Latitude) || !isFinite(f.Longitude) {
		return errors.ErrInvalidFix
	}
	if f.Latitude < -90 || f.Latitude > 90 || f.Longitude < -180 || f.Longitude > 180 {
		return errors.ErrInvalidFix
	}
	return nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// TrackingState represents the persisted track recording state.
type TrackingState string

const (
	TrackingOn  TrackingState = "on"
	TrackingOff TrackingState = "off"
)

// GPSState represents the persisted GPS display mode.
type GPSState string

const (
	GPSOff    GPSState = "off"
	GPSShow   GPSState = "show"
	GPSFollow GPSState = "follow"
)

// TrackMetadata is the running metadata of a recording session. It is
// maintained incrementally on append and must always equal a pure function
// of the persisted chunks.
type TrackMetadata struct {
	TotalDistanceKm  float64 `json:"current_distance"`
	TotalPoints      int     `json:"total_points"`
	LastChunkIndex   int     `json:"last_chunk_index"`
	LastTimestamp    int64   `json:"last_timestamp"`
	CurrentChunkSize int     `json:"current_chunk_size"`

	// Last accepted point, carried so the incremental distance delta
	// survives a process restart.
	LastLatitude  float64 `json:"last_latitude"`
	LastLongitude float64 `json:"last_longitude"`
	HasLast       bool    `json:"has_last"`
}

const earthRadiusKm = 6371.0

// DistanceKm returns the great-circle distance between two fixes in kilometers.
func DistanceKm(a, b LocationFix) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusKm * c
}

// LineLengthKm returns the total great-circle length of a point sequence.
func LineLengthKm(points []LocationFix) float64 {
	if len(points) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(points); i++ {
		total += DistanceKm(points[i-1], points[i])
	}
	return total
}
