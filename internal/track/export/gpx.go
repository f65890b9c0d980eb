// Package export writes saved tracks to GPX files.
package export

import (
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/maplog/fieldsync/internal/common/errors"
	"github.com/maplog/fieldsync/internal/common/logger"
	"github.com/maplog/fieldsync/internal/track/chunk"
	"go.uber.org/zap"
)

// gpxFile is the GPX 1.1 document shape, track points only.
type gpxFile struct {
	XMLName xml.Name `xml:"gpx"`
	Version string   `xml:"version,attr"`
	Creator string   `xml:"creator,attr"`
	Xmlns   string   `xml:"xmlns,attr"`
	Trk     gpxTrack `xml:"trk"`
}

type gpxTrack struct {
	Name    string     `xml:"name"`
	Segment gpxSegment `xml:"trkseg"`
}

type gpxSegment struct {
	Points []gpxPoint `xml:"trkpt"`
}

type gpxPoint struct {
	Latitude  float64 `xml:"lat,attr"`
	Longitude float64 `xml:"lon,attr"`
	Elevation float64 `xml:"ele,omitempty"`
	Time      string  `xml:"time,omitempty"`
}

// Exporter writes GPX files into a base directory.
type Exporter struct {
	basePath string
	tempPath string
	logger   *zap.Logger
}

// NewExporter creates an exporter rooted at basePath.
func NewExporter(basePath string) (*Exporter, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}
	tempPath := filepath.Join(basePath, ".temp")
	if err := os.MkdirAll(tempPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return &Exporter{
		basePath: basePath,
		tempPath: tempPath,
		logger:   logger.WithComponent("GPXExporter"),
	}, nil
}

// Export writes the track to <basePath>/<name>.gpx and returns the final
// path. The file appears atomically: data goes to a temp file first and is
// renamed into place, so a crashed export never leaves a truncated file.
func (e *Exporter) Export(name string, points []chunk.LocationFix) (string, error) {
	if len(points) == 0 {
		return "", errors.E("Exporter.Export", errors.ErrInvalidInput, nil, "no points to export")
	}

	doc := gpxFile{
		Version: "1.1",
		Creator: "fieldsync",
		Xmlns:   "http://www.topografix.com/GPX/1/1",
		Trk: gpxTrack{
			Name:    name,
			Segment: gpxSegment{Points: make([]gpxPoint, len(points))},
		},
	}
	for i, p := range points {
		doc.Trk.Segment.Points[i] = gpxPoint{
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Elevation: p.Altitude,
			Time:      time.UnixMilli(p.Timestamp).UTC().Format(time.RFC3339),
		}
	}

	data, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal gpx: %w", err)
	}

	tempFile, err := os.CreateTemp(e.tempPath, "export-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName) // Clean up temp file on failure

	if _, err := tempFile.Write([]byte(xml.Header)); err != nil {
		tempFile.Close()
		return "", fmt.Errorf("failed to write gpx: %w", err)
	}
	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return "", fmt.Errorf("failed to write gpx: %w", err)
	}
	tempFile.Close()

	finalPath := filepath.Join(e.basePath, name+".gpx")
	if err := os.Rename(tempName, finalPath); err != nil {
		return "", fmt.Errorf("failed to move file: %w", err)
	}

	e.logger.Info("track exported",
		zap.String("path", finalPath),
		zap.Int("points", len(points)),
	)
	return finalPath, nil
}
