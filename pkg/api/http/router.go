// Package http provides the local control API over the recording engine.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/maplog/fieldsync/internal/common/result"
	"github.com/maplog/fieldsync/internal/project"
	"github.com/maplog/fieldsync/internal/project/conflict"
	projectsync "github.com/maplog/fieldsync/internal/project/sync"
	"github.com/maplog/fieldsync/internal/track/chunk"
	"github.com/maplog/fieldsync/internal/track/export"
	"github.com/maplog/fieldsync/internal/track/location"
	"github.com/maplog/fieldsync/internal/track/recorder"
)

// Handler provides HTTP handlers for the control API.
type Handler struct {
	recorder *recorder.Recorder
	coord    *location.Coordinator
	repo     *projectsync.Repository
	resolver *conflict.Resolver
	exporter *export.Exporter
}

// NewHandler creates a new Handler.
func NewHandler(rec *recorder.Recorder, coord *location.Coordinator, repo *projectsync.Repository, resolver *conflict.Resolver, exporter *export.Exporter) *Handler {
	return &Handler{
		recorder: rec,
		coord:    coord,
		repo:     repo,
		resolver: resolver,
		exporter: exporter,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		// Track recording
		api.POST("/track/start", h.StartTracking)
		api.POST("/track/stop", h.StopTracking)
		api.POST("/track/save", h.SaveTrackLog)
		api.POST("/track/discard", h.DiscardTrackLog)
		api.POST("/track/export", h.ExportTrack)
		api.GET("/track/metadata", h.TrackMetadata)
		api.GET("/track/points", h.TrackPoints)
		api.GET("/track/display", h.DisplayPoints)

		// GPS display mode and position
		api.GET("/gps/state", h.GPSState)
		api.PUT("/gps/state", h.SetGPSState)
		api.GET("/gps/position", h.CurrentPosition)

		// Project sync
		api.POST("/sync/projects/:id/upload", h.UploadPartition)
		api.GET("/sync/projects/:id/download", h.DownloadData)
		api.POST("/sync/projects/:id/merge", h.MergeDataSets)

		// Conflict resolution
		api.GET("/conflicts", h.ListConflicts)
		api.POST("/conflicts/select", h.SelectCandidate)
		api.POST("/conflicts/bulk", h.BulkResolve)

		// Health check
		api.GET("/health", h.HealthCheck)
	}
}

// reportResult maps the engine's result convention onto HTTP: a failed
// operation is a 409 with the result body, never a 5xx.
func reportResult(c *gin.Context, res result.Result) {
	if res.IsOK {
		c.JSON(http.StatusOK, res)
		return
	}
	c.JSON(http.StatusConflict, res)
}

// StartTracking opens a recording session.
// POST /api/v1/track/start
func (h *Handler) StartTracking(c *gin.Context) {
	reportResult(c, h.coord.ToggleTracking(c.Request.Context(), true))
}

// StopTracking stops the session, leaving recorded data pending.
// POST /api/v1/track/stop
func (h *Handler) StopTracking(c *gin.Context) {
	reportResult(c, h.coord.ToggleTracking(c.Request.Context(), false))
}

// SaveTrackLog commits the pending track.
// POST /api/v1/track/save
func (h *Handler) SaveTrackLog(c *gin.Context) {
	reportResult(c, h.recorder.SaveTrackLog(c.Request.Context()))
}

// DiscardTrackLog drops the pending track.
// POST /api/v1/track/discard
func (h *Handler) DiscardTrackLog(c *gin.Context) {
	reportResult(c, h.recorder.DiscardTrackLog(c.Request.Context()))
}

// ExportTrack writes the current points to a GPX file.
// POST /api/v1/track/export
func (h *Handler) ExportTrack(c *gin.Context) {
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	path, err := h.exporter.Export(req.Name, h.recorder.Points())
	if err != nil {
		reportResult(c, result.FailErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"isOK": true, "path": path})
}

// TrackMetadata returns the running track metadata.
// GET /api/v1/track/metadata
func (h *Handler) TrackMetadata(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"metadata":       h.recorder.Metadata(),
		"tracking_state": h.recorder.TrackingState(),
		"saving":         h.recorder.Saving(),
		"phase":          h.recorder.Phase(),
	})
}

// TrackPoints returns the full recorded track.
// GET /api/v1/track/points
func (h *Handler) TrackPoints(c *gin.Context) {
	points := h.recorder.Points()
	c.JSON(http.StatusOK, gin.H{
		"count":  len(points),
		"points": points,
	})
}

// DisplayPoints returns the bounded most-recent view.
// GET /api/v1/track/display
func (h *Handler) DisplayPoints(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"points": h.recorder.DisplayPoints()})
}

// GPSState returns the current GPS display mode.
// GET /api/v1/gps/state
func (h *Handler) GPSState(c *gin.Context) {
	fix, ok := h.recorder.CurrentLocation()
	resp := gin.H{
		"gps_state": h.coord.GPSState(),
		"heading":   h.coord.Heading(),
	}
	if ok {
		resp["current_location"] = fix
	}
	c.JSON(http.StatusOK, resp)
}

// SetGPSState switches the GPS display mode.
// PUT /api/v1/gps/state
func (h *Handler) SetGPSState(c *gin.Context) {
	var req struct {
		State chunk.GPSState `json:"state" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.State {
	case chunk.GPSOff, chunk.GPSShow, chunk.GPSFollow:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown gps state"})
		return
	}
	reportResult(c, h.coord.ToggleGPS(c.Request.Context(), req.State))
}

// CurrentPosition performs a single-shot position read.
// GET /api/v1/gps/position
func (h *Handler) CurrentPosition(c *gin.Context) {
	fix, err := h.coord.CurrentPosition(c.Request.Context())
	if err != nil {
		reportResult(c, result.FailErr(err))
		return
	}
	c.JSON(http.StatusOK, fix)
}

// UploadPartition replaces one partition's stored fragments.
// POST /api/v1/sync/projects/:id/upload
func (h *Handler) UploadPartition(c *gin.Context) {
	var req struct {
		Permission project.Permission `json:"permission" binding:"required"`
		UserID     string             `json:"userId"`
		Data       []project.DataSet  `json:"data"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := project.PartitionKey{
		ProjectID:  c.Param("id"),
		Permission: req.Permission,
		UserID:     req.UserID,
	}
	reportResult(c, h.repo.UploadPartition(c.Request.Context(), key, req.Data))
}

// DownloadData fetches one of the partition combinations.
// GET /api/v1/sync/projects/:id/download?scope=all|public|public_common|private|template
func (h *Handler) DownloadData(c *gin.Context) {
	projectID := c.Param("id")
	ctx := c.Request.Context()

	var bundle *projectsync.PartitionBundle
	var res result.Result
	switch scope := c.DefaultQuery("scope", "all"); scope {
	case "all":
		bundle, res = h.repo.DownloadAllData(ctx, projectID)
	case "public":
		bundle, res = h.repo.DownloadPublicData(ctx, projectID)
	case "public_common":
		bundle, res = h.repo.DownloadPublicAndCommonData(ctx, projectID)
	case "private":
		bundle, res = h.repo.DownloadPrivateData(ctx, projectID)
	case "template":
		bundle, res = h.repo.DownloadTemplateData(ctx, projectID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scope " + scope})
		return
	}

	if !res.IsOK {
		reportResult(c, res)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

// MergeDataSets merges the posted partitions and queues any conflicts.
// POST /api/v1/sync/projects/:id/merge
func (h *Handler) MergeDataSets(c *gin.Context) {
	var bundle projectsync.PartitionBundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	merged, res := h.repo.CreateMergedDataSet(&bundle)
	if !res.IsOK {
		reportResult(c, res)
		return
	}
	h.resolver.Enqueue(merged.Conflicts...)
	c.JSON(http.StatusOK, merged)
}

// ListConflicts returns the pending conflict queue.
// GET /api/v1/conflicts
func (h *Handler) ListConflicts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"visible":  h.resolver.Visible(),
		"pending":  h.resolver.Pending(),
		"resolved": h.resolver.Resolved(),
	})
}

// SelectCandidate resolves the front conflict with the chosen candidate.
// POST /api/v1/conflicts/select
func (h *Handler) SelectCandidate(c *gin.Context) {
	var chosen conflict.Candidate
	if err := c.ShouldBindJSON(&chosen); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.resolver.SelectCandidate(chosen); err != nil {
		reportResult(c, result.FailErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"isOK": true, "visible": h.resolver.Visible()})
}

// BulkResolve settles every pending conflict with the given mode.
// POST /api/v1/conflicts/bulk
func (h *Handler) BulkResolve(c *gin.Context) {
	var req struct {
		Mode conflict.Mode `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.resolver.BulkResolve(req.Mode); err != nil {
		reportResult(c, result.FailErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"isOK": true})
}

// HealthCheck handles health check requests.
// GET /api/v1/health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}
