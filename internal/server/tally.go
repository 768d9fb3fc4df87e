package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tally/internal/observability/logger"
	"github.com/smallbiznis/tally/internal/tally/domain"
	"github.com/smallbiznis/tally/internal/tally/ingest"
	"github.com/smallbiznis/tally/internal/tally/report"
	"github.com/smallbiznis/tally/internal/tally/roller"
	"go.uber.org/zap"
)

type snapshotView struct {
	SnapshotDate time.Time           `json:"snapshot_date"`
	HasData      bool                `json:"has_data"`
	Measurements domain.Measurements `json:"measurements"`
	UpdatedAt    *time.Time          `json:"updated_at,omitempty"`
}

type reportView struct {
	Scope       string             `json:"scope"`
	ProductID   string             `json:"product_id"`
	Granularity domain.Granularity `json:"granularity"`
	Beginning   time.Time          `json:"beginning"`
	Ending      time.Time          `json:"ending"`
	HasData     bool               `json:"has_data"`
	Snapshots   []snapshotView     `json:"snapshots"`
}

type rollRequest struct {
	Scope       string `json:"scope"`
	ProductID   string `json:"product_id"`
	Granularity string `json:"granularity"`
	Bucket      string `json:"bucket"`
}

type rollView struct {
	Scope             string              `json:"scope"`
	ProductID         string              `json:"product_id"`
	Granularity       domain.Granularity  `json:"granularity"`
	SnapshotDate      time.Time           `json:"snapshot_date"`
	Outcome           roller.Outcome      `json:"outcome"`
	Open              bool                `json:"open"`
	DuplicatesRemoved int                 `json:"duplicates_removed"`
	Measurements      domain.Measurements `json:"measurements,omitempty"`
	RolledAt          time.Time           `json:"rolled_at"`
}

type checkpointRequest struct {
	SyncedAt string `json:"synced_at"`
}

// GetReport serves GET /api/v1/tally/reports/:product_id.
func (s *Server) GetReport(c *gin.Context) {
	beginning, err := parseOptionalTime(c.Query("beginning"), false)
	if err != nil {
		AbortWithError(c, newValidationError("beginning", "invalid_time", "beginning must be RFC3339 or YYYY-MM-DD"))
		return
	}
	ending, err := parseOptionalTime(c.Query("ending"), true)
	if err != nil {
		AbortWithError(c, newValidationError("ending", "invalid_time", "ending must be RFC3339 or YYYY-MM-DD"))
		return
	}

	rep, err := s.reports.Report(c.Request.Context(), report.ReportRequest{
		Scope:       c.Query("scope"),
		ProductID:   c.Param("product_id"),
		Granularity: c.Query("granularity"),
		Beginning:   beginning,
		Ending:      ending,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toReportView(rep))
}

// TriggerRoll serves POST /api/v1/tally/rolls.
func (s *Server) TriggerRoll(c *gin.Context) {
	var req rollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Scope) == "" {
		AbortWithError(c, domain.ErrInvalidScope)
		return
	}
	bucket, err := parseOptionalTime(req.Bucket, false)
	if err != nil {
		AbortWithError(c, newValidationError("bucket", "invalid_time", "bucket must be RFC3339 or YYYY-MM-DD"))
		return
	}

	if !s.allowRoll(c, req.Scope) {
		return
	}

	result, err := s.rolls.Roll(c.Request.Context(), roller.RollRequest{
		Scope:       req.Scope,
		ProductID:   req.ProductID,
		Granularity: domain.Granularity(strings.ToUpper(strings.TrimSpace(req.Granularity))),
		BucketAt:    bucket,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, toRollView(result))
}

// RecordObservations serves POST /api/v1/tally/observations.
func (s *Server) RecordObservations(c *gin.Context) {
	var req ingest.RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	recorded, err := s.ingest.Record(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"recorded": recorded})
}

// PutCheckpoint serves PUT /api/v1/tally/checkpoints/:scope.
func (s *Server) PutCheckpoint(c *gin.Context) {
	var req checkpointRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	syncedAt, err := parseOptionalTime(req.SyncedAt, false)
	if err != nil {
		AbortWithError(c, newValidationError("synced_at", "invalid_time", "synced_at must be RFC3339 or YYYY-MM-DD"))
		return
	}

	cp, err := s.ingest.Checkpoint(c.Request.Context(), c.Param("scope"), syncedAt)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"scope": cp.Scope, "synced_at": cp.SyncedAt})
}

func (s *Server) allowRoll(c *gin.Context, scope string) bool {
	if s.limiter == nil || !s.limiter.Enabled() {
		return true
	}
	ctx := c.Request.Context()
	res, err := s.limiter.AllowScope(ctx, scope)
	if err != nil {
		logger.FromContext(ctx).Warn("roll rate limit check failed", zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return false
	}
	if res.Allowed {
		return true
	}

	logger.FromContext(ctx).Warn("roll rate limit exceeded", zap.String("scope", scope))
	c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter)))
	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	AbortWithError(c, ErrRateLimited)
	return false
}

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func toReportView(rep report.Report) reportView {
	snapshots := make([]snapshotView, 0, len(rep.Snapshots))
	for _, snap := range rep.Snapshots {
		view := snapshotView{
			SnapshotDate: snap.SnapshotDate,
			HasData:      snap.HasData(),
			Measurements: snap.Measurements.Data(),
		}
		if view.Measurements == nil {
			view.Measurements = domain.Measurements{}
		}
		if !snap.UpdatedAt.IsZero() {
			updated := snap.UpdatedAt
			view.UpdatedAt = &updated
		}
		snapshots = append(snapshots, view)
	}
	return reportView{
		Scope:       rep.Scope,
		ProductID:   rep.ProductID,
		Granularity: rep.Granularity,
		Beginning:   rep.Beginning,
		Ending:      rep.Ending,
		HasData:     rep.HasData,
		Snapshots:   snapshots,
	}
}

func toRollView(res roller.Result) rollView {
	return rollView{
		Scope:             res.Key.ScopeKey,
		ProductID:         res.Key.ProductID,
		Granularity:       res.Key.Granularity,
		SnapshotDate:      res.Key.SnapshotDate,
		Outcome:           res.Outcome,
		Open:              res.Open,
		DuplicatesRemoved: res.DuplicatesRemoved,
		Measurements:      res.Measurements,
		RolledAt:          res.RolledAt,
	}
}
