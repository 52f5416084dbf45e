// Package httpapi exposes the trackers over HTTP/JSON.
package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"
	"golang.org/x/xerrors"

	"workpulse/internal/apperr"
	"workpulse/internal/attendance"
	"workpulse/internal/audit"
	"workpulse/internal/live"
	"workpulse/internal/metrics"
	"workpulse/internal/presence"
	"workpulse/internal/report"
)

// Broadcaster receives events for the live feed.
type Broadcaster interface {
	Publish(e live.Event)
}

// AuditLister reads persisted audit flags.
type AuditLister interface {
	Recent(ctx context.Context, companyName string, limit int) ([]audit.Flag, error)
}

// Options wires the handler dependencies. Metrics, Live and Audit are
// optional.
type Options struct {
	Sessions *attendance.Tracker
	Devices  *presence.Tracker
	Reports  *report.Service
	Metrics  *metrics.Metrics
	Live     Broadcaster
	Audit    AuditLister
	Logger   slog.Logger
	// Location defines calendar days for date-only query parameters.
	Location *time.Location
}

// Handler serves the /v1 API.
type Handler struct {
	sessions *attendance.Tracker
	devices  *presence.Tracker
	reports  *report.Service
	metrics  *metrics.Metrics
	live     Broadcaster
	audit    AuditLister
	log      slog.Logger
	loc      *time.Location
}

func New(opts Options) *Handler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Handler{
		sessions: opts.Sessions,
		devices:  opts.Devices,
		reports:  opts.Reports,
		metrics:  opts.Metrics,
		live:     opts.Live,
		audit:    opts.Audit,
		log:      opts.Logger,
		loc:      opts.Location,
	}
}

// Register mounts the API routes on r.
func (h *Handler) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/punch", h.punch)
	v1.POST("/heartbeat", h.heartbeat)
	v1.GET("/sessions/current", h.currentSession)
	v1.GET("/sessions", h.listSessions)
	v1.GET("/devices", h.listDevices)
	v1.GET("/devices/status", h.deviceStatus)
	v1.GET("/reports/summary", h.summary)
	v1.GET("/reports/overview", h.overview)
	if h.audit != nil {
		v1.GET("/audit", h.auditFlags)
	}
}

func (h *Handler) punch(c *gin.Context) {
	var req attendance.PunchEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Validation("punch", "invalid body: "+err.Error()))
		return
	}
	s, err := h.sessions.Apply(c.Request.Context(), req)
	if h.metrics != nil {
		h.metrics.RecordPunch(req.Type.Op(), err)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	view := attendance.Live(s, h.sessions.Now())
	h.publish(live.TypePunch, s.CompanyName, gin.H{"event": req.Type, "session": view})
	c.JSON(http.StatusOK, view)
}

func (h *Handler) heartbeat(c *gin.Context) {
	var req presence.HeartbeatEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, apperr.Validation(presence.OpHeartbeat, "invalid body: "+err.Error()))
		return
	}
	d, err := h.devices.Heartbeat(c.Request.Context(), req)
	if h.metrics != nil {
		h.metrics.RecordHeartbeat(err)
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.publish(live.TypeHeartbeat, d.CompanyName, d)
	c.JSON(http.StatusOK, d)
}

func (h *Handler) currentSession(c *gin.Context) {
	id := attendance.Identity{CompanyName: c.Query("company_name"), Username: c.Query("username")}
	v, err := h.sessions.CurrentView(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": v})
}

func (h *Handler) listSessions(c *gin.Context) {
	r, err := h.dateRange(c, attendance.OpList, false)
	if err != nil {
		h.fail(c, err)
		return
	}
	ss, err := h.sessions.Sessions(c.Request.Context(), attendance.Filter{
		CompanyName: c.Query("company_name"),
		Username:    c.Query("username"),
		From:        r.From,
		To:          r.To,
		ClosedOnly:  c.Query("closed") == "true",
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": ss, "count": len(ss)})
}

func (h *Handler) listDevices(c *gin.Context) {
	ds, err := h.devices.ListDevices(c.Request.Context(), c.Query("company_name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"devices":             ds,
		"counts":              presence.Tally(ds),
		"stale_threshold_sec": int64(h.devices.StaleThreshold() / time.Second),
	})
}

func (h *Handler) deviceStatus(c *gin.Context) {
	id := presence.Identity{
		CompanyName: c.Query("company_name"),
		EmployeeID:  c.Query("employee_id"),
		MachineID:   c.Query("machine_id"),
	}
	threshold := h.devices.StaleThreshold()
	if v := c.Query("threshold"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			h.fail(c, apperr.Validation(presence.OpIsOnline, "threshold must be a positive duration"))
			return
		}
		threshold = d
	}
	online, err := h.devices.IsOnline(c.Request.Context(), id, h.devices.Now(), threshold)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"is_online": online, "threshold_sec": int64(threshold / time.Second)})
}

func (h *Handler) summary(c *gin.Context) {
	r, err := h.dateRange(c, "summary", true)
	if err != nil {
		h.fail(c, err)
		return
	}
	sums, err := h.reports.SessionsSummary(c.Request.Context(), c.Query("company_name"), r)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"range": r, "summaries": sums})
}

func (h *Handler) overview(c *gin.Context) {
	r, err := h.dateRange(c, "overview", true)
	if err != nil {
		h.fail(c, err)
		return
	}
	ov, err := h.reports.Overview(c.Request.Context(), c.Query("company_name"), r)
	if err != nil {
		h.fail(c, err)
		return
	}
	if h.metrics != nil {
		h.metrics.RecordOverview(ov.Partial)
	}
	c.JSON(http.StatusOK, ov)
}

func (h *Handler) auditFlags(c *gin.Context) {
	company := c.Query("company_name")
	if company == "" {
		h.fail(c, apperr.Validation("audit", "company_name required"))
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			h.fail(c, apperr.Validation("audit", "limit must be between 1 and 500"))
			return
		}
		limit = n
	}
	flags, err := h.audit.Recent(c.Request.Context(), company, limit)
	if err != nil {
		h.fail(c, apperr.Storage("audit", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": flags})
}

func (h *Handler) publish(typ, company string, data any) {
	if h.live == nil {
		return
	}
	h.live.Publish(live.Event{Type: typ, CompanyName: company, Data: data})
}

var statusByKind = map[apperr.Kind]int{
	apperr.KindConflict:     http.StatusConflict,
	apperr.KindNotFound:     http.StatusNotFound,
	apperr.KindInvalidState: http.StatusConflict,
	apperr.KindValidation:   http.StatusBadRequest,
	apperr.KindStorage:      http.StatusServiceUnavailable,
}

type errorBody struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
	State   string      `json:"state,omitempty"`
}

func (h *Handler) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Kind: kind, Message: err.Error()}
	var ae *apperr.Error
	if xerrors.As(err, &ae) {
		body.Message = ae.Message
		body.State = ae.State
	}
	if kind == apperr.KindStorage {
		h.log.Error(c.Request.Context(), "request failed", slog.F("path", c.FullPath()), slog.Error(err))
		body.Message = "storage unavailable"
	}
	c.AbortWithStatusJSON(statusByKind[kind], gin.H{"error": body})
}
