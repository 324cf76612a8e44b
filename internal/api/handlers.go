package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/0019-KDU/online-lab-env/internal/config"
	"github.com/0019-KDU/online-lab-env/internal/session"
	labsv1 "github.com/0019-KDU/online-lab-env/pkg/apis/labs/v1"
	laberrors "github.com/0019-KDU/online-lab-env/pkg/errors"
)

// StatusClientClosedRequest is returned when the caller went away mid-request
const StatusClientClosedRequest = 499

// Lifecycle is the part of the session lifecycle manager the API drives
type Lifecycle interface {
	Catalog() *config.Catalog
	StartSessionFromTemplate(ctx context.Context, userID, templateID string) (session.LabSession, bool, error)
	GetActiveSession(ctx context.Context, userID string) (session.LabSession, bool, error)
	ListSessions(ctx context.Context, userID string) ([]session.LabSession, error)
	ListActive(ctx context.Context) ([]session.LabSession, error)
	StopSession(ctx context.Context, userID string) (session.LabSession, error)
	StopSessionByID(ctx context.Context, userID, sessionID string) (session.LabSession, error)
	RecordAccess(ctx context.Context, userID string) (session.LabSession, error)
}

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

type handler struct {
	lifecycle Lifecycle
	health    HealthCheck
}

func (h *handler) healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			abort(c, http.StatusServiceUnavailable, "unhealthy", err)
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) listTemplates(c *gin.Context) {
	out := []labsv1.LabTemplate{}
	if catalog := h.lifecycle.Catalog(); catalog != nil {
		for _, t := range catalog.Templates() {
			out = append(out, toTemplate(t))
		}
	}
	c.JSON(http.StatusOK, out)
}

func (h *handler) start(c *gin.Context) {
	var req labsv1.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		abort(c, http.StatusBadRequest, "invalid request format", err)
		return
	}

	rec, created, err := h.lifecycle.StartSessionFromTemplate(c.Request.Context(), userID(c), req.TemplateID)
	if err != nil {
		fail(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, toSession(rec))
}

func (h *handler) active(c *gin.Context) {
	rec, ok, err := h.lifecycle.GetActiveSession(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	if !ok {
		abort(c, http.StatusNotFound, "no running lab session", nil)
		return
	}
	c.JSON(http.StatusOK, toSession(rec))
}

func (h *handler) mySessions(c *gin.Context) {
	recs, err := h.lifecycle.ListSessions(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessions(recs))
}

func (h *handler) stop(c *gin.Context) {
	rec, err := h.lifecycle.StopSession(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSession(rec))
}

func (h *handler) stopByID(c *gin.Context) {
	rec, err := h.lifecycle.StopSessionByID(c.Request.Context(), userID(c), c.Param("sessionId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSession(rec))
}

func (h *handler) heartbeat(c *gin.Context) {
	rec, err := h.lifecycle.RecordAccess(c.Request.Context(), userID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSession(rec))
}

func (h *handler) allSessions(c *gin.Context) {
	recs, err := h.lifecycle.ListActive(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toSessions(recs))
}

func userID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

// statusFor maps an error onto the HTTP status a caller should see
func statusFor(err error) int {
	switch laberrors.TypeOf(err) {
	case laberrors.ErrorTypeCapacityExceeded, laberrors.ErrorTypeAlreadyExists, laberrors.ErrorTypeConflict:
		return http.StatusConflict
	case laberrors.ErrorTypeDeploymentTimeout:
		return http.StatusGatewayTimeout
	case laberrors.ErrorTypeCluster:
		return http.StatusBadGateway
	case laberrors.ErrorTypeNotFound:
		return http.StatusNotFound
	case laberrors.ErrorTypeInvalid:
		return http.StatusBadRequest
	case laberrors.ErrorTypeCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	msg := err.Error()
	var labErr *laberrors.LabSessionError
	if errors.As(err, &labErr) {
		msg = labErr.Message
	}
	abort(c, statusFor(err), msg, err)
}

func abort(c *gin.Context, status int, msg string, err error) {
	body := labsv1.ErrorResponse{
		Error:     msg,
		Type:      string(laberrors.TypeOf(err)),
		RequestID: c.GetString(ctxRequestID),
	}
	if err != nil {
		body.Details = err.Error()
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(status, body)
}

func toSession(s session.LabSession) labsv1.LabSession {
	out := labsv1.LabSession{
		ID:               s.ID,
		UserID:           s.UserID,
		TemplateID:       s.TemplateID,
		Status:           labsv1.LabSessionStatus(s.Status),
		Message:          s.Message,
		WorkloadName:     s.WorkloadName,
		ServiceName:      s.ServiceName,
		ClaimName:        s.ClaimName,
		NodePort:         s.NodePort,
		StartTime:        metav1.NewTime(s.StartTime),
		LastAccessTime:   metav1.NewTime(s.LastAccessTime),
		AutoShutdownTime: metav1.NewTime(s.AutoShutdownTime),
	}
	if s.AccessURL != "" {
		url := s.AccessURL
		out.AccessURL = &url
	}
	if s.EndTime != nil {
		end := metav1.NewTime(*s.EndTime)
		out.EndTime = &end
	}
	return out
}

func toSessions(recs []session.LabSession) []labsv1.LabSession {
	out := make([]labsv1.LabSession, 0, len(recs))
	for _, r := range recs {
		out = append(out, toSession(r))
	}
	return out
}

func toTemplate(t config.Template) labsv1.LabTemplate {
	return labsv1.LabTemplate{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Category:    t.Category,
		Image:       t.Image,
		Resources: labsv1.TemplateResources{
			CPU:     t.Resources.CPU,
			Memory:  t.Resources.Memory,
			Storage: t.Resources.Storage,
		},
		PreInstalledTools: t.PreInstalledTools,
		DurationMinutes:   t.DurationMinutes,
	}
}
