package http

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/internal/core/services"
	"squadx/internal/infrastructure/middleware"
	"squadx/pkg/circuitbreaker"
	"squadx/pkg/errors"
	"squadx/pkg/utils"
	"squadx/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SessionStore is the session service plus roster departures.
type SessionStore interface {
	ports.SessionService
	Leave(ctx context.Context, session domain.SessionID, id domain.ParticipantID) error
}

type ParticipantTokenIssuer interface {
	GenerateParticipantToken(p domain.Participant) (string, error)
}

// RoomCloser ends the live signaling room of a session.
type RoomCloser interface {
	End(ctx context.Context, session domain.SessionID)
}

type SessionHandler struct {
	sessions SessionStore
	tokens   ParticipantTokenIssuer
	relay    ports.RelayTokenIssuer
	rooms    RoomCloser
	defaults domain.SessionSettings
	logger   *zap.SugaredLogger
}

var _ ports.RouteRegistrar = (*SessionHandler)(nil)

func NewSessionHandler(
	sessions SessionStore,
	tokens ParticipantTokenIssuer,
	relay ports.RelayTokenIssuer,
	rooms RoomCloser,
	defaults domain.SessionSettings,
	logger *zap.SugaredLogger,
) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		tokens:   tokens,
		relay:    relay,
		rooms:    rooms,
		defaults: defaults,
		logger:   logger.With("component", "session_handler"),
	}
}

// RegisterRoutes expects r to already run AuthMiddleware.
func (h *SessionHandler) RegisterRoutes(r gin.IRouter) {
	users := r.Group("/v1", middleware.ScopeMiddleware(services.ScopeUser))
	{
		users.POST("/sessions", h.CreateSession)
		users.GET("/join/:code", h.LookupJoinCode)
		users.POST("/join/:code", h.JoinSession)
	}

	members := r.Group("/v1/sessions/:id", middleware.SessionScopeMiddleware())
	{
		members.GET("", h.GetSession)
		members.POST("/leave", h.LeaveSession)
		members.POST("/relay-token", h.IssueRelayToken)

		host := members.Group("", middleware.HostOnlyMiddleware())
		host.DELETE("", h.EndSession)
		host.POST("/usage", h.ReportUsage)
	}
}

type CreateSessionRequest struct {
	Topology    domain.Topology         `json:"topology" binding:"required"`
	DisplayName string                  `json:"display_name" binding:"required,max=64"`
	Settings    *domain.SessionSettings `json:"settings,omitempty"`
}

type JoinSessionRequest struct {
	DisplayName string `json:"display_name" binding:"required,max=64"`
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if !req.Topology.Valid() {
		c.Error(errors.NewInvalidInputError("topology must be mesh or relay"))
		return
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	settings := h.defaults
	if req.Settings != nil {
		settings = *req.Settings
	}
	if err := validation.ValidateRange(settings.MaxViewers, 0, 1000, "max_viewers"); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	membership, err := h.sessions.CreateSession(c.Request.Context(), req.Topology, settings, strings.TrimSpace(req.DisplayName))
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	h.respondMembership(c, http.StatusCreated, membership)
}

func joinCode(c *gin.Context) (string, bool) {
	code := utils.NormalizeJoinCode(c.Param("code"))
	if err := validation.ValidateJoinCode(code); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return code, true
}

func (h *SessionHandler) LookupJoinCode(c *gin.Context) {
	code, ok := joinCode(c)
	if !ok {
		return
	}
	session, err := h.sessions.LookupByJoinCode(c.Request.Context(), code)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, session)
}

func (h *SessionHandler) JoinSession(c *gin.Context) {
	code, ok := joinCode(c)
	if !ok {
		return
	}
	var req JoinSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	membership, err := h.sessions.JoinByCode(c.Request.Context(), code, strings.TrimSpace(req.DisplayName))
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	h.respondMembership(c, http.StatusOK, membership)
}

func (h *SessionHandler) respondMembership(c *gin.Context, status int, m *domain.Membership) {
	token, err := h.tokens.GenerateParticipantToken(m.Participant)
	if err != nil {
		h.logger.Errorw("failed to issue participant token", "session_id", m.Session.ID, "error", err)
		c.Error(errors.NewInternalError("failed to issue token"))
		return
	}
	m.Token = token
	c.JSON(status, m)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	roster, err := h.sessions.GetSession(c.Request.Context(), domain.SessionID(c.Param("id")))
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, roster)
}

func (h *SessionHandler) EndSession(c *gin.Context) {
	id := domain.SessionID(c.Param("id"))
	if err := h.sessions.EndSession(c.Request.Context(), id); err != nil {
		c.Error(toAppError(err))
		return
	}
	if h.rooms != nil {
		h.rooms.End(c.Request.Context(), id)
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) LeaveSession(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)
	if err := h.sessions.Leave(c.Request.Context(), claims.SessionID, claims.ParticipantID); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ReportUsage(c *gin.Context) {
	var report domain.UsageReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.Error(errors.NewInvalidInputError("invalid usage report"))
		return
	}
	report.SessionID = domain.SessionID(c.Param("id"))
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now()
	}
	if err := h.sessions.ReportUsage(c.Request.Context(), report); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *SessionHandler) IssueRelayToken(c *gin.Context) {
	claims, _ := middleware.ClaimsFrom(c)
	roster, err := h.sessions.GetSession(c.Request.Context(), claims.SessionID)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	if roster.Session.Ended() {
		c.Error(errors.NewSessionEndedError())
		return
	}
	if roster.Session.Topology != domain.TopologyRelay {
		c.Error(errors.NewConflictError("session does not use the relay topology"))
		return
	}

	grant, err := h.relay.IssueRelayToken(c.Request.Context(), claims.SessionID, claims.ParticipantID)
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, grant)
}

// toAppError maps core errors onto API errors.
func toAppError(err error) *errors.AppError {
	if appErr := errors.GetAppError(err); appErr != nil {
		return appErr
	}
	switch {
	case stderrors.Is(err, domain.ErrSessionNotFound):
		return errors.NewNotFoundError("session")
	case stderrors.Is(err, domain.ErrJoinCodeNotFound):
		return errors.NewNotFoundError("join code")
	case stderrors.Is(err, domain.ErrParticipantNotFound):
		return errors.NewNotFoundError("participant")
	case stderrors.Is(err, domain.ErrSessionEnded):
		return errors.NewSessionEndedError()
	case stderrors.Is(err, domain.ErrSessionFull):
		return errors.NewSessionFullError()
	case stderrors.Is(err, services.ErrRelayNotConfigured):
		return errors.NewRelayUnavailableError(err)
	case stderrors.Is(err, domain.ErrNoActiveSession):
		return errors.NewConflictError(domain.ErrNoActiveSession.Error())
	case stderrors.Is(err, domain.ErrSessionActive):
		return errors.NewConflictError(domain.ErrSessionActive.Error())
	case stderrors.Is(err, domain.ErrNotHost), stderrors.Is(err, domain.ErrNotViewer):
		return errors.NewForbiddenError(err.Error())
	case stderrors.Is(err, domain.ErrControlNotGranted),
		stderrors.Is(err, domain.ErrControlDisabled),
		stderrors.Is(err, domain.ErrSelfGrant):
		return errors.NewControlDeniedError(err.Error())
	case stderrors.Is(err, domain.ErrPeerNotFound):
		return errors.NewNotFoundError("peer")
	case stderrors.Is(err, domain.ErrDestinationNotFound):
		return errors.NewNotFoundError("relay destination")
	case stderrors.Is(err, domain.ErrDestinationRunning), stderrors.Is(err, domain.ErrDestinationDisabled):
		return errors.NewConflictError(err.Error())
	case stderrors.Is(err, domain.ErrUnsupportedScheme),
		stderrors.Is(err, domain.ErrInvalidDestination),
		stderrors.Is(err, domain.ErrInvalidInputEvent),
		stderrors.Is(err, domain.ErrInvalidPayload):
		return errors.NewInvalidInputError(err.Error())
	case stderrors.Is(err, services.ErrRelayStreamingDisabled):
		return errors.NewServiceUnavailableError(err.Error())
	case stderrors.Is(err, circuitbreaker.ErrOpen):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "session service unavailable", http.StatusServiceUnavailable)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.WrapError(err, errors.ErrCodeServiceUnavailable, "request timed out", http.StatusServiceUnavailable)
	}
	return errors.WrapError(err, errors.ErrCodeInternal, "internal server error", http.StatusInternalServerError)
}
