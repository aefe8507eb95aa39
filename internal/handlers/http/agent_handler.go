package http

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"
	"time"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/internal/core/services"
	"squadx/internal/infrastructure/uievents"
	"squadx/pkg/errors"
	"squadx/pkg/optimize"
	"squadx/pkg/utils"
	"squadx/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Orchestrator is the session surface the UI drives.
type Orchestrator interface {
	StartHosting(ctx context.Context, topology domain.Topology, settings domain.SessionSettings, displayName string) (*domain.Membership, error)
	EndSession(ctx context.Context) error
	JoinSession(ctx context.Context, code, displayName string) (*domain.Membership, error)
	Leave(ctx context.Context) error

	RequestControl(ctx context.Context) error
	GrantControl(ctx context.Context, target domain.ParticipantID) error
	RevokeControl(ctx context.Context, target domain.ParticipantID) error
	SetControlEnabled(ctx context.Context, enabled bool) error
	Kick(ctx context.Context, target domain.ParticipantID, reason string) error
	SetMuted(ctx context.Context, id domain.ParticipantID, muted bool) error
	SendCursor(ctx context.Context, p domain.CursorPayload) error
	SendInput(ctx context.Context, ev domain.InputEvent) error

	StartRelay(ctx context.Context, id domain.DestinationID) (domain.StartResult, error)
	StopRelay(ctx context.Context, id domain.DestinationID) (domain.StartResult, error)
	StartAllRelays(ctx context.Context) (domain.BatchStartResult, error)
	WriteMedia(chunk domain.MediaChunk) error

	Status() services.OrchestratorStatus
	Peers() []domain.PeerInfo
}

// Destinations is the relay destination store behind the UI.
type Destinations interface {
	AddDestination(ctx context.Context, dest *domain.RelayDestination) error
	UpdateDestination(ctx context.Context, dest *domain.RelayDestination) error
	RemoveDestination(ctx context.Context, id domain.DestinationID) error
	ListDestinations(ctx context.Context) ([]*domain.RelayDestination, error)
	GetDestination(ctx context.Context, id domain.DestinationID) (*domain.RelayDestination, error)
	Statuses() []domain.RelayStreamStatus
}

type AgentHandlerConfig struct {
	MaxChunkBytes     int
	HeartbeatInterval time.Duration
	// Defaults apply when a host request carries no settings.
	Defaults domain.SessionSettings
}

// AgentHandler is the agent's localhost API for the UI layer.
type AgentHandler struct {
	cfg          AgentHandlerConfig
	orchestrator Orchestrator
	destinations Destinations
	events       *uievents.Broadcaster
	buffers      *optimize.BytePool
	logger       *zap.SugaredLogger
}

var _ ports.RouteRegistrar = (*AgentHandler)(nil)

// NewAgentHandler builds the UI API. destinations may be nil when relay
// streaming is not configured.
func NewAgentHandler(cfg AgentHandlerConfig, orchestrator Orchestrator, destinations Destinations, events *uievents.Broadcaster, logger *zap.SugaredLogger) *AgentHandler {
	if cfg.MaxChunkBytes <= 0 {
		cfg.MaxChunkBytes = 1 << 20
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &AgentHandler{
		cfg:          cfg,
		orchestrator: orchestrator,
		destinations: destinations,
		events:       events,
		buffers:      optimize.NewBytePool(cfg.MaxChunkBytes),
		logger:       logger.With("component", "agent_handler"),
	}
}

func (h *AgentHandler) RegisterRoutes(r gin.IRouter) {
	v1 := r.Group("/v1")
	{
		v1.GET("/status", h.GetStatus)
		v1.GET("/peers", h.ListPeers)
		v1.GET("/events", h.StreamEvents)

		v1.POST("/host", h.StartHosting)
		v1.DELETE("/session", h.EndSession)
		v1.POST("/join", h.JoinSession)
		v1.POST("/leave", h.Leave)

		v1.POST("/control/request", h.RequestControl)
		v1.POST("/control/grant", h.GrantControl)
		v1.POST("/control/revoke", h.RevokeControl)
		v1.PUT("/control/enabled", h.SetControlEnabled)
		v1.POST("/kick", h.Kick)
		v1.POST("/mute", h.SetMuted)
		v1.POST("/cursor", h.SendCursor)
		v1.POST("/input", h.SendInput)

		v1.POST("/ingest", h.Ingest)
	}

	relay := v1.Group("/relay")
	{
		relay.GET("/destinations", h.ListDestinations)
		relay.POST("/destinations", h.CreateDestination)
		relay.PUT("/destinations/:id", h.UpdateDestination)
		relay.DELETE("/destinations/:id", h.DeleteDestination)
		relay.POST("/destinations/:id/start", h.StartRelay)
		relay.POST("/destinations/:id/stop", h.StopRelay)
		relay.POST("/start-all", h.StartAllRelays)
		relay.GET("/status", h.RelayStatus)
	}
}

func (h *AgentHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Status())
}

func (h *AgentHandler) ListPeers(c *gin.Context) {
	peers := h.orchestrator.Peers()
	if peers == nil {
		peers = []domain.PeerInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"peers": peers})
}

// StreamEvents is the SSE stream of UI events.
func (h *AgentHandler) StreamEvents(c *gin.Context) {
	sub := h.events.Subscribe()
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-sub.Events():
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": heartbeat\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type HostRequest struct {
	Topology    domain.Topology         `json:"topology" binding:"required"`
	DisplayName string                  `json:"display_name" binding:"required,max=64"`
	Settings    *domain.SessionSettings `json:"settings,omitempty"`
}

func (h *AgentHandler) StartHosting(c *gin.Context) {
	var req HostRequest
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
	settings := h.cfg.Defaults
	if req.Settings != nil {
		settings = *req.Settings
	}

	m, err := h.orchestrator.StartHosting(c.Request.Context(), req.Topology, settings, strings.TrimSpace(req.DisplayName))
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusCreated, redact(m))
}

func (h *AgentHandler) EndSession(c *gin.Context) {
	if err := h.orchestrator.EndSession(c.Request.Context()); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

type JoinRequest struct {
	Code        string `json:"code" binding:"required"`
	DisplayName string `json:"display_name" binding:"required,max=64"`
}

func (h *AgentHandler) JoinSession(c *gin.Context) {
	var req JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	code := utils.NormalizeJoinCode(req.Code)
	if err := validation.ValidateJoinCode(code); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateDisplayName(req.DisplayName); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	m, err := h.orchestrator.JoinSession(c.Request.Context(), code, strings.TrimSpace(req.DisplayName))
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, redact(m))
}

func (h *AgentHandler) Leave(c *gin.Context) {
	if err := h.orchestrator.Leave(c.Request.Context()); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) RequestControl(c *gin.Context) {
	if err := h.orchestrator.RequestControl(c.Request.Context()); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusAccepted)
}

type ParticipantRequest struct {
	ParticipantID domain.ParticipantID `json:"participant_id" binding:"required"`
	Reason        string               `json:"reason,omitempty"`
}

func (h *AgentHandler) bindParticipant(c *gin.Context) (ParticipantRequest, bool) {
	var req ParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("participant_id is required"))
		return req, false
	}
	return req, true
}

func (h *AgentHandler) GrantControl(c *gin.Context) {
	req, ok := h.bindParticipant(c)
	if !ok {
		return
	}
	if err := h.orchestrator.GrantControl(c.Request.Context(), req.ParticipantID); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) RevokeControl(c *gin.Context) {
	req, ok := h.bindParticipant(c)
	if !ok {
		return
	}
	if err := h.orchestrator.RevokeControl(c.Request.Context(), req.ParticipantID); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) SetControlEnabled(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("enabled is required"))
		return
	}
	if err := h.orchestrator.SetControlEnabled(c.Request.Context(), *req.Enabled); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) Kick(c *gin.Context) {
	req, ok := h.bindParticipant(c)
	if !ok {
		return
	}
	if err := h.orchestrator.Kick(c.Request.Context(), req.ParticipantID, req.Reason); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) SetMuted(c *gin.Context) {
	var req domain.MutePayload
	if err := c.ShouldBindJSON(&req); err != nil || req.ParticipantID == "" {
		c.Error(errors.NewInvalidInputError("participant_id is required"))
		return
	}
	if err := h.orchestrator.SetMuted(c.Request.Context(), req.ParticipantID, req.Muted); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) SendCursor(c *gin.Context) {
	var p domain.CursorPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.Error(errors.NewInvalidInputError("invalid cursor payload"))
		return
	}
	if err := h.orchestrator.SendCursor(c.Request.Context(), p); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) SendInput(c *gin.Context) {
	var ev domain.InputEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.Error(errors.NewInvalidInputError("invalid input event"))
		return
	}
	if err := h.orchestrator.SendInput(c.Request.Context(), ev); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

// Ingest reads a chunked MPEG-TS body and feeds it to the live relay
// destinations as it arrives.
func (h *AgentHandler) Ingest(c *gin.Context) {
	kind := domain.TrackKind(c.DefaultQuery("kind", string(domain.TrackContainer)))
	if kind != domain.TrackContainer && kind != domain.TrackAudio {
		c.Error(errors.NewInvalidInputError("kind must be mpegts or audio"))
		return
	}

	start := time.Now()
	buf := h.buffers.Get()
	defer h.buffers.Put(buf)
	var total, chunks int
	for {
		n, err := c.Request.Body.Read(buf)
		if n > 0 {
			chunk := domain.MediaChunk{Kind: kind, Timestamp: time.Since(start), Data: optimize.Clone(buf[:n])}
			if werr := h.orchestrator.WriteMedia(chunk); werr != nil {
				c.Error(toAppError(werr))
				return
			}
			total += n
			chunks++
		}
		if stderrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			h.logger.Warnw("ingest body read failed", "bytes", total, "error", err)
			c.Error(errors.NewInvalidInputError("failed to read ingest body"))
			return
		}
	}
	h.logger.Debugw("ingest finished", "bytes", total, "chunks", chunks, "duration", time.Since(start))
	c.JSON(http.StatusAccepted, gin.H{"bytes": total, "chunks": chunks})
}

func (h *AgentHandler) relayStore(c *gin.Context) (Destinations, bool) {
	if h.destinations == nil {
		c.Error(toAppError(services.ErrRelayStreamingDisabled))
		return nil, false
	}
	return h.destinations, true
}

func (h *AgentHandler) ListDestinations(c *gin.Context) {
	store, ok := h.relayStore(c)
	if !ok {
		return
	}
	dests, err := store.ListDestinations(c.Request.Context())
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	if dests == nil {
		dests = []*domain.RelayDestination{}
	}
	c.JSON(http.StatusOK, gin.H{"destinations": dests})
}

type DestinationRequest struct {
	Name           string                 `json:"name" binding:"required,max=64"`
	URL            string                 `json:"url" binding:"required"`
	CredentialsRef string                 `json:"credentials_ref,omitempty"`
	Enabled        *bool                  `json:"enabled,omitempty"`
	Profile        *domain.EncoderProfile `json:"profile,omitempty"`
}

func (r DestinationRequest) apply(dest *domain.RelayDestination) {
	dest.Name = strings.TrimSpace(r.Name)
	dest.URL = strings.TrimSpace(r.URL)
	dest.CredentialsRef = r.CredentialsRef
	if r.Enabled != nil {
		dest.Enabled = *r.Enabled
	}
	if r.Profile != nil {
		dest.Profile = *r.Profile
	}
}

func (h *AgentHandler) CreateDestination(c *gin.Context) {
	store, ok := h.relayStore(c)
	if !ok {
		return
	}
	var req DestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid destination"))
		return
	}
	dest := &domain.RelayDestination{Enabled: true}
	req.apply(dest)
	if err := store.AddDestination(c.Request.Context(), dest); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusCreated, dest)
}

func (h *AgentHandler) UpdateDestination(c *gin.Context) {
	store, ok := h.relayStore(c)
	if !ok {
		return
	}
	var req DestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid destination"))
		return
	}
	dest, err := store.GetDestination(c.Request.Context(), domain.DestinationID(c.Param("id")))
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	req.apply(dest)
	if err := store.UpdateDestination(c.Request.Context(), dest); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, dest)
}

func (h *AgentHandler) DeleteDestination(c *gin.Context) {
	store, ok := h.relayStore(c)
	if !ok {
		return
	}
	if err := store.RemoveDestination(c.Request.Context(), domain.DestinationID(c.Param("id"))); err != nil {
		c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *AgentHandler) StartRelay(c *gin.Context) {
	res, err := h.orchestrator.StartRelay(c.Request.Context(), domain.DestinationID(c.Param("id")))
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(resultStatus(res.Success), res)
}

func (h *AgentHandler) StopRelay(c *gin.Context) {
	res, err := h.orchestrator.StopRelay(c.Request.Context(), domain.DestinationID(c.Param("id")))
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(resultStatus(res.Success), res)
}

func (h *AgentHandler) StartAllRelays(c *gin.Context) {
	res, err := h.orchestrator.StartAllRelays(c.Request.Context())
	if err != nil {
		c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *AgentHandler) RelayStatus(c *gin.Context) {
	store, ok := h.relayStore(c)
	if !ok {
		return
	}
	statuses := store.Statuses()
	if statuses == nil {
		statuses = []domain.RelayStreamStatus{}
	}
	c.JSON(http.StatusOK, gin.H{"statuses": statuses})
}

// resultStatus keeps per-destination failures in the body; they are not API errors.
func resultStatus(success bool) int {
	if success {
		return http.StatusOK
	}
	return http.StatusUnprocessableEntity
}

// redact drops the bearer token before a membership reaches the UI.
func redact(m *domain.Membership) *domain.Membership {
	out := *m
	out.Token = ""
	return &out
}
