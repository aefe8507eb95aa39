package signal

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/internal/infrastructure/middleware"
	apperrors "squadx/pkg/errors"
)

// Frames the server sends besides stream events.
const (
	// EventEnded tells the client the session is over and it must not reconnect.
	EventEnded domain.StreamEventType = "ended"
	// EventRejected reports a websocket frame the hub refused.
	EventRejected domain.StreamEventType = "rejected"
)

// SessionLookup reports whether a session may still be subscribed to.
type SessionLookup interface {
	GetSession(ctx context.Context, id domain.SessionID) (*domain.Roster, error)
}

type ServerConfig struct {
	HeartbeatInterval time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxMessageBytes   int64
	// Per participant limit on submitted messages; zero disables it.
	MessagesPerSecond float64
	Burst             int
}

// Server exposes the hub over SSE, websocket and plain POST.
type Server struct {
	hub      *Hub
	sessions SessionLookup
	cfg      ServerConfig
	upgrader websocket.Upgrader
	limits   *middleware.Limiters
	logger   *zap.SugaredLogger
}

var _ ports.RouteRegistrar = (*Server)(nil)

func NewServer(hub *Hub, sessions SessionLookup, cfg ServerConfig, logger *zap.SugaredLogger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = 256 * 1024
	}
	return &Server{
		hub:      hub,
		sessions: sessions,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Callers authenticate with a bearer token, not cookies.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limits:   middleware.NewLimiters(cfg.MessagesPerSecond, cfg.Burst, 10*time.Minute),
		logger:   logger.With("component", "signal_server"),
	}
}

// RegisterRoutes expects r to already run AuthMiddleware.
func (s *Server) RegisterRoutes(r gin.IRouter) {
	g := r.Group("/v1/sessions/:id", middleware.SessionScopeMiddleware())
	g.GET("/events", s.handleEvents)
	g.GET("/ws", s.handleWebSocket)
	g.POST("/signal", s.handleSignal)
}

func (s *Server) member(c *gin.Context) (domain.Participant, bool) {
	claims, ok := middleware.ClaimsFrom(c)
	if !ok {
		reject(c, apperrors.NewUnauthorizedError("authentication required"))
		return domain.Participant{}, false
	}
	return claims.Participant(), true
}

// admit rejects subscriptions to sessions that are gone.
func (s *Server) admit(c *gin.Context, member domain.Participant) bool {
	if s.sessions == nil {
		return true
	}
	roster, err := s.sessions.GetSession(c.Request.Context(), member.SessionID)
	switch {
	case errors.Is(err, domain.ErrSessionNotFound):
		reject(c, apperrors.NewNotFoundError("session"))
		return false
	case err != nil:
		s.logger.Errorw("failed to look up session", "session_id", member.SessionID, "error", err)
		reject(c, apperrors.NewServiceUnavailableError("session lookup failed"))
		return false
	case roster.Session.Ended():
		reject(c, apperrors.NewSessionEndedError())
		return false
	}
	return true
}

func (s *Server) handleEvents(c *gin.Context) {
	member, ok := s.member(c)
	if !ok || !s.admit(c, member) {
		return
	}
	sub, err := s.hub.Subscribe(c.Request.Context(), member)
	if err != nil {
		reject(c, apperrors.NewServiceUnavailableError(err.Error()))
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-sub.Events():
			c.SSEvent(string(ev.Type), ev)
			return true
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": heartbeat\n\n")
			return err == nil
		case <-sub.Done():
			if sub.Reason() == ReasonEnded {
				c.SSEvent(string(EventEnded), domain.StreamEvent{Type: EventEnded, Error: ReasonEnded})
			}
			return false
		case <-c.Request.Context().Done():
			return false
		}
	})
	s.logger.Debugw("event stream closed", "session_id", member.SessionID, "participant_id", member.ID, "reason", sub.Reason())
}

func (s *Server) handleSignal(c *gin.Context) {
	member, ok := s.member(c)
	if !ok {
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxMessageBytes)
	var msg domain.SignalMessage
	if err := c.ShouldBindJSON(&msg); err != nil {
		reject(c, apperrors.NewInvalidInputError("invalid message body"))
		return
	}
	if err := s.submit(c.Request.Context(), member, msg); err != nil {
		reject(c, rejection(err))
		return
	}
	c.Status(http.StatusAccepted)
}

func (s *Server) submit(ctx context.Context, member domain.Participant, msg domain.SignalMessage) error {
	if msg.SenderID != member.ID {
		return ErrSenderMismatch
	}
	if !s.allow(member.ID) {
		return errRateLimited
	}
	return s.hub.Route(ctx, member.SessionID, msg)
}

var errRateLimited = errors.New("signal rate limit exceeded")

func rejection(err error) *apperrors.AppError {
	switch {
	case errors.Is(err, ErrSenderMismatch):
		return apperrors.NewForbiddenError(err.Error())
	case errors.Is(err, ErrNotMember):
		return apperrors.NewConflictError(err.Error())
	case errors.Is(err, errRateLimited):
		return apperrors.NewRateLimitError()
	case errors.Is(err, domain.ErrInvalidPayload),
		errors.Is(err, domain.ErrUnknownMessageType),
		errors.Is(err, domain.ErrInvalidSDP):
		return apperrors.NewInvalidInputError(err.Error())
	}
	return apperrors.NewInternalError("failed to deliver message")
}

func reject(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.HTTPStatus, gin.H{"error": string(err.Code), "message": err.Message})
}

func (s *Server) allow(id domain.ParticipantID) bool {
	if s.cfg.MessagesPerSecond <= 0 {
		return true
	}
	return s.limits.Allow(string(id))
}

func (s *Server) handleWebSocket(c *gin.Context) {
	member, ok := s.member(c)
	if !ok || !s.admit(c, member) {
		return
	}
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	sub, err := s.hub.Subscribe(ctx, member)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(s.cfg.WriteTimeout))
		return
	}
	defer sub.Close()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	// Replies to rejected frames go through the writer loop.
	rejected := make(chan domain.StreamEvent, 8)
	readErr := make(chan error, 1)
	go func() {
		for {
			var msg domain.SignalMessage
			if err := conn.ReadJSON(&msg); err != nil {
				readErr <- err
				return
			}
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
			if err := s.submit(ctx, member, msg); err != nil {
				s.logger.Infow("rejected signal", "session_id", member.SessionID, "participant_id", member.ID, "type", msg.Type, "error", err)
				select {
				case rejected <- domain.StreamEvent{Type: EventRejected, Error: err.Error()}:
				default:
				}
			}
		}
	}()

	pingTicker := time.NewTicker(s.cfg.PingInterval)
	defer pingTicker.Stop()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		return conn.WriteJSON(v)
	}

	for {
		select {
		case ev := <-sub.Events():
			if err := write(ev); err != nil {
				s.logger.Infow("error writing event", "participant_id", member.ID, "error", err)
				return
			}
		case ev := <-rejected:
			if err := write(ev); err != nil {
				return
			}
		case <-pingTicker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "participant_id", member.ID, "error", err)
				return
			}
		case <-sub.Done():
			code := websocket.CloseTryAgainLater
			if sub.Reason() == ReasonEnded {
				code = websocket.CloseNormalClosure
				_ = write(domain.StreamEvent{Type: EventEnded, Error: ReasonEnded})
			}
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, sub.Reason()),
				time.Now().Add(s.cfg.WriteTimeout))
			return
		case err := <-readErr:
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from participant", "participant_id", member.ID, "error", err)
			}
			return
		}
	}
}
