package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"squadx/internal/core/domain"
	"squadx/internal/core/services"
	"squadx/internal/infrastructure/middleware"
)

type fakeSessions struct {
	mu       sync.Mutex
	sessions map[domain.SessionID]domain.SessionStatus
}

func (f *fakeSessions) GetSession(_ context.Context, id domain.SessionID) (*domain.Roster, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.sessions[id]
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	return &domain.Roster{Session: domain.Session{ID: id, Status: status}}, nil
}

type relayHarness struct {
	hub  *Hub
	auth *services.AuthService
	srv  *httptest.Server
}

func newRelayHarness(t *testing.T, cfg ServerConfig) *relayHarness {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	hub := NewHub(HubConfig{}, staticConfigs{}, nil, logger)
	auth := services.NewAuthService(services.AuthConfig{Secret: "test", Issuer: "squadx", ParticipantTTL: time.Hour}, nil)
	sessions := &fakeSessions{sessions: map[domain.SessionID]domain.SessionStatus{
		"s1": domain.SessionActive,
		"s2": domain.SessionEnded,
	}}

	router := gin.New()
	api := router.Group("/", middleware.AuthMiddleware(auth))
	NewServer(hub, sessions, cfg, logger).RegisterRoutes(api)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &relayHarness{hub: hub, auth: auth, srv: srv}
}

func (h *relayHarness) token(t *testing.T, p domain.Participant) string {
	token, err := h.auth.GenerateParticipantToken(p)
	require.NoError(t, err)
	return token
}

func (h *relayHarness) dial(t *testing.T, kind string, p domain.Participant, cfg ClientConfig) (<-chan domain.StreamEvent, func(context.Context, domain.SignalMessage) error) {
	t.Helper()
	if cfg.InitialDelay == 0 {
		cfg.InitialDelay = 10 * time.Millisecond
		cfg.MaxDelay = 50 * time.Millisecond
	}
	dialer, err := NewDialer(h.srv.URL, kind, cfg, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	transport, err := dialer.Dial(domain.Membership{
		Session:     domain.Session{ID: p.SessionID},
		Participant: p,
		Token:       h.token(t, p),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = transport.Close() })

	events, err := transport.Open(context.Background())
	require.NoError(t, err)
	return events, transport.Submit
}

func recv(t *testing.T, events <-chan domain.StreamEvent) domain.StreamEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return domain.StreamEvent{}
	}
}

func waitClosed(t *testing.T, events <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var seen []domain.StreamEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return seen
			}
			seen = append(seen, ev)
		case <-timeout:
			t.Fatal("stream was not closed")
			return nil
		}
	}
}

func TestTransport_StreamAndSubmit(t *testing.T) {
	for _, kind := range []string{"sse", "ws"} {
		t.Run(kind, func(t *testing.T) {
			h := newRelayHarness(t, ServerConfig{})

			hostEvents, _ := h.dial(t, kind, member("host"), ClientConfig{})
			assert.Equal(t, domain.EventConnected, recv(t, hostEvents).Type)

			viewerEvents, submit := h.dial(t, kind, member("v1"), ClientConfig{})
			ev := recv(t, viewerEvents)
			assert.Equal(t, domain.EventConnected, ev.Type)
			require.NotNil(t, ev.Config)
			assert.Equal(t, domain.ParticipantID("host"), recv(t, viewerEvents).Participant.ID)
			assert.Equal(t, domain.ParticipantID("v1"), recv(t, hostEvents).Participant.ID)

			msg := controlRequest(t, "v1", "host")
			require.NoError(t, submit(context.Background(), msg))

			ev = recv(t, hostEvents)
			assert.Equal(t, domain.EventSignal, ev.Type)
			require.NotNil(t, ev.Signal)
			assert.Equal(t, msg.ID, ev.Signal.ID)
			assert.Equal(t, msg.Type, ev.Signal.Type)
		})
	}
}

func TestTransport_ReconnectsAfterDrop(t *testing.T) {
	for _, kind := range []string{"sse", "ws"} {
		t.Run(kind, func(t *testing.T) {
			h := newRelayHarness(t, ServerConfig{})

			events, _ := h.dial(t, kind, member("host"), ClientConfig{})
			assert.Equal(t, domain.EventConnected, recv(t, events).Type)

			h.hub.Close()
			assert.Equal(t, domain.EventInterrupted, recv(t, events).Type)
			assert.Equal(t, domain.EventConnected, recv(t, events).Type)
		})
	}
}

func TestSSETransport_IdleTimeoutReconnects(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{HeartbeatInterval: time.Minute})

	events, _ := h.dial(t, "sse", member("host"), ClientConfig{ReadIdleTimeout: 150 * time.Millisecond})
	assert.Equal(t, domain.EventConnected, recv(t, events).Type)

	ev := recv(t, events)
	assert.Equal(t, domain.EventInterrupted, ev.Type)
	assert.Contains(t, ev.Error, "no data")
	assert.Equal(t, domain.EventConnected, recv(t, events).Type)
}

func TestTransport_EndedSessionClosesStream(t *testing.T) {
	for _, kind := range []string{"sse", "ws"} {
		t.Run(kind, func(t *testing.T) {
			h := newRelayHarness(t, ServerConfig{})

			events, _ := h.dial(t, kind, member("host"), ClientConfig{})
			assert.Equal(t, domain.EventConnected, recv(t, events).Type)

			h.hub.End(context.Background(), "s1")
			for _, ev := range waitClosed(t, events) {
				assert.NotEqual(t, domain.EventConnected, ev.Type)
			}
		})
	}
}

func TestTransport_TerminalStatusClosesStream(t *testing.T) {
	for _, kind := range []string{"sse", "ws"} {
		t.Run(kind, func(t *testing.T) {
			h := newRelayHarness(t, ServerConfig{})

			gone := domain.Participant{ID: "host", SessionID: "s2", Role: domain.RoleHost}
			assert.Empty(t, waitClosed(t, func() <-chan domain.StreamEvent {
				events, _ := h.dial(t, kind, gone, ClientConfig{})
				return events
			}()))

			missing := domain.Participant{ID: "host", SessionID: "nope", Role: domain.RoleHost}
			events, _ := h.dial(t, kind, missing, ClientConfig{})
			assert.Empty(t, waitClosed(t, events))
		})
	}
}

func TestServer_SignalEndpoint(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{})
	hostEvents, _ := h.dial(t, "sse", member("host"), ClientConfig{})
	recv(t, hostEvents)

	post := func(token string, session domain.SessionID, body []byte) int {
		req, err := http.NewRequest(http.MethodPost, h.srv.URL+"/v1/sessions/"+string(session)+"/signal", bytes.NewReader(body))
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}
	encode := func(msg domain.SignalMessage) []byte {
		raw, err := json.Marshal(msg)
		require.NoError(t, err)
		return raw
	}
	hostToken := h.token(t, member("host"))
	viewerToken := h.token(t, member("v1"))

	assert.Equal(t, http.StatusAccepted, post(hostToken, "s1", encode(controlRequest(t, "host", ""))))
	assert.Equal(t, http.StatusUnauthorized, post("", "s1", encode(controlRequest(t, "host", ""))))
	assert.Equal(t, http.StatusForbidden, post(hostToken, "s1", encode(controlRequest(t, "v1", "host"))))
	assert.Equal(t, http.StatusForbidden, post(hostToken, "other", encode(controlRequest(t, "host", ""))))
	assert.Equal(t, http.StatusConflict, post(viewerToken, "s1", encode(controlRequest(t, "v1", "host"))))
	assert.Equal(t, http.StatusBadRequest, post(hostToken, "s1", []byte("{")))

	bad := controlRequest(t, "host", "")
	bad.Type = "teleport"
	assert.Equal(t, http.StatusBadRequest, post(hostToken, "s1", encode(bad)))

	userToken, err := h.auth.GenerateUserToken("someone", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, post(userToken, "s1", encode(controlRequest(t, "host", ""))))
}

func TestServer_SignalRateLimit(t *testing.T) {
	h := newRelayHarness(t, ServerConfig{MessagesPerSecond: 1, Burst: 1})
	events, submit := h.dial(t, "sse", member("host"), ClientConfig{SubmitAttempts: 1})
	recv(t, events)

	require.NoError(t, submit(context.Background(), controlRequest(t, "host", "")))
	err := submit(context.Background(), controlRequest(t, "host", ""))
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "429"), err.Error())
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("https://relay.example.com/v1/link")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/v1/link", u)

	u, err = websocketURL("http://localhost:8081/x")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8081/x", u)

	_, err = websocketURL("ftp://nope")
	assert.Error(t, err)

	_, err = NewDialer("http://localhost", "grpc", ClientConfig{}, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}
