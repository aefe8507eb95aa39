package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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
	"squadx/internal/infrastructure/repositories/memory"
)

type recordingRooms struct {
	mu    sync.Mutex
	ended []domain.SessionID
}

func (r *recordingRooms) End(_ context.Context, session domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ended = append(r.ended, session)
}

type apiHarness struct {
	t      *testing.T
	router *gin.Engine
	auth   *services.AuthService
	rooms  *recordingRooms
	user   string
}

func newAPIHarness(t *testing.T) *apiHarness {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t).Sugar()

	auth := services.NewAuthService(services.AuthConfig{
		Secret:         "test",
		Issuer:         "squadx",
		ParticipantTTL: time.Hour,
		RelayURL:       "wss://relay.example.com/v1/link",
		RelayTTL:       time.Minute,
	}, nil)
	lifecycle := services.NewSessionLifecycle(memory.NewMemorySessionRepository(), domain.SessionSettings{MaxViewers: 1}, logger)
	rooms := &recordingRooms{}

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	api := router.Group("/", middleware.AuthMiddleware(auth))
	NewSessionHandler(lifecycle, auth, auth, rooms, domain.SessionSettings{MaxViewers: 1, AllowControl: true}, logger).RegisterRoutes(api)

	user, err := auth.GenerateUserToken("user-1", time.Hour)
	require.NoError(t, err)
	return &apiHarness{t: t, router: router, auth: auth, rooms: rooms, user: user}
}

func (h *apiHarness) do(method, path, token string, body any, out any) int {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	if out != nil && w.Code < 300 {
		require.NoError(h.t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w.Code
}

func (h *apiHarness) create(topology domain.Topology) domain.Membership {
	var m domain.Membership
	code := h.do(http.MethodPost, "/v1/sessions", h.user, CreateSessionRequest{Topology: topology, DisplayName: "Host"}, &m)
	require.Equal(h.t, http.StatusCreated, code)
	return m
}

func TestSessionHandler_Lifecycle(t *testing.T) {
	h := newAPIHarness(t)

	host := h.create(domain.TopologyMesh)
	assert.Equal(t, domain.RoleHost, host.Participant.Role)
	assert.True(t, host.Session.Settings.AllowControl)
	claims, err := h.auth.ValidateToken(host.Token)
	require.NoError(t, err)
	assert.Equal(t, host.Participant.ID, claims.ParticipantID)
	assert.Equal(t, services.ScopeParticipant, claims.Scope)

	var session domain.Session
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/v1/join/"+host.Session.JoinCode, h.user, nil, &session))
	assert.Equal(t, host.Session.ID, session.ID)

	var viewer domain.Membership
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/join/"+host.Session.JoinCode, h.user, JoinSessionRequest{DisplayName: "Viewer"}, &viewer))
	assert.Equal(t, domain.RoleViewer, viewer.Participant.Role)
	assert.NotEmpty(t, viewer.Token)

	// max_viewers is 1
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/v1/join/"+host.Session.JoinCode, h.user, JoinSessionRequest{DisplayName: "Late"}, nil))

	base := "/v1/sessions/" + string(host.Session.ID)
	var roster domain.Roster
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, base, viewer.Token, nil, &roster))
	assert.Len(t, roster.Participants, 2)

	assert.Equal(t, http.StatusForbidden, h.do(http.MethodDelete, base, viewer.Token, nil, nil))
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodDelete, base, host.Token, nil, nil))
	assert.Equal(t, []domain.SessionID{host.Session.ID}, h.rooms.ended)

	// Ending a session releases its join code.
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/v1/join/"+host.Session.JoinCode, h.user, JoinSessionRequest{DisplayName: "After"}, nil))
	assert.Equal(t, http.StatusGone, h.do(http.MethodDelete, base, host.Token, nil, nil))
}

func TestSessionHandler_Validation(t *testing.T) {
	h := newAPIHarness(t)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/sessions", h.user, CreateSessionRequest{Topology: "star", DisplayName: "Host"}, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/v1/sessions", h.user, map[string]string{"topology": "mesh"}, nil))
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/v1/sessions", "", CreateSessionRequest{Topology: "mesh", DisplayName: "Host"}, nil))
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/v1/join/ZZZZZZ", h.user, nil, nil))
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodGet, "/v1/join/0O1I", h.user, nil, nil))

	host := h.create(domain.TopologyMesh)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, "/v1/sessions", host.Token, CreateSessionRequest{Topology: "mesh", DisplayName: "Again"}, nil))
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/v1/sessions/other", host.Token, nil, nil))
}

func TestSessionHandler_RelayToken(t *testing.T) {
	h := newAPIHarness(t)

	mesh := h.create(domain.TopologyMesh)
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/v1/sessions/"+string(mesh.Session.ID)+"/relay-token", mesh.Token, nil, nil))

	relay := h.create(domain.TopologyRelay)
	var grant domain.RelayGrant
	assert.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/sessions/"+string(relay.Session.ID)+"/relay-token", relay.Token, nil, &grant))
	assert.Equal(t, "wss://relay.example.com/v1/link", grant.URL)

	claims, err := h.auth.ValidateToken(grant.Token)
	require.NoError(t, err)
	assert.Equal(t, services.ScopeRelay, claims.Scope)
	assert.Equal(t, relay.Participant.ID, claims.ParticipantID)
}

func TestSessionHandler_UsageAndLeave(t *testing.T) {
	h := newAPIHarness(t)
	host := h.create(domain.TopologyMesh)
	base := "/v1/sessions/" + string(host.Session.ID)

	report := domain.UsageReport{Viewers: 3, Duration: time.Minute}
	assert.Equal(t, http.StatusAccepted, h.do(http.MethodPost, base+"/usage", host.Token, report, nil))

	var viewer domain.Membership
	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/v1/join/"+host.Session.JoinCode, h.user, JoinSessionRequest{DisplayName: "Viewer"}, &viewer))
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodPost, base+"/usage", viewer.Token, report, nil))
	assert.Equal(t, http.StatusNoContent, h.do(http.MethodPost, base+"/leave", viewer.Token, nil, nil))

	var roster domain.Roster
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, base, host.Token, nil, &roster))
	assert.Len(t, roster.Participants, 1)
}
