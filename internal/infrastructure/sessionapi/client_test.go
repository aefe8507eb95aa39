package sessionapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/internal/core/services"
	api "squadx/internal/handlers/http"
	"squadx/internal/infrastructure/middleware"
	"squadx/internal/infrastructure/repositories/memory"
	"squadx/pkg/circuitbreaker"
)

func newAPIServer(t *testing.T) (*httptest.Server, *services.AuthService) {
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

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	group := router.Group("/", middleware.AuthMiddleware(auth))
	api.NewSessionHandler(lifecycle, auth, auth, nil, domain.SessionSettings{MaxViewers: 1}, logger).RegisterRoutes(group)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, auth
}

func newClient(t *testing.T, url string, user ports.TokenSource) *Client {
	c, err := New(Config{BaseURL: url, Timeout: 2 * time.Second, RetryAttempts: 2}, user, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	c.retry.InitialDelay = time.Millisecond
	c.retry.MaxDelay = 5 * time.Millisecond
	return c
}

func userToken(t *testing.T, auth *services.AuthService, subject string) ports.TokenSource {
	token, err := auth.GenerateUserToken(subject, time.Hour)
	require.NoError(t, err)
	return ports.StaticToken(token)
}

func TestClient_SessionLifecycle(t *testing.T) {
	srv, auth := newAPIServer(t)
	ctx := context.Background()

	host := newClient(t, srv.URL, userToken(t, auth, "host"))
	m, err := host.CreateSession(ctx, domain.TopologyRelay, domain.SessionSettings{MaxViewers: 1, AllowControl: true}, "Host")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHost, m.Participant.Role)
	assert.NotEmpty(t, m.Token)

	session, err := host.LookupByJoinCode(ctx, m.Session.JoinCode)
	require.NoError(t, err)
	assert.Equal(t, m.Session.ID, session.ID)

	viewer := newClient(t, srv.URL, userToken(t, auth, "viewer"))
	vm, err := viewer.JoinByCode(ctx, m.Session.JoinCode, "Viewer")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleViewer, vm.Participant.Role)

	_, err = newClient(t, srv.URL, userToken(t, auth, "late")).JoinByCode(ctx, m.Session.JoinCode, "Late")
	assert.ErrorIs(t, err, domain.ErrSessionFull)

	roster, err := viewer.GetSession(ctx, m.Session.ID)
	require.NoError(t, err)
	assert.Len(t, roster.Participants, 2)

	grant, err := viewer.IssueRelayToken(ctx, m.Session.ID, vm.Participant.ID)
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/v1/link", grant.URL)

	require.NoError(t, host.ReportUsage(ctx, domain.UsageReport{SessionID: m.Session.ID, Viewers: 1}))
	require.NoError(t, viewer.Leave(ctx, m.Session.ID))

	require.NoError(t, host.EndSession(ctx, m.Session.ID))
	_, err = host.LookupByJoinCode(ctx, m.Session.JoinCode)
	assert.ErrorIs(t, err, domain.ErrJoinCodeNotFound)
}

func TestClient_ErrorMapping(t *testing.T) {
	srv, auth := newAPIServer(t)
	ctx := context.Background()
	c := newClient(t, srv.URL, userToken(t, auth, "someone"))

	_, err := c.JoinByCode(ctx, "ZZZZZZ", "Viewer")
	assert.ErrorIs(t, err, domain.ErrJoinCodeNotFound)

	_, err = newClient(t, srv.URL, nil).CreateSession(ctx, domain.TopologyMesh, domain.SessionSettings{}, "Host")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"s1","join_code":"ABCDEF"}`))
	}))
	defer srv.Close()

	c := newClient(t, srv.URL, nil)
	s, err := c.LookupByJoinCode(context.Background(), "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("s1"), s.ID)
	assert.Equal(t, int32(3), calls.Load())

	// joins are not idempotent and get a single attempt
	calls.Store(0)
	_, err = c.JoinByCode(context.Background(), "ABCDEF", "Viewer")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_BreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL: srv.URL,
		Breaker: circuitbreaker.Config{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Minute, MaxRequestsHalfOpen: 1},
	}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err = c.JoinByCode(ctx, "ABCDEF", "Viewer")
		require.Error(t, err)
	}
	_, err = c.JoinByCode(ctx, "ABCDEF", "Viewer")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, c.Available())
}

func TestClient_ClientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"NOT_FOUND","message":"join code not found"}`))
	}))
	defer srv.Close()

	c, err := New(Config{
		BaseURL: srv.URL,
		Breaker: circuitbreaker.Config{FailureThreshold: 1, SuccessThreshold: 1, Timeout: time.Minute, MaxRequestsHalfOpen: 1},
	}, nil, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = c.LookupByJoinCode(context.Background(), "ABCDEF")
		assert.ErrorIs(t, err, domain.ErrJoinCodeNotFound)
	}
	assert.Equal(t, circuitbreaker.StateClosed, c.breaker.GetState())
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://example.com"}, nil, zaptest.NewLogger(t).Sugar())
	assert.Error(t, err)
}

func TestFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	src := NewFileToken(path)
	token, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", token)

	require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
	later := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, later, later))
	token, err = src.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", token)

	require.NoError(t, os.WriteFile(path, []byte("  "), 0o600))
	latest := later.Add(time.Second)
	require.NoError(t, os.Chtimes(path, latest, latest))
	_, err = src.Token(context.Background())
	assert.Error(t, err)

	_, err = NewFileToken(filepath.Join(t.TempDir(), "missing")).Token(context.Background())
	assert.Error(t, err)

	assert.Nil(t, TokenSourceFor("", ""))
	assert.IsType(t, ports.StaticToken(""), TokenSourceFor("abc", ""))
	assert.IsType(t, &FileToken{}, TokenSourceFor("abc", path))
}
