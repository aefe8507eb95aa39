package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"squadx/internal/core/domain"
	"squadx/internal/infrastructure/repositories/memory"
)

func TestPrometheusCollector_PeerStates(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.PeerStateChanged(domain.TopologyMesh, "", domain.StateConnecting)
	c.PeerStateChanged(domain.TopologyMesh, domain.StateConnecting, domain.StateConnected)

	assert.Equal(t, 0.0, testutil.ToFloat64(c.peersByState.WithLabelValues("mesh", "connecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peersByState.WithLabelValues("mesh", "connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.peerTransitions.WithLabelValues("mesh", "connecting", "connected")))
}

func TestPrometheusCollector_SignalsAndControl(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.SignalProcessed(domain.SignalOffer, "routed")
	c.SignalProcessed("bogus", "invalid")
	c.SignalProcessed("also-bogus", "invalid")
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalsTotal.WithLabelValues("offer", "routed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.signalsTotal.WithLabelValues("unknown", "invalid")))

	c.ControlChanged(domain.ControlGranted)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.controlState.WithLabelValues("granted")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.controlState.WithLabelValues("view-only")))
	c.ControlChanged(domain.ControlViewOnly)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.controlState.WithLabelValues("granted")))
}

func TestPrometheusCollector_RelayAndStats(t *testing.T) {
	c := NewPrometheusCollector(prometheus.NewRegistry())

	c.RelayStateChanged("d1", domain.RelayLive)
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayState.WithLabelValues("d1", "live")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.relayState.WithLabelValues("d1", "connecting")))

	c.RelayChunk("d1", 1500, false)
	c.RelayChunk("d1", 900, true)
	assert.Equal(t, 1500.0, testutil.ToFloat64(c.relayBytes.WithLabelValues("d1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.relayDropped.WithLabelValues("d1")))

	c.PeerStats("p1", domain.PeerStats{RoundTripTime: 40 * time.Millisecond, BytesSent: 10, BytesReceived: 20, AvailableKbps: 2500})
	assert.Equal(t, 2_500_000.0, testutil.ToFloat64(c.peerAvailableBps.WithLabelValues("p1")))
	assert.Equal(t, 20.0, testutil.ToFloat64(c.peerBytes.WithLabelValues("p1", "received")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.peerRTT))

	c.ForgetParticipant("p1")
	assert.Equal(t, 0, testutil.CollectAndCount(c.peerAvailableBps))
}

func TestPrometheusCollector_ObserveGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)
	c.ObserveGauge("squadx_test_connections", "test", func() float64 { return 7 })

	n, err := testutil.GatherAndCount(reg, "squadx_test_connections")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHealthHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	checker := NewHealthChecker()
	checker.AddRepositoryCheck(memory.NewMemorySessionRepository(), time.Minute, time.Second)
	failing := false
	checker.AddCheck("flaky", func(context.Context) (bool, error) {
		if failing {
			return false, errors.New("down")
		}
		return true, nil
	}, time.Minute, time.Second)

	router := gin.New()
	NewHealthHandler(checker, "/metrics", nil).RegisterRoutes(router)

	get := func(path string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, path, nil)
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, get("/health").Code)
	assert.Equal(t, http.StatusOK, get("/ready").Code)
	assert.Equal(t, http.StatusOK, get("/metrics").Code)

	failing = true
	w := get("/ready")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "down")
	assert.False(t, checker.IsReady(context.Background()))
}

func TestHealthChecker_BackgroundTransitions(t *testing.T) {
	checker := NewHealthChecker()
	var mu sync.Mutex
	failing := false
	var seen []bool
	checker.OnChange(func(name string, healthy bool, err error) {
		assert.Equal(t, "flaky", name)
		mu.Lock()
		seen = append(seen, healthy)
		mu.Unlock()
	})
	checker.AddCheck("flaky", func(context.Context) (bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return false, errors.New("down")
		}
		return true, nil
	}, 20*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	checker.StartBackgroundChecks(ctx)

	transitions := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(seen)
	}
	require.Eventually(t, func() bool { return transitions() == 1 }, time.Second, 5*time.Millisecond)

	mu.Lock()
	failing = true
	mu.Unlock()
	require.Eventually(t, func() bool { return transitions() == 2 }, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, seen)
}
