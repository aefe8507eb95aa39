package webrtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

// EngineConfig tunes the pion API shared by every connection.
type EngineConfig struct {
	PortRange struct {
		Min uint16
		Max uint16
	}
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration
	// PLIInterval is how often received video gets a keyframe request. Zero
	// disables periodic requests.
	PLIInterval time.Duration
}

// Engine implements ports.MediaEngine on pion/webrtc.
type Engine struct {
	api    *webrtc.API
	logger *zap.SugaredLogger
}

func NewEngine(cfg EngineConfig, logger *zap.SugaredLogger) (*Engine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	if cfg.PLIInterval > 0 {
		pli, err := intervalpli.NewReceiverInterceptor(intervalpli.GeneratorInterval(cfg.PLIInterval))
		if err != nil {
			return nil, fmt.Errorf("failed to create pli interceptor: %w", err)
		}
		registry.Add(pli)
	}

	settings := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settings.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}
	if cfg.DisconnectedTimeout > 0 && cfg.FailedTimeout > 0 {
		settings.SetICETimeouts(cfg.DisconnectedTimeout, cfg.FailedTimeout, cfg.KeepAliveInterval)
	}
	settings.LoggerFactory = NewLoggerFactory(logger)

	return &Engine{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(m),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settings),
		),
		logger: logger.With("component", "media_engine"),
	}, nil
}

var _ ports.MediaEngine = (*Engine)(nil)

// NewPeerConnection builds a connection from the negotiation config delivered by
// the signaling stream.
func (e *Engine) NewPeerConnection(cfg domain.NegotiationConfig) (ports.PeerConnection, error) {
	pc, err := e.api.NewPeerConnection(Configuration(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}
	return newPeerConnection(pc, e.logger), nil
}

// Configuration converts cfg to a pion configuration.
func Configuration(cfg domain.NegotiationConfig) webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(cfg.ICEServers))
	for _, s := range cfg.ICEServers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	out := webrtc.Configuration{
		ICEServers:   servers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}
	if cfg.ICETransportPolicy == "relay" {
		out.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return out
}
