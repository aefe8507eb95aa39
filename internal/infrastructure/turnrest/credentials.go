// Package turnrest issues coturn compatible TURN REST credentials:
//
//	username   = <unix expiry>:<participant id>
//	credential = base64(hmac_sha1(shared secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"squadx/internal/core/domain"
)

type Config struct {
	Secret string
	URLs   []string
	TTL    time.Duration
	// Static servers, usually STUN, handed out as is.
	Servers []domain.ICEServer
	// RelayOnly forces the ICE transport policy to relay.
	RelayOnly bool
	Now       func() time.Time
}

// Provider builds the negotiation config sent with every connected event.
type Provider struct {
	cfg Config
}

func NewProvider(cfg Config) (*Provider, error) {
	if len(cfg.URLs) > 0 {
		if cfg.Secret == "" {
			return nil, errors.New("turn secret is required")
		}
		if cfg.TTL <= 0 {
			return nil, errors.New("turn ttl must be > 0")
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Provider{cfg: cfg}, nil
}

// NegotiationConfig returns fresh credentials for p. Without TURN URLs only the
// static servers are returned.
func (p *Provider) NegotiationConfig(member domain.Participant) domain.NegotiationConfig {
	out := domain.NegotiationConfig{
		ICEServers: append([]domain.ICEServer(nil), p.cfg.Servers...),
	}
	if p.cfg.RelayOnly {
		out.ICETransportPolicy = "relay"
	}
	if len(p.cfg.URLs) == 0 {
		return out
	}

	username, credential, expires := p.Generate(string(member.ID))
	out.ICEServers = append(out.ICEServers, domain.ICEServer{
		URLs:       append([]string(nil), p.cfg.URLs...),
		Username:   username,
		Credential: credential,
	})
	out.ExpiresAt = &expires
	return out
}

// Generate signs a username for user that expires after the configured TTL.
func (p *Provider) Generate(user string) (username, credential string, expires time.Time) {
	expires = p.cfg.Now().UTC().Add(p.cfg.TTL).Truncate(time.Second)
	user = strings.ReplaceAll(user, ":", "")
	username = fmt.Sprintf("%d:%s", expires.Unix(), user)
	return username, Sign(p.cfg.Secret, username), expires
}

// Sign is the coturn credential for username.
func Sign(secret, username string) string {
	mac := hmac.New(sha1.New, []byte(secret))
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
