package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")

	ErrRelayNotConfigured = errors.New("no relay service configured")
)

// Token scopes.
const (
	// ScopeUser is a caller authenticated by the external identity provider.
	ScopeUser = "user"
	// ScopeParticipant is bound to one participant of one session.
	ScopeParticipant = "participant"
	// ScopeRelay authorizes the forwarding relay link.
	ScopeRelay = "relay"
)

type Claims struct {
	Scope         string               `json:"scope"`
	SessionID     domain.SessionID     `json:"sid,omitempty"`
	ParticipantID domain.ParticipantID `json:"pid,omitempty"`
	Role          domain.Role          `json:"role,omitempty"`
	DisplayName   string               `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Participant rebuilds the participant the claims were issued for.
func (c *Claims) Participant() domain.Participant {
	return domain.Participant{
		ID:          c.ParticipantID,
		SessionID:   c.SessionID,
		Role:        c.Role,
		DisplayName: c.DisplayName,
	}
}

type AuthConfig struct {
	Secret         string
	Issuer         string
	ParticipantTTL time.Duration
	RelayURL       string
	RelayTTL       time.Duration
}

// AuthService validates bearer tokens and mints session scoped tokens. User
// credentials come from outside; this service never issues them in production.
type AuthService struct {
	secret      []byte
	cfg         AuthConfig
	negotiation func(p domain.Participant) domain.NegotiationConfig
	now         func() time.Time
}

func NewAuthService(cfg AuthConfig, negotiation func(p domain.Participant) domain.NegotiationConfig) *AuthService {
	if negotiation == nil {
		negotiation = func(domain.Participant) domain.NegotiationConfig { return domain.NegotiationConfig{} }
	}
	return &AuthService{
		secret:      []byte(cfg.Secret),
		cfg:         cfg,
		negotiation: negotiation,
		now:         time.Now,
	}
}

var _ ports.RelayTokenIssuer = (*AuthService)(nil)

// GenerateUserToken is used by tests and local development tooling.
func (s *AuthService) GenerateUserToken(subject string, ttl time.Duration) (string, error) {
	return s.sign(&Claims{Scope: ScopeUser}, subject, ttl)
}

// GenerateParticipantToken binds a token to p's session and role.
func (s *AuthService) GenerateParticipantToken(p domain.Participant) (string, error) {
	claims := &Claims{
		Scope:         ScopeParticipant,
		SessionID:     p.SessionID,
		ParticipantID: p.ID,
		Role:          p.Role,
		DisplayName:   p.DisplayName,
	}
	return s.sign(claims, string(p.ID), s.cfg.ParticipantTTL)
}

func (s *AuthService) sign(claims *Claims, subject string, ttl time.Duration) (string, error) {
	now := s.now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		Issuer:    s.cfg.Issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

func (s *AuthService) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithTimeFunc(s.now)}
	if s.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	switch claims.Scope {
	case ScopeUser:
	case ScopeParticipant, ScopeRelay:
		if claims.SessionID == "" || claims.ParticipantID == "" {
			return nil, ErrInvalidToken
		}
	default:
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// IssueRelayToken grants participant access to the forwarding relay for session.
func (s *AuthService) IssueRelayToken(_ context.Context, session domain.SessionID, participant domain.ParticipantID) (*domain.RelayGrant, error) {
	if s.cfg.RelayURL == "" {
		return nil, ErrRelayNotConfigured
	}
	claims := &Claims{Scope: ScopeRelay, SessionID: session, ParticipantID: participant}
	token, err := s.sign(claims, string(participant), s.cfg.RelayTTL)
	if err != nil {
		return nil, err
	}
	return &domain.RelayGrant{
		URL:       s.cfg.RelayURL,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.Time,
		Config:    s.negotiation(domain.Participant{ID: participant, SessionID: session}),
	}, nil
}

// GetClaimsFromContext returns claims stored by the auth middleware.
func GetClaimsFromContext(ctx context.Context) (*Claims, error) {
	claims, ok := ctx.Value(claimsKey{}).(*Claims)
	if !ok {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

type claimsKey struct{}

// WithClaims stores claims in ctx.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}
