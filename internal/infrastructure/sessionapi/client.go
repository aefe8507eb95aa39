package sessionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/circuitbreaker"
	"squadx/pkg/retry"
)

// APIError is a non-success response that maps to no domain error.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("session api responded %d", e.StatusCode)
	}
	return fmt.Sprintf("session api responded %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// retryable reports whether the same request may succeed later.
func (e *APIError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

type Config struct {
	BaseURL       string
	Timeout       time.Duration
	RetryAttempts int
	Breaker       circuitbreaker.Config
	HTTPClient    *http.Client
}

// Client implements ports.SessionService and ports.RelayTokenIssuer over the
// session HTTP API. Create and join calls authenticate with the user token;
// session scoped calls use the participant token handed back by them.
type Client struct {
	baseURL string
	http    *http.Client
	user    ports.TokenSource
	breaker *circuitbreaker.CircuitBreaker
	retry   retry.Config
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	tokens map[domain.SessionID]string
}

var (
	_ ports.SessionService   = (*Client)(nil)
	_ ports.RelayTokenIssuer = (*Client)(nil)
)

func New(cfg Config, user ports.TokenSource, logger *zap.SugaredLogger) (*Client, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid session api url %q", cfg.BaseURL)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker = circuitbreaker.DefaultConfig()
	}

	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.RetryAttempts
	log := logger.With("component", "session_api")
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		log.Warnw("retrying session api request", "attempt", attempt, "delay", delay, "error", err)
	}

	breaker := circuitbreaker.New("session_api", cfg.Breaker)
	breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		log.Warnw("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	})

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		user:    user,
		breaker: breaker,
		retry:   rc,
		logger:  log,
		tokens:  make(map[domain.SessionID]string),
	}, nil
}

type createRequest struct {
	Topology    domain.Topology         `json:"topology"`
	DisplayName string                  `json:"display_name"`
	Settings    *domain.SessionSettings `json:"settings,omitempty"`
}

type joinRequest struct {
	DisplayName string `json:"display_name"`
}

func (c *Client) CreateSession(ctx context.Context, topology domain.Topology, settings domain.SessionSettings, displayName string) (*domain.Membership, error) {
	var m domain.Membership
	body := createRequest{Topology: topology, DisplayName: displayName, Settings: &settings}
	if err := c.call(ctx, request{method: http.MethodPost, path: "/v1/sessions", body: body}, &m); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	c.remember(m)
	return &m, nil
}

func (c *Client) LookupByJoinCode(ctx context.Context, code string) (*domain.Session, error) {
	var s domain.Session
	req := request{method: http.MethodGet, path: "/v1/join/" + url.PathEscape(code), idempotent: true, notFound: domain.ErrJoinCodeNotFound}
	if err := c.call(ctx, req, &s); err != nil {
		return nil, fmt.Errorf("failed to look up join code: %w", err)
	}
	return &s, nil
}

func (c *Client) JoinByCode(ctx context.Context, code, displayName string) (*domain.Membership, error) {
	var m domain.Membership
	req := request{method: http.MethodPost, path: "/v1/join/" + url.PathEscape(code), body: joinRequest{DisplayName: displayName}, notFound: domain.ErrJoinCodeNotFound}
	if err := c.call(ctx, req, &m); err != nil {
		return nil, fmt.Errorf("failed to join session: %w", err)
	}
	c.remember(m)
	return &m, nil
}

func (c *Client) GetSession(ctx context.Context, id domain.SessionID) (*domain.Roster, error) {
	var r domain.Roster
	if err := c.call(ctx, request{method: http.MethodGet, path: sessionPath(id, ""), session: id, idempotent: true}, &r); err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &r, nil
}

// EndSession ends the session for everyone. Ending an ended session is not an error.
func (c *Client) EndSession(ctx context.Context, id domain.SessionID) error {
	err := c.call(ctx, request{method: http.MethodDelete, path: sessionPath(id, ""), session: id, idempotent: true}, nil)
	if err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		return fmt.Errorf("failed to end session: %w", err)
	}
	c.forget(id)
	return nil
}

// Leave removes the participant from the roster.
func (c *Client) Leave(ctx context.Context, id domain.SessionID) error {
	err := c.call(ctx, request{method: http.MethodPost, path: sessionPath(id, "/leave"), session: id, idempotent: true}, nil)
	c.forget(id)
	if err != nil && !errors.Is(err, domain.ErrSessionEnded) {
		return fmt.Errorf("failed to leave session: %w", err)
	}
	return nil
}

func (c *Client) ReportUsage(ctx context.Context, report domain.UsageReport) error {
	req := request{method: http.MethodPost, path: sessionPath(report.SessionID, "/usage"), session: report.SessionID, body: report, idempotent: true}
	if err := c.call(ctx, req, nil); err != nil {
		return fmt.Errorf("failed to report usage: %w", err)
	}
	return nil
}

func (c *Client) IssueRelayToken(ctx context.Context, session domain.SessionID, _ domain.ParticipantID) (*domain.RelayGrant, error) {
	var g domain.RelayGrant
	if err := c.call(ctx, request{method: http.MethodPost, path: sessionPath(session, "/relay-token"), session: session, idempotent: true}, &g); err != nil {
		return nil, fmt.Errorf("failed to issue relay token: %w", err)
	}
	return &g, nil
}

// Available reports whether the breaker currently lets calls through.
func (c *Client) Available() bool {
	return c.breaker.GetState() != circuitbreaker.StateOpen
}

func sessionPath(id domain.SessionID, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(string(id)) + suffix
}

func (c *Client) remember(m domain.Membership) {
	if m.Token == "" {
		return
	}
	c.mu.Lock()
	c.tokens[m.Session.ID] = m.Token
	c.mu.Unlock()
}

func (c *Client) forget(id domain.SessionID) {
	c.mu.Lock()
	delete(c.tokens, id)
	c.mu.Unlock()
}

func (c *Client) token(ctx context.Context, session domain.SessionID) (string, error) {
	if session != "" {
		c.mu.Lock()
		t, ok := c.tokens[session]
		c.mu.Unlock()
		if ok {
			return t, nil
		}
	}
	if c.user == nil {
		return "", nil
	}
	return c.user.Token(ctx)
}

type request struct {
	method  string
	path    string
	session domain.SessionID
	body    any
	// idempotent requests are retried on 5xx and transport errors.
	idempotent bool
	// notFound is returned for 404 responses.
	notFound error
}

// call runs req through the breaker. Client errors are handed back without
// counting against the breaker.
func (c *Client) call(ctx context.Context, req request, out any) error {
	var rejected error
	attempt := func() error {
		rejected = nil
		err := c.once(ctx, req, out)
		var apiErr *APIError
		if err != nil && (!errors.As(err, &apiErr) || apiErr.retryable()) {
			return err
		}
		rejected = err
		return nil
	}

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		if !req.idempotent {
			return attempt()
		}
		return retry.Retry(ctx, c.retry, attempt)
	})
	if err != nil {
		return err
	}
	if rejected != nil {
		return mapError(rejected, req.notFound)
	}
	return nil
}

func (c *Client) once(ctx context.Context, req request, out any) error {
	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.baseURL+req.path, body)
	if err != nil {
		return err
	}
	if req.body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	token, err := c.token(ctx, req.session)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func mapError(err error, notFound error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Code == "SESSION_ENDED" || apiErr.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s", domain.ErrSessionEnded, apiErr.Message)
	case apiErr.Code == "SESSION_FULL":
		return fmt.Errorf("%w: %s", domain.ErrSessionFull, apiErr.Message)
	case apiErr.StatusCode == http.StatusNotFound:
		if notFound == nil {
			notFound = domain.ErrSessionNotFound
		}
		return fmt.Errorf("%w: %s", notFound, apiErr.Message)
	}
	return apiErr
}
