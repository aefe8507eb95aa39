package signal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/retry"
)

var (
	ErrTransportClosed = errors.New("signal transport closed")
	ErrAlreadyOpen     = errors.New("signal transport already open")

	errEnded       = errors.New("session ended by the relay")
	errClientError = errors.New("request rejected by the relay")
)

// StatusError is a non-success HTTP response from the relay.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay responded %d", e.StatusCode)
	}
	return fmt.Sprintf("relay responded %d: %s", e.StatusCode, e.Message)
}

// Terminal reports whether reconnecting cannot succeed.
func (e *StatusError) Terminal() bool {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

// Is makes 4xx responses other than 429 match errClientError.
func (e *StatusError) Is(target error) bool {
	return target == errClientError &&
		e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

func statusError(resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
}

type ClientConfig struct {
	Tokens          ports.TokenSource
	HTTPClient      *http.Client
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ReadIdleTimeout time.Duration
	SubmitAttempts  int
	WriteTimeout    time.Duration
}

func (c ClientConfig) withDefaults() ClientConfig {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = 15 * time.Second
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = 75 * time.Second
	}
	if c.SubmitAttempts <= 0 {
		c.SubmitAttempts = 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

func (c ClientConfig) authorize(ctx context.Context, h http.Header) error {
	if c.Tokens == nil {
		return nil
	}
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get token: %w", err)
	}
	h.Set("Authorization", "Bearer "+token)
	return nil
}

// connectFunc runs one connection until it drops. live reports whether the
// relay accepted the connection before it ended.
type connectFunc func(ctx context.Context, deliver func(domain.StreamEvent) bool) (live bool, err error)

// streamLoop keeps one event stream open across reconnects. The stream is
// closed on Close, on a terminal response, or when the relay ends the session.
type streamLoop struct {
	cfg    ClientConfig
	logger *zap.SugaredLogger

	mu     sync.Mutex
	out    chan domain.StreamEvent
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func newStreamLoop(cfg ClientConfig, logger *zap.SugaredLogger) *streamLoop {
	return &streamLoop{cfg: cfg, logger: logger}
}

func (l *streamLoop) open(ctx context.Context, connect connectFunc) (<-chan domain.StreamEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrTransportClosed
	}
	if l.out != nil {
		return nil, ErrAlreadyOpen
	}
	ctx, l.cancel = context.WithCancel(ctx)
	l.out = make(chan domain.StreamEvent, 64)
	l.done = make(chan struct{})
	go l.run(ctx, connect)
	return l.out, nil
}

func (l *streamLoop) run(ctx context.Context, connect connectFunc) {
	defer close(l.done)
	defer close(l.out)

	deliver := func(ev domain.StreamEvent) bool {
		select {
		case l.out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	backoff := retry.Config{
		InitialDelay: l.cfg.InitialDelay,
		MaxDelay:     l.cfg.MaxDelay,
		Multiplier:   2,
		Jitter:       true,
	}

	attempt := 0
	for {
		live, err := connect(ctx, deliver)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errEnded) {
			l.logger.Infow("relay ended the session")
			return
		}
		var se *StatusError
		if errors.As(err, &se) && se.Terminal() {
			l.logger.Errorw("relay refused the stream", "status", se.StatusCode, "error", se.Message)
			return
		}
		if live {
			attempt = 0
		}
		if attempt == 0 {
			msg := "stream dropped"
			if err != nil {
				msg = err.Error()
			}
			deliver(domain.StreamEvent{Type: domain.EventInterrupted, Error: msg})
		}

		delay := retry.Backoff(backoff, attempt)
		attempt++
		l.logger.Warnw("signal stream disconnected, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// stopped is closed once the loop has exited; nil before open.
func (l *streamLoop) stopped() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.done
}

func (l *streamLoop) close() {
	l.mu.Lock()
	l.closed = true
	cancel, done := l.cancel, l.done
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// idleTimer cancels a connection that has been silent for too long.
type idleTimer struct {
	timeout time.Duration
	timer   *time.Timer
	mu      sync.Mutex
	fired   bool
}

func newIdleTimer(timeout time.Duration, cancel context.CancelFunc) *idleTimer {
	t := &idleTimer{timeout: timeout}
	t.timer = time.AfterFunc(timeout, func() {
		t.mu.Lock()
		t.fired = true
		t.mu.Unlock()
		cancel()
	})
	return t
}

func (t *idleTimer) touch() { t.timer.Reset(t.timeout) }
func (t *idleTimer) stop()  { t.timer.Stop() }

func (t *idleTimer) expired() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
