package signal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/retry"
)

const maxEventBytes = 1 << 20

// SSETransport reads the session stream as server-sent events and submits
// messages with POST.
type SSETransport struct {
	cfg       ClientConfig
	eventsURL string
	signalURL string
	loop      *streamLoop
	logger    *zap.SugaredLogger
}

var _ ports.SignalTransport = (*SSETransport)(nil)

func NewSSETransport(baseURL string, session domain.SessionID, cfg ClientConfig, logger *zap.SugaredLogger) *SSETransport {
	cfg = cfg.withDefaults()
	base := strings.TrimSuffix(baseURL, "/") + "/v1/sessions/" + string(session)
	logger = logger.With("component", "sse_transport", "session_id", session)
	return &SSETransport{
		cfg:       cfg,
		eventsURL: base + "/events",
		signalURL: base + "/signal",
		loop:      newStreamLoop(cfg, logger),
		logger:    logger,
	}
}

func (t *SSETransport) Open(ctx context.Context) (<-chan domain.StreamEvent, error) {
	return t.loop.open(ctx, t.connect)
}

func (t *SSETransport) Close() error {
	t.loop.close()
	return nil
}

// Submit posts msg, retrying transient failures with the same message id.
func (t *SSETransport) Submit(ctx context.Context, msg domain.SignalMessage) error {
	return submitHTTP(ctx, t.cfg, t.signalURL, msg)
}

func (t *SSETransport) connect(ctx context.Context, deliver func(domain.StreamEvent) bool) (bool, error) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, t.eventsURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if err := t.cfg.authorize(ctx, req.Header); err != nil {
		return false, err
	}

	resp, err := t.cfg.HTTPClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, statusError(resp)
	}

	idle := newIdleTimer(t.cfg.ReadIdleTimeout, cancel)
	defer idle.stop()

	err = readEvents(resp, idle.touch, deliver)
	if idle.expired() {
		err = fmt.Errorf("no data for %s", t.cfg.ReadIdleTimeout)
	}
	return true, err
}

// readEvents parses the event stream until it ends. Comment lines only count
// as activity.
func readEvents(resp *http.Response, touch func(), deliver func(domain.StreamEvent) bool) error {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var name string
	var data bytes.Buffer
	for scanner.Scan() {
		touch()
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() == 0 {
				name = ""
				continue
			}
			ev, err := decodeEvent(name, data.Bytes())
			name = ""
			data.Reset()
			if err != nil {
				return err
			}
			if ev.Type == EventEnded {
				return errEnded
			}
			if !deliver(ev) {
				return context.Canceled
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return errors.New("event stream closed by relay")
}

func decodeEvent(name string, data []byte) (domain.StreamEvent, error) {
	var ev domain.StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("malformed %q event: %w", name, err)
	}
	if ev.Type == "" {
		ev.Type = domain.StreamEventType(name)
	}
	return ev, nil
}

func submitHTTP(ctx context.Context, cfg ClientConfig, url string, msg domain.SignalMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", msg.Type, err)
	}
	policy := retry.Config{
		Enabled:            true,
		MaxAttempts:        cfg.SubmitAttempts - 1,
		InitialDelay:       cfg.InitialDelay,
		MaxDelay:           cfg.MaxDelay,
		Multiplier:         2,
		Jitter:             true,
		NonRetryableErrors: []error{errClientError},
	}
	return retry.Retry(ctx, policy, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		if err := cfg.authorize(ctx, req.Header); err != nil {
			return err
		}
		resp, err := cfg.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return statusError(resp)
		}
		return nil
	})
}
