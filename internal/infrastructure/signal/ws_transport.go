package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

// WSTransport carries the stream and submissions over one websocket. When
// fallbackURL is set, messages submitted while disconnected are POSTed.
type WSTransport struct {
	cfg         ClientConfig
	url         string
	fallbackURL string
	dialer      *websocket.Dialer
	loop        *streamLoop
	logger      *zap.SugaredLogger

	mu    sync.Mutex
	conn  *websocket.Conn
	ready chan struct{} // closed while conn is usable
	wmu   sync.Mutex
}

var _ ports.SignalTransport = (*WSTransport)(nil)

func NewWSTransport(url, fallbackURL string, cfg ClientConfig, logger *zap.SugaredLogger) *WSTransport {
	cfg = cfg.withDefaults()
	logger = logger.With("component", "ws_transport")
	return &WSTransport{
		cfg:         cfg,
		url:         url,
		fallbackURL: fallbackURL,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		loop:   newStreamLoop(cfg, logger),
		logger: logger,
		ready:  make(chan struct{}),
	}
}

func (t *WSTransport) Open(ctx context.Context) (<-chan domain.StreamEvent, error) {
	return t.loop.open(ctx, t.connect)
}

func (t *WSTransport) Close() error {
	t.loop.close()
	return nil
}

// Submit writes msg on the live socket. Without one it falls back to POST, or
// waits for the next connection.
func (t *WSTransport) Submit(ctx context.Context, msg domain.SignalMessage) error {
	for {
		t.mu.Lock()
		conn, ready := t.conn, t.ready
		t.mu.Unlock()

		if conn != nil {
			t.wmu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
			err := conn.WriteJSON(msg)
			t.wmu.Unlock()
			if err == nil {
				return nil
			}
			t.logger.Debugw("websocket write failed", "type", msg.Type, "error", err)
			t.detach(conn)
			continue
		}
		if t.fallbackURL != "" {
			return submitHTTP(ctx, t.cfg, t.fallbackURL, msg)
		}

		stopped := t.loop.stopped()
		if stopped == nil {
			return fmt.Errorf("%w: not open", ErrTransportClosed)
		}
		select {
		case <-ready:
		case <-stopped:
			return ErrTransportClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *WSTransport) attach(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
	close(t.ready)
}

func (t *WSTransport) detach(conn *websocket.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn {
		return
	}
	t.conn = nil
	t.ready = make(chan struct{})
}

func (t *WSTransport) connect(ctx context.Context, deliver func(domain.StreamEvent) bool) (bool, error) {
	header := http.Header{}
	if err := t.cfg.authorize(ctx, header); err != nil {
		return false, err
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, header)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return false, statusError(resp)
		}
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	idle := t.cfg.ReadIdleTimeout
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.cfg.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	t.attach(conn)
	defer t.detach(conn)

	for {
		var ev domain.StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure && ce.Text == ReasonEnded {
				return true, errEnded
			}
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		switch ev.Type {
		case EventEnded:
			return true, errEnded
		case EventRejected:
			t.logger.Warnw("relay rejected a message", "error", ev.Error)
			continue
		}
		if !deliver(ev) {
			return true, ctx.Err()
		}
	}
}
