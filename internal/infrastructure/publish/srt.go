package publish

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"
	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

const (
	// srtLatencyNs is the receiver latency in nanoseconds (120ms).
	srtLatencyNs = 120_000_000
	// srtPayloadSize is seven MPEG-TS packets, the usual SRT payload.
	srtPayloadSize = 7 * 188
	// dialTimeout bounds Open when the caller's context has no deadline.
	dialTimeout = 10 * time.Second
)

// SRTPublisher pushes MPEG-TS chunks to srt:// destinations in caller mode.
// The stream id comes from the streamid query parameter, else the resolved
// credentials, else the destination path.
type SRTPublisher struct {
	secrets SecretResolver
	logger  *zap.SugaredLogger
}

var _ ports.Publisher = (*SRTPublisher)(nil)

func NewSRTPublisher(secrets SecretResolver, logger *zap.SugaredLogger) *SRTPublisher {
	return &SRTPublisher{secrets: secrets, logger: logger.With("component", "srt_publisher")}
}

func (p *SRTPublisher) Schemes() []string { return []string{"srt"} }

func (p *SRTPublisher) Open(ctx context.Context, dest domain.RelayDestination) (ports.PublishSink, error) {
	addr, streamID, err := p.target(dest)
	if err != nil {
		return nil, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, dialTimeout)
		defer cancel()
	}

	cfg := srtgo.DefaultConfig()
	cfg.Latency = srtLatencyNs
	cfg.StreamID = streamID

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(addr, cfg)
		ch <- dialResult{conn, err}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt dial failed: %w", res.err)
		}
		p.logger.Infow("srt destination connected", "destination_id", dest.ID, "address", addr)
		return &srtSink{conn: res.conn}, nil
	case <-ctx.Done():
		// close a connection that completes after we gave up
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, fmt.Errorf("srt dial to %s: %w", addr, ctx.Err())
	}
}

func (p *SRTPublisher) target(dest domain.RelayDestination) (addr, streamID string, err error) {
	u, err := url.Parse(dest.URL)
	if err != nil || u.Scheme != "srt" || u.Host == "" {
		return "", "", fmt.Errorf("%w: %s", domain.ErrUnsupportedScheme, dest.URL)
	}
	if u.Port() == "" {
		return "", "", fmt.Errorf("srt url %s has no port", dest.URL)
	}

	streamID = u.Query().Get("streamid")
	if streamID == "" {
		if streamID, err = resolveKey(p.secrets, dest.CredentialsRef); err != nil {
			return "", "", err
		}
	}
	if streamID == "" {
		streamID = u.Path
		if len(streamID) > 0 && streamID[0] == '/' {
			streamID = streamID[1:]
		}
	}
	return u.Host, streamID, nil
}

type srtSink struct {
	conn   *srtgo.Conn
	mu     sync.Mutex // serializes writes
	once   sync.Once
	closed atomic.Bool
}

func (s *srtSink) Write(chunk domain.MediaChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := chunk.Data
	for len(data) > 0 {
		if s.closed.Load() {
			return ErrSinkClosed
		}
		n := min(len(data), srtPayloadSize)
		if _, err := s.conn.Write(data[:n]); err != nil {
			return fmt.Errorf("srt write failed: %w", err)
		}
		data = data[n:]
	}
	return nil
}

// Close may run while a write is blocked; closing the conn unblocks it.
func (s *srtSink) Close() error {
	s.closed.Store(true)
	s.once.Do(func() { s.conn.Close() })
	return nil
}
