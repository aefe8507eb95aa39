package publish

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
)

// FFmpegPublisher pushes MPEG-TS chunks to rtmp:// and rtmps:// destinations
// through an ffmpeg child process that re-encodes to the destination profile.
type FFmpegPublisher struct {
	path    string
	secrets SecretResolver
	logger  *zap.SugaredLogger

	// command is exec.CommandContext outside tests.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

var _ ports.Publisher = (*FFmpegPublisher)(nil)

func NewFFmpegPublisher(path string, secrets SecretResolver, logger *zap.SugaredLogger) *FFmpegPublisher {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegPublisher{
		path:    path,
		secrets: secrets,
		logger:  logger.With("component", "ffmpeg_publisher"),
		command: exec.CommandContext,
	}
}

func (p *FFmpegPublisher) Schemes() []string { return []string{"rtmp", "rtmps"} }

func (p *FFmpegPublisher) Open(ctx context.Context, dest domain.RelayDestination) (ports.PublishSink, error) {
	target, err := p.target(dest)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The process outlives the dial context.
	pctx, cancel := context.WithCancel(context.Background())
	cmd := p.command(pctx, p.path, ffmpegArgs(dest.Profile, target)...)
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to open ffmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	sink := &ffmpegSink{
		stdin:  stdin,
		cancel: cancel,
		exited: make(chan struct{}),
		logger: p.logger.With("destination_id", dest.ID),
	}
	go func() {
		sink.waitErr = cmd.Wait()
		if sink.waitErr != nil {
			sink.waitErr = fmt.Errorf("ffmpeg exited: %w: %s", sink.waitErr, stderr.String())
		}
		close(sink.exited)
	}()
	p.logger.Infow("ffmpeg started", "destination_id", dest.ID, "pid", cmd.Process.Pid)
	return sink, nil
}

// target is the destination URL with the resolved stream key appended as the
// last path element.
func (p *FFmpegPublisher) target(dest domain.RelayDestination) (string, error) {
	u, err := url.Parse(dest.URL)
	if err != nil || (u.Scheme != "rtmp" && u.Scheme != "rtmps") || u.Host == "" {
		return "", fmt.Errorf("%w: %s", domain.ErrUnsupportedScheme, dest.URL)
	}
	key, err := resolveKey(p.secrets, dest.CredentialsRef)
	if err != nil {
		return "", err
	}
	if key != "" {
		u.Path = strings.TrimRight(u.Path, "/") + "/" + key
	}
	return u.String(), nil
}

func ffmpegArgs(profile domain.EncoderProfile, target string) []string {
	if profile.VideoBitrateKbps <= 0 {
		profile = domain.DefaultEncoderProfile()
	}
	kbps := func(v int) string { return strconv.Itoa(v) + "k" }
	gop := profile.Framerate * profile.KeyframeIntervalSec

	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "mpegts", "-i", "pipe:0",
		"-c:v", "libx264", "-preset", "veryfast", "-tune", "zerolatency",
		"-b:v", kbps(profile.VideoBitrateKbps),
		"-maxrate", kbps(profile.VideoBitrateKbps),
		"-bufsize", kbps(2 * profile.VideoBitrateKbps),
	}
	if profile.Width > 0 && profile.Height > 0 {
		args = append(args, "-s", fmt.Sprintf("%dx%d", profile.Width, profile.Height))
	}
	if profile.Framerate > 0 {
		args = append(args, "-r", strconv.Itoa(profile.Framerate))
	}
	if gop > 0 {
		args = append(args, "-g", strconv.Itoa(gop))
	}
	return append(args,
		"-c:a", "aac", "-b:a", kbps(profile.AudioBitrateKbps),
		"-f", "flv", target,
	)
}

type ffmpegSink struct {
	stdin   io.WriteCloser
	cancel  context.CancelFunc
	exited  chan struct{}
	waitErr error
	logger  *zap.SugaredLogger

	mu     sync.Mutex // serializes writes
	once   sync.Once
	closed atomic.Bool
}

func (s *ffmpegSink) Write(chunk domain.MediaChunk) error {
	select {
	case <-s.exited:
		if s.waitErr != nil {
			return s.waitErr
		}
		return errors.New("ffmpeg exited")
	default:
	}
	if s.closed.Load() {
		return ErrSinkClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.stdin.Write(chunk.Data); err != nil {
		return fmt.Errorf("failed to write to ffmpeg: %w", err)
	}
	return nil
}

// Close ends ffmpeg's input and waits briefly for it to flush before killing it.
func (s *ffmpegSink) Close() error {
	s.closed.Store(true)
	s.once.Do(func() {
		_ = s.stdin.Close()
		select {
		case <-s.exited:
		case <-time.After(3 * time.Second):
			s.logger.Warnw("ffmpeg did not exit, killing")
			s.cancel()
			<-s.exited
		}
		s.cancel()
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if extra := t.buf.Len() - t.max; extra > 0 {
		t.buf.Next(extra)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
