package services

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"squadx/internal/core/domain"
	"squadx/internal/core/ports"
	"squadx/pkg/tracing"
	"squadx/pkg/utils"
	"squadx/pkg/validation"
)

type RelayManagerConfig struct {
	DialTimeout           time.Duration
	ReconnectAttempts     int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	QueueBytes            int
	StatsWindow           time.Duration
}

func DefaultRelayManagerConfig() RelayManagerConfig {
	return RelayManagerConfig{
		DialTimeout:           10 * time.Second,
		ReconnectAttempts:     5,
		ReconnectInitialDelay: time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		QueueBytes:            8 << 20,
		StatsWindow:           time.Second,
	}
}

// RelayStreamManager publishes the session to external destinations. Every
// destination has its own stream so one failing target never stalls another.
type RelayStreamManager struct {
	repo       ports.DestinationRepository
	publishers map[string]ports.Publisher
	cfg        RelayManagerConfig
	onStatus   func(domain.RelayStreamStatus)
	metrics    ports.Metrics
	logger     *zap.SugaredLogger

	mu      sync.RWMutex
	streams map[domain.DestinationID]*relayStream
	closed  bool
}

// NewRelayStreamManager builds a manager dispatching to publishers by URL scheme.
// onStatus, when set, receives every state change.
func NewRelayStreamManager(repo ports.DestinationRepository, publishers []ports.Publisher, cfg RelayManagerConfig, onStatus func(domain.RelayStreamStatus), metrics ports.Metrics, logger *zap.SugaredLogger) *RelayStreamManager {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	byScheme := make(map[string]ports.Publisher)
	for _, p := range publishers {
		for _, scheme := range p.Schemes() {
			byScheme[strings.ToLower(scheme)] = p
		}
	}
	return &RelayStreamManager{
		repo:       repo,
		publishers: byScheme,
		cfg:        cfg,
		onStatus:   onStatus,
		metrics:    metrics,
		logger:     logger.With("component", "relay_stream_manager"),
		streams:    make(map[domain.DestinationID]*relayStream),
	}
}

func (m *RelayStreamManager) AddDestination(ctx context.Context, dest *domain.RelayDestination) error {
	if err := m.validate(dest); err != nil {
		return err
	}
	now := time.Now()
	if dest.ID == "" {
		dest.ID = domain.DestinationID(uuid.New().String())
	}
	if dest.Profile == (domain.EncoderProfile{}) {
		dest.Profile = domain.DefaultEncoderProfile()
	}
	dest.CreatedAt = now
	dest.UpdatedAt = now

	if err := m.repo.Create(ctx, dest); err != nil {
		return fmt.Errorf("failed to create destination: %w", err)
	}
	m.logger.Infow("relay destination added", "destination_id", dest.ID, "name", dest.Name)
	return nil
}

// UpdateDestination replaces a stopped destination's settings.
func (m *RelayStreamManager) UpdateDestination(ctx context.Context, dest *domain.RelayDestination) error {
	if err := m.validate(dest); err != nil {
		return err
	}
	if m.isRunning(dest.ID) {
		return domain.ErrDestinationRunning
	}
	existing, err := m.repo.GetByID(ctx, dest.ID)
	if err != nil {
		return err
	}
	dest.CreatedAt = existing.CreatedAt
	dest.UpdatedAt = time.Now()
	if err := m.repo.Update(ctx, dest); err != nil {
		return fmt.Errorf("failed to update destination: %w", err)
	}
	return nil
}

// RemoveDestination stops the destination if it is running and deletes it.
func (m *RelayStreamManager) RemoveDestination(ctx context.Context, id domain.DestinationID) error {
	m.Stop(ctx, id)
	if err := m.repo.Delete(ctx, id); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
	m.logger.Infow("relay destination removed", "destination_id", id)
	return nil
}

func (m *RelayStreamManager) ListDestinations(ctx context.Context) ([]*domain.RelayDestination, error) {
	return m.repo.List(ctx)
}

func (m *RelayStreamManager) GetDestination(ctx context.Context, id domain.DestinationID) (*domain.RelayDestination, error) {
	return m.repo.GetByID(ctx, id)
}

// Start connects one destination. Starting a running destination succeeds
// without reconnecting.
func (m *RelayStreamManager) Start(ctx context.Context, id domain.DestinationID) (result domain.StartResult) {
	ctx, span := tracing.TraceRelay(ctx, "start", string(id))
	var err error
	defer tracing.End(span, &err)

	result = domain.StartResult{DestinationID: id}
	fail := func(e error) domain.StartResult {
		err = e
		result.Error = e.Error()
		return result
	}

	dest, err := m.repo.GetByID(ctx, id)
	if err != nil {
		return fail(err)
	}
	if !dest.Enabled {
		return fail(domain.ErrDestinationDisabled)
	}
	publisher, err := m.publisherFor(dest.URL)
	if err != nil {
		return fail(err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fail(domain.ErrNoActiveSession)
	}
	if s, ok := m.streams[id]; ok && s.running() {
		m.mu.Unlock()
		// a concurrent start may still be dialing
		if err = s.awaitStart(ctx); err != nil {
			return fail(err)
		}
		result.Success = true
		return result
	}
	stream := newRelayStream(*dest, publisher, m.cfg, m.onStatus, m.metrics, m.logger)
	m.streams[id] = stream
	m.mu.Unlock()

	if err = stream.start(ctx); err != nil {
		m.logger.Warnw("relay destination failed to start", "destination_id", id, "error", err)
		return fail(err)
	}
	m.logger.Infow("relay destination live", "destination_id", id, "url", utils.RedactURL(dest.URL))
	result.Success = true
	return result
}

// Stop disconnects one destination. Stopping an idle destination succeeds.
func (m *RelayStreamManager) Stop(ctx context.Context, id domain.DestinationID) domain.StartResult {
	_, span := tracing.TraceRelay(ctx, "stop", string(id))
	defer span.End()

	m.mu.RLock()
	stream, ok := m.streams[id]
	m.mu.RUnlock()
	if ok {
		stream.stop()
		m.logger.Infow("relay destination stopped", "destination_id", id)
	}
	return domain.StartResult{DestinationID: id, Success: true}
}

// StartAll starts every enabled destination concurrently.
func (m *RelayStreamManager) StartAll(ctx context.Context) (domain.BatchStartResult, error) {
	dests, err := m.repo.List(ctx)
	if err != nil {
		return domain.BatchStartResult{}, fmt.Errorf("failed to list destinations: %w", err)
	}

	var (
		mu    sync.Mutex
		batch domain.BatchStartResult
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, dest := range dests {
		if !dest.Enabled {
			continue
		}
		id := dest.ID
		g.Go(func() error {
			res := m.Start(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if res.Success {
				batch.Started++
			} else {
				batch.Errors = append(batch.Errors, domain.DestinationError{DestinationID: id, Error: res.Error})
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(batch.Errors, func(i, j int) bool {
		return batch.Errors[i].DestinationID < batch.Errors[j].DestinationID
	})
	return batch, nil
}

func (m *RelayStreamManager) StopAll(ctx context.Context) {
	m.mu.RLock()
	ids := make([]domain.DestinationID, 0, len(m.streams))
	for id := range m.streams {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id domain.DestinationID) {
			defer wg.Done()
			m.Stop(ctx, id)
		}(id)
	}
	wg.Wait()
}

// Write hands chunk to every running destination. It never blocks; a full
// destination queue drops the chunk for that destination only.
func (m *RelayStreamManager) Write(chunk domain.MediaChunk) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		s.enqueue(chunk)
	}
}

func (m *RelayStreamManager) Status(id domain.DestinationID) (domain.RelayStreamStatus, bool) {
	m.mu.RLock()
	s, ok := m.streams[id]
	m.mu.RUnlock()
	if !ok {
		return domain.RelayStreamStatus{DestinationID: id, State: domain.RelayIdle}, false
	}
	return s.status(), true
}

// Statuses reports every destination that has been started at least once.
func (m *RelayStreamManager) Statuses() []domain.RelayStreamStatus {
	m.mu.RLock()
	out := make([]domain.RelayStreamStatus, 0, len(m.streams))
	for _, s := range m.streams {
		out = append(out, s.status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DestinationID < out[j].DestinationID })
	return out
}

// LiveCount is the number of destinations currently live.
func (m *RelayStreamManager) LiveCount() int {
	n := 0
	for _, st := range m.Statuses() {
		if st.State == domain.RelayLive {
			n++
		}
	}
	return n
}

// Close stops every destination and rejects further starts.
func (m *RelayStreamManager) Close(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.StopAll(ctx)
}

func (m *RelayStreamManager) isRunning(id domain.DestinationID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[id]
	return ok && s.running()
}

func (m *RelayStreamManager) validate(dest *domain.RelayDestination) error {
	if dest == nil {
		return fmt.Errorf("%w: destination is required", domain.ErrInvalidDestination)
	}
	if strings.TrimSpace(dest.Name) == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidDestination)
	}
	if err := validation.ValidateRelayURL(dest.URL); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidDestination, err)
	}
	_, err := m.publisherFor(dest.URL)
	return err
}

func (m *RelayStreamManager) publisherFor(raw string) (ports.Publisher, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}
	p, ok := m.publishers[strings.ToLower(u.Scheme)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedScheme, u.Scheme)
	}
	return p, nil
}
