package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer"
	"squadx/internal/core/ports"
	"squadx/pkg/actor"
	"squadx/pkg/cache"
	"squadx/pkg/tracing"
	"squadx/pkg/utils"
)

// UI-facing session status values.
const (
	StatusConnecting   = "connecting"
	StatusActive       = "active"
	StatusReconnecting = "reconnecting"
	StatusEnded        = "ended"
)

type OrchestratorConfig struct {
	Supervisor         SupervisorConfig
	StatsInterval      time.Duration
	UsageInterval      time.Duration
	CursorHz           float64
	DedupTTL           time.Duration
	RelayRestartWindow time.Duration
	// ShutdownTimeout bounds how long EndSession and Leave wait for peers to close.
	ShutdownTimeout time.Duration
}

func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Supervisor:         DefaultSupervisorConfig(),
		StatsInterval:      2 * time.Second,
		UsageInterval:      time.Minute,
		CursorHz:           30,
		DedupTTL:           2 * time.Minute,
		RelayRestartWindow: 2 * time.Second,
		ShutdownTimeout:    5 * time.Second,
	}
}

// OrchestratorDeps are the collaborators behind the ports. Relays and Mixer are
// optional.
type OrchestratorDeps struct {
	Sessions    ports.SessionService
	Dialer      ports.TransportDialer
	Engine      ports.MediaEngine
	RelayTokens ports.RelayTokenIssuer
	RelayDialer ports.RelayDialer
	Events      ports.EventSink
	Injector    ports.InputInjector
	Relays      *RelayStreamManager
	Mixer       *Mixer
	Quality     *QualityService
	Metrics     ports.Metrics
}

// OrchestratorStatus summarizes the active session for the UI.
type OrchestratorStatus struct {
	SessionID     domain.SessionID     `json:"session_id,omitempty"`
	ParticipantID domain.ParticipantID `json:"participant_id,omitempty"`
	Role          domain.Role          `json:"role,omitempty"`
	Topology      domain.Topology      `json:"topology,omitempty"`
	JoinCode      string               `json:"join_code,omitempty"`
	Status        string               `json:"status"`
	Peers         int                  `json:"peers"`
	Control       *ControlSnapshot     `json:"control,omitempty"`
	StartedAt     *time.Time           `json:"started_at,omitempty"`
}

// SessionOrchestrator is the entry point used by the UI layer. It runs at most
// one session at a time, as host or as viewer.
type SessionOrchestrator struct {
	cfg     OrchestratorConfig
	deps    OrchestratorDeps
	metrics ports.Metrics
	logger  *zap.SugaredLogger

	mu     sync.Mutex
	active *liveSession
}

func NewSessionOrchestrator(cfg OrchestratorConfig, deps OrchestratorDeps, logger *zap.SugaredLogger) *SessionOrchestrator {
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Quality == nil {
		deps.Quality = NewQualityService()
	}
	return &SessionOrchestrator{
		cfg:     cfg,
		deps:    deps,
		metrics: deps.Metrics,
		logger:  logger.With("component", "session_orchestrator"),
	}
}

// liveSession is everything owned by one hosted or joined session. Stream
// events and API calls run on box; peer work runs on peers, one mailbox per
// remote participant.
type liveSession struct {
	o          *SessionOrchestrator
	membership domain.Membership
	self       domain.ParticipantID
	role       domain.Role
	topology   domain.Topology
	log        *zap.SugaredLogger

	ctx       context.Context
	cancel    context.CancelFunc
	transport ports.SignalTransport
	box       *actor.Mailbox
	peers     *actor.Group
	registry  *peer.Registry
	signaler  *peer.Signaler
	seen      *cache.Cache[string, struct{}]

	arbiter    *ControlArbiter
	audio      *AudioRelay
	supervisor *ConnectionSupervisor
	policy     *BitratePolicy
	cursor     *rate.Limiter
	startedAt  time.Time

	// touched only on box
	config  *domain.NegotiationConfig
	waiting []domain.Participant
	early   []domain.SignalMessage
	link    *peer.RelayLink

	mu      sync.Mutex
	status  string
	ended   bool
	handles map[domain.ParticipantID]*peerHandle
	local   map[domain.TrackID]peer.Track
	stats   map[domain.ParticipantID]context.CancelFunc
}

// peerHandle binds engine callbacks to the session they were registered for.
type peerHandle struct {
	id domain.ParticipantID

	mu   sync.Mutex
	sess peer.Session
}

func (h *peerHandle) get() peer.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sess
}

func (h *peerHandle) set(s peer.Session) {
	h.mu.Lock()
	h.sess = s
	h.mu.Unlock()
}

// prepare wires a live session for membership. Nothing runs until open.
func (o *SessionOrchestrator) prepare(m domain.Membership) (*liveSession, error) {
	transport, err := o.deps.Dialer.Dial(m)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling: %w", err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	log := o.logger.With("session_id", m.Session.ID, "participant_id", m.Participant.ID, "role", m.Participant.Role)
	clock := utils.NewMonotonicClock(time.Now)

	s := &liveSession{
		o:          o,
		membership: m,
		self:       m.Participant.ID,
		role:       m.Participant.Role,
		topology:   m.Session.Topology,
		log:        log,
		ctx:        sctx,
		cancel:     cancel,
		transport:  transport,
		registry:   peer.NewRegistry(),
		seen:       cache.New[string, struct{}](o.cfg.DedupTTL),
		policy:     NewBitratePolicy(o.deps.Quality, log),
		cursor:     rate.NewLimiter(rate.Limit(o.cfg.CursorHz), 1),
		startedAt:  time.Now(),
		status:     StatusConnecting,
		handles:    make(map[domain.ParticipantID]*peerHandle),
		local:      make(map[domain.TrackID]peer.Track),
		stats:      make(map[domain.ParticipantID]context.CancelFunc),
	}
	s.signaler = &peer.Signaler{Self: s.self, Clock: clock, Submit: s.submit}
	s.box = actor.NewMailbox(sctx, "session", log)
	s.peers = actor.NewGroup(sctx, log)
	s.supervisor = NewConnectionSupervisor(o.cfg.Supervisor, s.dispatch, s.giveUp, o.metrics, log)
	s.audio = NewAudioRelay(s.audioPeers, s.dispatch, o.deps.Mixer, log)
	if s.role == domain.RoleHost {
		s.arbiter = NewControlArbiter(s.self, m.Session.Settings.AllowControl, s.controlPeer, s.closePeer, clock, o.metrics, log)
	}
	return s, nil
}

// open starts the signaling stream and the session's background tasks.
func (s *liveSession) open() error {
	events, err := s.transport.Open(s.ctx)
	if err != nil {
		s.discard()
		return fmt.Errorf("failed to open signaling stream: %w", err)
	}
	go s.readLoop(events)

	if s.role == domain.RoleHost {
		reporter := NewUsageReporter(s.o.deps.Sessions, s.o.cfg.UsageInterval, s.usage, s.log)
		go reporter.Run(s.ctx)
	}
	s.emit(domain.UIEvent{Type: domain.UISessionStatus, State: StatusConnecting})
	return nil
}

// discard releases a session that never opened.
func (s *liveSession) discard() {
	s.cancel()
	s.box.Close()
	s.peers.Close()
	s.supervisor.Stop()
	s.seen.Stop()
	_ = s.transport.Close()
	s.o.clear(s)
}

// start installs and opens a prepared session.
func (o *SessionOrchestrator) start(m domain.Membership) (*liveSession, error) {
	s, err := o.prepare(m)
	if err != nil {
		return nil, err
	}
	if err := o.install(s); err != nil {
		s.discard()
		return nil, err
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

// install makes s the active session unless another one is running.
func (o *SessionOrchestrator) install(s *liveSession) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return domain.ErrSessionActive
	}
	o.active = s
	return nil
}

func (o *SessionOrchestrator) reserve() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return domain.ErrSessionActive
	}
	return nil
}

func (o *SessionOrchestrator) current() (*liveSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return nil, domain.ErrNoActiveSession
	}
	return o.active, nil
}

func (o *SessionOrchestrator) currentAs(role domain.Role) (*liveSession, error) {
	s, err := o.current()
	if err != nil {
		return nil, err
	}
	if s.role != role {
		if role == domain.RoleHost {
			return nil, domain.ErrNotHost
		}
		return nil, domain.ErrNotViewer
	}
	return s, nil
}

func (o *SessionOrchestrator) clear(s *liveSession) {
	o.mu.Lock()
	if o.active == s {
		o.active = nil
	}
	o.mu.Unlock()
}

// PublishTrack sends a local track to every connected peer and to peers that
// connect later. Audio tracks are forwarded as the local participant's voice.
func (o *SessionOrchestrator) PublishTrack(ctx context.Context, t peer.Track) error {
	s, err := o.current()
	if err != nil {
		return err
	}
	t = t.OwnedBy(s.self)

	s.mu.Lock()
	if _, ok := s.local[t.Info.ID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.local[t.Info.ID] = t
	s.mu.Unlock()

	s.log.Infow("publishing track", "track_id", t.Info.ID, "kind", t.Info.Kind)
	if t.Info.Kind == domain.TrackAudio {
		s.audio.AddVoice(t)
		return nil
	}
	for _, sess := range s.registry.Connected() {
		s.attachLocal(sess, t)
	}
	return nil
}

func (o *SessionOrchestrator) UnpublishTrack(ctx context.Context, id domain.TrackID) error {
	s, err := o.current()
	if err != nil {
		return err
	}
	s.mu.Lock()
	t, ok := s.local[id]
	delete(s.local, id)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if t.Info.Kind == domain.TrackAudio {
		s.audio.RemoveParticipant(s.self)
		return nil
	}
	for _, sess := range s.registry.List() {
		sess := sess
		s.dispatch(sess.Participant(), func(ctx context.Context) {
			if err := sess.RemoveTrack(ctx, t.Key()); err != nil {
				s.log.Warnw("failed to remove track", "participant_id", sess.Participant(), "track_id", id, "error", err)
			}
		})
	}
	return nil
}

// SendCursor shares the local pointer position. Updates above the configured
// rate are dropped.
func (o *SessionOrchestrator) SendCursor(ctx context.Context, p domain.CursorPayload) error {
	s, err := o.current()
	if err != nil {
		return err
	}
	if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
		return fmt.Errorf("%w: cursor out of range", domain.ErrInvalidPayload)
	}
	if !s.cursor.Allow() {
		return nil
	}
	for _, sess := range s.registry.Connected() {
		if err := sess.SendCursor(ctx, p); err != nil {
			s.log.Debugw("failed to send cursor", "participant_id", sess.Participant(), "error", err)
		}
	}
	return nil
}

// SetMuted mutes a participant's voice. The host may mute anyone; a viewer only
// itself.
func (o *SessionOrchestrator) SetMuted(ctx context.Context, id domain.ParticipantID, muted bool) error {
	s, err := o.current()
	if err != nil {
		return err
	}
	if s.role != domain.RoleHost && id != s.self {
		return domain.ErrNotHost
	}

	s.audio.SetMuted(id, muted)
	s.emit(domain.UIEvent{Type: domain.UIMuteChanged, ParticipantID: id, Data: domain.MutePayload{ParticipantID: id, Muted: muted}})

	return s.broadcastMute(ctx, domain.MutePayload{ParticipantID: id, Muted: muted}, "")
}

// broadcastMute sends a mute state to every connected peer except skip.
func (s *liveSession) broadcastMute(ctx context.Context, p domain.MutePayload, skip domain.ParticipantID) error {
	for _, sess := range s.registry.Connected() {
		if sess.Participant() == skip {
			continue
		}
		msg, err := s.signaler.Build(domain.SignalMute, sess.Participant(), p)
		if err != nil {
			return err
		}
		if err := sess.SendControl(ctx, msg); err != nil {
			s.log.Warnw("failed to send mute", "participant_id", sess.Participant(), "error", err)
		}
	}
	return nil
}

// Peers snapshots every peer session of the active session.
func (o *SessionOrchestrator) Peers() []domain.PeerInfo {
	s, err := o.current()
	if err != nil {
		return nil
	}
	infos := s.registry.Snapshot()
	for i := range infos {
		infos[i].RestartAttempts = s.supervisor.Attempts(infos[i].ParticipantID)
	}
	return infos
}

func (o *SessionOrchestrator) Status() OrchestratorStatus {
	s, err := o.current()
	if err != nil {
		return OrchestratorStatus{Status: StatusEnded}
	}
	started := s.startedAt
	st := OrchestratorStatus{
		SessionID:     s.membership.Session.ID,
		ParticipantID: s.self,
		Role:          s.role,
		Topology:      s.topology,
		JoinCode:      s.membership.Session.JoinCode,
		Status:        s.currentStatus(),
		Peers:         s.registry.Len(),
		StartedAt:     &started,
	}
	if s.arbiter != nil {
		snap := s.arbiter.Snapshot()
		st.Control = &snap
	}
	return st
}

// shutdown closes every peer and releases the session. It must not run on a
// session or peer mailbox.
func (s *liveSession) shutdown(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.status = StatusEnded
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.o.cfg.ShutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, sess := range s.registry.List() {
		sess := sess
		wg.Add(1)
		err := s.peers.Post(string(sess.Participant()), func(ctx context.Context) {
			defer wg.Done()
			s.apply(ctx, sess, peer.EventClose)
		})
		if err != nil {
			wg.Done()
		}
	}
	waitGroup(ctx, &wg)

	s.supervisor.Stop()
	s.stopAllStats()
	if s.o.deps.Relays != nil && s.role == domain.RoleHost {
		s.o.deps.Relays.StopAll(ctx)
	}
	s.box.Close()
	s.peers.Close()
	if s.link != nil {
		_ = s.link.Close()
	}
	_ = s.transport.Close()
	s.cancel()
	s.seen.Stop()

	s.o.clear(s)
	s.log.Infow("session closed", "reason", reason)
	s.emit(domain.UIEvent{Type: domain.UISessionStatus, State: StatusEnded, Message: reason})
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *liveSession) readLoop(events <-chan domain.StreamEvent) {
	for ev := range events {
		ev := ev
		if err := s.box.Post(func(ctx context.Context) { s.handleStream(ctx, ev) }); err != nil {
			return
		}
	}
	// Outside shutdown the transport only ends the stream on terminal errors.
	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	if !ended {
		s.emit(domain.UIEvent{Type: domain.UIError, Message: "signaling stream closed", Terminal: true})
		s.shutdown(context.Background(), "signaling stream closed")
	}
}

func (s *liveSession) handleStream(ctx context.Context, ev domain.StreamEvent) {
	switch ev.Type {
	case domain.EventConnected:
		s.onConnected(ctx, ev.Config)
	case domain.EventInterrupted:
		s.log.Warnw("signaling stream interrupted", "error", ev.Error)
		s.setStatus(StatusReconnecting, ev.Error)
	case domain.EventPresenceJoin:
		if ev.Participant != nil {
			s.onJoin(ctx, *ev.Participant)
		}
	case domain.EventPresenceLeave:
		if ev.Participant != nil && ev.Participant.ID != s.self {
			s.log.Infow("participant left", "remote_id", ev.Participant.ID)
			_ = s.closePeer(ctx, ev.Participant.ID)
		}
	case domain.EventSignal:
		if ev.Signal != nil {
			s.onSignal(ctx, *ev.Signal)
		}
	}
}

func (s *liveSession) onConnected(ctx context.Context, cfg *domain.NegotiationConfig) {
	if cfg == nil {
		s.log.Warnw("connected event without negotiation config")
		return
	}
	first := s.config == nil
	c := *cfg
	s.config = &c
	s.setStatus(StatusActive, "")
	if !first {
		return
	}

	if s.topology == domain.TopologyRelay {
		if err := s.connectLink(ctx); err != nil {
			s.log.Errorw("failed to connect relay link", "error", err)
			s.emit(domain.UIEvent{Type: domain.UIError, Message: err.Error()})
		}
	}

	waiting, early := s.waiting, s.early
	s.waiting, s.early = nil, nil
	for _, p := range waiting {
		s.onJoin(ctx, p)
	}
	for _, msg := range early {
		s.route(ctx, msg)
	}
}

// onJoin builds the session for a newly present participant. Hosts connect to
// every viewer. In mesh a viewer connects only to the host; in relay it keeps a
// logical session with everyone.
func (s *liveSession) onJoin(ctx context.Context, p domain.Participant) {
	if p.ID == s.self {
		return
	}
	if s.role == domain.RoleViewer && s.topology == domain.TopologyMesh && p.Role != domain.RoleHost {
		return
	}
	if _, err := s.addPeer(ctx, p.ID); err != nil && err != domain.ErrPeerExists {
		if err == domain.ErrNegotiationConfigMissing {
			s.waiting = append(s.waiting, p)
			return
		}
		s.log.Warnw("failed to create peer session", "remote_id", p.ID, "error", err)
	}
}

func (s *liveSession) onSignal(ctx context.Context, msg domain.SignalMessage) {
	if msg.SenderID == s.self || (msg.TargetID != "" && msg.TargetID != s.self) {
		return
	}
	if s.seen.Seen(msg.ID) {
		s.o.metrics.SignalProcessed(msg.Type, "duplicate")
		return
	}
	if err := msg.Validate(); err != nil {
		s.o.metrics.SignalProcessed(msg.Type, "invalid")
		s.log.Warnw("dropping invalid signal", "sender_id", msg.SenderID, "type", msg.Type, "error", err)
		return
	}
	if s.config == nil {
		s.early = append(s.early, msg)
		return
	}
	s.route(ctx, msg)
}

func (s *liveSession) route(ctx context.Context, msg domain.SignalMessage) {
	ctx, span := tracing.TraceSignal(ctx, string(msg.Type), string(msg.SenderID))
	defer span.End()

	if !msg.Type.Negotiation() {
		h := s.handle(msg.SenderID)
		if h == nil {
			s.o.metrics.SignalProcessed(msg.Type, "no_peer")
			s.log.Debugw("control message from unknown peer", "sender_id", msg.SenderID, "type", msg.Type)
			return
		}
		s.onPeer(h, func(ctx context.Context, sess peer.Session) { s.handleControl(ctx, sess, msg) })
		return
	}

	if s.topology == domain.TopologyRelay {
		s.log.Debugw("ignoring negotiation on session stream", "type", msg.Type)
		return
	}
	h := s.handle(msg.SenderID)
	if h == nil {
		// a viewer learns about the host from its first offer when presence lags
		if s.role != domain.RoleViewer || msg.Type != domain.SignalOffer || msg.SenderID != s.membership.Session.HostID {
			s.o.metrics.SignalProcessed(msg.Type, "no_peer")
			return
		}
		var err error
		if h, err = s.addPeer(ctx, msg.SenderID); err != nil {
			s.log.Warnw("failed to create peer session", "remote_id", msg.SenderID, "error", err)
			return
		}
	}

	s.onPeer(h, func(ctx context.Context, sess peer.Session) {
		ctx, span := tracing.TraceNegotiation(ctx, string(msg.Type), string(msg.SenderID), isRestart(msg))
		var err error
		defer tracing.End(span, &err)

		if msg.Type == domain.SignalOffer {
			s.apply(ctx, sess, peer.EventRemoteOffer)
		}
		if err = sess.HandleSignal(ctx, msg); err != nil {
			s.o.metrics.SignalProcessed(msg.Type, "error")
			s.log.Warnw("negotiation error", "remote_id", msg.SenderID, "type", msg.Type, "error", err)
			return
		}
		s.o.metrics.SignalProcessed(msg.Type, "ok")
	})
}

// submit sends msg through the session transport.
func (s *liveSession) submit(ctx context.Context, msg domain.SignalMessage) error {
	if err := s.transport.Submit(ctx, msg); err != nil {
		return fmt.Errorf("failed to submit %s: %w", msg.Type, err)
	}
	return nil
}

func (s *liveSession) handle(id domain.ParticipantID) *peerHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handles[id]
}

// onPeer runs fn on h's mailbox with the session h is bound to.
func (s *liveSession) onPeer(h *peerHandle, fn func(ctx context.Context, sess peer.Session)) {
	err := s.peers.Post(string(h.id), func(ctx context.Context) {
		sess := h.get()
		if sess == nil {
			return
		}
		fn(ctx, sess)
	})
	if err != nil {
		s.log.Debugw("peer mailbox closed", "remote_id", h.id, "error", err)
	}
}

// dispatch runs fn on id's mailbox. It is the Dispatcher handed to the audio
// relay and the supervisor.
func (s *liveSession) dispatch(id domain.ParticipantID, fn func(ctx context.Context)) {
	if err := s.peers.Post(string(id), fn); err != nil {
		s.log.Debugw("peer mailbox closed", "remote_id", id, "error", err)
	}
}

func (s *liveSession) audioPeers() []AudioPeer {
	sessions := s.registry.List()
	out := make([]AudioPeer, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess)
	}
	return out
}

func (s *liveSession) controlPeer(id domain.ParticipantID) (ControlPeer, bool) {
	sess, ok := s.registry.Get(id)
	if !ok {
		return nil, false
	}
	return sess, true
}

// closePeer closes id's session on its own mailbox.
func (s *liveSession) closePeer(_ context.Context, id domain.ParticipantID) error {
	h := s.handle(id)
	if h == nil {
		return domain.ErrPeerNotFound
	}
	s.onPeer(h, func(ctx context.Context, sess peer.Session) {
		s.apply(ctx, sess, peer.EventClose)
	})
	return nil
}

func (s *liveSession) giveUp(id domain.ParticipantID) {
	h := s.handle(id)
	if h == nil {
		return
	}
	s.onPeer(h, func(ctx context.Context, sess peer.Session) {
		s.apply(ctx, sess, peer.EventGiveUp)
	})
}

func (s *liveSession) usage() domain.UsageReport {
	r := domain.UsageReport{
		SessionID: s.membership.Session.ID,
		Viewers:   s.registry.Len(),
		Duration:  time.Since(s.startedAt),
	}
	if s.o.deps.Relays != nil {
		r.RelaysLive = s.o.deps.Relays.LiveCount()
	}
	return r
}

func (s *liveSession) setStatus(status, message string) {
	s.mu.Lock()
	if s.ended || s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	s.emit(domain.UIEvent{Type: domain.UISessionStatus, State: status, Message: message})
}

func (s *liveSession) currentStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *liveSession) emit(ev domain.UIEvent) {
	if s.o.deps.Events == nil {
		return
	}
	ev.SessionID = s.membership.Session.ID
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.o.deps.Events.Emit(ev)
}

func isRestart(msg domain.SignalMessage) bool {
	if msg.Type != domain.SignalOffer {
		return false
	}
	var p domain.SDPPayload
	return msg.Decode(&p) == nil && p.Restart
}
