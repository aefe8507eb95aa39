package services

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/webrtc/v3"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer"
	"squadx/internal/core/ports"
)

// addPeer builds the session to remote and starts it on its mailbox. It runs on
// the session mailbox.
func (s *liveSession) addPeer(ctx context.Context, remote domain.ParticipantID) (*peerHandle, error) {
	if s.config == nil {
		return nil, domain.ErrNegotiationConfigMissing
	}
	if _, ok := s.registry.Get(remote); ok {
		return nil, domain.ErrPeerExists
	}

	h := &peerHandle{id: remote}
	var sess peer.Session
	switch s.topology {
	case domain.TopologyRelay:
		if s.link == nil {
			return nil, fmt.Errorf("relay link not connected")
		}
		sess = peer.NewRelaySession(peer.RelayConfig{
			Self:     s.self,
			Remote:   remote,
			Link:     s.link,
			Signaler: s.signaler,
			Hooks:    s.hooks(h),
			Logger:   s.log,
		})
	default:
		pc, err := s.o.deps.Engine.NewPeerConnection(*s.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}
		sess = peer.NewMeshSession(peer.MeshConfig{
			Remote:    remote,
			Initiator: s.role == domain.RoleHost,
			PC:        pc,
			Signaler:  s.signaler,
			Hooks:     s.hooks(h),
			Logger:    s.log,
		})
	}
	h.set(sess)

	if err := s.registry.Add(sess); err != nil {
		_ = sess.Close()
		return nil, err
	}
	s.mu.Lock()
	s.handles[remote] = h
	s.mu.Unlock()
	s.log.Infow("peer session created", "remote_id", remote, "connection_id", sess.ID())

	s.onPeer(h, func(ctx context.Context, sess peer.Session) {
		if err := sess.Start(ctx); err != nil {
			s.log.Warnw("failed to start peer session", "remote_id", remote, "error", err)
			s.apply(ctx, sess, peer.EventNegotiationFailed)
			return
		}
		s.apply(ctx, sess, peer.EventStart)
	})
	return h, nil
}

// hooks turns engine callbacks into tasks on h's mailbox.
func (s *liveSession) hooks(h *peerHandle) peer.Hooks {
	return peer.Hooks{
		OnEvent: func(ev peer.Event) {
			s.onPeer(h, func(ctx context.Context, sess peer.Session) { s.apply(ctx, sess, ev) })
		},
		OnCandidate: func(c *webrtc.ICECandidateInit) {
			s.onPeer(h, func(ctx context.Context, sess peer.Session) {
				if err := sess.SendCandidate(ctx, c); err != nil {
					s.log.Debugw("failed to send candidate", "remote_id", h.id, "error", err)
				}
			})
		},
		OnTrack: func(track ports.InboundTrack) {
			s.onPeer(h, func(ctx context.Context, sess peer.Session) { s.onTrack(ctx, sess, track) })
		},
		OnControl: func(msg domain.SignalMessage) {
			if s.seen.Seen(msg.ID) {
				return
			}
			s.onPeer(h, func(ctx context.Context, sess peer.Session) { s.handleControl(ctx, sess, msg) })
		},
		OnCursor: func(p domain.CursorPayload) {
			s.emit(domain.UIEvent{Type: domain.UICursor, ParticipantID: h.id, Data: p})
		},
	}
}

// apply feeds ev to sess and executes the resulting commands. It runs on the
// peer's mailbox.
func (s *liveSession) apply(ctx context.Context, sess peer.Session, ev peer.Event) {
	before := sess.State()
	cmds := sess.Apply(ev)
	after := sess.State()
	if before != after {
		s.o.metrics.PeerStateChanged(s.topology, before, after)
		s.emit(domain.UIEvent{Type: domain.UIPeerState, ParticipantID: sess.Participant(), State: string(after)})
	}
	for _, cmd := range cmds {
		s.execute(ctx, sess, cmd)
	}
}

func (s *liveSession) execute(ctx context.Context, sess peer.Session, cmd peer.Command) {
	id := sess.Participant()
	switch cmd {
	case peer.CmdCreateOffer:
		if err := sess.Renegotiate(ctx); err != nil {
			s.log.Warnw("failed to create offer", "remote_id", id, "error", err)
			s.apply(ctx, sess, peer.EventNegotiationFailed)
		}

	case peer.CmdStartStats:
		s.startStats(sess)

	case peer.CmdStopStats:
		s.stopStats(id)

	case peer.CmdSupervise:
		s.supervisor.Supervise(id, sess.Restart)

	case peer.CmdRecovered:
		s.supervisor.Recovered(id)

	case peer.CmdNotifyConnected:
		s.onConnectedPeer(ctx, sess)

	case peer.CmdNotifyFailed:
		s.log.Warnw("peer session failed", "remote_id", id)
		s.emit(domain.UIEvent{Type: domain.UIPeerFailed, ParticipantID: id, State: string(domain.StateFailed), Terminal: true})
		s.apply(ctx, sess, peer.EventClose)

	case peer.CmdRelease:
		s.release(sess)
	}
}

// onConnectedPeer attaches what the new or recovered session should carry.
func (s *liveSession) onConnectedPeer(ctx context.Context, sess peer.Session) {
	s.log.Infow("peer connected", "remote_id", sess.Participant(), "connection_id", sess.ID())
	s.audio.OnConnected(sess)

	s.mu.Lock()
	tracks := make([]peer.Track, 0, len(s.local))
	for _, t := range s.local {
		if t.Info.Kind != domain.TrackAudio {
			tracks = append(tracks, t)
		}
	}
	s.mu.Unlock()
	for _, t := range tracks {
		if err := sess.AddTrack(ctx, t); err != nil {
			s.log.Warnw("failed to attach local track", "remote_id", sess.Participant(), "track_id", t.Info.ID, "error", err)
		}
	}
}

// attachLocal adds t to sess on its own mailbox.
func (s *liveSession) attachLocal(sess peer.Session, t peer.Track) {
	s.dispatch(sess.Participant(), func(ctx context.Context) {
		if err := sess.AddTrack(ctx, t); err != nil {
			s.log.Warnw("failed to attach local track", "remote_id", sess.Participant(), "track_id", t.Info.ID, "error", err)
		}
	})
}

// onTrack handles media arriving from the remote side. Stream ids carry the
// owner, so tracks forwarded by the host or the relay keep their origin.
func (s *liveSession) onTrack(ctx context.Context, sess peer.Session, track ports.InboundTrack) {
	info := peer.InboundInfo(track.Info(), sess.Participant())
	sess.RecordInbound(info)
	s.log.Infow("track received", "remote_id", sess.Participant(), "track_id", info.ID, "kind", info.Kind, "owner", info.Owner)
	s.emit(domain.UIEvent{Type: domain.UITrackAdded, ParticipantID: info.Owner, Data: info})

	if info.Kind != domain.TrackAudio {
		return
	}
	if pcm, ok := track.(ports.PCMSource); ok {
		s.audio.PlayLocal(info.Owner, pcm)
	}
	// the host fans viewer voices out to the other viewers
	if s.role == domain.RoleHost && s.topology == domain.TopologyMesh {
		s.audio.AddVoice(peer.Track{Info: info, Local: track.Local(), Gain: track})
	} else if s.audio.Muted(info.Owner) {
		track.SetGain(0)
	}
}

// release forgets a closed session everywhere. It runs on the peer's mailbox.
func (s *liveSession) release(sess peer.Session) {
	id := sess.Participant()
	if err := sess.Close(); err != nil {
		s.log.Debugw("error closing peer session", "remote_id", id, "error", err)
	}
	if !s.registry.Remove(id, sess) {
		return
	}
	s.mu.Lock()
	if h := s.handles[id]; h != nil && h.get() == sess {
		delete(s.handles, id)
	}
	s.mu.Unlock()

	s.supervisor.Cancel(id)
	s.stopStats(id)
	s.policy.Forget(id)
	if s.arbiter != nil {
		s.arbiter.Release(id)
	}
	s.audio.RemoveParticipant(id)
	s.peers.Remove(string(id))
	s.log.Infow("peer session released", "remote_id", id, "connection_id", sess.ID())
}

// startStats polls sess on its own mailbox until the session stops.
func (s *liveSession) startStats(sess peer.Session) {
	interval := s.o.cfg.StatsInterval
	if interval <= 0 {
		return
	}
	id := sess.Participant()
	ctx, cancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if prev, ok := s.stats[id]; ok {
		prev()
	}
	s.stats[id] = cancel
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.dispatch(id, func(pctx context.Context) {
					if ctx.Err() == nil {
						s.sampleStats(pctx, sess)
					}
				})
			}
		}
	}()
}

func (s *liveSession) stopStats(id domain.ParticipantID) {
	s.mu.Lock()
	cancel, ok := s.stats[id]
	delete(s.stats, id)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *liveSession) stopAllStats() {
	s.mu.Lock()
	stats := s.stats
	s.stats = make(map[domain.ParticipantID]context.CancelFunc)
	s.mu.Unlock()
	for _, cancel := range stats {
		cancel()
	}
}

// sampleStats records one stats sample and, on the host, moves the peer to a
// new preset when the policy says so.
func (s *liveSession) sampleStats(ctx context.Context, sess peer.Session) {
	stats, err := sess.Stats()
	if err != nil {
		s.log.Debugw("failed to read peer stats", "remote_id", sess.Participant(), "error", err)
		return
	}
	s.o.metrics.PeerStats(sess.Participant(), stats)

	if s.role != domain.RoleHost {
		return
	}
	preset, changed := s.policy.Evaluate(sess.Participant(), sess.Preset(), stats)
	if !changed {
		return
	}
	sess.SetPreset(preset)
	s.log.Infow("bitrate preset changed", "remote_id", sess.Participant(), "preset", preset, "rtt", stats.RoundTripTime, "packet_loss", stats.PacketLoss)
	msg, err := s.signaler.Build(domain.SignalBitrate, sess.Participant(), domain.BitratePayload{Preset: preset})
	if err != nil {
		return
	}
	if err := sess.SendControl(ctx, msg); err != nil {
		s.log.Debugw("failed to send bitrate preset", "remote_id", sess.Participant(), "error", err)
	}
}

// connectLink opens the shared connection to the forwarding relay. It runs on
// the session mailbox.
func (s *liveSession) connectLink(ctx context.Context) error {
	if s.o.deps.RelayTokens == nil || s.o.deps.RelayDialer == nil {
		return fmt.Errorf("relay topology is not configured")
	}
	grant, err := s.o.deps.RelayTokens.IssueRelayToken(ctx, s.membership.Session.ID, s.self)
	if err != nil {
		return fmt.Errorf("failed to obtain relay grant: %w", err)
	}
	transport, err := s.o.deps.RelayDialer.DialRelay(*grant, s.self)
	if err != nil {
		return fmt.Errorf("failed to dial relay: %w", err)
	}
	pc, err := s.o.deps.Engine.NewPeerConnection(grant.Config)
	if err != nil {
		_ = transport.Close()
		return fmt.Errorf("failed to create relay connection: %w", err)
	}

	link := peer.NewRelayLink(peer.RelayLinkConfig{
		Self:          s.self,
		PC:            pc,
		Transport:     transport,
		Clock:         s.signaler.Clock,
		RestartWindow: s.o.cfg.RelayRestartWindow,
		OnMedia:       s.onLinkMedia,
		OnTrack:       s.onLinkTrack,
		Logger:        s.log,
	})
	if err := link.Connect(ctx); err != nil {
		_ = link.Close()
		return err
	}
	s.link = link
	s.log.Infow("relay link connected", "relay_url", grant.URL)
	return nil
}

// onLinkMedia fans link state out to every relay session.
func (s *liveSession) onLinkMedia(ev peer.Event) {
	s.mu.Lock()
	handles := make([]*peerHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()
	for _, h := range handles {
		s.onPeer(h, func(ctx context.Context, sess peer.Session) { s.apply(ctx, sess, ev) })
	}
}

// onLinkTrack routes a forwarded track to the session of its owner.
func (s *liveSession) onLinkTrack(track ports.InboundTrack) {
	owner := peer.InboundInfo(track.Info(), "").Owner
	h := s.handle(owner)
	if h == nil {
		s.log.Debugw("relay track for unknown participant", "owner", owner, "track_id", track.Info().ID)
		s.emit(domain.UIEvent{Type: domain.UITrackAdded, ParticipantID: owner, Data: track.Info()})
		return
	}
	s.onPeer(h, func(ctx context.Context, sess peer.Session) { s.onTrack(ctx, sess, track) })
}
