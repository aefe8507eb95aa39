package services

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
	"squadx/internal/core/peer"
	"squadx/internal/core/ports"
)

// AudioPeer is the part of a peer session the audio relay drives.
type AudioPeer interface {
	Participant() domain.ParticipantID
	State() domain.ConnectionState
	AddTrack(ctx context.Context, t peer.Track) error
	RemoveTrack(ctx context.Context, key domain.TrackKey) error
}

// Dispatcher runs fn on the work queue of participant id.
type Dispatcher func(id domain.ParticipantID, fn func(ctx context.Context))

// AudioRelay forwards every participant's voice track to every other connected
// session. Each (session, track) pair is attached once.
type AudioRelay struct {
	peers    func() []AudioPeer
	dispatch Dispatcher
	mixer    *Mixer
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	voices   map[domain.ParticipantID]peer.Track
	attached map[domain.ParticipantID]map[domain.TrackKey]bool
	muted    map[domain.ParticipantID]bool
}

// NewAudioRelay builds a relay over the sessions returned by peers. A nil dispatch
// runs peer work inline; mixer may be nil when nothing is played locally.
func NewAudioRelay(peers func() []AudioPeer, dispatch Dispatcher, mixer *Mixer, logger *zap.SugaredLogger) *AudioRelay {
	if dispatch == nil {
		dispatch = func(_ domain.ParticipantID, fn func(ctx context.Context)) { fn(context.Background()) }
	}
	return &AudioRelay{
		peers:    peers,
		dispatch: dispatch,
		mixer:    mixer,
		logger:   logger.With("component", "audio_relay"),
		voices:   make(map[domain.ParticipantID]peer.Track),
		attached: make(map[domain.ParticipantID]map[domain.TrackKey]bool),
		muted:    make(map[domain.ParticipantID]bool),
	}
}

// AddVoice registers t as its owner's voice and forwards it to every other
// connected session. A different track from the same owner replaces the old one.
func (r *AudioRelay) AddVoice(t peer.Track) {
	owner := t.Info.Owner

	r.mu.Lock()
	old, replacing := r.voices[owner]
	if replacing && old.Info.ID == t.Info.ID {
		replacing = false
	}
	r.voices[owner] = t
	muted := r.muted[owner]
	r.mu.Unlock()

	if t.Gain != nil {
		t.Gain.SetGain(gainFor(muted))
	}
	if replacing {
		r.logger.Infow("voice track replaced", "participant_id", owner, "old_track", old.Info.ID, "track_id", t.Info.ID)
		r.detachEverywhere(old.Key())
	}

	for _, p := range r.peers() {
		if p.Participant() == owner || p.State() != domain.StateConnected {
			continue
		}
		r.attach(p, t)
	}
}

// OnConnected attaches every known voice, other than the session's own, to p.
func (r *AudioRelay) OnConnected(p AudioPeer) {
	r.mu.Lock()
	voices := make([]peer.Track, 0, len(r.voices))
	for owner, t := range r.voices {
		if owner != p.Participant() {
			voices = append(voices, t)
		}
	}
	r.mu.Unlock()

	for _, t := range voices {
		r.attach(p, t)
	}
}

// RemoveParticipant retires id's voice everywhere and forgets what was attached
// to id's session. The mute flag survives so a rejoin stays muted.
func (r *AudioRelay) RemoveParticipant(id domain.ParticipantID) {
	r.mu.Lock()
	voice, ok := r.voices[id]
	delete(r.voices, id)
	delete(r.attached, id)
	r.mu.Unlock()

	if r.mixer != nil {
		r.mixer.RemoveSource(string(id))
	}
	if ok {
		r.detachEverywhere(voice.Key())
	}
}

// SetMuted silences or restores id's voice for everyone. The track stays attached;
// only the forwarder gain changes.
func (r *AudioRelay) SetMuted(id domain.ParticipantID, muted bool) {
	r.mu.Lock()
	r.muted[id] = muted
	voice, ok := r.voices[id]
	r.mu.Unlock()

	if ok && voice.Gain != nil {
		voice.Gain.SetGain(gainFor(muted))
	}
	if r.mixer != nil {
		r.mixer.SetGain(string(id), gainFor(muted))
	}
	r.logger.Infow("mute changed", "participant_id", id, "muted", muted)
}

func (r *AudioRelay) Muted(id domain.ParticipantID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.muted[id]
}

// PlayLocal mixes a decoded voice into the local output at its current mute gain.
func (r *AudioRelay) PlayLocal(owner domain.ParticipantID, src ports.PCMSource) {
	if r.mixer == nil {
		return
	}
	r.mixer.AddSource(string(owner), src, gainFor(r.Muted(owner)))
}

// Voices lists the current voice track of every participant.
func (r *AudioRelay) Voices() []domain.TrackInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.TrackInfo, 0, len(r.voices))
	for _, t := range r.voices {
		out = append(out, t.Info)
	}
	return out
}

// Attached reports how many voice tracks are attached to id's session.
func (r *AudioRelay) Attached(id domain.ParticipantID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.attached[id])
}

func (r *AudioRelay) attach(p AudioPeer, t peer.Track) {
	id := p.Participant()

	r.mu.Lock()
	set, ok := r.attached[id]
	if !ok {
		set = make(map[domain.TrackKey]bool)
		r.attached[id] = set
	}
	if set[t.Key()] {
		r.mu.Unlock()
		return
	}
	set[t.Key()] = true
	r.mu.Unlock()

	r.dispatch(id, func(ctx context.Context) {
		if err := p.AddTrack(ctx, t); err != nil {
			r.logger.Warnw("failed to forward voice track", "participant_id", id, "track_id", t.Info.ID, "error", err)
			r.mu.Lock()
			if set, ok := r.attached[id]; ok {
				delete(set, t.Key())
			}
			r.mu.Unlock()
		}
	})
}

func (r *AudioRelay) detachEverywhere(track domain.TrackKey) {
	for _, p := range r.peers() {
		id := p.Participant()
		r.mu.Lock()
		set := r.attached[id]
		had := set[track]
		delete(set, track)
		r.mu.Unlock()
		if !had {
			continue
		}
		p := p
		r.dispatch(id, func(ctx context.Context) {
			if err := p.RemoveTrack(ctx, track); err != nil {
				r.logger.Warnw("failed to retire voice track", "participant_id", id, "track_id", track.String(), "error", err)
			}
		})
	}
}

func gainFor(muted bool) float64 {
	if muted {
		return 0
	}
	return 1
}
