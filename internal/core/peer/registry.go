package peer

import (
	"sort"
	"sync"

	"squadx/internal/core/domain"
)

// Registry holds the live sessions of one orchestration session, keyed by the
// remote participant.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.ParticipantID]Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[domain.ParticipantID]Session)}
}

func (r *Registry) Add(s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s.Participant()]; ok {
		return domain.ErrPeerExists
	}
	r.sessions[s.Participant()] = s
	return nil
}

func (r *Registry) Get(id domain.ParticipantID) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Remove deletes id only if it still maps to s, so a stale release cannot evict a
// newer session for the same participant.
func (r *Registry) Remove(id domain.ParticipantID, s Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[id]
	if !ok || (s != nil && cur.ID() != s.ID()) {
		return false
	}
	delete(r.sessions, id)
	return true
}

// List returns sessions ordered by participant id.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Participant() < out[j].Participant() })
	return out
}

// Connected returns sessions currently in the connected state.
func (r *Registry) Connected() []Session {
	var out []Session
	for _, s := range r.List() {
		if s.State() == domain.StateConnected {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Snapshot() []domain.PeerInfo {
	sessions := r.List()
	out := make([]domain.PeerInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	return out
}
