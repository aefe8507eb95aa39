package peer

import "github.com/pion/webrtc/v3"

// CandidateBuffer holds remote candidates that arrived before the remote
// description, in arrival order. It is owned by a Negotiator and is not safe for
// concurrent use.
type CandidateBuffer struct {
	items []webrtc.ICECandidateInit
}

func (b *CandidateBuffer) Push(c webrtc.ICECandidateInit) {
	b.items = append(b.items, c)
}

// Drain returns the buffered candidates and empties the buffer.
func (b *CandidateBuffer) Drain() []webrtc.ICECandidateInit {
	out := b.items
	b.items = nil
	return out
}

func (b *CandidateBuffer) Len() int {
	return len(b.items)
}
