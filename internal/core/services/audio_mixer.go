package services

import (
	"errors"
	"io"
	"math"
	"sort"
	"sync"

	"squadx/internal/core/ports"
)

// Mixer sums PCM sources into one output. Sources can be added and removed while a
// consumer keeps reading.
type Mixer struct {
	mu      sync.Mutex
	sources map[string]*mixSource
	scratch []int16
}

type mixSource struct {
	src  ports.PCMSource
	gain float64
}

func NewMixer() *Mixer {
	return &Mixer{sources: make(map[string]*mixSource)}
}

func (m *Mixer) AddSource(id string, src ports.PCMSource, gain float64) {
	m.mu.Lock()
	m.sources[id] = &mixSource{src: src, gain: gain}
	m.mu.Unlock()
}

func (m *Mixer) RemoveSource(id string) {
	m.mu.Lock()
	delete(m.sources, id)
	m.mu.Unlock()
}

// SetGain changes a source's gain. Unknown ids are ignored.
func (m *Mixer) SetGain(id string, gain float64) {
	m.mu.Lock()
	if s, ok := m.sources[id]; ok {
		s.gain = gain
	}
	m.mu.Unlock()
}

func (m *Mixer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sources)
}

// ReadPCM fills buf with the clamped sum of every source. It always returns
// len(buf) samples; silence when no source produced anything. Sources that hit
// io.EOF are dropped.
func (m *Mixer) ReadPCM(buf []int16) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cap(m.scratch) < len(buf) {
		m.scratch = make([]int16, len(buf))
	}
	scratch := m.scratch[:len(buf)]
	acc := make([]float64, len(buf))

	ids := make([]string, 0, len(m.sources))
	for id := range m.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		s := m.sources[id]
		n, err := s.src.ReadPCM(scratch)
		if s.gain != 0 {
			for i := 0; i < n; i++ {
				acc[i] += float64(scratch[i]) * s.gain
			}
		}
		if errors.Is(err, io.EOF) {
			delete(m.sources, id)
		}
	}

	for i, v := range acc {
		buf[i] = clampSample(v)
	}
	return len(buf), nil
}

func clampSample(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
