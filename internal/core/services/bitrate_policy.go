package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"squadx/internal/core/domain"
)

// BitratePolicy picks each peer's preset from its stats. Hysteresis keeps a peer
// on its current preset until the stats clearly leave its band, and a peer never
// switches twice within minTimeBetweenSwitches.
type BitratePolicy struct {
	quality *QualityService
	logger  *zap.SugaredLogger
	now     func() time.Time

	mu         sync.Mutex
	lastSwitch map[domain.ParticipantID]time.Time

	minTimeBetweenSwitches time.Duration
	hysteresisFactor       float64
}

func NewBitratePolicy(quality *QualityService, logger *zap.SugaredLogger) *BitratePolicy {
	return &BitratePolicy{
		quality:                quality,
		logger:                 logger.With("component", "bitrate_policy"),
		now:                    time.Now,
		lastSwitch:             make(map[domain.ParticipantID]time.Time),
		minTimeBetweenSwitches: 10 * time.Second,
		hysteresisFactor:       0.15,
	}
}

// Evaluate returns the preset id should use and whether it differs from current.
func (b *BitratePolicy) Evaluate(id domain.ParticipantID, current domain.BitratePreset, stats domain.PeerStats) (domain.BitratePreset, bool) {
	now := b.now()

	b.mu.Lock()
	last, seen := b.lastSwitch[id]
	if !seen {
		// the first sample starts the clock
		b.lastSwitch[id] = now
		b.mu.Unlock()
		return current, false
	}
	b.mu.Unlock()

	if now.Sub(last) < b.minTimeBetweenSwitches {
		return current, false
	}

	next := b.withHysteresis(current, stats)
	if next == current {
		return current, false
	}

	b.mu.Lock()
	b.lastSwitch[id] = now
	b.mu.Unlock()

	b.logger.Infow("bitrate preset switch",
		"participant_id", id,
		"from", current,
		"to", next,
		"available_kbps", stats.AvailableKbps,
		"packet_loss", stats.PacketLoss,
		"rtt", stats.RoundTripTime,
	)
	return next, true
}

func (b *BitratePolicy) withHysteresis(current domain.BitratePreset, stats domain.PeerStats) domain.BitratePreset {
	optimal := b.quality.DetermineOptimalPreset(stats)
	if optimal == current {
		return current
	}

	if presetRank(optimal) < presetRank(current) {
		// Downgrade only once stats fall clearly below the current band
		if !b.quality.meets(stats, b.quality.thresholds[current], b.hysteresisFactor) {
			return optimal
		}
		return current
	}

	// Upgrade only once stats clear the target band with margin
	if b.quality.meets(stats, b.quality.thresholds[optimal], -b.hysteresisFactor) {
		return optimal
	}
	return current
}

// Forget drops id's switch history.
func (b *BitratePolicy) Forget(id domain.ParticipantID) {
	b.mu.Lock()
	delete(b.lastSwitch, id)
	b.mu.Unlock()
}

func (b *BitratePolicy) SetMinTimeBetweenSwitches(d time.Duration) {
	b.minTimeBetweenSwitches = d
}

// SetHysteresisFactor sets the hysteresis factor (0.0-1.0)
func (b *BitratePolicy) SetHysteresisFactor(factor float64) {
	if factor < 0 {
		factor = 0
	}
	if factor > 1.0 {
		factor = 1.0
	}
	b.hysteresisFactor = factor
}
