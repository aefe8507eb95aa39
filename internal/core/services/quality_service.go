package services

import (
	"time"

	"squadx/internal/core/domain"
)

// qualityThreshold is the floor a connection must meet to carry a preset.
type qualityThreshold struct {
	AvailableKbps int
	PacketLoss    float64
	RoundTripTime time.Duration
}

type QualityService struct {
	thresholds map[domain.BitratePreset]qualityThreshold
}

func NewQualityService() *QualityService {
	return &QualityService{
		thresholds: map[domain.BitratePreset]qualityThreshold{
			domain.PresetHigh: {
				AvailableKbps: 5000,
				PacketLoss:    0.01,
				RoundTripTime: 100 * time.Millisecond,
			},
			domain.PresetMedium: {
				AvailableKbps: 2000,
				PacketLoss:    0.05,
				RoundTripTime: 200 * time.Millisecond,
			},
			domain.PresetLow: {
				AvailableKbps: 0,
				PacketLoss:    1,
				RoundTripTime: time.Hour,
			},
		},
	}
}

func (qs *QualityService) DetermineOptimalPreset(stats domain.PeerStats) domain.BitratePreset {
	if qs.meets(stats, qs.thresholds[domain.PresetHigh], 0) {
		return domain.PresetHigh
	} else if qs.meets(stats, qs.thresholds[domain.PresetMedium], 0) {
		return domain.PresetMedium
	}
	return domain.PresetLow
}

// meets checks stats against threshold loosened (slack > 0) or tightened
// (slack < 0) by the given fraction. Unknown bandwidth passes.
func (qs *QualityService) meets(stats domain.PeerStats, threshold qualityThreshold, slack float64) bool {
	if stats.AvailableKbps > 0 && float64(stats.AvailableKbps) < float64(threshold.AvailableKbps)*(1-slack) {
		return false
	}
	return stats.PacketLoss <= threshold.PacketLoss*(1+slack) &&
		float64(stats.RoundTripTime) <= float64(threshold.RoundTripTime)*(1+slack)
}

func presetRank(p domain.BitratePreset) int {
	switch p {
	case domain.PresetLow:
		return 0
	case domain.PresetHigh:
		return 2
	default:
		return 1
	}
}
