package domain

import "time"

type PeerStats struct {
	Timestamp      time.Time     `json:"timestamp"`
	RoundTripTime  time.Duration `json:"rtt"`
	BytesSent      uint64        `json:"bytes_sent"`
	BytesReceived  uint64        `json:"bytes_received"`
	PacketLoss     float64       `json:"packet_loss"` // 0..1
	ConnectionType string        `json:"connection_type"` // host, srflx, prflx, relay
	AvailableKbps  int           `json:"available_kbps"`
}

type UsageReport struct {
	SessionID  SessionID     `json:"session_id"`
	Viewers    int           `json:"viewers"`
	Duration   time.Duration `json:"duration"`
	RelaysLive int           `json:"relays_live"`
	ReportedAt time.Time     `json:"reported_at"`
}
