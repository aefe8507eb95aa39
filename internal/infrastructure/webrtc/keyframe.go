package webrtc

import (
	"strings"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
)

// KeyframeGate drops video packets until the first keyframe so a new forwarder
// never starts mid-GOP. Codecs it cannot parse pass through.
type KeyframeGate struct {
	detect func(payload []byte) bool
	open   atomic.Bool
}

func NewKeyframeGate(mimeType string) *KeyframeGate {
	g := &KeyframeGate{}
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		g.detect = IsVP8Keyframe
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP9):
		g.detect = IsVP9Keyframe
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		g.detect = IsH264Keyframe
	default:
		g.open.Store(true)
	}
	return g
}

// Pass reports whether a packet with payload may be forwarded.
func (g *KeyframeGate) Pass(payload []byte) bool {
	if g.open.Load() {
		return true
	}
	if g.detect(payload) {
		g.open.Store(true)
		return true
	}
	return false
}

// IsVP8Keyframe parses the VP8 payload descriptor and checks the P bit of the
// first partition.
func IsVP8Keyframe(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	b := payload[0]
	start := b&0x10 != 0
	pid := b & 0x07
	i := 1
	if b&0x80 != 0 {
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		i = 2
		if ext&0x80 != 0 { // picture id
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // tl0picidx
			i++
		}
		if ext&0x30 != 0 { // tid or keyidx
			i++
		}
	}
	if !start || pid != 0 || len(payload) <= i {
		return false
	}
	return payload[i]&0x01 == 0
}

// IsVP9Keyframe checks the P and B bits of the VP9 payload descriptor.
func IsVP9Keyframe(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	b := payload[0]
	return b&0x40 == 0 && b&0x08 != 0
}

// IsH264Keyframe finds an IDR slice or SPS in single, STAP-A or FU-A packets.
func IsH264Keyframe(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch nal := payload[0] & 0x1F; nal {
	case 5, 7:
		return true
	case 24:
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				return false
			}
			if t := payload[i] & 0x1F; t == 5 || t == 7 {
				return true
			}
			i += size
		}
	case 28:
		if len(payload) < 2 {
			return false
		}
		return payload[1]&0x80 != 0 && payload[1]&0x1F == 5
	}
	return false
}
