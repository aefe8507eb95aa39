package webrtc

import (
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
)

func TestIsVP8Keyframe(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{"empty", nil, false},
		{"keyframe without extension", []byte{0x10, 0x00}, true},
		{"interframe", []byte{0x10, 0x01}, false},
		{"not start of partition", []byte{0x00, 0x00}, false},
		{"keyframe with 15 bit picture id", []byte{0x90, 0x80, 0x81, 0x23, 0x00}, true},
		{"keyframe with 7 bit picture id and tl0", []byte{0x90, 0xC0, 0x12, 0x03, 0x00}, true},
		{"truncated extension", []byte{0x90}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsVP8Keyframe(tt.payload))
		})
	}
}

func TestIsH264Keyframe(t *testing.T) {
	assert.True(t, IsH264Keyframe([]byte{0x65}), "IDR")
	assert.True(t, IsH264Keyframe([]byte{0x67}), "SPS")
	assert.False(t, IsH264Keyframe([]byte{0x41}), "non-IDR slice")
	assert.True(t, IsH264Keyframe([]byte{0x18, 0x00, 0x02, 0x67, 0x42}), "STAP-A with SPS")
	assert.True(t, IsH264Keyframe([]byte{0x7C, 0x85}), "FU-A start of IDR")
	assert.False(t, IsH264Keyframe([]byte{0x7C, 0x05}), "FU-A continuation")
}

func TestIsVP9Keyframe(t *testing.T) {
	assert.True(t, IsVP9Keyframe([]byte{0x08}))
	assert.False(t, IsVP9Keyframe([]byte{0x48}))
	assert.False(t, IsVP9Keyframe([]byte{0x00}))
}

func TestKeyframeGate(t *testing.T) {
	g := NewKeyframeGate(webrtc.MimeTypeVP8)
	assert.False(t, g.Pass([]byte{0x10, 0x01}))
	assert.True(t, g.Pass([]byte{0x10, 0x00}))
	assert.True(t, g.Pass([]byte{0x10, 0x01}), "stays open after the first keyframe")

	assert.True(t, NewKeyframeGate("video/AV1").Pass([]byte{0x00}), "unknown codecs pass")
}
