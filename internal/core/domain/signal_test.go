package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSDP = "v=0\r\no=- 4611731400430051336 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func TestNewSignalMessage(t *testing.T) {
	msg, err := NewSignalMessage(SignalOffer, "host", "viewer-1", 42, SDPPayload{SDP: testSDP})
	require.NoError(t, err)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, int64(42), msg.Timestamp)
	assert.Equal(t, ParticipantID("viewer-1"), msg.TargetID)
	require.NoError(t, msg.Validate())

	var p SDPPayload
	require.NoError(t, msg.Decode(&p))
	assert.Equal(t, testSDP, p.SDP)
}

func TestNewSignalMessage_UnknownType(t *testing.T) {
	_, err := NewSignalMessage("chat", "a", "", 1, nil)
	assert.True(t, errors.Is(err, ErrUnknownMessageType))
}

func TestSignalMessage_ValidateRejects(t *testing.T) {
	build := func(typ SignalType, payload any) SignalMessage {
		raw, _ := json.Marshal(payload)
		return SignalMessage{ID: "m1", Type: typ, SenderID: "a", Timestamp: 1, Payload: raw}
	}

	cases := []struct {
		name string
		msg  SignalMessage
		want error
	}{
		{"unknown type", SignalMessage{ID: "m1", Type: "presence", SenderID: "a"}, ErrUnknownMessageType},
		{"missing sender", SignalMessage{ID: "m1", Type: SignalControlRequest}, ErrInvalidPayload},
		{"not sdp", build(SignalAnswer, SDPPayload{SDP: "hello"}), ErrInvalidSDP},
		{"sdp missing timing", build(SignalOffer, SDPPayload{SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\n"}), ErrInvalidSDP},
		{"empty candidate", build(SignalICECandidate, CandidatePayload{Candidate: " "}), ErrInvalidPayload},
		{"cursor out of range", build(SignalCursor, CursorPayload{X: 1.5, Y: 0}), ErrInvalidPayload},
		{"mute without participant", build(SignalMute, MutePayload{Muted: true}), ErrInvalidPayload},
		{"bad preset", build(SignalBitrate, BitratePayload{Preset: "ultra"}), ErrInvalidPayload},
		{"bad input", build(SignalInput, InputEvent{Type: InputKeyDown}), ErrInvalidInputEvent},
		{"offer without payload", SignalMessage{ID: "m1", Type: SignalOffer, SenderID: "a"}, ErrInvalidPayload},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.msg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestSignalMessage_ControlWithoutPayloadIsValid(t *testing.T) {
	for _, typ := range []SignalType{SignalControlRequest, SignalControlGrant, SignalControlRevoke, SignalKick} {
		msg, err := NewSignalMessage(typ, "host", "v", 1, nil)
		require.NoError(t, err)
		assert.NoError(t, msg.Validate(), typ)
	}
}

func TestSignalMessage_JSONRoundTripKeepsPayload(t *testing.T) {
	idx := uint16(1)
	mid := "0"
	msg, err := NewSignalMessage(SignalICECandidate, "v", "host", 7, CandidatePayload{
		Candidate:     "candidate:1 1 udp 2130706431 10.0.0.2 50000 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded SignalMessage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	var p CandidatePayload
	require.NoError(t, decoded.Decode(&p))
	require.NotNil(t, p.SDPMLineIndex)
	assert.Equal(t, uint16(1), *p.SDPMLineIndex)
	assert.Equal(t, msg.ID, decoded.ID)
}

func TestInputEvent_ToAbsoluteClamps(t *testing.T) {
	ev := InputEvent{Type: InputMouseMove, X: 0.5, Y: 0.25}
	x, y := ev.ToAbsolute(1920, 1080)
	assert.Equal(t, 960, x)
	assert.Equal(t, 270, y)

	ev = InputEvent{Type: InputMouseMove, X: 1.4, Y: -0.2}
	x, y = ev.ToAbsolute(1920, 1080)
	assert.Equal(t, 1920, x)
	assert.Equal(t, 0, y)
}

func TestInputEvent_Validate(t *testing.T) {
	assert.NoError(t, InputEvent{Type: InputMouseClick, Button: ButtonLeft, X: 0.1, Y: 0.1}.Validate())
	assert.NoError(t, InputEvent{Type: InputKeyPress, Key: "a", Modifiers: Modifiers{Ctrl: true}}.Validate())
	assert.Error(t, InputEvent{Type: InputMouseDown, Button: "thumb"}.Validate())
	assert.Error(t, InputEvent{Type: "gesture"}.Validate())
}
