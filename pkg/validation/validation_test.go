package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateID(t *testing.T) {
	assert.NoError(t, ValidateID("viewer_1-a", "participant id"))
	assert.EqualError(t, ValidateID("", "participant id"), "participant id is required")
	assert.Error(t, ValidateID("has space", "participant id"))
	assert.Error(t, ValidateID(strings.Repeat("a", 101), "participant id"))
}

func TestValidateDisplayName(t *testing.T) {
	assert.NoError(t, ValidateDisplayName("Ana"))
	assert.Error(t, ValidateDisplayName("   "))
	assert.Error(t, ValidateDisplayName(strings.Repeat("x", 65)))
}

func TestValidateJoinCode(t *testing.T) {
	assert.NoError(t, ValidateJoinCode("ABC234"))
	assert.Error(t, ValidateJoinCode(""))
	assert.Error(t, ValidateJoinCode("ABC23"))
	// ambiguous characters are not part of the alphabet
	assert.Error(t, ValidateJoinCode("ABC0I1"))
	assert.Error(t, ValidateJoinCode("abc234"))
}

func TestValidateRelayURL(t *testing.T) {
	assert.NoError(t, ValidateRelayURL("rtmp://a.rtmp.youtube.com/live2/key"))
	assert.NoError(t, ValidateRelayURL("rtmps://live-api-s.facebook.com:443/rtmp/key"))
	assert.NoError(t, ValidateRelayURL("srt://ingest.example.com:9000"))
	assert.Error(t, ValidateRelayURL("http://example.com/live"))
	assert.Error(t, ValidateRelayURL("rtmp:///nohost"))
	assert.Error(t, ValidateRelayURL(""))
}

func TestValidateServiceURL(t *testing.T) {
	assert.NoError(t, ValidateServiceURL("https://api.example.com"))
	assert.NoError(t, ValidateServiceURL("wss://sfu.example.com/rtc"))
	assert.Error(t, ValidateServiceURL("ftp://example.com"))
}

func TestValidateBitrateAndRange(t *testing.T) {
	assert.NoError(t, ValidateBitrate(4500, "video bitrate"))
	assert.Error(t, ValidateBitrate(10, "video bitrate"))
	assert.Error(t, ValidateBitrate(60000, "video bitrate"))
	assert.NoError(t, ValidateRange(30, 1, 60, "framerate"))
	assert.EqualError(t, ValidateRange(0, 1, 60, "framerate"), "framerate must be between 1 and 60")
}
