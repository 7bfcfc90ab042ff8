package telephony

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioclient "github.com/twilio/twilio-go/client"

	"github.com/sells-group/callpilot/internal/model"
	"github.com/sells-group/callpilot/internal/resilience"
)

func TestParseStatusWebhook(t *testing.T) {
	form := url.Values{
		"CallSid":      {"CA123"},
		"CallStatus":   {"completed"},
		"Direction":    {"outbound-api"},
		"From":         {"+15550001111"},
		"To":           {"+15552223333"},
		"Duration":     {"42"},
		"CallDuration": {"45"},
		"RecordingUrl": {"https://api.twilio.com/rec/RE1"},
		"RecordingSid": {"RE1"},
		"Timestamp":    {"Mon, 02 Jan 2006 15:04:05 +0000"},
	}
	r := httptest.NewRequest("POST", "/twilio/voice/status", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	evt, err := ParseStatusWebhook(r)
	require.NoError(t, err)
	assert.Equal(t, "CA123", evt.CallSID)
	assert.Equal(t, model.CallStatusCompleted, evt.Status)
	assert.Equal(t, model.DirectionOutbound, evt.Direction)
	assert.Equal(t, "+15552223333", evt.To)
	require.NotNil(t, evt.DurationSec)
	assert.Equal(t, 42, *evt.DurationSec)
	require.NotNil(t, evt.CallDuration)
	assert.Equal(t, 45, *evt.CallDuration)
	require.NotNil(t, evt.RecordingSID)
	assert.Equal(t, "RE1", *evt.RecordingSID)
	assert.Equal(t, 2006, evt.Timestamp.Year())
}

func TestParseStatusWebhookMissingCallSid(t *testing.T) {
	r := httptest.NewRequest("POST", "/twilio/voice/status", strings.NewReader("CallStatus=ringing"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err := ParseStatusWebhook(r)
	assert.Error(t, err)
}

func TestParseStatusWebhookOptionalFieldsAbsent(t *testing.T) {
	r := httptest.NewRequest("POST", "/twilio/voice/status", strings.NewReader("CallSid=CA9&CallStatus=ringing"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	evt, err := ParseStatusWebhook(r)
	require.NoError(t, err)
	assert.Nil(t, evt.DurationSec)
	assert.Nil(t, evt.RecordingURL)
	assert.Nil(t, evt.RecordingSID)
	assert.False(t, evt.Timestamp.IsZero())
}

func TestParseRecordingWebhook(t *testing.T) {
	form := url.Values{
		"CallSid":           {"CA123"},
		"RecordingSid":      {"RE456"},
		"RecordingStatus":   {"completed"},
		"RecordingDuration": {"120"},
		"RecordingChannels": {"1"},
		"RecordingSource":   {"OutboundAPI"},
	}
	r := httptest.NewRequest("POST", "/twilio/voice/recording", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	evt, err := ParseRecordingWebhook(r)
	require.NoError(t, err)
	assert.Equal(t, "CA123", evt.CallSID)
	assert.Equal(t, "RE456", evt.RecordingSID)
	assert.True(t, evt.Completed())
	assert.Equal(t, 120, evt.DurationSec)
	assert.Equal(t, 1, evt.Channels)
}

func TestParseRecordingWebhookInProgressNotCompleted(t *testing.T) {
	r := httptest.NewRequest("POST", "/twilio/voice/recording",
		strings.NewReader("CallSid=CA1&RecordingSid=RE1&RecordingStatus=in-progress"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	evt, err := ParseRecordingWebhook(r)
	require.NoError(t, err)
	assert.False(t, evt.Completed())
}

func TestParseRecordingWebhookMissingSids(t *testing.T) {
	r := httptest.NewRequest("POST", "/twilio/voice/recording", strings.NewReader("RecordingStatus=completed"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	_, err := ParseRecordingWebhook(r)
	assert.Error(t, err)
}

func TestClassifyTwilioErrorStatuses(t *testing.T) {
	t.Run("4xx is terminal", func(t *testing.T) {
		err := classifyTwilioError(&twilioclient.TwilioRestError{
			Code: 21211, Status: 400, Message: "invalid 'To' phone number",
		})
		assert.True(t, IsTerminal(err))
		assert.False(t, resilience.IsTransient(err))
	})

	t.Run("429 is transient", func(t *testing.T) {
		err := classifyTwilioError(&twilioclient.TwilioRestError{
			Code: 20429, Status: 429, Message: "too many requests",
		})
		assert.False(t, IsTerminal(err))
		assert.True(t, resilience.IsTransient(err))
	})

	t.Run("5xx is transient", func(t *testing.T) {
		err := classifyTwilioError(&twilioclient.TwilioRestError{
			Code: 20500, Status: 503, Message: "service unavailable",
		})
		assert.True(t, resilience.IsTransient(err))
	})
}
