package telephony

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callpilot/internal/model"
)

// StatusEvent is one validated status-callback webhook. Optional fields are
// pointers so absent form values never clobber stored ones downstream.
type StatusEvent struct {
	CallSID      string
	Status       model.CallStatus
	Direction    model.CallDirection
	From         string
	To           string
	DurationSec  *int
	CallDuration *int
	RecordingURL *string
	RecordingSID *string
	Timestamp    time.Time
}

// RecordingEvent is one validated recording-callback webhook.
type RecordingEvent struct {
	CallSID      string
	RecordingSID string
	Status       string
	RecordingURL string
	DurationSec  int
	Channels     int
	Source       string
}

// Completed reports whether the recording is ready to fetch.
func (e RecordingEvent) Completed() bool { return e.Status == "completed" }

// ParseStatusWebhook validates a form-encoded status callback. Twilio posts
// application/x-www-form-urlencoded with PascalCase field names.
func ParseStatusWebhook(r *http.Request) (*StatusEvent, error) {
	if err := r.ParseForm(); err != nil {
		return nil, eris.Wrap(err, "telephony: parse status form")
	}

	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	if callSID == "" {
		return nil, eris.New("telephony: status webhook missing CallSid")
	}

	evt := &StatusEvent{
		CallSID:   callSID,
		Status:    model.CallStatus(r.PostFormValue("CallStatus")),
		Direction: model.CallDirection(r.PostFormValue("Direction")),
		From:      strings.TrimSpace(r.PostFormValue("From")),
		To:        strings.TrimSpace(r.PostFormValue("To")),
		Timestamp: parseWebhookTime(r.PostFormValue("Timestamp")),
	}
	if v := r.PostFormValue("Duration"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			evt.DurationSec = &n
		}
	}
	if v := r.PostFormValue("CallDuration"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			evt.CallDuration = &n
		}
	}
	if v := r.PostFormValue("RecordingUrl"); v != "" {
		evt.RecordingURL = &v
	}
	if v := r.PostFormValue("RecordingSid"); v != "" {
		evt.RecordingSID = &v
	}
	return evt, nil
}

// ParseRecordingWebhook validates a form-encoded recording callback.
func ParseRecordingWebhook(r *http.Request) (*RecordingEvent, error) {
	if err := r.ParseForm(); err != nil {
		return nil, eris.Wrap(err, "telephony: parse recording form")
	}

	callSID := strings.TrimSpace(r.PostFormValue("CallSid"))
	recordingSID := strings.TrimSpace(r.PostFormValue("RecordingSid"))
	if callSID == "" || recordingSID == "" {
		return nil, eris.New("telephony: recording webhook missing CallSid or RecordingSid")
	}

	evt := &RecordingEvent{
		CallSID:      callSID,
		RecordingSID: recordingSID,
		Status:       r.PostFormValue("RecordingStatus"),
		RecordingURL: strings.TrimSpace(r.PostFormValue("RecordingUrl")),
		Source:       r.PostFormValue("RecordingSource"),
	}
	if v := r.PostFormValue("RecordingDuration"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			evt.DurationSec = n
		}
	}
	if v := r.PostFormValue("RecordingChannels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			evt.Channels = n
		}
	}
	return evt, nil
}

// parseWebhookTime accepts the RFC1123 timestamps Twilio sends; anything
// unparseable falls back to now so upserts stay ordered.
func parseWebhookTime(v string) time.Time {
	if v != "" {
		for _, layout := range []string{time.RFC1123Z, time.RFC1123, time.RFC3339} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Now().UTC()
}
