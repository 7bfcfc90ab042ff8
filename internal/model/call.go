package model

import "time"

// CallStatus mirrors the provider's call lifecycle vocabulary.
type CallStatus string

const (
	CallStatusQueued     CallStatus = "queued"
	CallStatusInitiated  CallStatus = "initiated"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusInProgress CallStatus = "in-progress"
	CallStatusCompleted  CallStatus = "completed"
	CallStatusBusy       CallStatus = "busy"
	CallStatusNoAnswer   CallStatus = "no-answer"
	CallStatusFailed     CallStatus = "failed"
	CallStatusCanceled   CallStatus = "canceled"
)

// Terminal reports whether the status ends a call. Once a call reaches a
// terminal status it never moves back to a live one, regardless of webhook
// delivery order.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusCompleted, CallStatusFailed, CallStatusCanceled,
		CallStatusNoAnswer, CallStatusBusy:
		return true
	}
	return false
}

// CallDirection distinguishes who originated the call.
type CallDirection string

const (
	DirectionInbound  CallDirection = "inbound"
	DirectionOutbound CallDirection = "outbound-api"
)

// CallEvent is the single durable record for one provider call, keyed by
// CallSID. Webhooks upsert into it; replays and out-of-order delivery must
// leave it consistent.
type CallEvent struct {
	ID              string        `json:"id"`
	CallSID         string        `json:"call_sid"`
	Status          CallStatus    `json:"status"`
	Direction       CallDirection `json:"direction,omitempty"`
	FromNumber      string        `json:"from_number,omitempty"`
	ToNumber        string        `json:"to_number,omitempty"`
	DurationSec     *int          `json:"duration_sec,omitempty"`
	CallDurationSec *int          `json:"call_duration_sec,omitempty"`
	RecordingURL    *string       `json:"recording_url,omitempty"`
	RecordingSID    *string       `json:"recording_sid,omitempty"`
	LastEventAt     time.Time     `json:"last_event_at"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}
