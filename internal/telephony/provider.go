package telephony

import (
	"context"
	"fmt"
)

// CallRequest describes one outbound call initiation.
type CallRequest struct {
	To                   string
	From                 string
	AnswerURL            string
	StatusCallbackURL    string
	RecordingCallbackURL string
	Record               bool
	TimeoutSec           int
}

// CallResult is the provider's acknowledgment of an initiated call.
type CallResult struct {
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
}

// Provider initiates calls against a voice provider. Implementations map
// provider failures onto ProviderError so the worker can tell a bad phone
// number from a flaky API.
type Provider interface {
	Name() string
	Initiate(ctx context.Context, req CallRequest) (*CallResult, error)
}

// ProviderError is a call-initiation failure classified by the adapter.
// Terminal errors (invalid number, bad credentials) must not be retried.
type ProviderError struct {
	Code     int
	Status   int
	Message  string
	Terminal bool
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("telephony: provider error %d (http %d): %s", e.Code, e.Status, e.Message)
}
