package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callpilot/internal/model"
)

// ErrCallSIDTaken is returned when a lead update would link a call SID that
// another lead already holds. One call maps to at most one lead.
var ErrCallSIDTaken = eris.New("store: call_sid already linked to a lead")

// ErrSecondStoredRecording is returned when a call that already holds a
// stored recording receives a different one. Replays of the same recording
// SID are no-ops, not errors.
var ErrSecondStoredRecording = eris.New("store: call already has a stored recording")

// CallEventUpdate carries one webhook's worth of call state. Zero-value
// fields are treated as absent and never overwrite stored values.
type CallEventUpdate struct {
	CallSID         string
	Status          model.CallStatus
	Direction       model.CallDirection
	FromNumber      string
	ToNumber        string
	DurationSec     *int
	CallDurationSec *int
	RecordingURL    *string
	RecordingSID    *string
	EventAt         time.Time
}

// Store defines the persistence interface for calls, transcripts, leads,
// and recordings.
type Store interface {
	// Call events
	UpsertCallEvent(ctx context.Context, update CallEventUpdate) (*model.CallEvent, error)
	GetCallEvent(ctx context.Context, callSID string) (*model.CallEvent, error)
	CountCallsByStatus(ctx context.Context, since time.Time) (map[model.CallStatus]int, error)

	// Transcripts
	InsertTranscript(ctx context.Context, entry model.TranscriptEntry) (bool, error)
	ListTranscripts(ctx context.Context, callSID string) ([]model.TranscriptEntry, error)

	// Leads
	CreateLead(ctx context.Context, lead model.Lead) (*model.Lead, error)
	LeadLinkedToCall(ctx context.Context, callSID string) (bool, error)
	FindCallableLeadByPhone(ctx context.Context, phone string) (*model.Lead, error)
	ClaimLeadForCall(ctx context.Context, leadID, callSID string) (bool, error)
	MarkLeadContacted(ctx context.Context, leadID, callSID string) error
	ListCallableLeads(ctx context.Context, limit int) ([]model.Lead, error)

	// Recordings
	InsertRecording(ctx context.Context, rec model.CallRecording) (bool, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}
