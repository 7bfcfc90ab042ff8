package model

import (
	"encoding/json"
	"time"
)

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry is one utterance of a call conversation. Entries carrying
// a ProviderMessageID are deduplicated per call on that id; entries without
// one are always appended.
type TranscriptEntry struct {
	ID                string          `json:"id"`
	CallSID           string          `json:"call_sid"`
	Role              Role            `json:"role"`
	Content           string          `json:"content"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	Metrics           json.RawMessage `json:"metrics,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
}
