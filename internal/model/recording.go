package model

import "time"

// RecordingStatus tracks a recording through the storage pipeline.
type RecordingStatus string

const (
	RecordingStatusPending   RecordingStatus = "pending"
	RecordingStatusUploading RecordingStatus = "uploading"
	RecordingStatusStored    RecordingStatus = "stored"
	RecordingStatusFailed    RecordingStatus = "failed"
)

// CallRecording is the stored-audio record for a call. RecordingSID is
// unique; a call keeps at most one stored recording.
type CallRecording struct {
	ID           string          `json:"id"`
	CallSID      string          `json:"call_sid"`
	RecordingSID string          `json:"recording_sid"`
	StoragePath  string          `json:"storage_path,omitempty"`
	DurationSec  *int            `json:"duration_sec,omitempty"`
	SizeBytes    *int64          `json:"size_bytes,omitempty"`
	Status       RecordingStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
