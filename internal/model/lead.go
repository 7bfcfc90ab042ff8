package model

import (
	"encoding/json"
	"time"
)

// LeadStatus represents where a lead sits in the outreach funnel.
type LeadStatus string

const (
	LeadStatusNew       LeadStatus = "new"
	LeadStatusContacted LeadStatus = "contacted"
	LeadStatusQualified LeadStatus = "qualified"
	LeadStatusConverted LeadStatus = "converted"
	LeadStatusLost      LeadStatus = "lost"
)

// LeadPriority orders leads for outreach.
type LeadPriority string

const (
	LeadPriorityLow    LeadPriority = "low"
	LeadPriorityMedium LeadPriority = "medium"
	LeadPriorityHigh   LeadPriority = "high"
)

// Lead is a callable contact. CallSID links the lead to the call that
// contacted it; at most one lead may hold a given SID.
type Lead struct {
	ID              string          `json:"id"`
	Name            string          `json:"name,omitempty"`
	Email           string          `json:"email,omitempty"`
	Phone           string          `json:"phone,omitempty"`
	Company         string          `json:"company,omitempty"`
	Source          string          `json:"source,omitempty"`
	Status          LeadStatus      `json:"status"`
	Priority        LeadPriority    `json:"priority"`
	Notes           string          `json:"notes,omitempty"`
	Metadata        json.RawMessage `json:"metadata,omitempty"`
	CallSID         *string         `json:"call_sid,omitempty"`
	LastContactedAt *time.Time      `json:"last_contacted_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Callable reports whether the lead is eligible for an automated refill
// call: it has a phone number and has not already been tied to a call.
func (l *Lead) Callable() bool {
	return l.Phone != "" && l.CallSID == nil
}
