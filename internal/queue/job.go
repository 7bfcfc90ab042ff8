package queue

import (
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
)

// Job families dispatched by the worker pool.
const (
	FamilyPlaceCall   = "place-call"
	FamilyRefillLeads = "refill-from-leads"
)

// Priority tiers. Lower pops first.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

// Terminal reports whether the state is final. Terminal states are stable:
// only Retry moves a failed job back to waiting.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	}
	return false
}

// ErrJobNotFound is returned by Get and mutation operations when no job
// exists under the given id.
var ErrJobNotFound = eris.New("queue: job not found")

// Job is the durable record of one unit of work. Redis holds the canonical
// copy; in-memory views are snapshots.
type Job struct {
	ID            string          `json:"id"`
	Family        string          `json:"family"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Priority      Priority        `json:"priority"`
	Seq           int64           `json:"seq"`
	State         State           `json:"state"`
	DelayUntil    time.Time       `json:"delay_until,omitempty"`
	RepeatID      string          `json:"repeat_id,omitempty"`
	AttemptsMade  int             `json:"attempts_made"`
	MaxAttempts   int             `json:"max_attempts"`
	BackoffBaseMs int64           `json:"backoff_base_ms"`
	Progress      int             `json:"progress"`
	LastError     string          `json:"last_error,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}

// backoffDelay computes the retry delay after the given attempt number
// (1-based): base * 2^(attempt-1).
func (j *Job) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := time.Duration(j.BackoffBaseMs) * time.Millisecond
	return base << (attempt - 1)
}

// Options tunes a single Enqueue call. The zero value enqueues an immediate
// normal-priority job with the store's default retry policy.
type Options struct {
	Priority      Priority
	Delay         time.Duration
	RepeatPattern string
	JobID         string
	MaxAttempts   int
	BackoffBase   time.Duration
}

// Request is one entry of a bulk enqueue.
type Request struct {
	Family  string
	Payload json.RawMessage
	Options Options
}

// Stats is a per-state census of the stream.
type Stats struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Canceled  int64 `json:"canceled"`
	Repeats   int64 `json:"repeats"`
	Paused    bool  `json:"paused"`
}

// RepeatInfo is one registered repeat pattern. Each dispatch of a child job
// seeds the next delayed child, so a stalled worker never piles up ticks.
type RepeatInfo struct {
	ID          string          `json:"id"`
	Family      string          `json:"family"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Pattern     string          `json:"pattern"`
	Priority    Priority        `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	NextFire    time.Time       `json:"next_fire"`
}
