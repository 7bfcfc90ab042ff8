// Package scheduler is the control plane over the job queue: typed,
// validated operations shared by the CLI commands and the JSON API.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/config"
	"github.com/sells-group/callpilot/internal/queue"
	"github.com/sells-group/callpilot/internal/store"
)

// ErrValidation marks caller errors: bad input is reported synchronously
// and never reaches the queue.
var ErrValidation = eris.New("scheduler: validation failed")

// CallPayload is the wire payload of a place-call job.
type CallPayload struct {
	To       string       `json:"to"`
	Message  string       `json:"message,omitempty"`
	LeadID   string       `json:"leadId,omitempty"`
	Priority string       `json:"priority,omitempty"`
	Metadata CallMetadata `json:"metadata,omitempty"`
}

// CallMetadata rides along with a place-call job and shapes the answer
// flow without affecting dispatch.
type CallMetadata struct {
	SpeakFirst     bool   `json:"speakFirst,omitempty"`
	InitialMessage string `json:"initialMessage,omitempty"`
	AutomationRun  bool   `json:"automationRun,omitempty"`
	ScheduledAt    string `json:"scheduledAt,omitempty"`
}

// RefillPayload is the wire payload of a refill-from-leads job.
type RefillPayload struct {
	Message   string `json:"message,omitempty"`
	Priority  string `json:"priority,omitempty"`
	LeadLimit int    `json:"leadLimit,omitempty"`
}

// CallRequest is one call to schedule, as received from the CLI or API.
type CallRequest struct {
	To             string
	Message        string
	LeadID         string
	Priority       string
	SpeakFirst     bool
	InitialMessage string
	JobID          string
}

// RefillRequest parameterizes a lead refill run.
type RefillRequest struct {
	Message   string
	Priority  string
	LeadLimit int
}

// RefillResult reports what a refill run enqueued.
type RefillResult struct {
	Scheduled int      `json:"scheduled"`
	JobIDs    []string `json:"jobIds"`
}

// Service validates requests and translates them into queue operations.
type Service struct {
	queue *queue.Store
	store store.Store

	maxLeadLimit   int
	defaultMessage string
	now            func() time.Time
}

// New creates the control plane over a queue and a row store.
func New(q *queue.Store, st store.Store, cfg config.RefillConfig) *Service {
	maxLimit := cfg.MaxLeadLimit
	if maxLimit <= 0 {
		maxLimit = 500
	}
	return &Service{
		queue:          q,
		store:          st,
		maxLeadLimit:   maxLimit,
		defaultMessage: cfg.DefaultMessage,
		now:            time.Now,
	}
}

// ParsePriority maps the public priority names onto queue tiers. An empty
// string means normal; anything else unrecognized is a validation error.
func ParsePriority(s string) (queue.Priority, error) {
	switch s {
	case "high":
		return queue.PriorityHigh, nil
	case "", "normal":
		return queue.PriorityNormal, nil
	case "low":
		return queue.PriorityLow, nil
	}
	return 0, eris.Wrapf(ErrValidation, "unknown priority %q", s)
}

func (s *Service) buildCall(req CallRequest) (json.RawMessage, queue.Options, error) {
	if req.To == "" {
		return nil, queue.Options{}, eris.Wrap(ErrValidation, "destination number is required")
	}
	prio, err := ParsePriority(req.Priority)
	if err != nil {
		return nil, queue.Options{}, err
	}

	payload, err := json.Marshal(CallPayload{
		To:       req.To,
		Message:  req.Message,
		LeadID:   req.LeadID,
		Priority: req.Priority,
		Metadata: CallMetadata{
			SpeakFirst:     req.SpeakFirst,
			InitialMessage: req.InitialMessage,
		},
	})
	if err != nil {
		return nil, queue.Options{}, eris.Wrap(err, "scheduler: marshal call payload")
	}
	return payload, queue.Options{Priority: prio, JobID: req.JobID}, nil
}

// ScheduleImmediate enqueues one place-call job for immediate dispatch.
func (s *Service) ScheduleImmediate(ctx context.Context, req CallRequest) (string, error) {
	payload, opts, err := s.buildCall(req)
	if err != nil {
		return "", err
	}
	return s.queue.Enqueue(ctx, queue.FamilyPlaceCall, payload, opts)
}

// ScheduleDelayed enqueues a place-call job to run later. A non-zero `at`
// wins over delayMs; a target in the past collapses to an immediate job.
func (s *Service) ScheduleDelayed(ctx context.Context, req CallRequest, at time.Time, delayMs int64) (string, error) {
	payload, opts, err := s.buildCall(req)
	if err != nil {
		return "", err
	}

	var delay time.Duration
	if !at.IsZero() {
		delay = at.Sub(s.now())
	} else {
		if delayMs < 0 {
			return "", eris.Wrap(ErrValidation, "delay must be >= 0")
		}
		delay = time.Duration(delayMs) * time.Millisecond
	}
	if delay < 0 {
		delay = 0
	}
	opts.Delay = delay
	return s.queue.Enqueue(ctx, queue.FamilyPlaceCall, payload, opts)
}

// ScheduleRecurring registers a cron-driven place-call repeat and returns
// the repeat id.
func (s *Service) ScheduleRecurring(ctx context.Context, req CallRequest, pattern string) (string, error) {
	payload, opts, err := s.buildCall(req)
	if err != nil {
		return "", err
	}
	if _, err := cron.ParseStandard(pattern); err != nil {
		return "", eris.Wrapf(ErrValidation, "invalid cron pattern %q: %v", pattern, err)
	}
	opts.RepeatPattern = pattern
	return s.queue.Enqueue(ctx, queue.FamilyPlaceCall, payload, opts)
}

// ScheduleBulk validates every request, then enqueues all of them
// atomically. One bad entry rejects the whole batch.
func (s *Service) ScheduleBulk(ctx context.Context, reqs []CallRequest) ([]string, error) {
	if len(reqs) == 0 {
		return nil, eris.Wrap(ErrValidation, "bulk schedule needs at least one call")
	}
	batch := make([]queue.Request, 0, len(reqs))
	for i, req := range reqs {
		payload, opts, err := s.buildCall(req)
		if err != nil {
			return nil, eris.Wrapf(err, "entry %d", i)
		}
		batch = append(batch, queue.Request{
			Family:  queue.FamilyPlaceCall,
			Payload: payload,
			Options: opts,
		})
	}
	return s.queue.BulkEnqueue(ctx, batch)
}

func (s *Service) buildRefill(req RefillRequest) (json.RawMessage, queue.Options, error) {
	prio, err := ParsePriority(req.Priority)
	if err != nil {
		return nil, queue.Options{}, err
	}
	if req.LeadLimit < 0 || req.LeadLimit > s.maxLeadLimit {
		return nil, queue.Options{}, eris.Wrapf(ErrValidation,
			"lead limit must be between 0 and %d", s.maxLeadLimit)
	}
	payload, err := json.Marshal(RefillPayload{
		Message:   req.Message,
		Priority:  req.Priority,
		LeadLimit: req.LeadLimit,
	})
	if err != nil {
		return nil, queue.Options{}, eris.Wrap(err, "scheduler: marshal refill payload")
	}
	return payload, queue.Options{Priority: prio}, nil
}

// ScheduleRefill registers a cron-driven refill-from-leads repeat.
func (s *Service) ScheduleRefill(ctx context.Context, req RefillRequest, pattern string) (string, error) {
	payload, opts, err := s.buildRefill(req)
	if err != nil {
		return "", err
	}
	if _, err := cron.ParseStandard(pattern); err != nil {
		return "", eris.Wrapf(ErrValidation, "invalid cron pattern %q: %v", pattern, err)
	}
	opts.RepeatPattern = pattern
	return s.queue.Enqueue(ctx, queue.FamilyRefillLeads, payload, opts)
}

// RunRefillNow pulls callable leads from the store and enqueues one
// place-call job per lead, atomically. The refill-from-leads job handler
// delegates here, so one-shot and scheduled refills share one path.
func (s *Service) RunRefillNow(ctx context.Context, req RefillRequest) (*RefillResult, error) {
	if _, _, err := s.buildRefill(req); err != nil {
		return nil, err
	}
	// A zero limit is an explicit "schedule nothing", not a default.
	if req.LeadLimit == 0 {
		return &RefillResult{Scheduled: 0, JobIDs: []string{}}, nil
	}
	limit := req.LeadLimit
	message := req.Message
	if message == "" {
		message = s.defaultMessage
	}

	leads, err := s.store.ListCallableLeads(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: list callable leads")
	}

	scheduledAt := s.now().UTC().Format(time.RFC3339)
	prio, _ := ParsePriority(req.Priority)
	batch := make([]queue.Request, 0, len(leads))
	for _, lead := range leads {
		if lead.Phone == "" {
			continue
		}
		payload, err := json.Marshal(CallPayload{
			To:       lead.Phone,
			Message:  message,
			LeadID:   lead.ID,
			Priority: req.Priority,
			Metadata: CallMetadata{
				SpeakFirst:     true,
				InitialMessage: message,
				AutomationRun:  true,
				ScheduledAt:    scheduledAt,
			},
		})
		if err != nil {
			return nil, eris.Wrap(err, "scheduler: marshal refill call")
		}
		batch = append(batch, queue.Request{
			Family:  queue.FamilyPlaceCall,
			Payload: payload,
			Options: queue.Options{Priority: prio},
		})
	}

	ids, err := s.queue.BulkEnqueue(ctx, batch)
	if err != nil {
		return nil, eris.Wrap(err, "scheduler: enqueue refill batch")
	}
	if ids == nil {
		ids = []string{}
	}
	zap.L().Info("scheduler: refill run",
		zap.Int("leads", len(leads)),
		zap.Int("scheduled", len(ids)),
	)
	return &RefillResult{Scheduled: len(ids), JobIDs: ids}, nil
}

// ListSchedules returns all registered repeats.
func (s *Service) ListSchedules(ctx context.Context) ([]queue.RepeatInfo, error) {
	return s.queue.Repeats(ctx)
}

// StopSchedule removes a repeat and its pending child.
func (s *Service) StopSchedule(ctx context.Context, id string) error {
	return s.queue.RemoveRepeat(ctx, id)
}

// GetJob returns one job snapshot.
func (s *Service) GetJob(ctx context.Context, id string) (*queue.Job, error) {
	return s.queue.Get(ctx, id)
}

// Cancel cancels a job; active jobs get a cooperative token.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.queue.Cancel(ctx, id)
}

// Retry moves a failed job back to waiting with one more attempt granted.
func (s *Service) Retry(ctx context.Context, id string) error {
	return s.queue.Retry(ctx, id)
}

// Stats returns the per-state queue census.
func (s *Service) Stats(ctx context.Context) (*queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// ListByState pages jobs in one lifecycle state.
func (s *Service) ListByState(ctx context.Context, state string, offset, limit int64) ([]*queue.Job, error) {
	switch queue.State(state) {
	case queue.StateWaiting, queue.StateDelayed, queue.StateActive,
		queue.StateCompleted, queue.StateFailed, queue.StateCanceled:
	default:
		return nil, eris.Wrapf(ErrValidation, "unknown state %q", state)
	}
	return s.queue.List(ctx, queue.State(state), offset, limit)
}

// Clean evicts terminal jobs older than grace, up to limit.
func (s *Service) Clean(ctx context.Context, grace time.Duration, limit int64, state string) (int, error) {
	return s.queue.Clean(ctx, grace, limit, queue.State(state))
}

// Pause stops dispatch; waiting jobs accumulate.
func (s *Service) Pause(ctx context.Context) error { return s.queue.Pause(ctx) }

// Resume reopens dispatch.
func (s *Service) Resume(ctx context.Context) error { return s.queue.Resume(ctx) }
