package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/callpilot/internal/model"
	"github.com/sells-group/callpilot/internal/queue"
	"github.com/sells-group/callpilot/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Call outcomes within the lookback window.
	CallsTotal      int     `json:"calls_total"`
	CallsCompleted  int     `json:"calls_completed"`
	CallsFailed     int     `json:"calls_failed"`
	CallsInProgress int     `json:"calls_in_progress"`
	CallsNoAnswer   int     `json:"calls_no_answer"`
	CallsBusy       int     `json:"calls_busy"`
	CallFailRate    float64 `json:"call_fail_rate"`

	// Queue census (not windowed; the queue sweeps its own history).
	Queue queue.Stats `json:"queue"`

	// Live bridge sessions.
	ActiveSessions int `json:"active_sessions"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// SessionCounter abstracts the bridge's live-session census.
type SessionCounter interface {
	ActiveSessions() int
}

// QueueStatser abstracts the queue stats call.
type QueueStatser interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Collector gathers metrics from the row store, the queue, and the bridge.
type Collector struct {
	store    store.Store
	queue    QueueStatser
	sessions SessionCounter
}

// NewCollector creates a new metrics collector. sessions may be nil when
// no bridge runs in this process.
func NewCollector(st store.Store, q QueueStatser, sessions SessionCounter) *Collector {
	return &Collector{store: st, queue: q, sessions: sessions}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}
	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	counts, err := c.store.CountCallsByStatus(ctx, cutoff)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count calls")
	}
	for status, n := range counts {
		snap.CallsTotal += n
		switch status {
		case model.CallStatusCompleted:
			snap.CallsCompleted += n
		case model.CallStatusFailed:
			snap.CallsFailed += n
		case model.CallStatusInProgress:
			snap.CallsInProgress += n
		case model.CallStatusNoAnswer:
			snap.CallsNoAnswer += n
		case model.CallStatusBusy:
			snap.CallsBusy += n
		}
	}
	finished := snap.CallsCompleted + snap.CallsFailed + snap.CallsNoAnswer + snap.CallsBusy
	if finished > 0 {
		snap.CallFailRate = float64(snap.CallsFailed) / float64(finished)
	}

	stats, err := c.queue.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: queue stats")
	}
	snap.Queue = *stats

	if c.sessions != nil {
		snap.ActiveSessions = c.sessions.ActiveSessions()
	}
	return snap, nil
}
