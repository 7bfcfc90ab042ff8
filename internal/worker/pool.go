// Package worker runs the consumer pool: N goroutines fetch leased jobs
// from the queue and dispatch them through a per-family handler table.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/callpilot/internal/config"
	"github.com/sells-group/callpilot/internal/queue"
	"github.com/sells-group/callpilot/internal/resilience"
	"github.com/sells-group/callpilot/internal/scheduler"
	"github.com/sells-group/callpilot/internal/telephony"
)

// HandlerFunc processes one leased job and returns its result. A nil error
// completes the job; otherwise the pool classifies the failure and either
// retries with backoff or fails the job for good.
type HandlerFunc func(ctx context.Context, lease *queue.Lease) (any, error)

// TerminalError marks a handler failure that must never be retried.
type TerminalError struct {
	Err error
}

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Terminal wraps err so the pool fails the job without another attempt.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &TerminalError{Err: err}
}

// ErrCanceled is returned by handlers that honored a cooperative cancel
// before the job's side effects happened; the pool finishes such jobs as
// canceled, not failed.
var ErrCanceled = eris.New("worker: job canceled")

// Pool owns the consumer goroutines. A shared token bucket gates dispatch
// so a refill burst cannot flood the telephony provider.
type Pool struct {
	queue       *queue.Store
	limiter     *rate.Limiter
	handlers    map[string]HandlerFunc
	concurrency int
}

// NewPool sizes a pool from config. Defaults: 5 consumers, 10 dispatches
// per 60 seconds.
func NewPool(q *queue.Store, cfg config.WorkerConfig) *Pool {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	count := cfg.RateCount
	if count <= 0 {
		count = 10
	}
	windowSecs := cfg.RateWindowSecs
	if windowSecs <= 0 {
		windowSecs = 60
	}
	window := time.Duration(windowSecs) * time.Second

	return &Pool{
		queue:       q,
		limiter:     rate.NewLimiter(rate.Limit(float64(count)/window.Seconds()), count),
		handlers:    make(map[string]HandlerFunc),
		concurrency: concurrency,
	}
}

// Register installs the handler for a job family. Must be called before
// Run; the table is not mutated afterwards.
func (p *Pool) Register(family string, h HandlerFunc) {
	p.handlers[family] = h
}

// Run blocks until the context is canceled. Consumers drain in-flight
// jobs before returning; fetch errors are logged and retried, they never
// bring the pool down.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		id := i
		g.Go(func() error { return p.consume(ctx, id) })
	}
	return g.Wait()
}

func (p *Pool) consume(ctx context.Context, id int) error {
	log := zap.L().With(zap.Int("consumer", id))
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil
		}
		lease, err := p.queue.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warn("worker: fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, log, lease)
	}
}

func (p *Pool) process(ctx context.Context, log *zap.Logger, lease *queue.Lease) {
	job := lease.Job()
	log = log.With(
		zap.String("job_id", job.ID),
		zap.String("family", job.Family),
		zap.Int("attempt", job.AttemptsMade),
	)

	defer func() {
		if r := recover(); r != nil {
			err := eris.Errorf("worker: handler panic: %v", r)
			log.Error("worker: job panicked", zap.Error(err))
			if failErr := lease.Fail(ctx, err, false); failErr != nil {
				log.Error("worker: record panic failure", zap.Error(failErr))
			}
		}
	}()

	handler, ok := p.handlers[job.Family]
	if !ok {
		err := eris.Errorf("worker: no handler for family %q", job.Family)
		log.Error("worker: unroutable job", zap.Error(err))
		if failErr := lease.Fail(ctx, err, true); failErr != nil {
			log.Error("worker: record failure", zap.Error(failErr))
		}
		return
	}

	start := time.Now()
	result, err := handler(ctx, lease)
	if errors.Is(err, ErrCanceled) {
		log.Info("worker: job canceled", zap.Duration("elapsed", time.Since(start)))
		if cancelErr := lease.Cancel(ctx); cancelErr != nil {
			log.Error("worker: record cancel", zap.Error(cancelErr))
		}
		return
	}
	if err != nil {
		terminal := isTerminal(err)
		log.Warn("worker: job attempt failed",
			zap.Error(err),
			zap.Bool("terminal", terminal),
			zap.String("error_class", resilience.ClassifyError(err)),
			zap.Duration("elapsed", time.Since(start)),
		)
		if failErr := lease.Fail(ctx, err, terminal); failErr != nil {
			log.Error("worker: record failure", zap.Error(failErr))
		}
		return
	}

	if err := lease.Complete(ctx, result); err != nil {
		log.Error("worker: record completion", zap.Error(err))
		return
	}
	log.Info("worker: job completed", zap.Duration("elapsed", time.Since(start)))
}

// isTerminal decides retry vs fail: provider rejections, explicit terminal
// marks, and validation errors are final; everything else gets another
// attempt under the job's backoff budget. Cancels never reach here, they
// finish through Lease.Cancel.
func isTerminal(err error) bool {
	if telephony.IsTerminal(err) {
		return true
	}
	var te *TerminalError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, scheduler.ErrValidation)
}
