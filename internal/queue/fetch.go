package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Lease is one worker's exclusive hold on an active job. The hold expires
// unless extended; an expired lease returns the job to waiting, which is
// what gives the queue its at-least-once delivery.
type Lease struct {
	store *Store
	job   *Job
}

// Job returns the leased job snapshot.
func (l *Lease) Job() *Job { return l.job }

// Fetch blocks until a job is ready, the context is canceled, or Redis
// fails hard. Delayed jobs whose time has come are promoted first; pause
// stops dispatch without touching in-flight leases.
func (s *Store) Fetch(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		paused, err := s.Paused(ctx)
		if err != nil {
			return nil, err
		}
		if !paused {
			if err := s.promoteDelayed(ctx); err != nil {
				return nil, err
			}
			lease, err := s.popWaiting(ctx)
			if err != nil {
				return nil, err
			}
			if lease != nil {
				return lease, nil
			}
		}

		// Nothing ready. Sleep with jitter so idle consumers spread out.
		sleep := s.pollInterval + time.Duration(rand.Int64N(int64(s.pollInterval)))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// promoteDelayed moves due delayed jobs into the waiting set.
func (s *Store) promoteDelayed(ctx context.Context) error {
	nowMs := s.now().UTC().UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, s.stateKey(StateDelayed), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowMs, 10),
		Count: 100,
	}).Result()
	if err != nil {
		return eris.Wrap(err, "queue: promote delayed")
	}
	for _, id := range ids {
		// Another consumer may race on the same id; ZRem returning 0 means
		// it lost and skips.
		n, err := s.rdb.ZRem(ctx, s.stateKey(StateDelayed), id).Result()
		if err != nil {
			return eris.Wrapf(err, "queue: promote %s", id)
		}
		if n == 0 {
			continue
		}
		j, err := s.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return err
		}
		j.State = StateWaiting
		if err := s.saveJob(ctx, j); err != nil {
			return err
		}
		if err := s.placeJob(ctx, s.rdb, j); err != nil {
			return err
		}
	}
	return nil
}

// popWaiting claims the highest-priority waiting job, if any.
func (s *Store) popWaiting(ctx context.Context) (*Lease, error) {
	popped, err := s.rdb.ZPopMin(ctx, s.stateKey(StateWaiting), 1).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: pop waiting")
	}
	if len(popped) == 0 {
		return nil, nil
	}
	id, _ := popped[0].Member.(string)
	j, err := s.loadJob(ctx, id)
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return nil, nil
		}
		return nil, err
	}

	now := s.now().UTC()
	j.State = StateActive
	j.AttemptsMade++
	j.StartedAt = &now
	if err := s.saveJob(ctx, j); err != nil {
		return nil, err
	}
	deadline := now.Add(s.lease)
	if err := s.rdb.ZAdd(ctx, s.stateKey(StateActive), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: j.ID,
	}).Err(); err != nil {
		return nil, eris.Wrapf(err, "queue: lease %s", j.ID)
	}

	// Repeat children seed the next tick at dispatch, so a stalled stream
	// catches up with exactly one run instead of a backlog.
	if j.RepeatID != "" {
		if err := s.seedNextFromRepeat(ctx, j.RepeatID); err != nil {
			zap.L().Warn("queue: seed next repeat child failed",
				zap.String("repeat_id", j.RepeatID),
				zap.Error(err),
			)
		}
	}

	return &Lease{store: s, job: j}, nil
}

func (s *Store) seedNextFromRepeat(ctx context.Context, repeatID string) error {
	data, err := s.rdb.Get(ctx, s.repeatKey(repeatID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil // repeat was removed; stop the chain
		}
		return eris.Wrapf(err, "queue: load repeat %s", repeatID)
	}
	var rep RepeatInfo
	if err := json.Unmarshal(data, &rep); err != nil {
		return eris.Wrapf(err, "queue: decode repeat %s", repeatID)
	}
	return s.seedRepeatChild(ctx, &rep, s.now().UTC())
}

// Extend renews the lease for another full lease duration.
func (l *Lease) Extend(ctx context.Context) error {
	deadline := l.store.now().UTC().Add(l.store.lease)
	return eris.Wrapf(l.store.rdb.ZAdd(ctx, l.store.stateKey(StateActive), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: l.job.ID,
	}).Err(), "queue: extend lease %s", l.job.ID)
}

// Progress records a 0-100 progress figure and renews the lease.
func (l *Lease) Progress(ctx context.Context, pct int) error {
	l.job.Progress = pct
	if err := l.store.saveJob(ctx, l.job); err != nil {
		return err
	}
	return l.Extend(ctx)
}

// Canceled reports whether a cooperative cancel was requested for this job.
func (l *Lease) Canceled(ctx context.Context) bool {
	n, err := l.store.rdb.Exists(ctx, l.store.cancelKey(l.job.ID)).Result()
	return err == nil && n > 0
}

// Complete finishes the job successfully and records its result.
func (l *Lease) Complete(ctx context.Context, result any) error {
	s := l.store
	j := l.job
	if err := s.rdb.ZRem(ctx, s.stateKey(StateActive), j.ID).Err(); err != nil {
		return eris.Wrapf(err, "queue: complete %s", j.ID)
	}
	now := s.now().UTC()
	j.State = StateCompleted
	j.Progress = 100
	j.FinishedAt = &now
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			return eris.Wrapf(err, "queue: marshal result %s", j.ID)
		}
		j.Result = data
	}
	if err := s.saveJob(ctx, j); err != nil {
		return err
	}
	s.rdb.Del(ctx, s.cancelKey(j.ID))
	return eris.Wrapf(s.rdb.ZAdd(ctx, s.stateKey(StateCompleted), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: j.ID,
	}).Err(), "queue: complete %s", j.ID)
}

// Cancel finishes the job as canceled after a worker honored the
// cooperative cancel token. The attempt was abandoned, not failed, so no
// error and no retry are recorded.
func (l *Lease) Cancel(ctx context.Context) error {
	s := l.store
	j := l.job
	if err := s.rdb.ZRem(ctx, s.stateKey(StateActive), j.ID).Err(); err != nil {
		return eris.Wrapf(err, "queue: cancel %s", j.ID)
	}
	now := s.now().UTC()
	j.State = StateCanceled
	j.FinishedAt = &now
	if err := s.saveJob(ctx, j); err != nil {
		return err
	}
	s.rdb.Del(ctx, s.cancelKey(j.ID))
	return eris.Wrapf(s.rdb.ZAdd(ctx, s.stateKey(StateCanceled), redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: j.ID,
	}).Err(), "queue: cancel %s", j.ID)
}

// Fail records a failed attempt. Terminal failures and exhausted budgets
// move the job to failed; otherwise it re-enters delayed with exponential
// backoff and will be promoted back to waiting when the delay elapses.
func (l *Lease) Fail(ctx context.Context, cause error, terminal bool) error {
	s := l.store
	j := l.job
	if err := s.rdb.ZRem(ctx, s.stateKey(StateActive), j.ID).Err(); err != nil {
		return eris.Wrapf(err, "queue: fail %s", j.ID)
	}
	if cause != nil {
		j.LastError = cause.Error()
	}

	if terminal || j.AttemptsMade >= j.MaxAttempts {
		now := s.now().UTC()
		j.State = StateFailed
		j.FinishedAt = &now
		if err := s.saveJob(ctx, j); err != nil {
			return err
		}
		s.rdb.Del(ctx, s.cancelKey(j.ID))
		return eris.Wrapf(s.rdb.ZAdd(ctx, s.stateKey(StateFailed), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: j.ID,
		}).Err(), "queue: fail %s", j.ID)
	}

	delay := j.backoffDelay(j.AttemptsMade)
	j.State = StateDelayed
	j.DelayUntil = s.now().UTC().Add(delay)
	if err := s.saveJob(ctx, j); err != nil {
		return err
	}
	return s.placeJob(ctx, s.rdb, j)
}
