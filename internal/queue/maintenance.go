package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ReapExpired returns jobs whose lease deadline has passed to the waiting
// set. Crashed workers lose their lease here, which is where at-least-once
// delivery comes from.
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	nowMs := s.now().UTC().UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, s.stateKey(StateActive), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(nowMs, 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, eris.Wrap(err, "queue: reap expired")
	}

	reaped := 0
	for _, id := range ids {
		n, err := s.rdb.ZRem(ctx, s.stateKey(StateActive), id).Result()
		if err != nil {
			return reaped, eris.Wrapf(err, "queue: reap %s", id)
		}
		if n == 0 {
			continue
		}
		j, err := s.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return reaped, err
		}
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return reaped, err
		}
		j.Seq = seq
		j.State = StateWaiting
		if err := s.saveJob(ctx, j); err != nil {
			return reaped, err
		}
		if err := s.placeJob(ctx, s.rdb, j); err != nil {
			return reaped, err
		}
		reaped++
		zap.L().Warn("queue: reaped expired lease",
			zap.String("job_id", id),
			zap.Int("attempts_made", j.AttemptsMade),
		)
	}
	return reaped, nil
}

// Sweep applies the retention policy: completed jobs beyond the age limit
// or the newest-N cap, failed and canceled jobs beyond the failed age.
func (s *Store) Sweep(ctx context.Context) error {
	if _, err := s.Clean(ctx, s.completedAge, 1000, StateCompleted); err != nil {
		return err
	}

	// Completed count cap: trim oldest beyond the newest N.
	if s.completedCount > 0 {
		card, err := s.rdb.ZCard(ctx, s.stateKey(StateCompleted)).Result()
		if err != nil {
			return eris.Wrap(err, "queue: sweep count")
		}
		if excess := card - s.completedCount; excess > 0 {
			ids, err := s.rdb.ZRange(ctx, s.stateKey(StateCompleted), 0, excess-1).Result()
			if err != nil {
				return eris.Wrap(err, "queue: sweep count")
			}
			pipe := s.rdb.TxPipeline()
			members := make([]interface{}, len(ids))
			for i, id := range ids {
				members[i] = id
				pipe.Del(ctx, s.jobKey(id))
			}
			pipe.ZRem(ctx, s.stateKey(StateCompleted), members...)
			if _, err := pipe.Exec(ctx); err != nil {
				return eris.Wrap(err, "queue: sweep count")
			}
		}
	}

	if _, err := s.Clean(ctx, s.failedAge, 1000, StateFailed); err != nil {
		return err
	}
	_, err := s.Clean(ctx, s.failedAge, 1000, StateCanceled)
	return err
}

// RunMaintenance loops the lease reaper and retention sweeper until the
// context is canceled. Intended to run once per process next to the
// worker pool; running it twice is harmless, just redundant.
func (s *Store) RunMaintenance(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	log := zap.L().With(zap.String("component", "queue.maintenance"))
	log.Info("starting queue maintenance", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweepEvery := 20 // retention is cheap to defer; reap every tick
	tick := 0
	for {
		select {
		case <-ctx.Done():
			log.Info("queue maintenance stopped")
			return nil
		case <-ticker.C:
			if _, err := s.ReapExpired(ctx); err != nil {
				log.Error("reap expired leases", zap.Error(err))
			}
			tick++
			if tick%sweepEvery == 0 {
				if err := s.Sweep(ctx); err != nil {
					log.Error("retention sweep", zap.Error(err))
				}
			}
		}
	}
}
