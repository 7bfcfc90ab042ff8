package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/callpilot/internal/config"
)

// prioBand separates priority tiers in the waiting ZSET score. Within a
// tier the per-stream sequence number breaks ties in enqueue order.
const prioBand = 1e12

// Store is the Redis-backed durable job queue. All job state lives in the
// keyspace cp:{stream}:*; the process keeps nothing authoritative in memory.
type Store struct {
	rdb    redis.UniversalClient
	stream string

	defaultMaxAttempts int
	defaultBackoff     time.Duration
	lease              time.Duration
	completedAge       time.Duration
	completedCount     int64
	failedAge          time.Duration

	pollInterval time.Duration
	now          func() time.Time
}

// New creates a Store over an existing Redis client.
func New(rdb redis.UniversalClient, cfg config.QueueConfig) *Store {
	s := &Store{
		rdb:                rdb,
		stream:             cfg.Stream,
		defaultMaxAttempts: cfg.MaxAttempts,
		defaultBackoff:     time.Duration(cfg.BackoffBaseMs) * time.Millisecond,
		lease:              time.Duration(cfg.LeaseMs) * time.Millisecond,
		completedAge:       time.Duration(cfg.CompletedRetentionHours) * time.Hour,
		completedCount:     int64(cfg.CompletedRetentionCount),
		failedAge:          time.Duration(cfg.FailedRetentionHours) * time.Hour,
		pollInterval:       250 * time.Millisecond,
		now:                time.Now,
	}
	if s.stream == "" {
		s.stream = "calls"
	}
	if s.defaultMaxAttempts < 1 {
		s.defaultMaxAttempts = 3
	}
	if s.defaultBackoff <= 0 {
		s.defaultBackoff = 2 * time.Second
	}
	if s.lease <= 0 {
		s.lease = time.Minute
	}
	return s
}

// Connect opens a Redis client from config and pings it.
func Connect(ctx context.Context, cfg config.QueueConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, eris.Wrap(err, "queue: redis ping")
	}
	return rdb, nil
}

func (s *Store) key(parts ...string) string {
	k := "cp:" + s.stream
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (s *Store) jobKey(id string) string    { return s.key("job", id) }
func (s *Store) repeatKey(id string) string { return s.key("repeat", id) }
func (s *Store) cancelKey(id string) string { return s.key("cancel", id) }

func (s *Store) stateKey(state State) string { return s.key(string(state)) }

func (s *Store) saveJob(ctx context.Context, j *Job) error {
	j.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(j)
	if err != nil {
		return eris.Wrap(err, "queue: marshal job")
	}
	if err := s.rdb.Set(ctx, s.jobKey(j.ID), data, 0).Err(); err != nil {
		return eris.Wrapf(err, "queue: save job %s", j.ID)
	}
	return nil
}

func (s *Store) loadJob(ctx context.Context, id string) (*Job, error) {
	data, err := s.rdb.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, eris.Wrapf(err, "queue: load job %s", id)
	}
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, eris.Wrapf(err, "queue: decode job %s", id)
	}
	return &j, nil
}

func (s *Store) nextSeq(ctx context.Context) (int64, error) {
	seq, err := s.rdb.Incr(ctx, s.key("seq")).Result()
	if err != nil {
		return 0, eris.Wrap(err, "queue: next seq")
	}
	return seq, nil
}

func waitingScore(priority Priority, seq int64) float64 {
	return float64(priority)*prioBand + float64(seq)
}

// Enqueue adds a single job. A non-empty Options.JobID makes the call
// idempotent: a second enqueue under the same id returns that id without
// creating anything. A repeat pattern registers a recurring schedule and
// seeds its first delayed child; the returned id is the repeat id.
func (s *Store) Enqueue(ctx context.Context, family string, payload json.RawMessage, opts Options) (string, error) {
	if opts.RepeatPattern != "" {
		return s.registerRepeat(ctx, family, payload, opts)
	}

	j, err := s.buildJob(family, payload, opts)
	if err != nil {
		return "", err
	}
	seq, err := s.nextSeq(ctx)
	if err != nil {
		return "", err
	}
	j.Seq = seq

	data, err := json.Marshal(j)
	if err != nil {
		return "", eris.Wrap(err, "queue: marshal job")
	}
	if opts.JobID != "" {
		created, err := s.rdb.SetNX(ctx, s.jobKey(j.ID), data, 0).Result()
		if err != nil {
			return "", eris.Wrapf(err, "queue: enqueue %s", j.ID)
		}
		if !created {
			return j.ID, nil
		}
	} else {
		if err := s.rdb.Set(ctx, s.jobKey(j.ID), data, 0).Err(); err != nil {
			return "", eris.Wrapf(err, "queue: enqueue %s", j.ID)
		}
	}

	if err := s.placeJob(ctx, s.rdb, j); err != nil {
		return "", err
	}
	return j.ID, nil
}

// BulkEnqueue inserts all jobs in one MULTI/EXEC pipeline: either every job
// becomes visible or none does. Repeat patterns are not valid in bulk.
func (s *Store) BulkEnqueue(ctx context.Context, reqs []Request) ([]string, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	jobs := make([]*Job, 0, len(reqs))
	for _, r := range reqs {
		if r.Options.RepeatPattern != "" {
			return nil, eris.New("queue: repeat pattern not allowed in bulk enqueue")
		}
		j, err := s.buildJob(r.Family, r.Payload, r.Options)
		if err != nil {
			return nil, err
		}
		seq, err := s.nextSeq(ctx)
		if err != nil {
			return nil, err
		}
		j.Seq = seq
		jobs = append(jobs, j)
	}

	pipe := s.rdb.TxPipeline()
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		data, err := json.Marshal(j)
		if err != nil {
			return nil, eris.Wrap(err, "queue: marshal job")
		}
		pipe.Set(ctx, s.jobKey(j.ID), data, 0)
		if err := s.placeJob(ctx, pipe, j); err != nil {
			return nil, err
		}
		ids = append(ids, j.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: bulk enqueue")
	}
	return ids, nil
}

func (s *Store) buildJob(family string, payload json.RawMessage, opts Options) (*Job, error) {
	if family == "" {
		return nil, eris.New("queue: family is required")
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	if priority < PriorityHigh || priority > PriorityLow {
		return nil, eris.Errorf("queue: invalid priority %d", priority)
	}
	if opts.Delay < 0 {
		return nil, eris.New("queue: delay must be >= 0")
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}
	backoff := opts.BackoffBase
	if backoff <= 0 {
		backoff = s.defaultBackoff
	}

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	now := s.now().UTC()

	j := &Job{
		ID:            id,
		Family:        family,
		Payload:       payload,
		Priority:      priority,
		State:         StateWaiting,
		MaxAttempts:   maxAttempts,
		BackoffBaseMs: backoff.Milliseconds(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if opts.Delay > 0 {
		j.State = StateDelayed
		j.DelayUntil = now.Add(opts.Delay)
	}
	return j, nil
}

// placeJob adds the job to its state ZSET. cmd may be the client itself or
// a pipeline.
func (s *Store) placeJob(ctx context.Context, cmd redis.Cmdable, j *Job) error {
	var err error
	switch j.State {
	case StateWaiting:
		err = cmd.ZAdd(ctx, s.stateKey(StateWaiting), redis.Z{
			Score:  waitingScore(j.Priority, j.Seq),
			Member: j.ID,
		}).Err()
	case StateDelayed:
		err = cmd.ZAdd(ctx, s.stateKey(StateDelayed), redis.Z{
			Score:  float64(j.DelayUntil.UnixMilli()),
			Member: j.ID,
		}).Err()
	default:
		return eris.Errorf("queue: cannot place job in state %s", j.State)
	}
	return eris.Wrapf(err, "queue: place job %s", j.ID)
}

func (s *Store) registerRepeat(ctx context.Context, family string, payload json.RawMessage, opts Options) (string, error) {
	sched, err := cron.ParseStandard(opts.RepeatPattern)
	if err != nil {
		return "", eris.Wrapf(err, "queue: invalid cron pattern %q", opts.RepeatPattern)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.New().String()
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityNormal
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}

	now := s.now().UTC()
	rep := RepeatInfo{
		ID:          id,
		Family:      family,
		Payload:     payload,
		Pattern:     opts.RepeatPattern,
		Priority:    priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		NextFire:    sched.Next(now),
	}
	data, err := json.Marshal(rep)
	if err != nil {
		return "", eris.Wrap(err, "queue: marshal repeat")
	}

	created, err := s.rdb.SetNX(ctx, s.repeatKey(id), data, 0).Result()
	if err != nil {
		return "", eris.Wrapf(err, "queue: register repeat %s", id)
	}
	if !created {
		return id, nil
	}
	if err := s.rdb.SAdd(ctx, s.key("repeats"), id).Err(); err != nil {
		return "", eris.Wrapf(err, "queue: register repeat %s", id)
	}

	if err := s.seedRepeatChild(ctx, &rep, now); err != nil {
		return "", err
	}
	zap.L().Info("queue: repeat registered",
		zap.String("repeat_id", id),
		zap.String("family", family),
		zap.String("pattern", opts.RepeatPattern),
		zap.Time("next_fire", rep.NextFire),
	)
	return id, nil
}

// seedRepeatChild schedules exactly one delayed child at the repeat's next
// fire time after `from`. The child id encodes the fire time, so seeding
// the same tick twice is a no-op and a missed tick collapses into one run.
func (s *Store) seedRepeatChild(ctx context.Context, rep *RepeatInfo, from time.Time) error {
	sched, err := cron.ParseStandard(rep.Pattern)
	if err != nil {
		return eris.Wrapf(err, "queue: parse repeat %s", rep.ID)
	}
	next := sched.Next(from)
	childID := fmt.Sprintf("%s@%d", rep.ID, next.Unix())

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	child := &Job{
		ID:            childID,
		Family:        rep.Family,
		Payload:       rep.Payload,
		Priority:      rep.Priority,
		Seq:           seq,
		State:         StateDelayed,
		DelayUntil:    next,
		RepeatID:      rep.ID,
		MaxAttempts:   rep.MaxAttempts,
		BackoffBaseMs: s.defaultBackoff.Milliseconds(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	data, err := json.Marshal(child)
	if err != nil {
		return eris.Wrap(err, "queue: marshal repeat child")
	}
	created, err := s.rdb.SetNX(ctx, s.jobKey(childID), data, 0).Result()
	if err != nil {
		return eris.Wrapf(err, "queue: seed repeat child %s", childID)
	}
	if !created {
		return nil
	}
	if err := s.placeJob(ctx, s.rdb, child); err != nil {
		return err
	}

	rep.NextFire = next
	repData, err := json.Marshal(rep)
	if err != nil {
		return eris.Wrap(err, "queue: marshal repeat")
	}
	return eris.Wrapf(s.rdb.Set(ctx, s.repeatKey(rep.ID), repData, 0).Err(),
		"queue: update repeat %s", rep.ID)
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return eris.Wrap(s.rdb.Ping(ctx).Err(), "queue: ping")
}

// Get returns a snapshot of the job, or ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	return s.loadJob(ctx, id)
}

// Cancel removes a waiting or delayed job. For an active job it sets a
// cooperative cancellation token; the running attempt finishes on its own.
func (s *Store) Cancel(ctx context.Context, id string) error {
	j, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	switch j.State {
	case StateWaiting, StateDelayed:
		if err := s.rdb.ZRem(ctx, s.stateKey(j.State), id).Err(); err != nil {
			return eris.Wrapf(err, "queue: cancel %s", id)
		}
		now := s.now().UTC()
		j.State = StateCanceled
		j.FinishedAt = &now
		if err := s.saveJob(ctx, j); err != nil {
			return err
		}
		return eris.Wrapf(s.rdb.ZAdd(ctx, s.stateKey(StateCanceled), redis.Z{
			Score:  float64(now.UnixMilli()),
			Member: id,
		}).Err(), "queue: cancel %s", id)
	case StateActive:
		return eris.Wrapf(s.rdb.Set(ctx, s.cancelKey(id), "1", 2*s.lease).Err(),
			"queue: signal cancel %s", id)
	default:
		return eris.Errorf("queue: job %s is %s, nothing to cancel", id, j.State)
	}
}

// Retry requeues a failed job as waiting, granting it one more attempt if
// the original budget is spent.
func (s *Store) Retry(ctx context.Context, id string) error {
	j, err := s.loadJob(ctx, id)
	if err != nil {
		return err
	}
	if j.State != StateFailed {
		return eris.Errorf("queue: job %s is %s, only failed jobs can be retried", id, j.State)
	}
	if err := s.rdb.ZRem(ctx, s.stateKey(StateFailed), id).Err(); err != nil {
		return eris.Wrapf(err, "queue: retry %s", id)
	}

	seq, err := s.nextSeq(ctx)
	if err != nil {
		return err
	}
	if j.AttemptsMade >= j.MaxAttempts {
		j.MaxAttempts = j.AttemptsMade + 1
	}
	j.Seq = seq
	j.State = StateWaiting
	j.LastError = ""
	j.FinishedAt = nil
	if err := s.saveJob(ctx, j); err != nil {
		return err
	}
	return s.placeJob(ctx, s.rdb, j)
}

// List returns jobs in the given state, ordered by their ZSET score
// (dispatch order for waiting, chronological otherwise).
func (s *Store) List(ctx context.Context, state State, offset, limit int64) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRange(ctx, s.stateKey(state), offset, offset+limit-1).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "queue: list %s", state)
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.loadJob(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				continue
			}
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// Stats returns per-state counts and the pause flag.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	pipe := s.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, s.stateKey(StateWaiting))
	delayed := pipe.ZCard(ctx, s.stateKey(StateDelayed))
	active := pipe.ZCard(ctx, s.stateKey(StateActive))
	completed := pipe.ZCard(ctx, s.stateKey(StateCompleted))
	failed := pipe.ZCard(ctx, s.stateKey(StateFailed))
	canceled := pipe.ZCard(ctx, s.stateKey(StateCanceled))
	repeats := pipe.SCard(ctx, s.key("repeats"))
	paused := pipe.Exists(ctx, s.key("paused"))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, eris.Wrap(err, "queue: stats")
	}
	return &Stats{
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Canceled:  canceled.Val(),
		Repeats:   repeats.Val(),
		Paused:    paused.Val() > 0,
	}, nil
}

// Clean evicts jobs in a terminal state older than grace, up to limit.
func (s *Store) Clean(ctx context.Context, grace time.Duration, limit int64, state State) (int, error) {
	switch state {
	case StateCompleted, StateFailed, StateCanceled:
	default:
		return 0, eris.Errorf("queue: cannot clean state %s", state)
	}
	if limit <= 0 {
		limit = 1000
	}
	cutoff := s.now().UTC().Add(-grace).UnixMilli()
	ids, err := s.rdb.ZRangeByScore(ctx, s.stateKey(state), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(cutoff, 10),
		Count: limit,
	}).Result()
	if err != nil {
		return 0, eris.Wrapf(err, "queue: clean %s", state)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.rdb.TxPipeline()
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
		pipe.Del(ctx, s.jobKey(id))
	}
	pipe.ZRem(ctx, s.stateKey(state), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, eris.Wrapf(err, "queue: clean %s", state)
	}
	return len(ids), nil
}

// Pause stops dispatch. In-flight jobs run to completion.
func (s *Store) Pause(ctx context.Context) error {
	return eris.Wrap(s.rdb.Set(ctx, s.key("paused"), "1", 0).Err(), "queue: pause")
}

// Resume re-enables dispatch.
func (s *Store) Resume(ctx context.Context) error {
	return eris.Wrap(s.rdb.Del(ctx, s.key("paused")).Err(), "queue: resume")
}

// Paused reports the current pause flag.
func (s *Store) Paused(ctx context.Context) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.key("paused")).Result()
	if err != nil {
		return false, eris.Wrap(err, "queue: paused")
	}
	return n > 0, nil
}

// Repeats lists all registered repeat patterns.
func (s *Store) Repeats(ctx context.Context) ([]RepeatInfo, error) {
	ids, err := s.rdb.SMembers(ctx, s.key("repeats")).Result()
	if err != nil {
		return nil, eris.Wrap(err, "queue: list repeats")
	}
	reps := make([]RepeatInfo, 0, len(ids))
	for _, id := range ids {
		data, err := s.rdb.Get(ctx, s.repeatKey(id)).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, eris.Wrapf(err, "queue: load repeat %s", id)
		}
		var rep RepeatInfo
		if err := json.Unmarshal(data, &rep); err != nil {
			return nil, eris.Wrapf(err, "queue: decode repeat %s", id)
		}
		reps = append(reps, rep)
	}
	return reps, nil
}

// RemoveRepeat deregisters a repeat pattern and drops its pending child.
func (s *Store) RemoveRepeat(ctx context.Context, id string) error {
	n, err := s.rdb.SRem(ctx, s.key("repeats"), id).Result()
	if err != nil {
		return eris.Wrapf(err, "queue: remove repeat %s", id)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	if err := s.rdb.Del(ctx, s.repeatKey(id)).Err(); err != nil {
		return eris.Wrapf(err, "queue: remove repeat %s", id)
	}

	// Drop the not-yet-fired child, if any.
	pending, err := s.rdb.ZRange(ctx, s.stateKey(StateDelayed), 0, -1).Result()
	if err != nil {
		return eris.Wrapf(err, "queue: remove repeat %s", id)
	}
	prefix := id + "@"
	for _, childID := range pending {
		if len(childID) > len(prefix) && childID[:len(prefix)] == prefix {
			s.rdb.ZRem(ctx, s.stateKey(StateDelayed), childID)
			s.rdb.Del(ctx, s.jobKey(childID))
		}
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *Store) Close() error {
	type closer interface{ Close() error }
	if c, ok := s.rdb.(closer); ok {
		return c.Close()
	}
	return nil
}
