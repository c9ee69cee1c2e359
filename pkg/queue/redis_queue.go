// Package queue carries upload-session completion jobs over a Redis stream
// consumer group.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"whatsgonow/internal/util"
)

// CompletionJob announces that a guest upload session was completed.
type CompletionJob struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Target      string    `json:"target"`
	Files       []string  `json:"uploaded_files"`
	CompletedAt time.Time `json:"completed_at"`
	Attempt     int       `json:"-"`
}

// Handler processes one job. A non-nil error schedules a retry until the
// attempt budget is spent.
type Handler func(ctx context.Context, job CompletionJob) error

type Config struct {
	Stream     string        `yaml:"stream"`
	Group      string        `yaml:"group"`
	Consumer   string        `yaml:"consumer"`
	MaxRetries int           `yaml:"maxRetries"`
	Block      time.Duration `yaml:"-"`
	ClaimIdle  time.Duration `yaml:"-"`
	RetryDelay time.Duration `yaml:"-"`
	MaxLen     int64         `yaml:"maxLen"`
}

// RedisQueue is an at-least-once job queue. Messages stuck with a dead
// consumer are reclaimed after ClaimIdle.
type RedisQueue struct {
	rdb    redis.UniversalClient
	cfg    Config
	logger *slog.Logger

	groupOnce sync.Once
	groupErr  error
}

func NewRedisQueue(rdb redis.UniversalClient, cfg Config, logger *slog.Logger) (*RedisQueue, error) {
	if rdb == nil {
		return nil, errors.New("queue: redis client is required")
	}
	if strings.TrimSpace(cfg.Stream) == "" {
		cfg.Stream = "whatsgonow:upload-sessions:completed"
	}
	if strings.TrimSpace(cfg.Group) == "" {
		cfg.Group = "completion-workers"
	}
	if strings.TrimSpace(cfg.Consumer) == "" {
		cfg.Consumer = util.NewID()
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.ClaimIdle <= 0 {
		cfg.ClaimIdle = 30 * time.Second
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	if cfg.MaxLen <= 0 {
		cfg.MaxLen = 10000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisQueue{rdb: rdb, cfg: cfg, logger: logger.With("component", "queue", "stream", cfg.Stream)}, nil
}

// Enqueue appends the job to the stream and returns it with its ID set.
func (q *RedisQueue) Enqueue(ctx context.Context, job CompletionJob) (CompletionJob, error) {
	if strings.TrimSpace(job.SessionID) == "" {
		return CompletionJob{}, errors.New("queue: session_id required")
	}
	if err := q.ensureGroup(ctx); err != nil {
		return CompletionJob{}, err
	}
	if job.ID == "" {
		job.ID = util.NewID()
	}
	job.Attempt = 0
	if err := q.add(ctx, q.rdb, job); err != nil {
		return CompletionJob{}, fmt.Errorf("enqueue %s: %w", job.SessionID, err)
	}
	return job, nil
}

func (q *RedisQueue) add(ctx context.Context, c redis.Cmdable, job CompletionJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{"job": string(payload), "attempt": job.Attempt},
	}).Err()
}

// ensureGroup creates the consumer group at the stream start so jobs added
// before the first worker runs are still delivered.
func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.rdb.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

// Run consumes with n workers until ctx is done. It returns nil on a clean
// shutdown.
func (q *RedisQueue) Run(ctx context.Context, n int, handle Handler) error {
	if n <= 0 {
		n = 1
	}
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		consumer := fmt.Sprintf("%s-%d", q.cfg.Consumer, i)
		g.Go(func() error {
			q.consume(ctx, consumer, handle)
			return nil
		})
	}
	return g.Wait()
}

func (q *RedisQueue) consume(ctx context.Context, consumer string, handle Handler) {
	for ctx.Err() == nil {
		claimed, _, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.cfg.Stream,
			Group:    q.cfg.Group,
			Consumer: consumer,
			MinIdle:  q.cfg.ClaimIdle,
			Start:    "0-0",
			Count:    10,
		}).Result()
		if err == nil {
			for _, msg := range claimed {
				q.process(ctx, msg, handle)
			}
		}

		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.cfg.Group,
			Consumer: consumer,
			Streams:  []string{q.cfg.Stream, ">"},
			Count:    10,
			Block:    q.cfg.Block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("queue_read_failed", "consumer", consumer, "error", err)
				sleep(ctx, q.cfg.Block)
			}
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				q.process(ctx, msg, handle)
			}
		}
	}
}

func (q *RedisQueue) process(ctx context.Context, msg redis.XMessage, handle Handler) {
	job, err := decode(msg)
	if err != nil {
		q.logger.Error("queue_drop_malformed", "msg_id", msg.ID, "error", err)
		q.ack(ctx, msg.ID)
		return
	}
	job.Attempt++
	log := q.logger.With("job_id", job.ID, "session_id", job.SessionID, "attempt", job.Attempt)

	herr := handle(ctx, job)
	if herr == nil {
		q.ack(ctx, msg.ID)
		return
	}
	if job.Attempt >= q.cfg.MaxRetries {
		log.Error("queue_job_failed", "error", herr)
		q.ack(ctx, msg.ID)
		return
	}
	log.Warn("queue_job_retry", "error", herr)
	if !sleep(ctx, q.cfg.RetryDelay) {
		return // left pending; reclaimed after ClaimIdle
	}
	if err := q.requeue(ctx, msg.ID, job); err != nil {
		log.Warn("queue_requeue_failed", "error", err)
	}
}

// requeue re-adds the job with its attempt count and acks the original in
// one transaction.
func (q *RedisQueue) requeue(ctx context.Context, msgID string, job CompletionJob) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if err := q.add(ctx, p, job); err != nil {
			return err
		}
		p.XAck(ctx, q.cfg.Stream, q.cfg.Group, msgID)
		p.XDel(ctx, q.cfg.Stream, msgID)
		return nil
	})
	return err
}

func (q *RedisQueue) ack(ctx context.Context, msgID string) {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.XAck(ctx, q.cfg.Stream, q.cfg.Group, msgID)
		p.XDel(ctx, q.cfg.Stream, msgID)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Warn("queue_ack_failed", "msg_id", msgID, "error", err)
	}
}

func decode(msg redis.XMessage) (CompletionJob, error) {
	raw, _ := msg.Values["job"].(string)
	if raw == "" {
		return CompletionJob{}, errors.New("missing job payload")
	}
	var job CompletionJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return CompletionJob{}, err
	}
	if job.SessionID == "" {
		return CompletionJob{}, errors.New("missing session_id")
	}
	if s, ok := msg.Values["attempt"].(string); ok {
		job.Attempt, _ = strconv.Atoi(s)
	}
	return job, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
