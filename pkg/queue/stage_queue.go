// Package queue delivers review stage jobs over a Redis stream. Submission
// and stage completion enqueue the next due stage; worker consumers pick
// jobs up through a consumer group. Delivery is at-least-once — the
// coordinator's stage guards make redelivery harmless — and there is no
// automatic retry: a failed stage stays failed until an author or admin
// retries it explicitly.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"inkreview/pkg/domain"
)

// StageJob is one unit of pipeline work: run one stage for one book.
type StageJob struct {
	BookID string
	Stage  domain.Stage
}

// Handler processes a delivered stage job.
type Handler func(ctx context.Context, job StageJob) error

// StageQueue is a Redis Streams work queue for review stages.
type StageQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	block        time.Duration
	claimIdle    time.Duration
	maxLen       int64
	readCount    int64
	once         sync.Once
}

// Config configures the stage queue. Only Addr and Stream are required.
type Config struct {
	Addr      string
	Password  string
	Stream    string
	Group     string
	Consumer  string
	Block     time.Duration
	ClaimIdle time.Duration
	MaxLen    int64
	ReadCount int64
}

// New connects to Redis and prepares the queue.
func New(cfg Config) (*StageQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return newWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}), cfg)
}

func newWithClient(client *redis.Client, cfg Config) (*StageQueue, error) {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "review-workers"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = "worker"
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 60 * time.Second
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	return &StageQueue{
		client:       client,
		stream:       stream,
		group:        group,
		consumerBase: consumer,
		block:        block,
		claimIdle:    claimIdle,
		maxLen:       maxLen,
		readCount:    readCount,
	}, nil
}

// Enqueue appends a stage job to the stream.
func (q *StageQueue) Enqueue(ctx context.Context, job StageJob) error {
	if strings.TrimSpace(job.BookID) == "" {
		return errors.New("bookId required")
	}
	if domain.StageTask(job.Stage) == "" {
		return errors.New("valid stage required")
	}
	return q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"book_id": job.BookID,
			"stage":   string(job.Stage),
		},
	}).Err()
}

// Consume reads stage jobs for one consumer until the context ends. Stale
// pending deliveries from crashed consumers are claimed first.
func (q *StageQueue) Consume(ctx context.Context, consumer string, handler Handler) error {
	q.ensureGroup(ctx)
	if consumer == "" {
		consumer = q.consumerBase
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			// redis.Nil means the block expired with nothing to read.
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *StageQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			slog.Warn("create consumer group", "stream", q.stream, "error", err.Error())
		}
	})
}

func (q *StageQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *StageQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	bookID, _ := msg.Values["book_id"].(string)
	stage, _ := msg.Values["stage"].(string)
	job := StageJob{BookID: bookID, Stage: domain.Stage(stage)}
	if job.BookID == "" || domain.StageTask(job.Stage) == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err := handler(ctx, job); err != nil {
		// The failure is recorded on the review row; no requeue.
		slog.Warn("stage job failed",
			"book_id", job.BookID,
			"stage", string(job.Stage),
			"error", err.Error(),
		)
	}
	q.ackAndDel(ctx, msg.ID)
}

func (q *StageQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}
