package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"inkreview/pkg/queue"
)

// StageConsumer is the consuming side of the stage queue.
type StageConsumer interface {
	Consume(ctx context.Context, consumer string, handler queue.Handler) error
}

// Worker runs a pool of queue consumers that execute pipeline stages.
type Worker struct {
	app         *App
	consumer    StageConsumer
	concurrency int
}

func NewWorker(app *App, consumer StageConsumer, concurrency int) *Worker {
	if concurrency <= 0 {
		concurrency = 2
	}
	return &Worker{app: app, consumer: consumer, concurrency: concurrency}
}

// Run blocks until ctx is cancelled. Each consumer loop claims jobs from
// the stream under its own consumer name; a handler error marks the review
// failed inside RunStage, so from the queue's point of view the job is done
// either way.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		name := fmt.Sprintf("worker-%d", i)
		g.Go(func() error {
			return w.consumer.Consume(ctx, name, w.handle)
		})
	}
	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (w *Worker) handle(ctx context.Context, job queue.StageJob) error {
	if _, err := w.app.RunStage(ctx, job.BookID, job.Stage); err != nil {
		// Guard errors (already completed, prerequisite missing) are
		// expected under at-least-once delivery; stage failures were
		// already persisted on the review.
		switch {
		case errors.Is(err, ErrMissingPrerequisite),
			errors.Is(err, ErrReviewFailed),
			errors.Is(err, ErrBookNotFound),
			errors.Is(err, ErrReviewNotFound):
			slog.Warn("dropping stage job",
				"book_id", job.BookID,
				"stage", string(job.Stage),
				"reason", err.Error(),
			)
			return nil
		}
		return err
	}
	return nil
}
