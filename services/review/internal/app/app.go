package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"inkreview/internal/util"
	"inkreview/pkg/configstore"
	"inkreview/pkg/domain"
	"inkreview/pkg/llm"
	"inkreview/pkg/prompt"
	"inkreview/pkg/queue"
	"inkreview/pkg/review"
	"inkreview/pkg/storage"
	"inkreview/pkg/store"
)

// EntitlementChecker reports whether a book may run the paid detailed
// review stage. Payment and subscription logic live outside the pipeline;
// the default checker reads the entitlement flag the purchase flow sets on
// the book row.
type EntitlementChecker func(ctx context.Context, book domain.Book) (bool, error)

// StageEnqueuer hands stage jobs to the worker queue. Nil disables queued
// execution; callers then drive stages synchronously.
type StageEnqueuer interface {
	Enqueue(ctx context.Context, job queue.StageJob) error
}

// Config holds runtime configuration for the review pipeline.
type Config struct {
	DatabaseURL         string
	Store               store.Store
	Configs             configstore.Store
	Manuscripts         storage.ManuscriptSource
	Client              llm.Client
	Queue               StageEnqueuer
	Entitlement         EntitlementChecker
	LLMTimeout          time.Duration
	TestTimeout         time.Duration
	ManuscriptCharLimit int
}

// App is the review pipeline coordinator. It owns every AIReview
// processing-status transition and drives each stage through prompt
// resolution, model invocation, and result normalization.
type App struct {
	store           store.Store
	configs         configstore.Store
	manuscripts     storage.ManuscriptSource
	resolver        *prompt.Resolver
	invoker         *llm.Invoker
	queue           StageEnqueuer
	entitled        EntitlementChecker
	llmTimeout      time.Duration
	testTimeout     time.Duration
	manuscriptLimit int

	// locks holds one mutex per book this process has touched. Entries are
	// never evicted; a mutex cannot be removed safely while a goroutine may
	// still hold it, and the footprint is a few dozen bytes per book.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New constructs the coordinator.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Configs == nil {
		return nil, fmt.Errorf("config store required")
	}
	if cfg.Manuscripts == nil {
		return nil, fmt.Errorf("manuscript source required")
	}
	client := cfg.Client
	if client == nil {
		client = llm.NewChatClient()
	}
	entitled := cfg.Entitlement
	if entitled == nil {
		entitled = func(_ context.Context, book domain.Book) (bool, error) {
			return book.DetailedReviewEntitled, nil
		}
	}
	llmTimeout := cfg.LLMTimeout
	if llmTimeout <= 0 {
		llmTimeout = 120 * time.Second
	}
	testTimeout := cfg.TestTimeout
	if testTimeout <= 0 {
		testTimeout = 10 * time.Second
	}
	manuscriptLimit := cfg.ManuscriptCharLimit
	if manuscriptLimit <= 0 {
		manuscriptLimit = 120_000
	}
	return &App{
		store:           dataStore,
		configs:         cfg.Configs,
		manuscripts:     cfg.Manuscripts,
		resolver:        prompt.NewResolver(cfg.Configs),
		invoker:         llm.NewInvoker(cfg.Configs, client),
		queue:           cfg.Queue,
		entitled:        entitled,
		llmTimeout:      llmTimeout,
		testTimeout:     testTimeout,
		manuscriptLimit: manuscriptLimit,
		locks:           make(map[string]*sync.Mutex),
	}, nil
}

// bookLock returns the per-book mutex that serializes stages for one book.
// Different books proceed independently.
func (a *App) bookLock(bookID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	lock, ok := a.locks[bookID]
	if !ok {
		lock = &sync.Mutex{}
		a.locks[bookID] = lock
	}
	return lock
}

// Submit moves a Draft book into the review pipeline: it creates the
// book's single AIReview record in Pending and enqueues the metadata stage.
// Submitting a book past Draft is rejected and never creates a second
// review record.
func (a *App) Submit(ctx context.Context, bookID string) (domain.AIReview, error) {
	lock := a.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()

	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.AIReview{}, err
	}
	if !ok {
		return domain.AIReview{}, ErrBookNotFound
	}
	if book.Status != domain.StatusDraft {
		return domain.AIReview{}, ErrAlreadySubmitted
	}

	now := time.Now().UTC()
	rec := domain.AIReview{
		ID:               util.NewID(),
		BookID:           bookID,
		ProcessingStatus: domain.ProcessingPending,
		ReviewDate:       now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.CreateReview(rec); err != nil {
		if errors.Is(err, store.ErrReviewExists) {
			return domain.AIReview{}, ErrAlreadySubmitted
		}
		return domain.AIReview{}, err
	}

	book.Status = domain.StatusSubmittedForReview
	book.SubmittedForReviewAt = &now
	book.UpdatedAt = now
	if err := a.store.SaveBook(book); err != nil {
		return domain.AIReview{}, err
	}

	if a.queue != nil {
		if err := a.queue.Enqueue(ctx, queue.StageJob{BookID: bookID, Stage: domain.StageMetadata}); err != nil {
			return domain.AIReview{}, fmt.Errorf("enqueue metadata stage: %w", err)
		}
	}
	slog.Info("book submitted for ai review", "book_id", bookID, "review_id", rec.ID)
	return rec, nil
}

// GetStatus returns the book's AIReview.
func (a *App) GetStatus(bookID string) (domain.AIReview, error) {
	rec, ok, err := a.store.GetReviewByBook(bookID)
	if err != nil {
		return domain.AIReview{}, err
	}
	if !ok {
		return domain.AIReview{}, ErrReviewNotFound
	}
	return rec, nil
}

// RunStage executes one pipeline stage for a book. Stages are strictly
// ordered; a stage whose predecessor has not completed fails with
// ErrMissingPrerequisite and leaves the review untouched. Re-running an
// already-completed stage is a no-op, which makes at-least-once queue
// delivery safe.
func (a *App) RunStage(ctx context.Context, bookID string, stage domain.Stage) (domain.AIReview, error) {
	taskType := domain.StageTask(stage)
	if taskType == "" {
		return domain.AIReview{}, fmt.Errorf("unknown stage %q", stage)
	}

	lock := a.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()

	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return domain.AIReview{}, err
	}
	if !ok {
		return domain.AIReview{}, ErrBookNotFound
	}
	rec, ok, err := a.store.GetReviewByBook(bookID)
	if err != nil {
		return domain.AIReview{}, err
	}
	if !ok {
		return domain.AIReview{}, ErrReviewNotFound
	}

	if rec.StageCompleted(stage) {
		return rec, nil
	}
	if rec.ProcessingStatus == domain.ProcessingFailed {
		return rec, ErrReviewFailed
	}
	if prev := domain.PrevStage(stage); prev != "" && !rec.StageCompleted(prev) {
		return rec, ErrMissingPrerequisite
	}
	if stage == domain.StageDetailedReview {
		allowed, err := a.entitled(ctx, book)
		if err != nil {
			return rec, fmt.Errorf("entitlement check: %w", err)
		}
		if !allowed {
			return rec, ErrNotEntitled
		}
	}

	rec.ProcessingStatus = domain.ProcessingInProgress
	rec.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveReview(rec); err != nil {
		return rec, err
	}
	if book.Status != domain.StatusReviewInProgress {
		if err := a.store.SetBookStatus(bookID, domain.StatusReviewInProgress); err != nil {
			return rec, err
		}
		book.Status = domain.StatusReviewInProgress
	}

	frag, result, err := a.executeStage(ctx, book, taskType)
	if err != nil {
		return a.failStage(rec, stage, err)
	}
	return a.completeStage(ctx, book, rec, stage, frag, result)
}

// executeStage resolves the prompt, invokes the model with failover, and
// normalizes the accepted response. An unparsable primary response fails
// over to the backup exactly like a network failure.
func (a *App) executeStage(ctx context.Context, book domain.Book, taskType domain.TaskType) (review.Fragment, llm.Result, error) {
	promptText, err := a.buildPrompt(ctx, book, taskType)
	if err != nil {
		return review.Fragment{}, llm.Result{}, err
	}

	var frag review.Fragment
	check := func(raw string) error {
		parsed, err := review.Normalize(raw, taskType)
		if err != nil {
			return err
		}
		frag = parsed
		return nil
	}
	result, err := a.invoker.InvokeChecked(ctx, taskType, promptText, a.llmTimeout, check)
	if err != nil {
		return review.Fragment{}, llm.Result{}, err
	}
	return frag, result, nil
}

func (a *App) buildPrompt(ctx context.Context, book domain.Book, taskType domain.TaskType) (string, error) {
	instructions, err := a.resolver.Resolve(taskType, bookType(book), a.promptVars(book))
	if err != nil {
		return "", err
	}
	text, err := a.manuscripts.FetchText(ctx, book.ManuscriptKey)
	if err != nil {
		return "", fmt.Errorf("fetch manuscript: %w", err)
	}
	if len(text) > a.manuscriptLimit {
		text = text[:a.manuscriptLimit]
	}
	return instructions + "\n\n---\nMANUSCRIPT:\n" + text, nil
}

// promptVars exposes manuscript-derived fields to template placeholders.
// Only known values are present: a template referencing a variable that is
// not available yet (e.g. {topic} before metadata extraction) fails hard
// instead of reaching a paid model with literal braces.
func (a *App) promptVars(book domain.Book) map[string]string {
	vars := map[string]string{"title": book.Title}
	setIf := func(key, value string) {
		if value != "" {
			vars[key] = value
		}
	}
	setIf("type", bookType(book))
	setIf("language", book.Language)
	if md := book.Metadata; md != nil {
		setIf("language", md.Language)
		setIf("topic", md.Topic)
		setIf("author", md.Author)
		if md.WordCount > 0 {
			vars["wordcount"] = strconv.Itoa(md.WordCount)
		}
	}
	return vars
}

func bookType(book domain.Book) string {
	if book.Metadata != nil && book.Metadata.BookType != "" {
		return book.Metadata.BookType
	}
	return book.BookType
}

// failStage records a stage failure. Fields written by earlier successful
// stages are deliberately left in place.
func (a *App) failStage(rec domain.AIReview, stage domain.Stage, cause error) (domain.AIReview, error) {
	now := time.Now().UTC()
	rec.ProcessingStatus = domain.ProcessingFailed
	rec.FailedStage = stage
	rec.ErrorMessage = cause.Error()
	rec.UpdatedAt = now
	if err := a.store.SaveReview(rec); err != nil {
		return rec, err
	}
	if err := a.store.SetBookStatus(rec.BookID, domain.StatusFailed); err != nil {
		return rec, err
	}
	slog.Warn("review stage failed",
		"book_id", rec.BookID,
		"stage", string(stage),
		"error", cause.Error(),
	)
	return rec, cause
}

func (a *App) completeStage(ctx context.Context, book domain.Book, rec domain.AIReview, stage domain.Stage, frag review.Fragment, result llm.Result) (domain.AIReview, error) {
	now := time.Now().UTC()

	if frag.Metadata != nil {
		book.Metadata = frag.Metadata
		if book.BookType == "" {
			book.BookType = frag.Metadata.BookType
		}
		if book.Language == "" {
			book.Language = frag.Metadata.Language
		}
	}

	mergeFragment(&rec, frag)
	rec.ServedByRole = result.ServedBy
	rec.AIModelUsed = result.ModelCode
	rec.ErrorMessage = ""
	rec.FailedStage = ""
	rec.CompletedStages = append(rec.CompletedStages, stage)
	rec.UpdatedAt = now

	final, err := a.finalStage(ctx, book)
	if err != nil {
		return rec, err
	}
	if stage == final {
		rec.ProcessingStatus = domain.ProcessingCompleted
		book.Status = domain.StatusReviewCompleted
		book.ReviewCompletedAt = &now
	}
	book.UpdatedAt = now

	if err := a.store.SaveReview(rec); err != nil {
		return rec, err
	}
	if err := a.store.SaveBook(book); err != nil {
		return rec, err
	}

	if stage != final && a.queue != nil {
		next := domain.NextStage(stage)
		if err := a.queue.Enqueue(ctx, queue.StageJob{BookID: book.ID, Stage: next}); err != nil {
			return rec, fmt.Errorf("enqueue %s stage: %w", next, err)
		}
	}
	slog.Info("review stage completed",
		"book_id", book.ID,
		"stage", string(stage),
		"served_by", string(result.ServedBy),
		"latency_ms", result.Latency.Milliseconds(),
	)
	return rec, nil
}

// finalStage is the last stage this book is due to run: detailed review
// for entitled books, initial review otherwise.
func (a *App) finalStage(ctx context.Context, book domain.Book) (domain.Stage, error) {
	allowed, err := a.entitled(ctx, book)
	if err != nil {
		return "", fmt.Errorf("entitlement check: %w", err)
	}
	if allowed {
		return domain.StageDetailedReview, nil
	}
	return domain.StageInitialReview, nil
}

// Retry re-enters the pipeline at the failed stage. It is the only retry
// path; nothing retries automatically in the background.
func (a *App) Retry(ctx context.Context, bookID string) (domain.AIReview, error) {
	lock := a.bookLock(bookID)
	lock.Lock()

	rec, ok, err := a.store.GetReviewByBook(bookID)
	if err != nil {
		lock.Unlock()
		return domain.AIReview{}, err
	}
	if !ok {
		lock.Unlock()
		return domain.AIReview{}, ErrReviewNotFound
	}
	if rec.ProcessingStatus != domain.ProcessingFailed {
		lock.Unlock()
		return rec, ErrNotFailed
	}
	stage := rec.FailedStage
	if stage == "" {
		stage = domain.StageMetadata
	}
	priorError := rec.ErrorMessage

	rec.ProcessingStatus = domain.ProcessingPending
	rec.ErrorMessage = ""
	rec.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveReview(rec); err != nil {
		lock.Unlock()
		return rec, err
	}
	if err := a.store.SetBookStatus(bookID, domain.StatusReviewInProgress); err != nil {
		lock.Unlock()
		return rec, err
	}

	if a.queue != nil {
		if err := a.queue.Enqueue(ctx, queue.StageJob{BookID: bookID, Stage: stage}); err != nil {
			// Put the review back in its failed state so Retry stays
			// available; otherwise it would be stranded Pending with no
			// job to pick it up.
			rec.ProcessingStatus = domain.ProcessingFailed
			rec.ErrorMessage = priorError
			rec.UpdatedAt = time.Now().UTC()
			if saveErr := a.store.SaveReview(rec); saveErr != nil {
				slog.Error("restore failed review after enqueue error", "book_id", bookID, "error", saveErr)
			}
			if statusErr := a.store.SetBookStatus(bookID, domain.StatusFailed); statusErr != nil {
				slog.Error("restore failed book status after enqueue error", "book_id", bookID, "error", statusErr)
			}
			lock.Unlock()
			return rec, fmt.Errorf("enqueue retry stage: %w", err)
		}
		lock.Unlock()
		slog.Info("review retry enqueued", "book_id", bookID, "stage", string(stage))
		return rec, nil
	}
	lock.Unlock()
	return a.RunStage(ctx, bookID, stage)
}

// RespondToReview records the author's response on a completed review.
// This is the only mutation allowed after completion.
func (a *App) RespondToReview(bookID, response string) (domain.AIReview, error) {
	lock := a.bookLock(bookID)
	lock.Lock()
	defer lock.Unlock()

	rec, ok, err := a.store.GetReviewByBook(bookID)
	if err != nil {
		return domain.AIReview{}, err
	}
	if !ok {
		return domain.AIReview{}, ErrReviewNotFound
	}
	if rec.ProcessingStatus != domain.ProcessingCompleted {
		return rec, ErrReviewNotCompleted
	}
	rec.AuthorResponse = response
	rec.UpdatedAt = time.Now().UTC()
	if err := a.store.SaveReview(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// TestConnection probes one configured endpoint with a canned prompt for
// the admin UI.
func (a *App) TestConnection(ctx context.Context, taskType domain.TaskType, role domain.EndpointRole) (llm.Probe, error) {
	return a.invoker.TestConnection(ctx, taskType, role, a.testTimeout)
}

func mergeFragment(rec *domain.AIReview, frag review.Fragment) {
	rec.SuspectScore = rec.SuspectScore || frag.SuspectScore
	if frag.QualityScore != nil {
		rec.QualityScore = frag.QualityScore
	}
	if len(frag.SectionScores) > 0 {
		rec.SectionScores = frag.SectionScores
	}
	if frag.SingleLineSummary != "" {
		rec.SingleLineSummary = frag.SingleLineSummary
	}
	if frag.ReviewSummary != "" {
		rec.ReviewSummary = frag.ReviewSummary
	}
	if frag.FullReviewContent != "" {
		rec.FullReviewContent = frag.FullReviewContent
	}
	if frag.DetailedSummary != "" {
		rec.DetailedSummary = frag.DetailedSummary
	}
	if frag.FullBlurb != "" {
		rec.FullBlurb = frag.FullBlurb
	}
	if frag.PromotionalBlurb != "" {
		rec.PromotionalBlurb = frag.PromotionalBlurb
	}
	if len(frag.ServiceNeeds) > 0 {
		rec.ServiceNeeds = frag.ServiceNeeds
	}
	if frag.Plagiarism != nil {
		rec.Plagiarism = frag.Plagiarism
	}
}
