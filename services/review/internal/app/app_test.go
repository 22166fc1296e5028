package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"inkreview/pkg/configstore"
	"inkreview/pkg/domain"
	"inkreview/pkg/llm"
	"inkreview/pkg/prompt"
	"inkreview/pkg/queue"
	"inkreview/pkg/storage"
	"inkreview/pkg/store"
)

// scriptedClient replays canned responses per role, and counts calls.
type scriptedClient struct {
	mu       sync.Mutex
	primary  map[domain.TaskType]string
	backup   map[domain.TaskType]string
	failPrim map[domain.TaskType]bool
	failBack map[domain.TaskType]bool
	calls    []domain.EndpointRole
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{
		primary:  make(map[domain.TaskType]string),
		backup:   make(map[domain.TaskType]string),
		failPrim: make(map[domain.TaskType]bool),
		failBack: make(map[domain.TaskType]bool),
	}
}

func (c *scriptedClient) Generate(_ context.Context, cfg domain.LLMConfig, _ string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cfg.Role)
	if cfg.Role == domain.RolePrimary {
		if c.failPrim[cfg.TaskType] {
			return "", fmt.Errorf("connection refused")
		}
		return c.primary[cfg.TaskType], nil
	}
	if c.failBack[cfg.TaskType] {
		return "", fmt.Errorf("connection refused")
	}
	return c.backup[cfg.TaskType], nil
}

type recordingQueue struct {
	mu      sync.Mutex
	jobs    []queue.StageJob
	failErr error
}

func (q *recordingQueue) Enqueue(_ context.Context, job queue.StageJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failErr != nil {
		return q.failErr
	}
	q.jobs = append(q.jobs, job)
	return nil
}

const (
	metadataResponse = `{"booktype":"fiction","language":"English","Topic":"space travel","author":"J. Vance","Wordcount":80000}`
	initialResponse  = `{"ai_quality_score":82,"single_line_summary":"A brisk space opera.","review_summary":"Well paced.","full_review_content":"Chapter by chapter it holds together.","section_scores":[{"section":"Plot","score":85}]}`
	detailedResponse = `{"detailed_summary":"Long form analysis.","full_blurb":"An epic voyage.","promotional_blurb":"Unmissable.","service_needs":[{"category":"editing","suggestion":"line edit"}],"plagiarism_details":{"score":3,"matches":[]}}`
)

type fixture struct {
	app     *App
	store   *store.MemoryStore
	configs *configstore.MemoryStore
	client  *scriptedClient
	queue   *recordingQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	configs := configstore.NewMemoryStore()
	for _, task := range []domain.TaskType{domain.TaskMetadataExtraction, domain.TaskInitialReview, domain.TaskDetailedReview} {
		for _, role := range []domain.EndpointRole{domain.RolePrimary, domain.RoleBackup} {
			_, err := configs.SaveLLMConfig(domain.LLMConfig{
				Name:        fmt.Sprintf("%s-%s", task, role),
				TaskType:    task,
				Role:        role,
				EndpointURL: "http://example.invalid/v1",
				ModelCode:   fmt.Sprintf("model-%s", role),
				Credential:  "sk-test",
				Active:      true,
			})
			if err != nil {
				t.Fatalf("seed config %s/%s: %v", task, role, err)
			}
		}
	}
	seedTemplate := func(task domain.TaskType, bookType, text string) {
		tpl, err := configs.CreateTemplate(domain.PromptTemplate{
			Name:     fmt.Sprintf("%s template", task),
			TaskType: task,
			BookType: bookType,
			Text:     text,
		})
		if err != nil {
			t.Fatalf("seed template %s: %v", task, err)
		}
		tpl.Active = true
		if _, err := configs.UpdateTemplate(tpl); err != nil {
			t.Fatalf("activate template %s: %v", task, err)
		}
	}
	seedTemplate(domain.TaskMetadataExtraction, "", "Extract metadata from {title}.")
	seedTemplate(domain.TaskInitialReview, "fiction", "Review the {type} manuscript {title} in {language}.")
	seedTemplate(domain.TaskDetailedReview, "", "Deep review of {title}, a {type} about {topic}.")

	client := newScriptedClient()
	client.primary[domain.TaskMetadataExtraction] = metadataResponse
	client.primary[domain.TaskInitialReview] = initialResponse
	client.primary[domain.TaskDetailedReview] = detailedResponse
	client.backup[domain.TaskMetadataExtraction] = metadataResponse
	client.backup[domain.TaskInitialReview] = initialResponse
	client.backup[domain.TaskDetailedReview] = detailedResponse

	manuscripts := storage.NewMapSource()
	manuscripts.Put("manuscripts/b1.txt", "Once upon a star...")

	dataStore := store.NewMemoryStore()
	q := &recordingQueue{}
	a, err := New(Config{
		Store:       dataStore,
		Configs:     configs,
		Manuscripts: manuscripts,
		Client:      client,
		Queue:       q,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{app: a, store: dataStore, configs: configs, client: client, queue: q}
}

func (f *fixture) seedBook(t *testing.T, entitled bool) domain.Book {
	t.Helper()
	book := domain.Book{
		ID:                     "b1",
		AuthorID:               "a1",
		Title:                  "Starfall",
		Status:                 domain.StatusDraft,
		ManuscriptKey:          "manuscripts/b1.txt",
		DetailedReviewEntitled: entitled,
	}
	if err := f.store.SaveBook(book); err != nil {
		t.Fatalf("seed book: %v", err)
	}
	return book
}

func TestSubmitCreatesPendingReview(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)

	rec, err := f.app.Submit(context.Background(), "b1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if rec.ProcessingStatus != domain.ProcessingPending {
		t.Fatalf("status = %s, want Pending", rec.ProcessingStatus)
	}
	book, _, _ := f.store.GetBook("b1")
	if book.Status != domain.StatusSubmittedForReview {
		t.Fatalf("book status = %s, want SubmittedForAIReview", book.Status)
	}
	if book.SubmittedForReviewAt == nil {
		t.Fatal("SubmittedForReviewAt not set")
	}
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].Stage != domain.StageMetadata {
		t.Fatalf("enqueued jobs = %+v, want one Metadata job", f.queue.jobs)
	}
}

func TestSubmitRejectsNonDraft(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)

	if _, err := f.app.Submit(context.Background(), "b1"); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := f.app.Submit(context.Background(), "b1")
	if !errors.Is(err, ErrAlreadySubmitted) {
		t.Fatalf("second Submit err = %v, want ErrAlreadySubmitted", err)
	}
	if _, ok, _ := f.store.GetReviewByBook("b1"); !ok {
		t.Fatal("review record vanished")
	}
}

func TestSubmitUnknownBook(t *testing.T) {
	f := newFixture(t)
	if _, err := f.app.Submit(context.Background(), "ghost"); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("err = %v, want ErrBookNotFound", err)
	}
}

func TestFullPipelineEntitled(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, true)
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for _, stage := range []domain.Stage{domain.StageMetadata, domain.StageInitialReview, domain.StageDetailedReview} {
		if _, err := f.app.RunStage(ctx, "b1", stage); err != nil {
			t.Fatalf("RunStage(%s): %v", stage, err)
		}
	}

	rec, err := f.app.GetStatus("b1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if rec.ProcessingStatus != domain.ProcessingCompleted {
		t.Fatalf("status = %s, want Completed", rec.ProcessingStatus)
	}
	if rec.QualityScore == nil || *rec.QualityScore != 82 {
		t.Fatalf("quality score = %v, want 82", rec.QualityScore)
	}
	if rec.DetailedSummary != "Long form analysis." {
		t.Fatalf("detailed summary = %q", rec.DetailedSummary)
	}
	if rec.Plagiarism == nil || rec.Plagiarism.Score != 3 {
		t.Fatalf("plagiarism = %+v", rec.Plagiarism)
	}
	if len(rec.CompletedStages) != 3 {
		t.Fatalf("completed stages = %v", rec.CompletedStages)
	}

	book, _, _ := f.store.GetBook("b1")
	if book.Status != domain.StatusReviewCompleted {
		t.Fatalf("book status = %s, want AIReviewCompleted", book.Status)
	}
	if book.Metadata == nil || book.Metadata.BookType != "fiction" {
		t.Fatalf("book metadata = %+v", book.Metadata)
	}
	if book.ReviewCompletedAt == nil {
		t.Fatal("ReviewCompletedAt not set")
	}
}

func TestPipelineStopsAtInitialWhenNotEntitled(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageMetadata); err != nil {
		t.Fatalf("metadata stage: %v", err)
	}
	rec, err := f.app.RunStage(ctx, "b1", domain.StageInitialReview)
	if err != nil {
		t.Fatalf("initial review stage: %v", err)
	}
	if rec.ProcessingStatus != domain.ProcessingCompleted {
		t.Fatalf("status = %s, want Completed after initial review", rec.ProcessingStatus)
	}

	if _, err := f.app.RunStage(ctx, "b1", domain.StageDetailedReview); !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("detailed stage err = %v, want ErrNotEntitled", err)
	}
}

func TestStageOrderEnforced(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec, err := f.app.RunStage(ctx, "b1", domain.StageInitialReview)
	if !errors.Is(err, ErrMissingPrerequisite) {
		t.Fatalf("err = %v, want ErrMissingPrerequisite", err)
	}
	if rec.ProcessingStatus != domain.ProcessingPending {
		t.Fatalf("review mutated on ordering violation: status = %s", rec.ProcessingStatus)
	}
	if f.client.calls != nil {
		t.Fatalf("model called despite ordering violation: %v", f.client.calls)
	}
}

func TestCompletedStageIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageMetadata); err != nil {
		t.Fatalf("metadata stage: %v", err)
	}
	before := len(f.client.calls)
	rec, err := f.app.RunStage(ctx, "b1", domain.StageMetadata)
	if err != nil {
		t.Fatalf("repeat metadata stage: %v", err)
	}
	if len(f.client.calls) != before {
		t.Fatal("repeat of completed stage invoked the model")
	}
	if len(rec.CompletedStages) != 1 {
		t.Fatalf("completed stages = %v, want exactly one", rec.CompletedStages)
	}
}

func TestFailoverRecordsBackupRole(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	f.client.failPrim[domain.TaskMetadataExtraction] = true
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec, err := f.app.RunStage(ctx, "b1", domain.StageMetadata)
	if err != nil {
		t.Fatalf("metadata stage: %v", err)
	}
	if rec.ServedByRole != domain.RoleBackup {
		t.Fatalf("served by = %s, want backup", rec.ServedByRole)
	}
	if rec.AIModelUsed != "model-backup" {
		t.Fatalf("model used = %q, want model-backup", rec.AIModelUsed)
	}
}

func TestUnparsablePrimaryFailsOver(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	f.client.primary[domain.TaskMetadataExtraction] = "I could not produce JSON, sorry."
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec, err := f.app.RunStage(ctx, "b1", domain.StageMetadata)
	if err != nil {
		t.Fatalf("metadata stage: %v", err)
	}
	if rec.ServedByRole != domain.RoleBackup {
		t.Fatalf("served by = %s, want backup after unparsable primary", rec.ServedByRole)
	}
	if rec.StageCompleted(domain.StageMetadata) != true {
		t.Fatal("metadata stage not recorded complete")
	}
}

func TestDoubleFailureMarksReviewFailed(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	f.client.failPrim[domain.TaskMetadataExtraction] = true
	f.client.failBack[domain.TaskMetadataExtraction] = true
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec, err := f.app.RunStage(ctx, "b1", domain.StageMetadata)
	if err == nil {
		t.Fatal("expected error after both endpoints failed")
	}
	var invErr *llm.InvocationError
	if !errors.As(err, &invErr) {
		t.Fatalf("err = %T %v, want *llm.InvocationError", err, err)
	}
	if rec.ProcessingStatus != domain.ProcessingFailed {
		t.Fatalf("status = %s, want Failed", rec.ProcessingStatus)
	}
	if rec.FailedStage != domain.StageMetadata {
		t.Fatalf("failed stage = %s, want Metadata", rec.FailedStage)
	}
	if rec.ErrorMessage == "" {
		t.Fatal("error message empty")
	}
	book, _, _ := f.store.GetBook("b1")
	if book.Status != domain.StatusFailed {
		t.Fatalf("book status = %s, want Failed", book.Status)
	}
}

func TestLaterFailureKeepsEarlierStageResults(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	f.client.failPrim[domain.TaskInitialReview] = true
	f.client.failBack[domain.TaskInitialReview] = true
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageMetadata); err != nil {
		t.Fatalf("metadata stage: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageInitialReview); err == nil {
		t.Fatal("expected initial review to fail")
	}

	rec, err := f.app.GetStatus("b1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !rec.StageCompleted(domain.StageMetadata) {
		t.Fatal("metadata completion lost on later failure")
	}
	book, _, _ := f.store.GetBook("b1")
	if book.Metadata == nil || book.Metadata.Topic != "space travel" {
		t.Fatalf("extracted metadata lost: %+v", book.Metadata)
	}
}

func TestMissingTemplateVariableFailsStage(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	tpl, err := f.configs.GetActiveTemplate(domain.TaskMetadataExtraction, "")
	if err != nil {
		t.Fatalf("GetActiveTemplate: %v", err)
	}
	tpl.Text = "Extract from {title}, genre {genre}."
	if _, err := f.configs.UpdateTemplate(tpl); err != nil {
		t.Fatalf("UpdateTemplate: %v", err)
	}
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	_, err = f.app.RunStage(ctx, "b1", domain.StageMetadata)
	var subErr *prompt.SubstitutionError
	if !errors.As(err, &subErr) {
		t.Fatalf("err = %v, want *prompt.SubstitutionError", err)
	}
	if f.client.calls != nil {
		t.Fatalf("model called with unresolved template: %v", f.client.calls)
	}
	rec, _ := f.app.GetStatus("b1")
	if rec.ProcessingStatus != domain.ProcessingFailed {
		t.Fatalf("status = %s, want Failed", rec.ProcessingStatus)
	}
}

func TestRetryReentersAtFailedStage(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	f.client.failPrim[domain.TaskInitialReview] = true
	f.client.failBack[domain.TaskInitialReview] = true
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageMetadata); err != nil {
		t.Fatalf("metadata stage: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageInitialReview); err == nil {
		t.Fatal("expected initial review to fail")
	}

	f.client.failPrim[domain.TaskInitialReview] = false
	f.client.failBack[domain.TaskInitialReview] = false
	f.queue.jobs = nil

	rec, err := f.app.Retry(ctx, "b1")
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if rec.ProcessingStatus != domain.ProcessingPending {
		t.Fatalf("status after retry = %s, want Pending", rec.ProcessingStatus)
	}
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].Stage != domain.StageInitialReview {
		t.Fatalf("retry enqueued %+v, want one InitialReview job", f.queue.jobs)
	}

	if _, err := f.app.RunStage(ctx, "b1", domain.StageInitialReview); err != nil {
		t.Fatalf("retried stage: %v", err)
	}
	rec, _ = f.app.GetStatus("b1")
	if rec.ProcessingStatus != domain.ProcessingCompleted {
		t.Fatalf("status = %s, want Completed after retry", rec.ProcessingStatus)
	}
}

func TestRetryRestoresFailedStateOnEnqueueError(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	f.client.failPrim[domain.TaskInitialReview] = true
	f.client.failBack[domain.TaskInitialReview] = true
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageMetadata); err != nil {
		t.Fatalf("metadata stage: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageInitialReview); err == nil {
		t.Fatal("expected initial review to fail")
	}
	failed, _ := f.app.GetStatus("b1")
	if failed.ErrorMessage == "" {
		t.Fatal("expected error message on failed review")
	}

	f.client.failPrim[domain.TaskInitialReview] = false
	f.client.failBack[domain.TaskInitialReview] = false
	f.queue.failErr = errors.New("stream unavailable")

	if _, err := f.app.Retry(ctx, "b1"); err == nil {
		t.Fatal("expected Retry to report the enqueue error")
	}
	rec, err := f.app.GetStatus("b1")
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if rec.ProcessingStatus != domain.ProcessingFailed {
		t.Fatalf("status after failed enqueue = %s, want Failed", rec.ProcessingStatus)
	}
	if rec.ErrorMessage != failed.ErrorMessage {
		t.Fatalf("error message = %q, want %q preserved", rec.ErrorMessage, failed.ErrorMessage)
	}
	book, _, _ := f.store.GetBook("b1")
	if book.Status != domain.StatusFailed {
		t.Fatalf("book status = %s, want Failed", book.Status)
	}

	f.queue.failErr = nil
	rec, err = f.app.Retry(ctx, "b1")
	if err != nil {
		t.Fatalf("Retry after queue recovery: %v", err)
	}
	if rec.ProcessingStatus != domain.ProcessingPending {
		t.Fatalf("status after retry = %s, want Pending", rec.ProcessingStatus)
	}
	if len(f.queue.jobs) != 1 || f.queue.jobs[0].Stage != domain.StageInitialReview {
		t.Fatalf("retry enqueued %+v, want one InitialReview job", f.queue.jobs)
	}
}

func TestRetryRequiresFailedReview(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.app.Retry(ctx, "b1"); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("err = %v, want ErrNotFailed", err)
	}
}

func TestRespondToReview(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, false)
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.app.RespondToReview("b1", "thanks"); !errors.Is(err, ErrReviewNotCompleted) {
		t.Fatalf("err = %v, want ErrReviewNotCompleted", err)
	}

	if _, err := f.app.RunStage(ctx, "b1", domain.StageMetadata); err != nil {
		t.Fatalf("metadata stage: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageInitialReview); err != nil {
		t.Fatalf("initial review stage: %v", err)
	}
	rec, err := f.app.RespondToReview("b1", "thanks for the notes")
	if err != nil {
		t.Fatalf("RespondToReview: %v", err)
	}
	if rec.AuthorResponse != "thanks for the notes" {
		t.Fatalf("author response = %q", rec.AuthorResponse)
	}
}

func TestStagesEnqueueSuccessors(t *testing.T) {
	f := newFixture(t)
	f.seedBook(t, true)
	ctx := context.Background()

	if _, err := f.app.Submit(ctx, "b1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageMetadata); err != nil {
		t.Fatalf("metadata stage: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageInitialReview); err != nil {
		t.Fatalf("initial review stage: %v", err)
	}
	if _, err := f.app.RunStage(ctx, "b1", domain.StageDetailedReview); err != nil {
		t.Fatalf("detailed review stage: %v", err)
	}

	want := []domain.Stage{domain.StageMetadata, domain.StageInitialReview, domain.StageDetailedReview}
	if len(f.queue.jobs) != len(want) {
		t.Fatalf("enqueued %d jobs, want %d: %+v", len(f.queue.jobs), len(want), f.queue.jobs)
	}
	for i, job := range f.queue.jobs {
		if job.Stage != want[i] {
			t.Fatalf("job %d stage = %s, want %s", i, job.Stage, want[i])
		}
	}
}
