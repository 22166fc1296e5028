package domain

import "time"

type BookStatus string

const (
	StatusDraft              BookStatus = "Draft"
	StatusSubmittedForReview BookStatus = "SubmittedForAIReview"
	StatusReviewInProgress   BookStatus = "AIReviewInProgress"
	StatusReviewCompleted    BookStatus = "AIReviewCompleted"
	StatusFailed             BookStatus = "Failed"
	StatusPublished          BookStatus = "Published"
	StatusUnpublished        BookStatus = "Unpublished"
)

// TaskType selects which configured model and prompt a stage uses.
type TaskType string

const (
	TaskMetadataExtraction TaskType = "metadata_extraction"
	TaskInitialReview      TaskType = "initial_review"
	TaskDetailedReview     TaskType = "detailed_review"
)

// ValidTaskType reports whether t is one of the three configured task types.
func ValidTaskType(t TaskType) bool {
	switch t {
	case TaskMetadataExtraction, TaskInitialReview, TaskDetailedReview:
		return true
	}
	return false
}

// EndpointRole identifies which of the two configured endpoints served a call.
type EndpointRole string

const (
	RolePrimary EndpointRole = "primary"
	RoleBackup  EndpointRole = "backup"
)

// Stage is one ordered phase of a book's review.
type Stage string

const (
	StageMetadata       Stage = "Metadata"
	StageInitialReview  Stage = "InitialReview"
	StageDetailedReview Stage = "DetailedReview"
)

// StageTask maps a pipeline stage to the task type it invokes.
func StageTask(s Stage) TaskType {
	switch s {
	case StageMetadata:
		return TaskMetadataExtraction
	case StageInitialReview:
		return TaskInitialReview
	case StageDetailedReview:
		return TaskDetailedReview
	}
	return ""
}

// PrevStage returns the stage that must complete before s, or "" for the first.
func PrevStage(s Stage) Stage {
	switch s {
	case StageInitialReview:
		return StageMetadata
	case StageDetailedReview:
		return StageInitialReview
	}
	return ""
}

// NextStage returns the stage after s, or "" when s is the last.
func NextStage(s Stage) Stage {
	switch s {
	case StageMetadata:
		return StageInitialReview
	case StageInitialReview:
		return StageDetailedReview
	}
	return ""
}

type ProcessingStatus string

const (
	ProcessingPending    ProcessingStatus = "Pending"
	ProcessingInProgress ProcessingStatus = "Processing"
	ProcessingCompleted  ProcessingStatus = "Completed"
	ProcessingFailed     ProcessingStatus = "Failed"
)

// BookMetadata holds manuscript metadata extracted by the metadata stage.
type BookMetadata struct {
	Author     string   `json:"author,omitempty"`
	CoAuthors  []string `json:"coAuthors,omitempty"`
	BookType   string   `json:"bookType,omitempty"`
	Language   string   `json:"language,omitempty"`
	ISBN       string   `json:"isbn,omitempty"`
	Publisher  string   `json:"publisher,omitempty"`
	WordCount  int      `json:"wordCount,omitempty"`
	Topic      string   `json:"topic,omitempty"`
	Characters []string `json:"characters,omitempty"`
	Locations  []string `json:"locations,omitempty"`
}

type Book struct {
	ID                     string        `json:"id"`
	AuthorID               string        `json:"authorId"`
	Title                  string        `json:"title"`
	BookType               string        `json:"bookType,omitempty"`
	Language               string        `json:"language,omitempty"`
	Status                 BookStatus    `json:"status"`
	ManuscriptKey          string        `json:"-"`
	Metadata               *BookMetadata `json:"metadata,omitempty"`
	DetailedReviewEntitled bool          `json:"detailedReviewEntitled"`
	SubmittedForReviewAt   *time.Time    `json:"submittedForAiReviewAt,omitempty"`
	ReviewCompletedAt      *time.Time    `json:"aiReviewCompletedAt,omitempty"`
	CreatedAt              time.Time     `json:"createdAt"`
	UpdatedAt              time.Time     `json:"updatedAt"`
}

// ServiceNeed is a follow-up service the detailed review suggests to the author.
type ServiceNeed struct {
	Category   string `json:"category"`
	Suggestion string `json:"suggestion"`
}

type PlagiarismMatch struct {
	Source     string `json:"source"`
	Similarity string `json:"similarity"`
}

type PlagiarismDetails struct {
	Score   int               `json:"score"`
	Matches []PlagiarismMatch `json:"matches"`
}

// SectionScore is one scored section of a review (e.g. "Language & Style").
type SectionScore struct {
	Section string `json:"section"`
	Score   int    `json:"score"`
	Comment string `json:"comment,omitempty"`
}

// AIReview is the per-book record of analysis results and pipeline status.
// One logical record per book; append-only after completion except for the
// author's response.
type AIReview struct {
	ID                string             `json:"id"`
	BookID            string             `json:"bookId"`
	ProcessingStatus  ProcessingStatus   `json:"processingStatus"`
	CompletedStages   []Stage            `json:"completedStages,omitempty"`
	FailedStage       Stage              `json:"failedStage,omitempty"`
	ServedByRole      EndpointRole       `json:"servedByRole,omitempty"`
	AIModelUsed       string             `json:"aiModelUsed,omitempty"`
	ErrorMessage      string             `json:"errorMessage,omitempty"`
	QualityScore      *int               `json:"aiQualityScore,omitempty"`
	SectionScores     []SectionScore     `json:"sectionScores,omitempty"`
	SuspectScore      bool               `json:"suspectScore,omitempty"`
	SingleLineSummary string             `json:"singleLineSummary,omitempty"`
	DetailedSummary   string             `json:"detailedSummary,omitempty"`
	ReviewSummary     string             `json:"reviewSummary,omitempty"`
	FullReviewContent string             `json:"fullReviewContent,omitempty"`
	FullBlurb         string             `json:"fullBlurb,omitempty"`
	PromotionalBlurb  string             `json:"promotionalBlurb,omitempty"`
	ServiceNeeds      []ServiceNeed      `json:"serviceNeeds,omitempty"`
	Plagiarism        *PlagiarismDetails `json:"plagiarismDetails,omitempty"`
	AuthorResponse    string             `json:"authorResponse,omitempty"`
	ReviewDate        time.Time          `json:"reviewDate"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// StageCompleted reports whether the review has finished the given stage.
func (r AIReview) StageCompleted(s Stage) bool {
	for _, done := range r.CompletedStages {
		if done == s {
			return true
		}
	}
	return false
}

// LLMConfig is one configured model endpoint for a task type and role.
type LLMConfig struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	TaskType    TaskType     `json:"taskType"`
	Role        EndpointRole `json:"role"`
	EndpointURL string       `json:"endpointUrl"`
	ModelCode   string       `json:"modelCode"`
	Credential  string       `json:"-"`
	Active      bool         `json:"active"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// PromptTemplate is versioned, parameterized instruction text. BookType is
// only meaningful for initial_review templates, which differ per book type.
type PromptTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	TaskType  TaskType  `json:"taskType"`
	BookType  string    `json:"bookType,omitempty"`
	Text      string    `json:"text"`
	Version   int       `json:"version"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
