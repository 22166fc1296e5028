package store

import (
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/datatypes"

	"inkreview/pkg/domain"
)

// GORM models used for persistence.
type BookModel struct {
	ID                     string `gorm:"primaryKey"`
	AuthorID               string `gorm:"index"`
	Title                  string `gorm:"not null"`
	BookType               string
	Language               string
	Status                 string `gorm:"not null;index"`
	ManuscriptKey          string
	Metadata               datatypes.JSON `gorm:"type:jsonb"`
	DetailedReviewEntitled bool           `gorm:"not null;default:false"`
	SubmittedForReviewAt   *time.Time
	ReviewCompletedAt      *time.Time
	CreatedAt              time.Time `gorm:"not null"`
	UpdatedAt              time.Time `gorm:"not null"`
}

type AIReviewModel struct {
	ID                string         `gorm:"primaryKey"`
	BookID            string         `gorm:"not null;uniqueIndex"`
	ProcessingStatus  string         `gorm:"not null;index"`
	CompletedStages   datatypes.JSON `gorm:"type:jsonb"`
	FailedStage       string
	ServedByRole      string
	AIModelUsed       string
	ErrorMessage      string `gorm:"type:text"`
	QualityScore      *int
	SectionScores     datatypes.JSON `gorm:"type:jsonb"`
	SuspectScore      bool           `gorm:"not null;default:false"`
	SingleLineSummary string         `gorm:"type:text"`
	DetailedSummary   string         `gorm:"type:text"`
	ReviewSummary     string         `gorm:"type:text"`
	FullReviewContent string         `gorm:"type:text"`
	FullBlurb         string         `gorm:"type:text"`
	PromotionalBlurb  string         `gorm:"type:text"`
	ServiceNeeds      datatypes.JSON `gorm:"type:jsonb"`
	Plagiarism        datatypes.JSON `gorm:"type:jsonb"`
	AuthorResponse    string         `gorm:"type:text"`
	ReviewDate        time.Time      `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null"`
	UpdatedAt         time.Time      `gorm:"not null"`
}

func toJSON(v any) (datatypes.JSON, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func fromJSON(raw datatypes.JSON, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

func bookToModel(b domain.Book) (BookModel, error) {
	var metadata datatypes.JSON
	if b.Metadata != nil {
		var err error
		metadata, err = toJSON(b.Metadata)
		if err != nil {
			return BookModel{}, err
		}
	}
	return BookModel{
		ID:                     b.ID,
		AuthorID:               b.AuthorID,
		Title:                  b.Title,
		BookType:               b.BookType,
		Language:               b.Language,
		Status:                 string(b.Status),
		ManuscriptKey:          b.ManuscriptKey,
		Metadata:               metadata,
		DetailedReviewEntitled: b.DetailedReviewEntitled,
		SubmittedForReviewAt:   b.SubmittedForReviewAt,
		ReviewCompletedAt:      b.ReviewCompletedAt,
		CreatedAt:              b.CreatedAt,
		UpdatedAt:              b.UpdatedAt,
	}, nil
}

func modelToBook(m BookModel) (domain.Book, error) {
	b := domain.Book{
		ID:                     m.ID,
		AuthorID:               m.AuthorID,
		Title:                  m.Title,
		BookType:               m.BookType,
		Language:               m.Language,
		Status:                 domain.BookStatus(m.Status),
		ManuscriptKey:          m.ManuscriptKey,
		DetailedReviewEntitled: m.DetailedReviewEntitled,
		SubmittedForReviewAt:   m.SubmittedForReviewAt,
		ReviewCompletedAt:      m.ReviewCompletedAt,
		CreatedAt:              m.CreatedAt,
		UpdatedAt:              m.UpdatedAt,
	}
	if len(m.Metadata) > 0 {
		var md domain.BookMetadata
		if err := fromJSON(m.Metadata, &md); err != nil {
			return domain.Book{}, err
		}
		b.Metadata = &md
	}
	return b, nil
}

func reviewToModel(r domain.AIReview) (AIReviewModel, error) {
	stages, err := toJSON(r.CompletedStages)
	if err != nil {
		return AIReviewModel{}, err
	}
	sections, err := toJSON(r.SectionScores)
	if err != nil {
		return AIReviewModel{}, err
	}
	needs, err := toJSON(r.ServiceNeeds)
	if err != nil {
		return AIReviewModel{}, err
	}
	var plagiarism datatypes.JSON
	if r.Plagiarism != nil {
		plagiarism, err = toJSON(r.Plagiarism)
		if err != nil {
			return AIReviewModel{}, err
		}
	}
	return AIReviewModel{
		ID:                r.ID,
		BookID:            r.BookID,
		ProcessingStatus:  string(r.ProcessingStatus),
		CompletedStages:   stages,
		FailedStage:       string(r.FailedStage),
		ServedByRole:      string(r.ServedByRole),
		AIModelUsed:       r.AIModelUsed,
		ErrorMessage:      r.ErrorMessage,
		QualityScore:      r.QualityScore,
		SectionScores:     sections,
		SuspectScore:      r.SuspectScore,
		SingleLineSummary: r.SingleLineSummary,
		DetailedSummary:   r.DetailedSummary,
		ReviewSummary:     r.ReviewSummary,
		FullReviewContent: r.FullReviewContent,
		FullBlurb:         r.FullBlurb,
		PromotionalBlurb:  r.PromotionalBlurb,
		ServiceNeeds:      needs,
		Plagiarism:        plagiarism,
		AuthorResponse:    r.AuthorResponse,
		ReviewDate:        r.ReviewDate,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}, nil
}

func modelToReview(m AIReviewModel) (domain.AIReview, error) {
	r := domain.AIReview{
		ID:                m.ID,
		BookID:            m.BookID,
		ProcessingStatus:  domain.ProcessingStatus(m.ProcessingStatus),
		FailedStage:       domain.Stage(m.FailedStage),
		ServedByRole:      domain.EndpointRole(m.ServedByRole),
		AIModelUsed:       m.AIModelUsed,
		ErrorMessage:      m.ErrorMessage,
		QualityScore:      m.QualityScore,
		SuspectScore:      m.SuspectScore,
		SingleLineSummary: m.SingleLineSummary,
		DetailedSummary:   m.DetailedSummary,
		ReviewSummary:     m.ReviewSummary,
		FullReviewContent: m.FullReviewContent,
		FullBlurb:         m.FullBlurb,
		PromotionalBlurb:  m.PromotionalBlurb,
		AuthorResponse:    m.AuthorResponse,
		ReviewDate:        m.ReviewDate,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
	if err := fromJSON(m.CompletedStages, &r.CompletedStages); err != nil {
		return domain.AIReview{}, err
	}
	if err := fromJSON(m.SectionScores, &r.SectionScores); err != nil {
		return domain.AIReview{}, err
	}
	if err := fromJSON(m.ServiceNeeds, &r.ServiceNeeds); err != nil {
		return domain.AIReview{}, err
	}
	if len(m.Plagiarism) > 0 {
		var details domain.PlagiarismDetails
		if err := fromJSON(m.Plagiarism, &details); err != nil {
			return domain.AIReview{}, err
		}
		r.Plagiarism = &details
	}
	return r, nil
}
