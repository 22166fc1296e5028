package store

import (
	"errors"

	"inkreview/pkg/domain"
)

var (
	// ErrNotFound indicates the referenced book or review does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReviewExists indicates a book already has its AIReview record.
	ErrReviewExists = errors.New("ai review already exists for book")
)

// Store defines persistence operations for books and AI reviews. The
// pipeline coordinator treats this as an injectable collaborator; book CRUD
// beyond what the pipeline needs lives elsewhere.
type Store interface {
	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	SetBookStatus(id string, status domain.BookStatus) error

	// ai reviews (one logical record per book)
	CreateReview(domain.AIReview) error
	GetReviewByBook(bookID string) (domain.AIReview, bool, error)
	SaveReview(domain.AIReview) error
}
