package app

import "errors"

var (
	// ErrBookNotFound indicates the referenced book does not exist.
	ErrBookNotFound = errors.New("book not found")
	// ErrReviewNotFound indicates the book has no AI review record yet.
	ErrReviewNotFound = errors.New("ai review not found")
	// ErrAlreadySubmitted indicates a submit on a book past Draft.
	ErrAlreadySubmitted = errors.New("book already submitted for review")
	// ErrMissingPrerequisite indicates a stage was requested before the
	// preceding stage completed.
	ErrMissingPrerequisite = errors.New("previous stage not completed")
	// ErrReviewFailed indicates a stage was requested on a failed review;
	// the caller must retry first.
	ErrReviewFailed = errors.New("review is failed; retry required")
	// ErrNotFailed indicates a retry on a review that is not failed.
	ErrNotFailed = errors.New("review is not in a failed state")
	// ErrNotEntitled indicates the detailed review stage was requested for
	// a book without the paid entitlement.
	ErrNotEntitled = errors.New("book not entitled to detailed review")
	// ErrReviewNotCompleted indicates an author response on an unfinished
	// review.
	ErrReviewNotCompleted = errors.New("review not completed")
)
