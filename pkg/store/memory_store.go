package store

import (
	"sync"
	"time"

	"inkreview/pkg/domain"
)

// MemoryStore keeps books and reviews in-process. Used by tests and local
// single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	books   map[string]domain.Book
	reviews map[string]domain.AIReview // key: review ID
	byBook  map[string]string          // book ID -> review ID
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:   make(map[string]domain.Book),
		reviews: make(map[string]domain.AIReview),
		byBook:  make(map[string]string),
	}
}

// SaveBook stores or replaces a book record.
func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books[b.ID] = b
	return nil
}

// GetBook retrieves a book by ID.
func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

// SetBookStatus updates only the status field.
func (m *MemoryStore) SetBookStatus(id string, status domain.BookStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.books[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	b.UpdatedAt = time.Now().UTC()
	m.books[id] = b
	return nil
}

// CreateReview inserts the one review record for a book.
func (m *MemoryStore) CreateReview(r domain.AIReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byBook[r.BookID]; exists {
		return ErrReviewExists
	}
	m.reviews[r.ID] = r
	m.byBook[r.BookID] = r.ID
	return nil
}

// GetReviewByBook retrieves the review for a book.
func (m *MemoryStore) GetReviewByBook(bookID string) (domain.AIReview, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byBook[bookID]
	if !ok {
		return domain.AIReview{}, false, nil
	}
	r, ok := m.reviews[id]
	return r, ok, nil
}

// SaveReview replaces an existing review record.
func (m *MemoryStore) SaveReview(r domain.AIReview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reviews[r.ID]; !ok {
		return ErrNotFound
	}
	m.reviews[r.ID] = r
	return nil
}
