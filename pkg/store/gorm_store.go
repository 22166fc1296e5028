package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"inkreview/pkg/domain"
)

const migrateLockID int64 = 48274821

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations under an advisory lock
// so multiple replicas can start concurrently.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLog,
		// Without this the postgres driver returns raw *pgconn.PgError
		// values and errors.Is(err, gorm.ErrDuplicatedKey) never matches.
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&BookModel{}, &AIReviewModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the underlying handle so sibling stores can share the
// connection pool.
func (s *GormStore) DB() *gorm.DB { return s.db }

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// SaveBook stores or replaces a book row.
func (s *GormStore) SaveBook(b domain.Book) error {
	model, err := bookToModel(b)
	if err != nil {
		return err
	}
	err = s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&model).Error
	if err != nil {
		return fmt.Errorf("save book: %w", err)
	}
	return nil
}

// GetBook retrieves a book by ID.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var m BookModel
	err := s.db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Book{}, false, nil
	}
	if err != nil {
		return domain.Book{}, false, fmt.Errorf("get book: %w", err)
	}
	b, err := modelToBook(m)
	if err != nil {
		return domain.Book{}, false, err
	}
	return b, true, nil
}

// SetBookStatus updates only the status column.
func (s *GormStore) SetBookStatus(id string, status domain.BookStatus) error {
	res := s.db.Model(&BookModel{}).Where("id = ?", id).
		Updates(map[string]any{"status": string(status), "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("set book status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateReview inserts the one review record for a book. The unique index
// on book_id enforces the one-record-per-book invariant at the DB level.
func (s *GormStore) CreateReview(r domain.AIReview) error {
	model, err := reviewToModel(r)
	if err != nil {
		return err
	}
	err = s.db.Create(&model).Error
	if err != nil {
		if isDuplicateKey(err) {
			return ErrReviewExists
		}
		return fmt.Errorf("create review: %w", err)
	}
	return nil
}

// isDuplicateKey matches a unique-index violation both as gorm's translated
// sentinel and as the raw postgres error (SQLSTATE 23505), so the mapping
// holds even on a handle opened without error translation.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// GetReviewByBook retrieves the review for a book.
func (s *GormStore) GetReviewByBook(bookID string) (domain.AIReview, bool, error) {
	var m AIReviewModel
	err := s.db.First(&m, "book_id = ?", bookID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.AIReview{}, false, nil
	}
	if err != nil {
		return domain.AIReview{}, false, fmt.Errorf("get review: %w", err)
	}
	r, err := modelToReview(m)
	if err != nil {
		return domain.AIReview{}, false, err
	}
	return r, true, nil
}

// SaveReview replaces an existing review row.
func (s *GormStore) SaveReview(r domain.AIReview) error {
	model, err := reviewToModel(r)
	if err != nil {
		return err
	}
	res := s.db.Model(&AIReviewModel{}).Where("id = ?", r.ID).Select("*").Updates(&model)
	if res.Error != nil {
		return fmt.Errorf("save review: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
