package configstore

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"inkreview/internal/util"
	"inkreview/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
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
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(&LLMConfigModel{}, &PromptTemplateModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewGormStoreWithDB wraps an already-open GORM handle; the caller owns
// migrations.
func NewGormStoreWithDB(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// SaveLLMConfig stores or replaces an endpoint config, deactivating any other
// active config in the same (taskType, role) slot inside one transaction.
func (s *GormStore) SaveLLMConfig(cfg domain.LLMConfig) (domain.LLMConfig, error) {
	if err := validateLLMConfig(cfg); err != nil {
		return domain.LLMConfig{}, err
	}
	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = util.NewID()
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing LLMConfigModel
		switch err := tx.First(&existing, "id = ?", cfg.ID).Error; {
		case err == nil:
			cfg.CreatedAt = existing.CreatedAt
		case errors.Is(err, gorm.ErrRecordNotFound):
			if cfg.CreatedAt.IsZero() {
				cfg.CreatedAt = now
			}
		default:
			return err
		}
		if cfg.Active {
			if err := tx.Model(&LLMConfigModel{}).
				Where("task_type = ? AND role = ? AND active = ? AND id <> ?", string(cfg.TaskType), string(cfg.Role), true, cfg.ID).
				Updates(map[string]any{"active": false, "updated_at": now}).Error; err != nil {
				return err
			}
		}
		return tx.Save(configToModel(cfg)).Error
	})
	if err != nil {
		return domain.LLMConfig{}, fmt.Errorf("save llm config: %w", err)
	}
	return cfg, nil
}

// GetLLMConfig returns a config by ID.
func (s *GormStore) GetLLMConfig(id string) (domain.LLMConfig, bool, error) {
	var m LLMConfigModel
	err := s.db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.LLMConfig{}, false, nil
	}
	if err != nil {
		return domain.LLMConfig{}, false, fmt.Errorf("get llm config: %w", err)
	}
	return modelToConfig(m), true, nil
}

// ListLLMConfigs returns all configs ordered by task type then role.
func (s *GormStore) ListLLMConfigs() ([]domain.LLMConfig, error) {
	var models []LLMConfigModel
	if err := s.db.Order("task_type, role, created_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list llm configs: %w", err)
	}
	out := make([]domain.LLMConfig, 0, len(models))
	for _, m := range models {
		out = append(out, modelToConfig(m))
	}
	return out, nil
}

// DeleteLLMConfig removes a config.
func (s *GormStore) DeleteLLMConfig(id string) error {
	res := s.db.Delete(&LLMConfigModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete llm config: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveConfig returns the single active config for a task/role slot.
func (s *GormStore) GetActiveConfig(taskType domain.TaskType, role domain.EndpointRole) (domain.LLMConfig, error) {
	var m LLMConfigModel
	err := s.db.First(&m, "task_type = ? AND role = ? AND active = ?", string(taskType), string(role), true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.LLMConfig{}, ErrNoActiveConfig
	}
	if err != nil {
		return domain.LLMConfig{}, fmt.Errorf("get active config: %w", err)
	}
	return modelToConfig(m), nil
}

// CreateTemplate stores a new template at version 1.
func (s *GormStore) CreateTemplate(tpl domain.PromptTemplate) (domain.PromptTemplate, error) {
	if err := validateTemplate(tpl); err != nil {
		return domain.PromptTemplate{}, err
	}
	now := time.Now().UTC()
	if tpl.ID == "" {
		tpl.ID = util.NewID()
	}
	tpl.Version = 1
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if tpl.Active {
			if err := s.deactivateTemplateSlot(tx, tpl, now); err != nil {
				return err
			}
		}
		return tx.Create(templateToModel(tpl)).Error
	})
	if err != nil {
		return domain.PromptTemplate{}, fmt.Errorf("create template: %w", err)
	}
	return tpl, nil
}

// UpdateTemplate replaces a template with an optimistic version check: the
// update only applies when the stored version matches the one the caller
// read, and the stored version is bumped.
func (s *GormStore) UpdateTemplate(tpl domain.PromptTemplate) (domain.PromptTemplate, error) {
	if err := validateTemplate(tpl); err != nil {
		return domain.PromptTemplate{}, err
	}
	now := time.Now().UTC()
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var existing PromptTemplateModel
		if err := tx.First(&existing, "id = ?", tpl.ID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if tpl.Version != existing.Version {
			return ErrVersionConflict
		}
		tpl.Version = existing.Version + 1
		tpl.CreatedAt = existing.CreatedAt
		tpl.UpdatedAt = now
		if tpl.Active {
			if err := s.deactivateTemplateSlot(tx, tpl, now); err != nil {
				return err
			}
		}
		// Map update so false/empty fields are written too.
		res := tx.Model(&PromptTemplateModel{}).
			Where("id = ? AND version = ?", tpl.ID, existing.Version).
			Updates(map[string]any{
				"name":       tpl.Name,
				"task_type":  string(tpl.TaskType),
				"book_type":  tpl.BookType,
				"text":       tpl.Text,
				"version":    tpl.Version,
				"active":     tpl.Active,
				"updated_at": tpl.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrVersionConflict) {
			return domain.PromptTemplate{}, err
		}
		return domain.PromptTemplate{}, fmt.Errorf("update template: %w", err)
	}
	return tpl, nil
}

func (s *GormStore) deactivateTemplateSlot(tx *gorm.DB, tpl domain.PromptTemplate, now time.Time) error {
	return tx.Model(&PromptTemplateModel{}).
		Where("task_type = ? AND book_type = ? AND active = ? AND id <> ?", string(tpl.TaskType), tpl.BookType, true, tpl.ID).
		Updates(map[string]any{"active": false, "updated_at": now}).Error
}

// GetTemplate returns a template by ID.
func (s *GormStore) GetTemplate(id string) (domain.PromptTemplate, bool, error) {
	var m PromptTemplateModel
	err := s.db.First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PromptTemplate{}, false, nil
	}
	if err != nil {
		return domain.PromptTemplate{}, false, fmt.Errorf("get template: %w", err)
	}
	return modelToTemplate(m), true, nil
}

// ListTemplates returns all templates ordered by task type.
func (s *GormStore) ListTemplates() ([]domain.PromptTemplate, error) {
	var models []PromptTemplateModel
	if err := s.db.Order("task_type, book_type, created_at").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	out := make([]domain.PromptTemplate, 0, len(models))
	for _, m := range models {
		out = append(out, modelToTemplate(m))
	}
	return out, nil
}

// DeleteTemplate removes a template.
func (s *GormStore) DeleteTemplate(id string) error {
	res := s.db.Delete(&PromptTemplateModel{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete template: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetActiveTemplate returns the active template for a (taskType, bookType)
// slot. Task types other than initial_review ignore bookType.
func (s *GormStore) GetActiveTemplate(taskType domain.TaskType, bookType string) (domain.PromptTemplate, error) {
	if taskType != domain.TaskInitialReview {
		bookType = ""
	}
	var m PromptTemplateModel
	err := s.db.First(&m, "task_type = ? AND book_type = ? AND active = ?", string(taskType), bookType, true).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.PromptTemplate{}, ErrNoActiveTemplate
	}
	if err != nil {
		return domain.PromptTemplate{}, fmt.Errorf("get active template: %w", err)
	}
	return modelToTemplate(m), nil
}
