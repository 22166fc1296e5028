package configstore

import (
	"errors"
	"fmt"

	"inkreview/pkg/domain"
)

var (
	// ErrNoActiveConfig indicates no active endpoint exists for a task/role slot.
	ErrNoActiveConfig = errors.New("no active llm config")
	// ErrNoActiveTemplate indicates no active prompt template exists for a slot.
	ErrNoActiveTemplate = errors.New("no active prompt template")
	// ErrVersionConflict indicates a template update carried a stale version.
	ErrVersionConflict = errors.New("prompt template version conflict")
	// ErrNotFound indicates the referenced config or template does not exist.
	ErrNotFound = errors.New("not found")
)

// Store holds admin-managed LLM endpoint configs and prompt templates.
// Reads are plain current-state lookups; the pipeline references rows at
// invocation time and never mutates them.
type Store interface {
	// llm configs
	SaveLLMConfig(cfg domain.LLMConfig) (domain.LLMConfig, error)
	GetLLMConfig(id string) (domain.LLMConfig, bool, error)
	ListLLMConfigs() ([]domain.LLMConfig, error)
	DeleteLLMConfig(id string) error
	GetActiveConfig(taskType domain.TaskType, role domain.EndpointRole) (domain.LLMConfig, error)

	// prompt templates
	CreateTemplate(tpl domain.PromptTemplate) (domain.PromptTemplate, error)
	UpdateTemplate(tpl domain.PromptTemplate) (domain.PromptTemplate, error)
	GetTemplate(id string) (domain.PromptTemplate, bool, error)
	ListTemplates() ([]domain.PromptTemplate, error)
	DeleteTemplate(id string) error
	GetActiveTemplate(taskType domain.TaskType, bookType string) (domain.PromptTemplate, error)
}

func validateLLMConfig(cfg domain.LLMConfig) error {
	if !domain.ValidTaskType(cfg.TaskType) {
		return fmt.Errorf("invalid task type: %q", cfg.TaskType)
	}
	if cfg.Role != domain.RolePrimary && cfg.Role != domain.RoleBackup {
		return fmt.Errorf("invalid endpoint role: %q", cfg.Role)
	}
	if cfg.EndpointURL == "" {
		return errors.New("endpoint URL required")
	}
	if cfg.ModelCode == "" {
		return errors.New("model code required")
	}
	return nil
}

func validateTemplate(tpl domain.PromptTemplate) error {
	if !domain.ValidTaskType(tpl.TaskType) {
		return fmt.Errorf("invalid task type: %q", tpl.TaskType)
	}
	if tpl.TaskType == domain.TaskInitialReview && tpl.BookType == "" {
		return errors.New("book type required for initial review templates")
	}
	if tpl.Text == "" {
		return errors.New("template text required")
	}
	return nil
}
