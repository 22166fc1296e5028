package configstore

import (
	"time"

	"inkreview/pkg/domain"
)

// GORM models used for persistence.
type LLMConfigModel struct {
	ID          string `gorm:"primaryKey"`
	Name        string
	TaskType    string `gorm:"not null;index:idx_llm_slot"`
	Role        string `gorm:"not null;index:idx_llm_slot"`
	EndpointURL string `gorm:"not null"`
	ModelCode   string `gorm:"not null"`
	Credential  string
	Active      bool      `gorm:"not null;index:idx_llm_slot"`
	CreatedAt   time.Time `gorm:"not null"`
	UpdatedAt   time.Time `gorm:"not null"`
}

func (LLMConfigModel) TableName() string { return "llm_configs" }

type PromptTemplateModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string
	TaskType  string `gorm:"not null;index:idx_tpl_slot"`
	BookType  string `gorm:"index:idx_tpl_slot"`
	Text      string `gorm:"type:text;not null"`
	Version   int    `gorm:"not null"`
	Active    bool   `gorm:"not null;index:idx_tpl_slot"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (PromptTemplateModel) TableName() string { return "prompt_templates" }

func configToModel(cfg domain.LLMConfig) LLMConfigModel {
	return LLMConfigModel{
		ID:          cfg.ID,
		Name:        cfg.Name,
		TaskType:    string(cfg.TaskType),
		Role:        string(cfg.Role),
		EndpointURL: cfg.EndpointURL,
		ModelCode:   cfg.ModelCode,
		Credential:  cfg.Credential,
		Active:      cfg.Active,
		CreatedAt:   cfg.CreatedAt,
		UpdatedAt:   cfg.UpdatedAt,
	}
}

func modelToConfig(m LLMConfigModel) domain.LLMConfig {
	return domain.LLMConfig{
		ID:          m.ID,
		Name:        m.Name,
		TaskType:    domain.TaskType(m.TaskType),
		Role:        domain.EndpointRole(m.Role),
		EndpointURL: m.EndpointURL,
		ModelCode:   m.ModelCode,
		Credential:  m.Credential,
		Active:      m.Active,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func templateToModel(tpl domain.PromptTemplate) PromptTemplateModel {
	return PromptTemplateModel{
		ID:        tpl.ID,
		Name:      tpl.Name,
		TaskType:  string(tpl.TaskType),
		BookType:  tpl.BookType,
		Text:      tpl.Text,
		Version:   tpl.Version,
		Active:    tpl.Active,
		CreatedAt: tpl.CreatedAt,
		UpdatedAt: tpl.UpdatedAt,
	}
}

func modelToTemplate(m PromptTemplateModel) domain.PromptTemplate {
	return domain.PromptTemplate{
		ID:        m.ID,
		Name:      m.Name,
		TaskType:  domain.TaskType(m.TaskType),
		BookType:  m.BookType,
		Text:      m.Text,
		Version:   m.Version,
		Active:    m.Active,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
