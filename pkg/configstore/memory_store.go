package configstore

import (
	"sync"
	"time"

	"inkreview/internal/util"
	"inkreview/pkg/domain"
)

// MemoryStore keeps configs and templates in-process. Used by tests and
// local single-node runs.
type MemoryStore struct {
	mu        sync.RWMutex
	configs   map[string]domain.LLMConfig
	templates map[string]domain.PromptTemplate
}

// NewMemoryStore initializes an empty in-memory config store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		configs:   make(map[string]domain.LLMConfig),
		templates: make(map[string]domain.PromptTemplate),
	}
}

// SaveLLMConfig stores or replaces an endpoint config. Activating a config
// deactivates any other active config in the same (taskType, role) slot so
// the one-active-per-slot invariant holds.
func (m *MemoryStore) SaveLLMConfig(cfg domain.LLMConfig) (domain.LLMConfig, error) {
	if err := validateLLMConfig(cfg); err != nil {
		return domain.LLMConfig{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = util.NewID()
		cfg.CreatedAt = now
	} else if existing, ok := m.configs[cfg.ID]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	if cfg.Active {
		for id, other := range m.configs {
			if id != cfg.ID && other.TaskType == cfg.TaskType && other.Role == cfg.Role && other.Active {
				other.Active = false
				other.UpdatedAt = now
				m.configs[id] = other
			}
		}
	}
	m.configs[cfg.ID] = cfg
	return cfg, nil
}

// GetLLMConfig returns a config by ID.
func (m *MemoryStore) GetLLMConfig(id string) (domain.LLMConfig, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[id]
	return cfg, ok, nil
}

// ListLLMConfigs returns all configs.
func (m *MemoryStore) ListLLMConfigs() ([]domain.LLMConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.LLMConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		out = append(out, cfg)
	}
	return out, nil
}

// DeleteLLMConfig removes a config.
func (m *MemoryStore) DeleteLLMConfig(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.configs[id]; !ok {
		return ErrNotFound
	}
	delete(m.configs, id)
	return nil
}

// GetActiveConfig returns the single active config for a task/role slot.
func (m *MemoryStore) GetActiveConfig(taskType domain.TaskType, role domain.EndpointRole) (domain.LLMConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cfg := range m.configs {
		if cfg.TaskType == taskType && cfg.Role == role && cfg.Active {
			return cfg, nil
		}
	}
	return domain.LLMConfig{}, ErrNoActiveConfig
}

// CreateTemplate stores a new template at version 1.
func (m *MemoryStore) CreateTemplate(tpl domain.PromptTemplate) (domain.PromptTemplate, error) {
	if err := validateTemplate(tpl); err != nil {
		return domain.PromptTemplate{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if tpl.ID == "" {
		tpl.ID = util.NewID()
	}
	tpl.Version = 1
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	if tpl.Active {
		m.deactivateTemplateSlot(tpl.ID, tpl.TaskType, tpl.BookType, now)
	}
	m.templates[tpl.ID] = tpl
	return tpl, nil
}

// UpdateTemplate replaces a template with an optimistic version check: the
// caller must supply the version it read, and the stored version is bumped.
func (m *MemoryStore) UpdateTemplate(tpl domain.PromptTemplate) (domain.PromptTemplate, error) {
	if err := validateTemplate(tpl); err != nil {
		return domain.PromptTemplate{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.templates[tpl.ID]
	if !ok {
		return domain.PromptTemplate{}, ErrNotFound
	}
	if tpl.Version != existing.Version {
		return domain.PromptTemplate{}, ErrVersionConflict
	}
	now := time.Now().UTC()
	tpl.Version = existing.Version + 1
	tpl.CreatedAt = existing.CreatedAt
	tpl.UpdatedAt = now
	if tpl.Active {
		m.deactivateTemplateSlot(tpl.ID, tpl.TaskType, tpl.BookType, now)
	}
	m.templates[tpl.ID] = tpl
	return tpl, nil
}

func (m *MemoryStore) deactivateTemplateSlot(exceptID string, taskType domain.TaskType, bookType string, now time.Time) {
	for id, other := range m.templates {
		if id != exceptID && other.TaskType == taskType && other.BookType == bookType && other.Active {
			other.Active = false
			other.UpdatedAt = now
			m.templates[id] = other
		}
	}
}

// GetTemplate returns a template by ID.
func (m *MemoryStore) GetTemplate(id string) (domain.PromptTemplate, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tpl, ok := m.templates[id]
	return tpl, ok, nil
}

// ListTemplates returns all templates.
func (m *MemoryStore) ListTemplates() ([]domain.PromptTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PromptTemplate, 0, len(m.templates))
	for _, tpl := range m.templates {
		out = append(out, tpl)
	}
	return out, nil
}

// DeleteTemplate removes a template.
func (m *MemoryStore) DeleteTemplate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[id]; !ok {
		return ErrNotFound
	}
	delete(m.templates, id)
	return nil
}

// GetActiveTemplate returns the active template for a (taskType, bookType)
// slot. Task types other than initial_review ignore bookType.
func (m *MemoryStore) GetActiveTemplate(taskType domain.TaskType, bookType string) (domain.PromptTemplate, error) {
	if taskType != domain.TaskInitialReview {
		bookType = ""
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tpl := range m.templates {
		if tpl.TaskType == taskType && tpl.BookType == bookType && tpl.Active {
			return tpl, nil
		}
	}
	return domain.PromptTemplate{}, ErrNoActiveTemplate
}
