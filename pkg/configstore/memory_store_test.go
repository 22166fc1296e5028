package configstore

import (
	"errors"
	"testing"

	"inkreview/pkg/domain"
)

func seedConfig(t *testing.T, s *MemoryStore, task domain.TaskType, role domain.EndpointRole, active bool) domain.LLMConfig {
	t.Helper()
	cfg, err := s.SaveLLMConfig(domain.LLMConfig{
		Name:        string(task) + "-" + string(role),
		TaskType:    task,
		Role:        role,
		EndpointURL: "https://llm.example.com/v1",
		ModelCode:   "test-model",
		Credential:  "sk-test",
		Active:      active,
	})
	if err != nil {
		t.Fatalf("save config: %v", err)
	}
	return cfg
}

func TestGetActiveConfigReturnsOnePerSlot(t *testing.T) {
	s := NewMemoryStore()
	for _, task := range []domain.TaskType{domain.TaskMetadataExtraction, domain.TaskInitialReview, domain.TaskDetailedReview} {
		seedConfig(t, s, task, domain.RolePrimary, true)
		seedConfig(t, s, task, domain.RoleBackup, true)
	}

	for _, task := range []domain.TaskType{domain.TaskMetadataExtraction, domain.TaskInitialReview, domain.TaskDetailedReview} {
		primary, err := s.GetActiveConfig(task, domain.RolePrimary)
		if err != nil {
			t.Fatalf("active primary for %s: %v", task, err)
		}
		if primary.Role != domain.RolePrimary {
			t.Fatalf("role = %q, want primary", primary.Role)
		}
		backup, err := s.GetActiveConfig(task, domain.RoleBackup)
		if err != nil {
			t.Fatalf("active backup for %s: %v", task, err)
		}
		if backup.ID == primary.ID {
			t.Fatalf("primary and backup resolved to the same config")
		}
	}
}

func TestGetActiveConfigUnseeded(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.GetActiveConfig(domain.TaskInitialReview, domain.RolePrimary); !errors.Is(err, ErrNoActiveConfig) {
		t.Fatalf("err = %v, want ErrNoActiveConfig", err)
	}
}

func TestActivatingConfigDeactivatesPreviousActive(t *testing.T) {
	s := NewMemoryStore()
	old := seedConfig(t, s, domain.TaskInitialReview, domain.RolePrimary, true)
	replacement := seedConfig(t, s, domain.TaskInitialReview, domain.RolePrimary, true)

	active, err := s.GetActiveConfig(domain.TaskInitialReview, domain.RolePrimary)
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.ID != replacement.ID {
		t.Fatalf("active = %s, want replacement %s", active.ID, replacement.ID)
	}
	reloaded, ok, err := s.GetLLMConfig(old.ID)
	if err != nil || !ok {
		t.Fatalf("reload old: ok=%v err=%v", ok, err)
	}
	if reloaded.Active {
		t.Fatalf("old config still active after replacement activated")
	}
}

func TestSaveLLMConfigValidation(t *testing.T) {
	s := NewMemoryStore()
	cases := []struct {
		name string
		cfg  domain.LLMConfig
	}{
		{"bad task type", domain.LLMConfig{TaskType: "blurb_generation", Role: domain.RolePrimary, EndpointURL: "https://x", ModelCode: "m"}},
		{"bad role", domain.LLMConfig{TaskType: domain.TaskInitialReview, Role: "tertiary", EndpointURL: "https://x", ModelCode: "m"}},
		{"missing endpoint", domain.LLMConfig{TaskType: domain.TaskInitialReview, Role: domain.RolePrimary, ModelCode: "m"}},
		{"missing model code", domain.LLMConfig{TaskType: domain.TaskInitialReview, Role: domain.RolePrimary, EndpointURL: "https://x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.SaveLLMConfig(tc.cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestTemplateVersioning(t *testing.T) {
	s := NewMemoryStore()
	tpl, err := s.CreateTemplate(domain.PromptTemplate{
		Name:     "Fiction Review",
		TaskType: domain.TaskInitialReview,
		BookType: "fiction",
		Text:     "Review this {type} about {topic}.",
		Active:   true,
	})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	if tpl.Version != 1 {
		t.Fatalf("version = %d, want 1", tpl.Version)
	}

	tpl.Text = "Review this {type} about {topic} in {language}."
	updated, err := s.UpdateTemplate(tpl)
	if err != nil {
		t.Fatalf("update template: %v", err)
	}
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}

	// A concurrent editor holding the stale version must be rejected.
	stale := tpl
	stale.Text = "conflicting edit"
	if _, err := s.UpdateTemplate(stale); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("err = %v, want ErrVersionConflict", err)
	}
}

func TestActiveTemplatePerSlot(t *testing.T) {
	s := NewMemoryStore()
	first, err := s.CreateTemplate(domain.PromptTemplate{
		TaskType: domain.TaskInitialReview,
		BookType: "poetry",
		Text:     "old {topic}",
		Active:   true,
	})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, err := s.CreateTemplate(domain.PromptTemplate{
		TaskType: domain.TaskInitialReview,
		BookType: "poetry",
		Text:     "new {topic}",
		Active:   true,
	}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	active, err := s.GetActiveTemplate(domain.TaskInitialReview, "poetry")
	if err != nil {
		t.Fatalf("get active: %v", err)
	}
	if active.Text != "new {topic}" {
		t.Fatalf("active text = %q, want the replacement", active.Text)
	}
	reloaded, ok, _ := s.GetTemplate(first.ID)
	if !ok || reloaded.Active {
		t.Fatalf("first template should be deactivated, got ok=%v active=%v", ok, reloaded.Active)
	}

	// Metadata extraction templates are not keyed by book type.
	if _, err := s.CreateTemplate(domain.PromptTemplate{
		TaskType: domain.TaskMetadataExtraction,
		Text:     "Extract metadata as JSON.",
		Active:   true,
	}); err != nil {
		t.Fatalf("create metadata template: %v", err)
	}
	if _, err := s.GetActiveTemplate(domain.TaskMetadataExtraction, "fiction"); err != nil {
		t.Fatalf("metadata lookup should ignore book type: %v", err)
	}
}

func TestInitialReviewTemplateRequiresBookType(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.CreateTemplate(domain.PromptTemplate{
		TaskType: domain.TaskInitialReview,
		Text:     "missing book type",
	}); err == nil {
		t.Fatalf("expected validation error for missing book type")
	}
}
