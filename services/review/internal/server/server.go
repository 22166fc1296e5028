package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"inkreview/internal/admintoken"
	"inkreview/internal/util"
	"inkreview/pkg/configstore"
	"inkreview/pkg/domain"
	"inkreview/pkg/llm"
	"inkreview/pkg/prompt"
	"inkreview/services/review/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App              *app.App
	Configs          configstore.Store
	AdminTokenSecret string
}

// Server exposes HTTP endpoints for the review service.
type Server struct {
	app         *app.App
	configs     configstore.Store
	adminVerify *admintoken.Verifier
	mux         *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	s := &Server{
		app:     cfg.App,
		configs: cfg.Configs,
		mux:     http.NewServeMux(),
	}
	verifier, err := admintoken.NewVerifier(cfg.AdminTokenSecret)
	if err != nil {
		return nil, err
	}
	s.adminVerify = verifier
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("review", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// review pipeline
	s.mux.HandleFunc("/reviews", s.handleSubmit)
	s.mux.HandleFunc("/reviews/", s.handleReviewByBook)

	// admin configuration
	s.mux.Handle("/admin/llm-configs", s.withAdmin(s.handleLLMConfigs))
	s.mux.Handle("/admin/llm-configs/", s.withAdmin(s.handleLLMConfigByID))
	s.mux.Handle("/admin/prompts", s.withAdmin(s.handlePrompts))
	s.mux.Handle("/admin/prompts/", s.withAdmin(s.handlePromptByID))
	s.mux.Handle("/admin/prompt-preview", s.withAdmin(s.handlePromptPreview))
	s.mux.Handle("/admin/test-connection", s.withAdmin(s.handleTestConnection))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) withAdmin(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminVerify == nil {
			writeError(w, http.StatusInternalServerError, "admin auth not configured")
			return
		}
		token, ok := admintoken.BearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if _, err := s.adminVerify.Verify(token); err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

type submitRequest struct {
	BookID string `json:"bookId"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.BookID) == "" {
		writeError(w, http.StatusBadRequest, "bookId is required")
		return
	}
	rec, err := s.app.Submit(r.Context(), req.BookID)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// /reviews/{bookId} or /reviews/{bookId}/{action}
func (s *Server) handleReviewByBook(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/reviews/")
	parts := strings.SplitN(path, "/", 2)
	bookID := parts[0]
	if bookID == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		rec, err := s.app.GetStatus(bookID)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	switch parts[1] {
	case "stages":
		s.handleRunStage(w, r, bookID)
	case "retry":
		rec, err := s.app.Retry(r.Context(), bookID)
		if err != nil {
			s.writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, rec)
	case "response":
		s.handleAuthorResponse(w, r, bookID)
	default:
		notFound(w, "not found")
	}
}

type runStageRequest struct {
	Stage string `json:"stage"`
}

func (s *Server) handleRunStage(w http.ResponseWriter, r *http.Request, bookID string) {
	var req runStageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	stage, ok := parseStage(req.Stage)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid stage")
		return
	}
	rec, err := s.app.RunStage(r.Context(), bookID, stage)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type authorResponseRequest struct {
	Response string `json:"response"`
}

func (s *Server) handleAuthorResponse(w http.ResponseWriter, r *http.Request, bookID string) {
	var req authorResponseRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Response) == "" {
		writeError(w, http.StatusBadRequest, "response is required")
		return
	}
	rec, err := s.app.RespondToReview(bookID, req.Response)
	if err != nil {
		s.writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLLMConfigs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		configs, err := s.configs.ListLLMConfigs()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": configs, "count": len(configs)})
	case http.MethodPost:
		var cfg domain.LLMConfig
		if err := decodeLLMConfig(r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		saved, err := s.configs.SaveLLMConfig(cfg)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, saved)
	default:
		methodNotAllowed(w)
	}
}

// /admin/llm-configs/{id}
func (s *Server) handleLLMConfigByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/llm-configs/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		cfg, ok, err := s.configs.GetLLMConfig(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			notFound(w, "llm config not found")
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	case http.MethodPut:
		var cfg domain.LLMConfig
		if err := decodeLLMConfig(r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		cfg.ID = id
		saved, err := s.configs.SaveLLMConfig(cfg)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, saved)
	case http.MethodDelete:
		if err := s.configs.DeleteLLMConfig(id); err != nil {
			if errors.Is(err, configstore.ErrNotFound) {
				notFound(w, "llm config not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handlePrompts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		templates, err := s.configs.ListTemplates()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": templates, "count": len(templates)})
	case http.MethodPost:
		var tpl domain.PromptTemplate
		if err := decodeJSON(r, &tpl); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := s.configs.CreateTemplate(tpl)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		methodNotAllowed(w)
	}
}

// /admin/prompts/{id}
func (s *Server) handlePromptByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/prompts/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		tpl, ok, err := s.configs.GetTemplate(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if !ok {
			notFound(w, "prompt template not found")
			return
		}
		writeJSON(w, http.StatusOK, tpl)
	case http.MethodPut:
		var tpl domain.PromptTemplate
		if err := decodeJSON(r, &tpl); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		tpl.ID = id
		updated, err := s.configs.UpdateTemplate(tpl)
		if err != nil {
			switch {
			case errors.Is(err, configstore.ErrNotFound):
				notFound(w, "prompt template not found")
			case errors.Is(err, configstore.ErrVersionConflict):
				writeError(w, http.StatusConflict, "version conflict")
			default:
				writeError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := s.configs.DeleteTemplate(id); err != nil {
			if errors.Is(err, configstore.ErrNotFound) {
				notFound(w, "prompt template not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

type promptPreviewRequest struct {
	Text      string            `json:"text"`
	Variables map[string]string `json:"variables"`
}

type promptPreviewResponse struct {
	Resolved   string   `json:"resolved"`
	Unresolved []string `json:"unresolved"`
}

// handlePromptPreview substitutes known variables and reports unresolved
// tokens instead of failing; admins use it to inspect drafts before
// activation.
func (s *Server) handlePromptPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req promptPreviewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	resolved, unresolved := prompt.Preview(req.Text, req.Variables)
	if unresolved == nil {
		unresolved = []string{}
	}
	writeJSON(w, http.StatusOK, promptPreviewResponse{Resolved: resolved, Unresolved: unresolved})
}

type testConnectionRequest struct {
	TaskType string `json:"taskType"`
	Role     string `json:"role"`
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req testConnectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	taskType := domain.TaskType(strings.TrimSpace(req.TaskType))
	if !domain.ValidTaskType(taskType) {
		writeError(w, http.StatusBadRequest, "invalid task type")
		return
	}
	role, ok := parseRole(req.Role)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid role")
		return
	}
	probe, err := s.app.TestConnection(r.Context(), taskType, role)
	if err != nil {
		if errors.Is(err, configstore.ErrNoActiveConfig) {
			notFound(w, "no active llm config")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, probe)
}

func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrBookNotFound):
		notFound(w, "book not found")
	case errors.Is(err, app.ErrReviewNotFound):
		notFound(w, "review not found")
	case errors.Is(err, app.ErrAlreadySubmitted):
		writeError(w, http.StatusConflict, "book already submitted")
	case errors.Is(err, app.ErrMissingPrerequisite):
		writeError(w, http.StatusConflict, "previous stage not completed")
	case errors.Is(err, app.ErrNotFailed):
		writeError(w, http.StatusConflict, "review has not failed")
	case errors.Is(err, app.ErrReviewFailed):
		writeError(w, http.StatusConflict, "review failed; retry it first")
	case errors.Is(err, app.ErrNotEntitled):
		writeError(w, http.StatusForbidden, "detailed review not included")
	case errors.Is(err, app.ErrReviewNotCompleted):
		writeError(w, http.StatusConflict, "review not completed")
	case isStageFailure(err):
		// Already persisted on the review record as Failed.
		writeError(w, http.StatusUnprocessableEntity, "review stage failed: "+err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func isStageFailure(err error) bool {
	var subErr *prompt.SubstitutionError
	var invErr *llm.InvocationError
	return errors.As(err, &subErr) ||
		errors.As(err, &invErr) ||
		errors.Is(err, configstore.ErrNoActiveConfig) ||
		errors.Is(err, configstore.ErrNoActiveTemplate)
}

func parseStage(raw string) (domain.Stage, bool) {
	switch strings.TrimSpace(raw) {
	case string(domain.StageMetadata):
		return domain.StageMetadata, true
	case string(domain.StageInitialReview):
		return domain.StageInitialReview, true
	case string(domain.StageDetailedReview):
		return domain.StageDetailedReview, true
	default:
		return "", false
	}
}

func parseRole(raw string) (domain.EndpointRole, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(domain.RolePrimary):
		return domain.RolePrimary, true
	case string(domain.RoleBackup):
		return domain.RoleBackup, true
	default:
		return "", false
	}
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

// llmConfigRequest carries the credential field the domain type hides from
// JSON output.
type llmConfigRequest struct {
	Name        string `json:"name"`
	TaskType    string `json:"taskType"`
	Role        string `json:"role"`
	EndpointURL string `json:"endpointUrl"`
	ModelCode   string `json:"modelCode"`
	Credential  string `json:"credential"`
	Active      bool   `json:"active"`
}

func decodeLLMConfig(r *http.Request, cfg *domain.LLMConfig) error {
	var req llmConfigRequest
	if err := decodeJSON(r, &req); err != nil {
		return err
	}
	cfg.Name = req.Name
	cfg.TaskType = domain.TaskType(strings.TrimSpace(req.TaskType))
	cfg.Role = domain.EndpointRole(strings.ToLower(strings.TrimSpace(req.Role)))
	cfg.EndpointURL = req.EndpointURL
	cfg.ModelCode = req.ModelCode
	cfg.Credential = req.Credential
	cfg.Active = req.Active
	return nil
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      errorCodeForReview(status, msg),
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

func errorCodeForReview(status int, msg string) string {
	message := strings.ToLower(strings.TrimSpace(msg))
	switch {
	case message == "admin auth not configured":
		return "SYSTEM_INTERNAL_ERROR"
	case message == "unauthorized":
		return "AUTH_INVALID_TOKEN"
	case message == "book not found":
		return "REVIEW_BOOK_NOT_FOUND"
	case message == "review not found":
		return "REVIEW_NOT_FOUND"
	case message == "book already submitted":
		return "REVIEW_ALREADY_SUBMITTED"
	case message == "previous stage not completed":
		return "REVIEW_STAGE_ORDER"
	case message == "review has not failed":
		return "REVIEW_NOT_FAILED"
	case message == "review failed; retry it first":
		return "REVIEW_FAILED"
	case message == "detailed review not included":
		return "REVIEW_NOT_ENTITLED"
	case message == "review not completed":
		return "REVIEW_NOT_COMPLETED"
	case message == "version conflict":
		return "PROMPT_VERSION_CONFLICT"
	case message == "llm config not found":
		return "LLM_CONFIG_NOT_FOUND"
	case message == "prompt template not found":
		return "PROMPT_NOT_FOUND"
	case message == "no active llm config":
		return "LLM_CONFIG_NOT_FOUND"
	case strings.HasPrefix(message, "review stage failed"):
		return "REVIEW_STAGE_FAILED"
	case message == "invalid json body":
		return "REVIEW_INVALID_REQUEST"
	case message == "method not allowed":
		return "SYSTEM_METHOD_NOT_ALLOWED"
	case message == "not found":
		return "SYSTEM_NOT_FOUND"
	}

	switch status {
	case http.StatusBadRequest:
		return "REVIEW_INVALID_REQUEST"
	case http.StatusUnauthorized:
		return "AUTH_INVALID_TOKEN"
	case http.StatusForbidden:
		return "REVIEW_NOT_ENTITLED"
	case http.StatusNotFound:
		return "SYSTEM_NOT_FOUND"
	case http.StatusConflict:
		return "REVIEW_CONFLICT"
	case http.StatusMethodNotAllowed:
		return "SYSTEM_METHOD_NOT_ALLOWED"
	default:
		if status >= http.StatusInternalServerError {
			return "SYSTEM_INTERNAL_ERROR"
		}
		return "REQUEST_ERROR"
	}
}
