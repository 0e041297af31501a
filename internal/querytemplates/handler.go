package querytemplates

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/kinderops/kinderops/internal/permissions"
	"github.com/kinderops/kinderops/internal/platform/httpx"
	"github.com/kinderops/kinderops/internal/shared"
)

// ExecutionEnqueuer hands execution reports to the background worker.
type ExecutionEnqueuer interface {
	EnqueueExecution(ctx context.Context, exec Execution) error
}

// Handler exposes the template API.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	gate      permissions.Middleware
	enqueuer  ExecutionEnqueuer
	minScore  float64
	validator *validator.Validate
}

// HandlerConfig groups handler settings.
type HandlerConfig struct {
	Enqueuer ExecutionEnqueuer
	MinScore float64
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, gate permissions.Middleware, cfg HandlerConfig) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		gate:      gate,
		enqueuer:  cfg.Enqueuer,
		minScore:  cfg.MinScore,
		validator: validator.New(),
	}
}

// MountRoutes registers template routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireLevel(shared.PermAIQuery, permissions.LevelAllowed))
		r.Post("/rank", h.rank)
		r.Get("/", h.list)
		r.Get("/popular", h.popular)
		r.Get("/by-name/{name}", h.getByName)
		r.Post("/{id}/render", h.render)
		r.Post("/{id}/executions", h.recordExecution)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireLevel(shared.PermAITemplatesManage, permissions.LevelAdvanced))
		r.Post("/", h.create)
		r.Patch("/{id}/active", h.setActive)
	})
}

type rankRequest struct {
	Query string `json:"query" validate:"required,max=2000"`
	Role  string `json:"role" validate:"max=50"`
}

type renderRequest struct {
	Params map[string]any `json:"params"`
}

type executionRequest struct {
	Success   *bool    `json:"success" validate:"required"`
	ElapsedMs *float64 `json:"elapsed_ms" validate:"required,gte=0"`
	Async     bool     `json:"async"`
}

type activeRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *Handler) rank(w http.ResponseWriter, r *http.Request) {
	var req rankRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	// The body role may only restate the authenticated one.
	if req.Role != "" && !strings.EqualFold(strings.TrimSpace(req.Role), principal.Role) {
		h.fail(w, "rank templates", ErrRoleNotAllowed)
		return
	}
	matches, err := h.service.RankForUser(r.Context(), principal.UserID, req.Query, principal.Role)
	if err != nil {
		h.fail(w, "rank templates", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"matches": FilterMinScore(matches, h.minScore)})
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}
	var req renderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	if _, err := h.service.AuthorizeTemplate(r.Context(), principal, id); err != nil {
		h.fail(w, "authorize template", err)
		return
	}
	rendered, err := h.service.RenderTemplate(r.Context(), id, req.Params)
	if err != nil {
		h.fail(w, "render template", err)
		return
	}
	if rendered.Unresolved == nil {
		rendered.Unresolved = []string{}
	}
	httpx.JSON(w, http.StatusOK, rendered)
}

func (h *Handler) recordExecution(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}
	var req executionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	principal, _ := shared.PrincipalFromContext(r.Context())
	t, err := h.service.AuthorizeTemplate(r.Context(), principal, id)
	if err != nil {
		h.fail(w, "authorize template", err)
		return
	}
	if !t.IsActive {
		h.fail(w, "record template execution", ErrTemplateInactive)
		return
	}
	if req.Async && h.enqueuer != nil {
		exec := Execution{ID: uuid.NewString(), TemplateID: id, Success: *req.Success, ElapsedMs: *req.ElapsedMs}
		if err := h.enqueuer.EnqueueExecution(r.Context(), exec); err != nil {
			h.fail(w, "enqueue template execution", err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"execution_id": exec.ID})
		return
	}
	stats, err := h.service.RecordExecution(r.Context(), id, *req.Success, *req.ElapsedMs)
	if err != nil {
		h.fail(w, "record template execution", err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	var (
		templates []Template
		err       error
	)
	if category := r.URL.Query().Get("category"); category != "" {
		templates, err = h.service.ListByCategory(r.Context(), category)
	} else {
		templates, err = h.service.ActiveTemplates(r.Context())
	}
	if err != nil {
		h.fail(w, "list templates", err)
		return
	}
	if templates == nil {
		templates = []Template{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (h *Handler) popular(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	templates, err := h.service.Popular(r.Context(), limit)
	if err != nil {
		h.fail(w, "popular templates", err)
		return
	}
	if templates == nil {
		templates = []Template{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (h *Handler) getByName(w http.ResponseWriter, r *http.Request) {
	t, err := h.service.GetByName(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		h.fail(w, "get template", err)
		return
	}
	httpx.JSON(w, http.StatusOK, t)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var input CreateTemplateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(input); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	created, err := h.service.CreateTemplate(r.Context(), input)
	if err != nil {
		h.fail(w, "create template", err)
		return
	}
	httpx.JSON(w, http.StatusCreated, created)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request) {
	id, ok := h.templateID(w, r)
	if !ok {
		return
	}
	var req activeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	if err := h.service.SetActive(r.Context(), id, *req.Active); err != nil {
		h.fail(w, "set template active", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) templateID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid template id")
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(w http.ResponseWriter, msg string, err error) {
	if h.logger != nil {
		h.logger.Error(msg, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
