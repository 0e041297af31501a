package permissions

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/kinderops/kinderops/internal/platform/httpx"
	"github.com/kinderops/kinderops/internal/shared"
)

// ServicePort is the service surface used by Handler.
type ServicePort interface {
	Check(ctx context.Context, userID int64, key string, required Level) (bool, error)
	ListForUser(ctx context.Context, userID int64) ([]Permission, error)
	Set(ctx context.Context, userID int64, key string, level Level) error
	SetBulk(ctx context.Context, userID int64, levels map[string]Level) error
}

// Handler exposes permission endpoints.
type Handler struct {
	logger    *slog.Logger
	service   ServicePort
	gate      Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service ServicePort, gate Middleware) *Handler {
	return &Handler{logger: logger, service: service, gate: gate, validator: validator.New()}
}

// MountRoutes registers permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.gate.RequireSelfOrLevel("userID", shared.PermPermissionsGrant, LevelAllowed)).
		Get("/users/{userID}/check", h.check)
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireLevel(shared.PermPermissionsGrant, LevelAllowed))
		r.Get("/users/{userID}", h.list)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.gate.RequireLevel(shared.PermPermissionsGrant, LevelAdvanced))
		r.Put("/users/{userID}", h.grant)
		r.Put("/users/{userID}/bulk", h.grantBulk)
	})
}

type grantRequest struct {
	Key   string `json:"key" validate:"required,max=128"`
	Level *Level `json:"level" validate:"required"`
}

type bulkGrantRequest struct {
	Levels map[string]Level `json:"levels" validate:"required,min=1,dive,keys,required,max=128,endkeys"`
}

type checkResponse struct {
	UserID   int64  `json:"user_id"`
	Key      string `json:"key"`
	Required Level  `json:"required"`
	Granted  bool   `json:"granted"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		httpx.RespondError(w, ErrInvalidKey)
		return
	}
	required := LevelAllowed
	if raw := r.URL.Query().Get("required"); raw != "" {
		parsed, err := ParseLevel(raw)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		required = parsed
	}
	granted, err := h.service.Check(r.Context(), userID, key, required)
	if err != nil {
		h.fail(w, "check permission", err)
		return
	}
	httpx.JSON(w, http.StatusOK, checkResponse{UserID: userID, Key: normalizeKey(key), Required: required, Granted: granted})
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	perms, err := h.service.ListForUser(r.Context(), userID)
	if err != nil {
		h.fail(w, "list permissions", err)
		return
	}
	if perms == nil {
		perms = []Permission{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	if err := h.service.Set(r.Context(), userID, req.Key, *req.Level); err != nil {
		h.fail(w, "grant permission", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) grantBulk(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req bulkGrantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.ValidationProblem(w, err)
		return
	}
	if err := h.service.SetBulk(r.Context(), userID, req.Levels); err != nil {
		h.fail(w, "bulk grant permissions", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, ErrInvalidUser)
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
