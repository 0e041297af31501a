package permissions

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kinderops/kinderops/internal/platform/httpx"
	"github.com/kinderops/kinderops/internal/shared"
)

// Checker is the subset of Service used by the middleware.
type Checker interface {
	Check(ctx context.Context, userID int64, key string, required Level) (bool, error)
}

// Middleware wires permission gates for HTTP handlers.
type Middleware struct {
	Checker Checker
	Logger  *slog.Logger
}

// RequireLevel ensures the current principal holds at least level for key.
func (m Middleware) RequireLevel(key string, level Level) func(http.Handler) http.Handler {
	return m.require(key, level, nil)
}

// RequireSelfOrLevel lets a principal through when the chi URL parameter
// param names its own user ID; anyone else needs level for key.
func (m Middleware) RequireSelfOrLevel(param, key string, level Level) func(http.Handler) http.Handler {
	return m.require(key, level, func(r *http.Request, principal shared.Principal) bool {
		id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
		return err == nil && id == principal.UserID
	})
}

func (m Middleware) require(key string, level Level, bypass func(*http.Request, shared.Principal) bool) func(http.Handler) http.Handler {
	key = normalizeKey(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := shared.PrincipalFromContext(r.Context())
			if !ok || principal.UserID <= 0 {
				httpx.Problem(w, http.StatusUnauthorized, "Unauthorized", shared.ErrMissingPrincipal.Error())
				return
			}
			if bypass != nil && bypass(r, principal) {
				next.ServeHTTP(w, r)
				return
			}
			granted, err := m.Checker.Check(r.Context(), principal.UserID, key, level)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("permission check", slog.String("key", key), slog.Any("error", err))
				}
				httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
				return
			}
			if !granted {
				httpx.Problem(w, http.StatusForbidden, "Forbidden", "requires "+key+" >= "+level.String())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
