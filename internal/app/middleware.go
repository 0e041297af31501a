package app

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/unrolled/secure"

	"github.com/kinderops/kinderops/internal/observability"
	"github.com/kinderops/kinderops/internal/platform/httpx"
	"github.com/kinderops/kinderops/internal/shared"
)

const (
	headerUserID   = "X-User-ID"
	headerUserRole = "X-User-Role"
)

// MiddlewareConfig aggregates dependencies shared by the middleware stack.
type MiddlewareConfig struct {
	Logger  *slog.Logger
	Config  *Config
	Metrics *observability.Metrics
}

// MiddlewareStack installs the base middleware chain.
func MiddlewareStack(cfg MiddlewareConfig) []func(http.Handler) http.Handler {
	secureMiddleware := secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'",
		SSLRedirect:           cfg.Config != nil && cfg.Config.IsProduction(),
		SSLProxyHeaders:       map[string]string{"X-Forwarded-Proto": "https"},
	})

	timeout := 30 * time.Second
	if cfg.Config != nil && cfg.Config.AppRequestTimeout > 0 {
		timeout = cfg.Config.AppRequestTimeout
	}
	limit := 120
	if cfg.Config != nil && cfg.Config.RateLimitPerMinute > 0 {
		limit = cfg.Config.RateLimitPerMinute
	}

	middlewares := []func(http.Handler) http.Handler{
		middleware.RealIP,
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(timeout),
		func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if err := secureMiddleware.Process(w, r); err != nil {
					cfg.Logger.Warn("secure headers blocked request", slog.Any("error", err))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				next.ServeHTTP(w, r)
			})
		},
		middleware.Compress(5),
		httprate.Limit(limit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)),
	}
	if cfg.Metrics != nil {
		middlewares = append(middlewares, cfg.Metrics.Middleware)
	}
	return middlewares
}

// PrincipalMiddleware authenticates the bearer token and stores the caller
// identity taken from the X-User-ID and X-User-Role headers.
func PrincipalMiddleware(verifier *shared.TokenVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := verifier.Verify(shared.BearerToken(r.Header.Get("Authorization"))); err != nil {
				logger.Warn("api token rejected", slog.String("path", r.URL.Path))
				httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnauthorized, err))
				return
			}
			principal, err := principalFromHeaders(r)
			if err != nil {
				httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrUnauthorized, err))
				return
			}
			next.ServeHTTP(w, r.WithContext(shared.ContextWithPrincipal(r.Context(), principal)))
		})
	}
}

func principalFromHeaders(r *http.Request) (shared.Principal, error) {
	rawID := strings.TrimSpace(r.Header.Get(headerUserID))
	role := strings.ToLower(strings.TrimSpace(r.Header.Get(headerUserRole)))
	if rawID == "" || role == "" {
		return shared.Principal{}, shared.ErrMissingPrincipal
	}
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil || userID <= 0 {
		return shared.Principal{}, shared.ErrMissingPrincipal
	}
	return shared.Principal{UserID: userID, Role: role}, nil
}
