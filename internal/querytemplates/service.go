package querytemplates

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kinderops/kinderops/internal/permissions"
	"github.com/kinderops/kinderops/internal/platform/httpx"
	"github.com/kinderops/kinderops/internal/shared"
)

// RepositoryPort abstracts template persistence.
type RepositoryPort interface {
	StatsStore
	ListActive(ctx context.Context) ([]Template, error)
	ListByCategory(ctx context.Context, category string) ([]Template, error)
	Popular(ctx context.Context, limit int) ([]Template, error)
	GetByID(ctx context.Context, id int64) (Template, error)
	GetByName(ctx context.Context, name string) (Template, error)
	Create(ctx context.Context, t Template) (Template, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// CachePort caches the active catalog.
type CachePort interface {
	Active(ctx context.Context, loader func(context.Context) ([]Template, error)) ([]Template, error)
	Bump(ctx context.Context) error
}

// PermissionGate checks ordinal permissions of a user.
type PermissionGate interface {
	Check(ctx context.Context, userID int64, key string, required permissions.Level) (bool, error)
}

// ExecutionObserver receives execution outcomes for metrics.
type ExecutionObserver interface {
	ObserveExecution(template string, success bool, elapsedMs float64)
}

// Service coordinates matching, rendering and statistics.
type Service struct {
	repo      RepositoryPort
	cache     CachePort
	gate      PermissionGate
	tracker   *Tracker
	observer  ExecutionObserver
	logger    *slog.Logger
	validator *validator.Validate
}

// ServiceDeps groups optional collaborators.
type ServiceDeps struct {
	Cache    CachePort
	Gate     PermissionGate
	Observer ExecutionObserver
	Logger   *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, deps ServiceDeps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		cache:     deps.Cache,
		gate:      deps.Gate,
		tracker:   NewTracker(repo),
		observer:  deps.Observer,
		logger:    logger,
		validator: validator.New(),
	}
}

// Tracker exposes the statistics tracker.
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// ActiveTemplates returns the active catalog, through the cache when configured.
func (s *Service) ActiveTemplates(ctx context.Context) ([]Template, error) {
	if s.cache == nil {
		return s.repo.ListActive(ctx)
	}
	return s.cache.Active(ctx, s.repo.ListActive)
}

// RankTemplates orders the active templates usable by role by keyword score.
func (s *Service) RankTemplates(ctx context.Context, query, role string) ([]Match, error) {
	templates, err := s.ActiveTemplates(ctx)
	if err != nil {
		return nil, err
	}
	return Rank(templates, query, strings.TrimSpace(role)), nil
}

// RankForUser ranks like RankTemplates and then drops templates whose
// difficulty needs a higher ai.query level than the user holds.
func (s *Service) RankForUser(ctx context.Context, userID int64, query, role string) ([]Match, error) {
	matches, err := s.RankTemplates(ctx, query, role)
	if err != nil {
		return nil, err
	}
	if s.gate == nil {
		return matches, nil
	}
	allowed := make(map[permissions.Level]bool, 2)
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		required := m.Template.Difficulty.RequiredLevel()
		ok, seen := allowed[required]
		if !seen {
			ok, err = s.gate.Check(ctx, userID, shared.PermAIQuery, required)
			if err != nil {
				return nil, err
			}
			allowed[required] = ok
		}
		if ok {
			out = append(out, m)
		}
	}
	return out, nil
}

// AuthorizeTemplate verifies role and permission level of a caller for a template.
func (s *Service) AuthorizeTemplate(ctx context.Context, principal shared.Principal, id int64) (Template, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Template{}, err
	}
	if !CanUseByRole(t, principal.Role) {
		return Template{}, ErrRoleNotAllowed
	}
	if s.gate != nil {
		ok, err := s.gate.Check(ctx, principal.UserID, shared.PermAIQuery, t.Difficulty.RequiredLevel())
		if err != nil {
			return Template{}, err
		}
		if !ok {
			return Template{}, ErrInsufficientLevel
		}
	}
	return t, nil
}

// RenderTemplate binds params into the template identified by id. Schema
// defaults fill absent keys; keys still missing stay as placeholders and are
// listed in Unresolved.
func (s *Service) RenderTemplate(ctx context.Context, id int64, params map[string]any) (Rendered, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Rendered{}, err
	}
	if !t.IsActive {
		return Rendered{}, ErrTemplateInactive
	}
	bound, err := s.bindParameters(t, params)
	if err != nil {
		return Rendered{}, err
	}
	query := FillTemplate(t.Template, bound)
	unresolved := Unresolved(query)
	if len(unresolved) > 0 {
		s.logger.Debug("template rendered with unresolved parameters",
			slog.String("template", t.Name),
			slog.Any("unresolved", unresolved))
	}
	return Rendered{TemplateID: t.ID, Query: query, Unresolved: unresolved}, nil
}

func (s *Service) bindParameters(t Template, params map[string]any) (map[string]any, error) {
	bound := make(map[string]any, len(params)+len(t.Parameters))
	for k, v := range params {
		bound[k] = v
	}
	for name, spec := range t.Parameters {
		value, ok := bound[name]
		if !ok || value == nil {
			if spec.Default == nil {
				delete(bound, name)
				continue
			}
			value = spec.Default
		}
		coerced, err := s.coerce(name, spec, value)
		if err != nil {
			return nil, err
		}
		bound[name] = coerced
	}
	return bound, nil
}

func (s *Service) coerce(name string, spec ParameterSpec, value any) (any, error) {
	switch spec.Type {
	case ParamNumber:
		switch v := value.(type) {
		case float64, float32, int, int32, int64, uint, uint64:
			return v, nil
		case string:
			if err := s.validator.Var(v, "required,numeric"); err != nil {
				return nil, fmt.Errorf("%w: %s must be numeric", ErrInvalidParameter, name)
			}
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %s must be numeric", ErrInvalidParameter, name)
			}
			return f, nil
		}
		return nil, fmt.Errorf("%w: %s must be numeric", ErrInvalidParameter, name)
	case ParamDate:
		str, ok := value.(string)
		if !ok || s.validator.Var(str, "datetime=2006-01-02") != nil {
			return nil, fmt.Errorf("%w: %s must be a YYYY-MM-DD date", ErrInvalidParameter, name)
		}
		return str, nil
	case ParamEnum:
		str, ok := value.(string)
		if !ok || !contains(spec.Options, str) {
			return nil, fmt.Errorf("%w: %s must be one of %s", ErrInvalidParameter, name, strings.Join(spec.Options, ", "))
		}
		return str, nil
	}
	return value, nil
}

// RecordExecution counts one execution and folds its outcome into the
// template statistics as a single locked update.
func (s *Service) RecordExecution(ctx context.Context, id int64, success bool, elapsedMs float64) (Stats, error) {
	t, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	if !t.IsActive {
		return Stats{}, ErrTemplateInactive
	}
	stats, err := s.tracker.Record(ctx, id, success, elapsedMs)
	if err != nil {
		return Stats{}, err
	}
	if s.observer != nil {
		s.observer.ObserveExecution(t.Name, success, elapsedMs)
	}
	s.logger.Info("template execution recorded",
		slog.String("template", t.Name),
		slog.Bool("success", success),
		slog.Float64("elapsed_ms", elapsedMs),
		slog.Int64("usage_count", stats.UsageCount))
	return stats, nil
}

// CreateTemplate validates and stores a new active template.
func (s *Service) CreateTemplate(ctx context.Context, input CreateTemplateInput) (Template, error) {
	if err := s.validator.Struct(input); err != nil {
		return Template{}, fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	difficulty, err := ParseDifficulty(input.Difficulty)
	if err != nil {
		return Template{}, err
	}
	roles := normalizeRoles(input.AllowedRoles)
	if len(roles) == 0 {
		if len(input.AllowedRoles) > 0 {
			return Template{}, fmt.Errorf("%w: allowed_roles must not be blank", httpx.ErrValidation)
		}
		roles = []string{RoleAll}
	}
	created, err := s.repo.Create(ctx, Template{
		Name:           strings.TrimSpace(input.Name),
		DisplayName:    strings.TrimSpace(input.DisplayName),
		Description:    strings.TrimSpace(input.Description),
		Category:       strings.TrimSpace(input.Category),
		BusinessDomain: strings.TrimSpace(input.BusinessDomain),
		Template:       input.Template,
		Parameters:     input.Parameters,
		Examples:       input.Examples,
		Keywords:       input.Keywords,
		AllowedRoles:   roles,
		Difficulty:     difficulty,
		IsActive:       true,
	})
	if err != nil {
		return Template{}, err
	}
	s.bump(ctx)
	return created, nil
}

// SetActive enables or disables a template.
func (s *Service) SetActive(ctx context.Context, id int64, active bool) error {
	if err := s.repo.SetActive(ctx, id, active); err != nil {
		return err
	}
	s.bump(ctx)
	return nil
}

// GetByName fetches a template by its unique name.
func (s *Service) GetByName(ctx context.Context, name string) (Template, error) {
	return s.repo.GetByName(ctx, strings.TrimSpace(name))
}

// ListByCategory returns active templates of a category.
func (s *Service) ListByCategory(ctx context.Context, category string) ([]Template, error) {
	return s.repo.ListByCategory(ctx, strings.TrimSpace(category))
}

// Popular returns the most used active templates.
func (s *Service) Popular(ctx context.Context, limit int) ([]Template, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return s.repo.Popular(ctx, limit)
}

func (s *Service) bump(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Bump(ctx); err != nil {
		s.logger.Warn("bump template catalog cache", slog.Any("error", err))
	}
}

// normalizeRoles lowercases and dedupes roles, dropping blanks.
func normalizeRoles(roles []string) []string {
	out := make([]string, 0, len(roles))
	seen := make(map[string]bool, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
