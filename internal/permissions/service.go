package permissions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"

	"github.com/kinderops/kinderops/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	TxRepository
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, userID int64, key string) (Permission, error)
	ListForUser(ctx context.Context, userID int64) ([]Permission, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service checks and grants ordinal permissions.
type Service struct {
	repo   RepositoryPort
	audit  AuditPort
	logger *slog.Logger
}

// NewService builds Service. audit and logger may be nil.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, logger: logger}
}

// Check reports whether the user's stored level for key meets required.
// A missing row never satisfies any level, DENIED included.
func (s *Service) Check(ctx context.Context, userID int64, key string, required Level) (bool, error) {
	if !required.Valid() {
		return false, ErrInvalidLevel
	}
	p, err := s.repo.Get(ctx, userID, normalizeKey(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return p.Level.Satisfies(required), nil
}

// GetLevel returns the stored level and whether a row exists.
func (s *Service) GetLevel(ctx context.Context, userID int64, key string) (Level, bool, error) {
	p, err := s.repo.Get(ctx, userID, normalizeKey(key))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LevelDenied, false, nil
		}
		return LevelDenied, false, err
	}
	return p.Level, true, nil
}

// ListForUser returns every stored permission of a user.
func (s *Service) ListForUser(ctx context.Context, userID int64) ([]Permission, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	return s.repo.ListForUser(ctx, userID)
}

// Set stores level for (userID, key). An unchanged level performs no write.
func (s *Service) Set(ctx context.Context, userID int64, key string, level Level) error {
	key = normalizeKey(key)
	if err := validateGrant(userID, key, level); err != nil {
		return err
	}
	changed, err := apply(ctx, s.repo, userID, key, level)
	if err != nil {
		return err
	}
	if changed {
		s.recordAudit(ctx, "permission.grant", userID, map[string]any{key: level.String()})
	}
	return nil
}

// SetBulk applies every grant inside one transaction. Any failure rolls the
// whole batch back and the original error is returned.
func (s *Service) SetBulk(ctx context.Context, userID int64, levels map[string]Level) error {
	normalized := make(map[string]Level, len(levels))
	for key, level := range levels {
		raw := key
		key = normalizeKey(key)
		if err := validateGrant(userID, key, level); err != nil {
			return err
		}
		if _, dup := normalized[key]; dup {
			return fmt.Errorf("%w: %q collides with another key in the batch", ErrDuplicateKey, raw)
		}
		normalized[key] = level
	}
	if len(normalized) == 0 {
		return nil
	}
	keys := make([]string, 0, len(normalized))
	for key := range normalized {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	meta := make(map[string]any)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		for _, key := range keys {
			changed, err := apply(ctx, tx, userID, key, normalized[key])
			if err != nil {
				return err
			}
			if changed {
				meta[key] = normalized[key].String()
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("bulk permission grant rolled back",
			slog.Int64("user_id", userID),
			slog.Int("keys", len(keys)),
			slog.Any("error", err))
		return err
	}
	if len(meta) > 0 {
		s.recordAudit(ctx, "permission.grant_bulk", userID, meta)
	}
	return nil
}

func apply(ctx context.Context, repo TxRepository, userID int64, key string, level Level) (bool, error) {
	existing, created, err := repo.FindOrCreate(ctx, userID, key, level)
	if err != nil {
		return false, err
	}
	if created {
		return true, nil
	}
	if existing.Level == level {
		return false, nil
	}
	if err := repo.UpdateLevel(ctx, userID, key, level); err != nil {
		return false, err
	}
	return true, nil
}

func validateGrant(userID int64, key string, level Level) error {
	if userID <= 0 {
		return ErrInvalidUser
	}
	if key == "" {
		return ErrInvalidKey
	}
	if !level.Valid() {
		return ErrInvalidLevel
	}
	return nil
}

func (s *Service) recordAudit(ctx context.Context, action string, userID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	var actorID int64
	if p, ok := shared.PrincipalFromContext(ctx); ok {
		actorID = p.UserID
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "user_permissions",
		EntityID: strconv.FormatInt(userID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("record permission audit", slog.String("action", action), slog.Any("error", err))
	}
}
