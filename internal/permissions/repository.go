package permissions

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kinderops/kinderops/internal/platform/db"
)

// Repository persists user permissions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	store
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, store: store{q: pool}}
}

// TxRepository exposes the row operations used inside a grant.
type TxRepository interface {
	FindOrCreate(ctx context.Context, userID int64, key string, level Level) (Permission, bool, error)
	UpdateLevel(ctx context.Context, userID int64, key string, level Level) error
}

type store struct {
	q db.Querier
}

// WithTx executes the callback inside a read-committed transaction so the
// row locks taken by FindOrCreate always see the latest committed grant.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, store{q: tx})
	})
}

// Get returns the permission row for the pair or ErrNotFound.
func (r *Repository) Get(ctx context.Context, userID int64, key string) (Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT user_id, permission_key, permission_value, created_at, updated_at
FROM user_permissions WHERE user_id = $1 AND permission_key = $2`, userID, key)
	return scanPermission(row)
}

// ListForUser returns all rows for a user ordered by key.
func (r *Repository) ListForUser(ctx context.Context, userID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `SELECT user_id, permission_key, permission_value, created_at, updated_at
FROM user_permissions WHERE user_id = $1 ORDER BY permission_key`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		p, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}

// FindOrCreate inserts the row with level as default. The boolean is true
// when the row was created by this call.
func (s store) FindOrCreate(ctx context.Context, userID int64, key string, level Level) (Permission, bool, error) {
	row := s.q.QueryRow(ctx, `INSERT INTO user_permissions (user_id, permission_key, permission_value)
VALUES ($1, $2, $3)
ON CONFLICT (user_id, permission_key) DO NOTHING
RETURNING user_id, permission_key, permission_value, created_at, updated_at`, userID, key, int16(level))
	p, err := scanPermission(row)
	if err == nil {
		return p, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Permission{}, false, err
	}
	row = s.q.QueryRow(ctx, `SELECT user_id, permission_key, permission_value, created_at, updated_at
FROM user_permissions WHERE user_id = $1 AND permission_key = $2 FOR UPDATE`, userID, key)
	p, err = scanPermission(row)
	if err != nil {
		return Permission{}, false, err
	}
	return p, false, nil
}

// UpdateLevel overwrites the stored level.
func (s store) UpdateLevel(ctx context.Context, userID int64, key string, level Level) error {
	tag, err := s.q.Exec(ctx, `UPDATE user_permissions SET permission_value = $3, updated_at = NOW()
WHERE user_id = $1 AND permission_key = $2`, userID, key, int16(level))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPermission(row pgx.Row) (Permission, error) {
	var (
		p     Permission
		value int16
	)
	if err := row.Scan(&p.UserID, &p.Key, &value, &p.CreatedAt, &p.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, ErrNotFound
		}
		return Permission{}, err
	}
	p.Level = Level(value)
	return p, nil
}
