package querytemplates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kinderops/kinderops/internal/platform/db"
)

const templateColumns = `id, name, display_name, description, category, business_domain, template,
parameters, examples, keywords, allowed_roles, difficulty,
usage_count, success_rate, avg_execution_time, is_active, created_at, updated_at`

// Repository persists templates in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ListActive returns active templates in declaration order.
func (r *Repository) ListActive(ctx context.Context) ([]Template, error) {
	return r.list(ctx, `SELECT `+templateColumns+` FROM ai_query_templates WHERE is_active ORDER BY id`)
}

// ListByCategory returns active templates of a category in declaration order.
func (r *Repository) ListByCategory(ctx context.Context, category string) ([]Template, error) {
	return r.list(ctx, `SELECT `+templateColumns+` FROM ai_query_templates WHERE is_active AND category = $1 ORDER BY id`, category)
}

// Popular returns the most used active templates.
func (r *Repository) Popular(ctx context.Context, limit int) ([]Template, error) {
	if limit <= 0 {
		limit = 10
	}
	return r.list(ctx, `SELECT `+templateColumns+` FROM ai_query_templates WHERE is_active
ORDER BY usage_count DESC, success_rate DESC, id LIMIT $1`, limit)
}

// GetByID fetches a template by ID.
func (r *Repository) GetByID(ctx context.Context, id int64) (Template, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM ai_query_templates WHERE id = $1`, id)
	return scanTemplate(row)
}

// GetByName fetches a template by its unique name.
func (r *Repository) GetByName(ctx context.Context, name string) (Template, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM ai_query_templates WHERE name = $1`, name)
	return scanTemplate(row)
}

// Create inserts a template with zeroed statistics.
func (r *Repository) Create(ctx context.Context, t Template) (Template, error) {
	params, err := json.Marshal(nonNilParams(t.Parameters))
	if err != nil {
		return Template{}, fmt.Errorf("querytemplates: encode parameters: %w", err)
	}
	examples, err := json.Marshal(nonNilStrings(t.Examples))
	if err != nil {
		return Template{}, fmt.Errorf("querytemplates: encode examples: %w", err)
	}
	row := r.pool.QueryRow(ctx, `INSERT INTO ai_query_templates
(name, display_name, description, category, business_domain, template, parameters, examples, keywords, allowed_roles, difficulty, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING `+templateColumns,
		t.Name, t.DisplayName, t.Description, t.Category, t.BusinessDomain, t.Template,
		params, examples, nonNilStrings(t.Keywords), nonNilStrings(t.AllowedRoles), string(t.Difficulty), t.IsActive)
	created, err := scanTemplate(row)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return Template{}, ErrDuplicateName
		}
		return Template{}, err
	}
	return created, nil
}

// SetActive toggles the lifecycle flag.
func (r *Repository) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := r.pool.Exec(ctx, `UPDATE ai_query_templates SET is_active = $2, updated_at = NOW() WHERE id = $1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStats locks the template row, applies fn and writes the three
// statistics columns back in the same transaction.
func (r *Repository) UpdateStats(ctx context.Context, id int64, fn func(Stats) (Stats, error)) (Stats, error) {
	var result Stats
	err := db.WithLockingTx(ctx, r.pool, func(tx pgx.Tx) error {
		var current Stats
		err := tx.QueryRow(ctx, `SELECT usage_count, success_rate, avg_execution_time
FROM ai_query_templates WHERE id = $1 FOR UPDATE`, id).Scan(&current.UsageCount, &current.SuccessRate, &current.AvgExecutionTime)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		next, err := fn(current)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE ai_query_templates
SET usage_count = $2, success_rate = $3, avg_execution_time = $4, updated_at = NOW()
WHERE id = $1`, id, next.UsageCount, next.SuccessRate, next.AvgExecutionTime)
		if err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	return result, nil
}

func (r *Repository) list(ctx context.Context, query string, args ...any) ([]Template, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var templates []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return templates, nil
}

func scanTemplate(row pgx.Row) (Template, error) {
	var (
		t          Template
		params     []byte
		examples   []byte
		difficulty string
	)
	err := row.Scan(&t.ID, &t.Name, &t.DisplayName, &t.Description, &t.Category, &t.BusinessDomain, &t.Template,
		&params, &examples, &t.Keywords, &t.AllowedRoles, &difficulty,
		&t.UsageCount, &t.SuccessRate, &t.AvgExecutionTime, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Template{}, ErrNotFound
		}
		return Template{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &t.Parameters); err != nil {
			return Template{}, fmt.Errorf("querytemplates: decode parameters of %s: %w", t.Name, err)
		}
	}
	if len(examples) > 0 {
		if err := json.Unmarshal(examples, &t.Examples); err != nil {
			return Template{}, fmt.Errorf("querytemplates: decode examples of %s: %w", t.Name, err)
		}
	}
	t.Difficulty = Difficulty(difficulty)
	return t, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilParams(params map[string]ParameterSpec) map[string]ParameterSpec {
	if params == nil {
		return map[string]ParameterSpec{}
	}
	return params
}
