// Package querytemplates holds the AI assistant's query template catalog:
// keyword matching, parameter binding and adaptive usage statistics.
package querytemplates

import (
	"fmt"
	"strings"
	"time"

	"github.com/kinderops/kinderops/internal/permissions"
	"github.com/kinderops/kinderops/internal/platform/httpx"
)

// RoleAll allows every caller role to use a template.
const RoleAll = "all"

var (
	// ErrNotFound indicates that the template does not exist.
	ErrNotFound = fmt.Errorf("querytemplates: %w", httpx.ErrNotFound)
	// ErrDuplicateName indicates that a template with the same name exists.
	ErrDuplicateName = fmt.Errorf("querytemplates: %w: template name taken", httpx.ErrDuplicate)
	// ErrTemplateInactive is returned when rendering or recording a disabled template.
	ErrTemplateInactive = fmt.Errorf("querytemplates: %w: template inactive", httpx.ErrConflict)
	// ErrRoleNotAllowed is returned when the caller role may not use a template.
	ErrRoleNotAllowed = fmt.Errorf("querytemplates: %w: role not allowed", httpx.ErrForbidden)
	// ErrInsufficientLevel is returned when the caller lacks the permission level a template needs.
	ErrInsufficientLevel = fmt.Errorf("querytemplates: %w: permission level too low", httpx.ErrForbidden)
	// ErrInvalidDifficulty reports an unknown difficulty tier.
	ErrInvalidDifficulty = fmt.Errorf("querytemplates: %w: difficulty must be easy, medium or hard", httpx.ErrValidation)
	// ErrInvalidParameter reports a parameter value that violates its schema.
	ErrInvalidParameter = fmt.Errorf("querytemplates: %w: invalid parameter", httpx.ErrValidation)
	// ErrInvalidElapsed reports a negative execution time.
	ErrInvalidElapsed = fmt.Errorf("querytemplates: %w: elapsed time must not be negative", httpx.ErrValidation)
	// ErrNoUsage is returned when a rate or average is updated before any usage was counted.
	ErrNoUsage = fmt.Errorf("querytemplates: %w: usage count is zero", httpx.ErrConflict)
)

// Difficulty grades how demanding a template is.
type Difficulty string

const (
	DifficultyEasy   Difficulty = "easy"
	DifficultyMedium Difficulty = "medium"
	DifficultyHard   Difficulty = "hard"
)

// ParseDifficulty validates a difficulty name.
func ParseDifficulty(raw string) (Difficulty, error) {
	d := Difficulty(strings.TrimSpace(strings.ToLower(raw)))
	if !d.Valid() {
		return "", ErrInvalidDifficulty
	}
	return d, nil
}

// Valid reports whether d is a known tier.
func (d Difficulty) Valid() bool {
	switch d {
	case DifficultyEasy, DifficultyMedium, DifficultyHard:
		return true
	}
	return false
}

// RequiredLevel maps a tier to the ai.query level a caller must hold.
func (d Difficulty) RequiredLevel() permissions.Level {
	switch d {
	case DifficultyEasy, DifficultyMedium:
		return permissions.LevelAllowed
	case DifficultyHard:
		return permissions.LevelAdvanced
	}
	return permissions.LevelAdvanced
}

// ParameterType is the declared type of a template parameter.
type ParameterType string

const (
	ParamString ParameterType = "string"
	ParamNumber ParameterType = "number"
	ParamDate   ParameterType = "date"
	ParamEnum   ParameterType = "enum"
)

// ParameterSpec describes one placeholder of a template.
type ParameterSpec struct {
	Type        ParameterType `json:"type" validate:"required,oneof=string number date enum"`
	Required    bool          `json:"required"`
	Default     any           `json:"default,omitempty"`
	Options     []string      `json:"options,omitempty" validate:"required_if=Type enum"`
	Description string        `json:"description,omitempty"`
}

// Stats are the running usage statistics of a template.
type Stats struct {
	UsageCount       int64   `json:"usage_count"`
	SuccessRate      float64 `json:"success_rate"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
}

// Template is a parameterized query definition.
type Template struct {
	ID             int64                    `json:"id"`
	Name           string                   `json:"name"`
	DisplayName    string                   `json:"display_name"`
	Description    string                   `json:"description,omitempty"`
	Category       string                   `json:"category,omitempty"`
	BusinessDomain string                   `json:"business_domain,omitempty"`
	Template       string                   `json:"template"`
	Parameters     map[string]ParameterSpec `json:"parameters,omitempty"`
	Examples       []string                 `json:"examples,omitempty"`
	Keywords       []string                 `json:"keywords,omitempty"`
	AllowedRoles   []string                 `json:"allowed_roles,omitempty"`
	Difficulty     Difficulty               `json:"difficulty"`
	Stats
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Match pairs a template with its keyword score for a query.
type Match struct {
	Template Template `json:"template"`
	Score    float64  `json:"score"`
}

// Rendered is the output of binding parameters into a template.
type Rendered struct {
	TemplateID int64    `json:"template_id"`
	Query      string   `json:"query"`
	Unresolved []string `json:"unresolved"`
}

// Execution reports the outcome of running a rendered template.
type Execution struct {
	ID         string  `json:"id"`
	TemplateID int64   `json:"template_id"`
	Success    bool    `json:"success"`
	ElapsedMs  float64 `json:"elapsed_ms"`
}

// CreateTemplateInput carries the fields accepted when adding a template.
type CreateTemplateInput struct {
	Name           string                   `json:"name" validate:"required,max=100"`
	DisplayName    string                   `json:"display_name" validate:"required,max=200"`
	Description    string                   `json:"description"`
	Category       string                   `json:"category" validate:"max=50"`
	BusinessDomain string                   `json:"business_domain" validate:"max=50"`
	Template       string                   `json:"template" validate:"required"`
	Parameters     map[string]ParameterSpec `json:"parameters" validate:"dive"`
	Examples       []string                 `json:"examples"`
	Keywords       []string                 `json:"keywords" validate:"dive,required"`
	AllowedRoles   []string                 `json:"allowed_roles" validate:"dive,required"`
	Difficulty     string                   `json:"difficulty" validate:"required"`
}
