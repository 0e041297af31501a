// Package permissions stores ordinal per-user capability levels and gates
// access on them.
package permissions

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kinderops/kinderops/internal/platform/httpx"
)

// Level is an ordinal permission value. A higher level implies every
// capability of the lower levels for the same key.
type Level int

const (
	LevelDenied   Level = 0
	LevelAllowed  Level = 1
	LevelAdvanced Level = 2
)

var (
	// ErrInvalidLevel reports a level outside the ordinal range.
	ErrInvalidLevel = fmt.Errorf("%w: permission level must be denied, allowed or advanced", httpx.ErrValidation)
	// ErrInvalidKey reports an empty permission key.
	ErrInvalidKey = fmt.Errorf("%w: permission key required", httpx.ErrValidation)
	// ErrDuplicateKey reports two keys of one batch that normalize to the same key.
	ErrDuplicateKey = fmt.Errorf("%w: duplicate permission key", httpx.ErrValidation)
	// ErrInvalidUser reports a non-positive user ID.
	ErrInvalidUser = fmt.Errorf("%w: user id required", httpx.ErrValidation)
	// ErrNotFound indicates that the permission row does not exist.
	ErrNotFound = fmt.Errorf("permissions: %w", httpx.ErrNotFound)
)

// Valid reports whether l is one of the defined levels.
func (l Level) Valid() bool {
	switch l {
	case LevelDenied, LevelAllowed, LevelAdvanced:
		return true
	}
	return false
}

// Satisfies reports whether a stored level meets the required level.
func (l Level) Satisfies(required Level) bool {
	return l >= required
}

func (l Level) String() string {
	switch l {
	case LevelDenied:
		return "denied"
	case LevelAllowed:
		return "allowed"
	case LevelAdvanced:
		return "advanced"
	}
	return "level(" + strconv.Itoa(int(l)) + ")"
}

// ParseLevel accepts a level name or its ordinal value.
func ParseLevel(raw string) (Level, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	switch raw {
	case "denied", "0":
		return LevelDenied, nil
	case "allowed", "1":
		return LevelAllowed, nil
	case "advanced", "2":
		return LevelAdvanced, nil
	}
	return 0, ErrInvalidLevel
}

// MarshalJSON renders the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, ErrInvalidLevel
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts either the level name or the ordinal number.
func (l *Level) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		parsed, err := ParseLevel(name)
		if err != nil {
			return err
		}
		*l = parsed
		return nil
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return ErrInvalidLevel
	}
	parsed := Level(n)
	if !parsed.Valid() {
		return ErrInvalidLevel
	}
	*l = parsed
	return nil
}

// Permission is the stored level for one (user, key) pair.
type Permission struct {
	UserID    int64     `json:"user_id"`
	Key       string    `json:"key"`
	Level     Level     `json:"level"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func normalizeKey(key string) string {
	return strings.TrimSpace(strings.ToLower(key))
}
