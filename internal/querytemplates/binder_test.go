package querytemplates

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFillTemplate(t *testing.T) {
	got := FillTemplate("SELECT * FROM {{table}} WHERE {{table}}.id={{id}}", map[string]any{"table": "users", "id": 1})
	require.Equal(t, "SELECT * FROM 'users' WHERE 'users'.id=1", got)
}

func TestFillTemplateNumbers(t *testing.T) {
	got := FillTemplate("LIMIT {{n}} OFFSET {{o}} RATE {{r}}", map[string]any{"n": float64(20), "o": int64(40), "r": 0.25})
	require.Equal(t, "LIMIT 20 OFFSET 40 RATE 0.25", got)
}

func TestFillTemplateMissingKeyLeftVerbatim(t *testing.T) {
	got := FillTemplate("SELECT * FROM classes WHERE grade = {{grade}} AND term = {{term}}", map[string]any{"grade": "K2"})
	require.Equal(t, "SELECT * FROM classes WHERE grade = 'K2' AND term = {{term}}", got)
	require.Equal(t, []string{"term"}, Unresolved(got))
}

func TestFillTemplateDoesNotEscape(t *testing.T) {
	got := FillTemplate("WHERE name = {{name}}", map[string]any{"name": "O'Brien"})
	require.Equal(t, "WHERE name = 'O'Brien'", got)
}

func TestUnresolvedDistinct(t *testing.T) {
	require.Equal(t, []string{"a", "b"}, Unresolved("{{a}} {{b}} {{a}}"))
	require.Empty(t, Unresolved("SELECT 1"))
}
