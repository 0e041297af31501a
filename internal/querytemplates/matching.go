package querytemplates

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

// MatchesKeywords scores text against the template keywords: the share of
// keywords found as case-insensitive substrings of text. A template without
// keywords scores 0.
func MatchesKeywords(t Template, text string) float64 {
	if len(t.Keywords) == 0 {
		return 0
	}
	folder := cases.Fold()
	haystack := folder.String(text)
	matched := 0
	for _, kw := range t.Keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(haystack, folder.String(kw)) {
			matched++
		}
	}
	return float64(matched) / float64(len(t.Keywords))
}

// CanUseByRole reports whether role appears in the template's allow-list or
// the list contains RoleAll. Roles compare case-insensitively.
func CanUseByRole(t Template, role string) bool {
	role = strings.TrimSpace(role)
	for _, allowed := range t.AllowedRoles {
		allowed = strings.TrimSpace(allowed)
		if strings.EqualFold(allowed, RoleAll) || (role != "" && strings.EqualFold(allowed, role)) {
			return true
		}
	}
	return false
}

// Rank keeps active templates usable by role and orders them by descending
// score. Ties keep the input order. Zero scores are kept.
func Rank(templates []Template, text, role string) []Match {
	matches := make([]Match, 0, len(templates))
	for _, t := range templates {
		if !t.IsActive || !CanUseByRole(t, role) {
			continue
		}
		matches = append(matches, Match{Template: t, Score: MatchesKeywords(t, text)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Score > matches[j].Score
	})
	return matches
}

// FilterMinScore drops matches scoring below min.
func FilterMinScore(matches []Match, min float64) []Match {
	if min <= 0 {
		return matches
	}
	out := make([]Match, 0, len(matches))
	for _, m := range matches {
		if m.Score >= min {
			out = append(out, m)
		}
	}
	return out
}
