package querytemplates

import (
	"fmt"
	"regexp"
	"strconv"
)

var placeholderPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// FillTemplate substitutes every {{key}} present in params. Strings are
// wrapped in single quotes without escaping, numbers are written as decimal
// literals. Tokens without a value stay verbatim.
func FillTemplate(template string, params map[string]any) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(token string) string {
		key := token[2 : len(token)-2]
		value, ok := params[key]
		if !ok {
			return token
		}
		return formatValue(value)
	})
}

// Unresolved lists the distinct placeholder keys left in a rendered string.
func Unresolved(rendered string) []string {
	found := placeholderPattern.FindAllStringSubmatch(rendered, -1)
	keys := make([]string, 0, len(found))
	seen := make(map[string]struct{}, len(found))
	for _, m := range found {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		keys = append(keys, m[1])
	}
	return keys
}

func formatValue(value any) string {
	switch v := value.(type) {
	case string:
		return "'" + v + "'"
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case uint:
		return strconv.FormatUint(uint64(v), 10)
	case uint64:
		return strconv.FormatUint(v, 10)
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
