package formula

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var templateToken = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

const stepsPrefix = "steps."

// render substitutes {{var}} references against vars. References beginning
// with "steps." name data-piper output paths that do not exist yet at
// compile time; they are left untouched for the piper to resolve later, and
// the conductor treats any value still containing "{{steps." as unresolved.
//
// If the entire trimmed input is a single non-steps token, the variable's
// raw value is returned so non-string types (numbers, objects) survive
// full-replacement. Otherwise every non-steps token is stringified in
// place.
func render(input string, vars map[string]any) any {
	trimmed := strings.TrimSpace(input)
	if m := templateToken.FindStringSubmatch(trimmed); m != nil && m[0] == trimmed {
		key := m[1]
		if strings.HasPrefix(key, stepsPrefix) {
			return input
		}
		if v, ok := lookupVar(key, vars); ok {
			return v
		}
		return input
	}

	return templateToken.ReplaceAllStringFunc(input, func(tok string) string {
		key := strings.TrimSpace(tok[2 : len(tok)-2])
		if strings.HasPrefix(key, stepsPrefix) {
			return tok
		}
		v, ok := lookupVar(key, vars)
		if !ok {
			return tok
		}
		return stringify(v)
	})
}

// renderString is render constrained to a string result, for contexts (titles,
// descriptions, if expressions) that are never full-replacement candidates for
// non-string types.
func renderString(input string, vars map[string]any) string {
	v := render(input, vars)
	if s, ok := v.(string); ok {
		return s
	}
	return stringify(v)
}

// renderContext renders every value of a step's context map, producing the
// bead context attached after template rendering with variables and loop
// bindings.
func renderContext(tmpl map[string]string, vars map[string]any) map[string]any {
	if len(tmpl) == 0 {
		return nil
	}
	out := make(map[string]any, len(tmpl))
	for key, value := range tmpl {
		out[key] = render(value, vars)
	}
	return out
}

func lookupVar(key string, vars map[string]any) (any, bool) {
	parts := strings.Split(key, ".")
	var current any = vars
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}
