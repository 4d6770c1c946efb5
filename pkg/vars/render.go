package vars

import (
	"fmt"
	"strconv"
	"strings"
)

// Render substitutes {{ expression }} references in a string against the
// store. An expression is a dotted variable path, optionally followed by an
// inline default:
//
//	{{ http_port }}
//	{{ result.rc }}
//	{{ listen_addr | default("0.0.0.0") }}
//
// A reference to an undefined variable with no default fails with
// UndefinedVariableError. This is deliberately a substitution pass, not a
// template language.
func (s *Store) Render(template string) (string, error) {
	var b strings.Builder
	rest := template

	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			return "", fmt.Errorf("unterminated {{ in %q", template)
		}
		end += start

		b.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+2 : end])

		value, err := s.evalReference(expr)
		if err != nil {
			return "", err
		}
		b.WriteString(formatValue(value))

		rest = rest[end+2:]
	}
}

// RenderValue renders every string inside a parameter value, recursing into
// mappings and lists. A string that is exactly one {{ reference }} yields the
// referenced value with its type preserved instead of a string.
func (s *Store) RenderValue(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case string:
		if ref, ok := soleReference(val); ok {
			return s.evalReference(ref)
		}
		return s.Render(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			rendered, err := s.RenderValue(inner)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, inner := range val {
			rendered, err := s.RenderValue(inner)
			if err != nil {
				return nil, err
			}
			out = append(out, rendered)
		}
		return out, nil
	default:
		return v, nil
	}
}

// RenderParams renders a full parameter mapping.
func (s *Store) RenderParams(params map[string]interface{}) (map[string]interface{}, error) {
	rendered, err := s.RenderValue(params)
	if err != nil {
		return nil, err
	}
	if rendered == nil {
		return map[string]interface{}{}, nil
	}
	return rendered.(map[string]interface{}), nil
}

// evalReference resolves "name" or "name | default(literal)".
func (s *Store) evalReference(expr string) (interface{}, error) {
	name := expr
	var defaultLit string
	hasDefault := false

	if i := strings.Index(expr, "|"); i >= 0 {
		name = strings.TrimSpace(expr[:i])
		filter := strings.TrimSpace(expr[i+1:])
		if !strings.HasPrefix(filter, "default(") || !strings.HasSuffix(filter, ")") {
			return nil, fmt.Errorf("unsupported filter in reference %q", expr)
		}
		defaultLit = strings.TrimSpace(filter[len("default(") : len(filter)-1])
		hasDefault = true
	}

	value := s.Resolve(name)
	if IsUndefined(value) {
		if hasDefault {
			return parseLiteral(defaultLit), nil
		}
		return nil, &UndefinedVariableError{Name: name}
	}
	return value, nil
}

// soleReference reports whether a string is exactly one {{ ... }} reference
// and returns the inner expression.
func soleReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// parseLiteral interprets a literal token: quoted string, number, boolean,
// or null. Anything else is taken as a bare string.
func parseLiteral(lit string) interface{} {
	if len(lit) >= 2 {
		if (lit[0] == '"' && lit[len(lit)-1] == '"') || (lit[0] == '\'' && lit[len(lit)-1] == '\'') {
			return lit[1 : len(lit)-1]
		}
	}
	switch lit {
	case "true", "True":
		return true
	case "false", "False":
		return false
	case "null", "None", "~":
		return nil
	}
	if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return int(n)
	}
	if f, err := strconv.ParseFloat(lit, 64); err == nil {
		return f
	}
	return lit
}

// formatValue renders a value for string interpolation.
func formatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "True"
		}
		return "False"
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
