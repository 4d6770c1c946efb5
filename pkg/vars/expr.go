package vars

import (
	"fmt"
	"strconv"
	"strings"
)

// Eval evaluates a guard expression against the store and returns its boolean
// value. The expression language is the minimal set the task predicates need:
//
//	nginx_installed                      truthiness of a variable
//	result.rc == 0                       comparison (==, !=, <, <=, >, >=)
//	result is failed                     state checks on registered results
//	backup_dir is defined                definedness
//	not maintenance_mode                 negation
//	a == 1 and b == 2                    conjunction; "or" for disjunction
//
// "or" binds looser than "and". Referencing an undefined variable outside an
// "is defined" / "is not defined" check fails with UndefinedVariableError.
func (s *Store) Eval(expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	for _, disjunct := range splitKeyword(expr, "or") {
		all := true
		for _, conjunct := range splitKeyword(disjunct, "and") {
			ok, err := s.evalClause(strings.TrimSpace(conjunct))
			if err != nil {
				return false, err
			}
			if !ok {
				all = false
				break
			}
		}
		if all {
			return true, nil
		}
	}
	return false, nil
}

// evalClause evaluates a single clause: an optional "not" followed by a
// comparison, an "is" check, or a bare truthiness test.
func (s *Store) evalClause(clause string) (bool, error) {
	if rest, ok := strings.CutPrefix(clause, "not "); ok {
		inner, err := s.evalClause(strings.TrimSpace(rest))
		if err != nil {
			return false, err
		}
		return !inner, nil
	}

	if lhs, check, ok := cutKeyword(clause, "is not"); ok {
		result, err := s.evalIs(lhs, check)
		if err != nil {
			return false, err
		}
		return !result, nil
	}
	if lhs, check, ok := cutKeyword(clause, "is"); ok {
		return s.evalIs(lhs, check)
	}

	for _, op := range []string{"==", "!=", "<=", ">=", "<", ">"} {
		if i := strings.Index(clause, op); i >= 0 {
			lhs, err := s.evalTerm(strings.TrimSpace(clause[:i]))
			if err != nil {
				return false, err
			}
			rhs, err := s.evalTerm(strings.TrimSpace(clause[i+len(op):]))
			if err != nil {
				return false, err
			}
			return compare(lhs, rhs, op)
		}
	}

	value, err := s.evalTerm(clause)
	if err != nil {
		return false, err
	}
	return Truthy(value), nil
}

// evalIs evaluates "<term> is <check>" state tests.
func (s *Store) evalIs(lhs, check string) (bool, error) {
	lhs = strings.TrimSpace(lhs)
	check = strings.TrimSpace(check)

	if check == "defined" {
		return s.Defined(lhs), nil
	}
	if check == "undefined" {
		return !s.Defined(lhs), nil
	}

	value := s.Resolve(lhs)
	if IsUndefined(value) {
		return false, &UndefinedVariableError{Name: lhs}
	}

	switch check {
	case "failed":
		return Truthy(navigate(value, "failed")), nil
	case "changed":
		return Truthy(navigate(value, "changed")), nil
	case "skipped":
		return Truthy(navigate(value, "skipped")), nil
	case "succeeded", "success":
		return !Truthy(navigate(value, "failed")) && !Truthy(navigate(value, "skipped")), nil
	default:
		return false, fmt.Errorf("unsupported state check %q", check)
	}
}

// evalTerm resolves one term: a literal or a variable path.
func (s *Store) evalTerm(term string) (interface{}, error) {
	if term == "" {
		return nil, fmt.Errorf("empty expression term")
	}

	if len(term) >= 2 {
		if (term[0] == '"' && term[len(term)-1] == '"') || (term[0] == '\'' && term[len(term)-1] == '\'') {
			return term[1 : len(term)-1], nil
		}
	}
	switch term {
	case "true", "True":
		return true, nil
	case "false", "False":
		return false, nil
	case "null", "None":
		return nil, nil
	}
	if n, err := strconv.ParseInt(term, 10, 64); err == nil {
		return int(n), nil
	}
	if f, err := strconv.ParseFloat(term, 64); err == nil {
		return f, nil
	}

	value := s.Resolve(term)
	if IsUndefined(value) {
		return nil, &UndefinedVariableError{Name: term}
	}
	return value, nil
}

// compare applies a comparison operator across two terms. Numbers compare
// numerically regardless of concrete type; everything else compares by
// string form for == and !=.
func compare(lhs, rhs interface{}, op string) (bool, error) {
	lf, lok := toFloat(lhs)
	rf, rok := toFloat(rhs)

	if lok && rok {
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	ls, rs := formatValue(lhs), formatValue(rhs)
	switch op {
	case "==":
		return ls == rs, nil
	case "!=":
		return ls != rs, nil
	default:
		return false, fmt.Errorf("operator %q requires numeric operands, got %q and %q", op, ls, rs)
	}
}

// Truthy reports the boolean interpretation of a value: nil, false, zero,
// empty string, and empty collections are false; everything else is true.
// The Undefined sentinel is false.
func Truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case undefinedType:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case map[string]interface{}:
		return len(val) > 0
	case []interface{}:
		return len(val) > 0
	default:
		return true
	}
}

// toFloat coerces numeric values to float64.
func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// splitKeyword splits an expression on a bare keyword surrounded by spaces.
func splitKeyword(expr, keyword string) []string {
	return strings.Split(expr, " "+keyword+" ")
}

// cutKeyword splits on the first occurrence of a spaced keyword.
func cutKeyword(expr, keyword string) (before, after string, found bool) {
	i := strings.Index(expr, " "+keyword+" ")
	if i < 0 {
		return "", "", false
	}
	return expr[:i], expr[i+len(keyword)+2:], true
}
