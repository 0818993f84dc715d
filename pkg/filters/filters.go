// Package filters implements the {field, operator, value} filter DSL shared
// by the list views and the REST surface.
package filters

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trionyx/pkg/registry"
)

// Operators.
const (
	OpEq         = "=="
	OpNeq        = "!="
	OpLt         = "<"
	OpLte        = "<="
	OpGt         = ">"
	OpGte        = ">="
	OpNull       = "null"
	OpContains   = "contains"
	OpIContains  = "icontains"
	OpIn         = "in"
	OpStartsWith = "startswith"
	OpEndsWith   = "endswith"
)

var operators = map[string]bool{
	OpEq: true, OpNeq: true, OpLt: true, OpLte: true, OpGt: true, OpGte: true,
	OpNull: true, OpContains: true, OpIContains: true, OpIn: true,
	OpStartsWith: true, OpEndsWith: true,
}

// restOperators maps the REST suffix to a DSL operator.
var restOperators = map[string]string{
	"":       OpEq,
	"isnull": OpNull,
	"not":    OpNeq,
	"lt":     OpLt,
	"lte":    OpLte,
	"gt":     OpGt,
	"gte":    OpGte,
}

// Filter is one clause of the DSL.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ValidationError aggregates every problem found in a filter set.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return "invalid filters: " + strings.Join(e.Errors, "; ")
}

func (e *ValidationError) add(format string, args ...any) {
	e.Errors = append(e.Errors, fmt.Sprintf(format, args...))
}

func (e *ValidationError) err() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}

// Decode parses a JSON encoded filter list. An empty string is no filters.
func Decode(raw string) ([]Filter, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var out []Filter
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, &ValidationError{Errors: []string{"filters: " + err.Error()}}
	}
	return out, nil
}

// ParseQuery parses REST query parameters of the form field[__op]=value.
// Parameters starting with an underscore are reserved and skipped.
func ParseQuery(values url.Values) ([]Filter, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	verr := &ValidationError{}
	var out []Filter
	for _, key := range keys {
		if strings.HasPrefix(key, "_") {
			continue
		}
		field, suffix, _ := strings.Cut(key, "__")
		op, ok := restOperators[suffix]
		if !ok {
			verr.add("%s: unknown operator %q", field, suffix)
			continue
		}
		for _, v := range values[key] {
			var value any = v
			if op == OpNull {
				b, err := strconv.ParseBool(v)
				if err != nil {
					verr.add("%s: isnull expects a boolean, got %q", field, v)
					continue
				}
				value = b
			}
			out = append(out, Filter{Field: field, Operator: op, Value: value})
		}
	}
	return out, verr.err()
}

// Apply narrows q by filters. Only columns listed by cfg may be filtered;
// values are coerced to the column type.
func Apply(q *gorm.DB, cfg *registry.Config, filters []Filter) (*gorm.DB, error) {
	verr := &ValidationError{}
	var exprs []clause.Expression
	for _, f := range filters {
		expr, err := build(cfg, f)
		if err != nil {
			verr.add("%s", err.Error())
			continue
		}
		exprs = append(exprs, expr)
	}
	if err := verr.err(); err != nil {
		return nil, err
	}
	if len(exprs) == 0 {
		return q, nil
	}
	return q.Where(clause.And(exprs...)), nil
}

// ApplyQuery parses REST query parameters and applies them to q. Problems
// from parsing and from validation are reported together.
func ApplyQuery(q *gorm.DB, cfg *registry.Config, values url.Values) (*gorm.DB, error) {
	verr := &ValidationError{}
	merge := func(err error) error {
		var other *ValidationError
		if !errors.As(err, &other) {
			return err
		}
		verr.Errors = append(verr.Errors, other.Errors...)
		return nil
	}

	fs, err := ParseQuery(values)
	if err != nil {
		if err := merge(err); err != nil {
			return nil, err
		}
	}
	out, err := Apply(q, cfg, fs)
	if err != nil {
		if err := merge(err); err != nil {
			return nil, err
		}
	}
	if err := verr.err(); err != nil {
		return nil, err
	}
	return out, nil
}

func build(cfg *registry.Config, f Filter) (clause.Expression, error) {
	if _, ok := cfg.GetListFields().Get(f.Field); !ok {
		return nil, fmt.Errorf("%s: unknown field", f.Field)
	}
	field, ok := cfg.Field(f.Field)
	if !ok || !field.Column() {
		return nil, fmt.Errorf("%s: field cannot be filtered", f.Field)
	}
	if !operators[f.Operator] {
		return nil, fmt.Errorf("%s: unknown operator %q", f.Field, f.Operator)
	}
	col := clause.Column{Table: clause.CurrentTable, Name: field.Name}

	switch f.Operator {
	case OpNull:
		isNull, err := toBool(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: null expects a boolean: %w", f.Field, err)
		}
		if isNull {
			return clause.Eq{Column: col, Value: nil}, nil
		}
		return clause.Neq{Column: col, Value: nil}, nil

	case OpContains, OpIContains, OpStartsWith, OpEndsWith:
		s, ok := f.Value.(string)
		if !ok {
			s = fmt.Sprint(f.Value)
		}
		pattern := escapeLike(s)
		switch f.Operator {
		case OpStartsWith:
			pattern += "%"
		case OpEndsWith:
			pattern = "%" + pattern
		default:
			pattern = "%" + pattern + "%"
		}
		if f.Operator == OpIContains {
			return clause.Expr{SQL: `LOWER(?) LIKE LOWER(?) ESCAPE '\'`, Vars: []any{col, pattern}}, nil
		}
		return clause.Expr{SQL: `? LIKE ? ESCAPE '\'`, Vars: []any{col, pattern}}, nil

	case OpIn:
		items, err := toList(f.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Field, err)
		}
		values := make([]any, 0, len(items))
		for _, item := range items {
			v, err := Coerce(field, item)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", f.Field, err)
			}
			values = append(values, v)
		}
		return clause.IN{Column: col, Values: values}, nil
	}

	v, err := Coerce(field, f.Value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", f.Field, err)
	}
	switch f.Operator {
	case OpNeq:
		return clause.Neq{Column: col, Value: v}, nil
	case OpLt:
		return clause.Lt{Column: col, Value: v}, nil
	case OpLte:
		return clause.Lte{Column: col, Value: v}, nil
	case OpGt:
		return clause.Gt{Column: col, Value: v}, nil
	case OpGte:
		return clause.Gte{Column: col, Value: v}, nil
	default:
		return clause.Eq{Column: col, Value: v}, nil
	}
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Coerce converts a raw DSL value to the Go type stored in field.
func Coerce(field *registry.Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch field.Type {
	case registry.TypeDate, registry.TypeDateTime:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("invalid date %v", raw)
		}
		for _, layout := range dateTimeLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t, nil
			}
		}
		return nil, fmt.Errorf("invalid date %q", s)
	case registry.TypeBool:
		return toBool(raw)
	}

	kind := reflect.String
	if field.Schema != nil {
		t := field.Schema.FieldType
		for t.Kind() == reflect.Pointer {
			t = t.Elem()
		}
		kind = t.Kind()
	}
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		switch v := raw.(type) {
		case float64:
			if v != float64(int64(v)) {
				return nil, fmt.Errorf("invalid integer %v", v)
			}
			return int64(v), nil
		case int, int64, uint64:
			return v, nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid integer %q", v)
			}
			return n, nil
		}
		return nil, fmt.Errorf("invalid integer %v", raw)
	case reflect.Float32, reflect.Float64:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", v)
			}
			return n, nil
		}
		return nil, fmt.Errorf("invalid number %v", raw)
	case reflect.Bool:
		return toBool(raw)
	default:
		switch v := raw.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
		return nil, fmt.Errorf("invalid text %v", raw)
	}
}

func toBool(raw any) (bool, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off", "":
			return false, nil
		}
	}
	return false, fmt.Errorf("invalid boolean %v", raw)
}

func toList(raw any) ([]any, error) {
	switch v := raw.(type) {
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case string:
		var out []any
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("in expects a list, got %v", raw)
}
