package registry

import (
	"reflect"
	"strings"
	"time"
	"unicode"

	"gorm.io/datatypes"
	"gorm.io/gorm/schema"
)

// FieldType is the column kind used by list filters and forms.
type FieldType string

// Field types.
const (
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeDate     FieldType = "date"
	TypeDateTime FieldType = "datetime"
	TypeBool     FieldType = "bool"
	TypeRelation FieldType = "relation"
	TypeChoice   FieldType = "choice"
)

// Choice is one allowed value of a choice field.
type Choice struct {
	Value any    `json:"value"`
	Label string `json:"label"`
}

// Field describes one introspected entity field.
type Field struct {
	Name     string
	Label    string
	Type     FieldType
	Choices  []Choice
	Required bool
	// Base marks framework columns (id, timestamps, owner).
	Base bool
	// Schema is nil for many-to-many and reverse relations.
	Schema *schema.Field
	// Relation is set for foreign keys, many-to-many and reverse fields.
	Relation   *schema.Relationship
	Reverse    bool
	ManyToMany bool
}

// Column reports whether the field maps to a column of the entity table.
func (f *Field) Column() bool {
	return f.Schema != nil && !f.ManyToMany && !f.Reverse
}

var baseColumns = map[string]bool{
	"id":            true,
	"created_at":    true,
	"updated_at":    true,
	"created_by_id": true,
	"verbose_name":  true,
	"deleted":       true,
}

var (
	timeType = reflect.TypeOf(time.Time{})
	dateType = reflect.TypeOf(datatypes.Date{})
)

func indirectType(t reflect.Type) reflect.Type {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t
}

func typeOfSchemaField(f *schema.Field) FieldType {
	t := indirectType(f.FieldType)
	switch {
	case t == timeType:
		return TypeDateTime
	case t == dateType:
		return TypeDate
	}
	switch t.Kind() {
	case reflect.Bool:
		return TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return TypeInt
	case reflect.Float32, reflect.Float64:
		return TypeFloat
	default:
		return TypeString
	}
}

// hidden reports whether a struct field is excluded from every generic
// surface: fields tagged json:"-" are never listed, edited or exposed.
func hidden(f *schema.Field) bool {
	tag := f.StructField.Tag.Get("json")
	return tag == "-" || f.DBName == "deleted"
}

// Humanize turns "first_name" or "FirstName" into "First name".
func Humanize(name string) string {
	var words []string
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			words = append(words, strings.ToLower(string(cur)))
			cur = cur[:0]
		}
	}
	runes := []rune(name)
	for i, r := range runes {
		switch {
		case r == '_' || r == ' ' || r == '.':
			flush()
		case unicode.IsUpper(r) && i > 0 && (unicode.IsLower(runes[i-1]) || i+1 < len(runes) && unicode.IsLower(runes[i+1])):
			flush()
			cur = append(cur, r)
		default:
			cur = append(cur, r)
		}
	}
	flush()
	if len(words) == 0 {
		return ""
	}
	s := strings.Join(words, " ")
	return strings.ToUpper(s[:1]) + s[1:]
}

// ListField is one column of the generic list view.
type ListField struct {
	Field   string
	Label   string
	Type    FieldType
	Choices []Choice
	// Renderer overrides how the cell is rendered.
	Renderer func(obj any, field string, opts RenderOptions) string
}

// ListFields is an ordered mapping of column name to ListField.
type ListFields struct {
	keys   []string
	fields map[string]*ListField
}

func newListFields() *ListFields {
	return &ListFields{fields: make(map[string]*ListField)}
}

func (l *ListFields) set(name string, f *ListField) {
	if _, ok := l.fields[name]; !ok {
		l.keys = append(l.keys, name)
	}
	l.fields[name] = f
}

// Keys returns column names in display order.
func (l *ListFields) Keys() []string {
	return append([]string(nil), l.keys...)
}

// Get returns the column spec for name.
func (l *ListFields) Get(name string) (*ListField, bool) {
	f, ok := l.fields[name]
	return f, ok
}

// Len returns the number of columns.
func (l *ListFields) Len() int { return len(l.keys) }
