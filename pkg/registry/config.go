package registry

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"trionyx/pkg/models"
	"trionyx/pkg/renderer"
)

// RenderOptions are passed through to the value renderer.
type RenderOptions = renderer.Options

// SearchField is a field indexed for full-text search. Weight is one of
// A, B, C or D; empty means D.
type SearchField struct {
	Name   string
	Weight string
}

// HeaderButton is an extra action shown on the detail page header.
type HeaderButton struct {
	Label  string
	URL    func(obj any) string
	Dialog bool
	Class  string
	// Show hides the button when it returns false.
	Show func(obj any) bool
}

// PermissionHook decides a per-instance permission. decided=false defers
// to the next hook and finally to the permission table.
type PermissionHook func(ctx context.Context, action string, obj any, user *models.User) (allow bool, decided bool)

// Config is the declarative metadata of one entity.
type Config struct {
	AppLabel  string
	ModelName string
	Type      reflect.Type
	Schema    *schema.Schema

	// VerboseName is the display name template, e.g. "{first_name} {last_name}".
	VerboseName       string
	Name              string
	NamePlural        string
	SearchTitle       string
	SearchDescription string

	ListFields        []ListField
	ListDefaultFields []string
	ListDefaultSort   string
	ListSelectRelated []string

	SearchFields        []SearchField
	DisableSearchIndex  bool
	DisableGlobalSearch bool

	// Form codes used instead of the registry defaults.
	CreateForm        string
	CreateMinimalForm string
	EditForm          string

	MenuName    string
	MenuIcon    string
	MenuOrder   int
	MenuRoot    bool
	MenuExclude bool

	AuditlogDisable      bool
	AuditlogIgnoreFields []string

	APIDisable     bool
	APIFields      []string
	APIDescription string

	DisableAdd    bool
	DisableChange bool
	DisableDelete bool

	ViewHeaderButtons []HeaderButton

	Labels          map[string]string
	Choices         map[string][]Choice
	PermissionHooks []PermissionHook

	renderer   *renderer.Renderer
	fields     []*Field
	listFields *ListFields
}

// Alias returns "app_label.model_name".
func (c *Config) Alias() string {
	return c.AppLabel + "." + c.ModelName
}

// Permission returns the codename for verb, e.g. "blog.change_post".
func (c *Config) Permission(verb string) string {
	return fmt.Sprintf("%s.%s_%s", c.AppLabel, verb, c.ModelName)
}

// ActionEnabled reports whether add/change/delete is enabled.
func (c *Config) ActionEnabled(verb string) bool {
	switch verb {
	case "add":
		return !c.DisableAdd
	case "change":
		return !c.DisableChange
	case "delete":
		return !c.DisableDelete
	default:
		return true
	}
}

// Renderer returns the value renderer bound to the registry.
func (c *Config) Renderer() *renderer.Renderer { return c.renderer }

// New returns a pointer to a zero entity.
func (c *Config) New() any {
	return reflect.New(c.Type).Interface()
}

// NewSlice returns a pointer to an empty []*Entity.
func (c *Config) NewSlice() any {
	return reflect.New(reflect.SliceOf(reflect.PointerTo(c.Type))).Interface()
}

// Items unpacks a slice created by NewSlice.
func (c *Config) Items(slice any) []any {
	rv := reflect.Indirect(reflect.ValueOf(slice))
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out = append(out, rv.Index(i).Interface())
	}
	return out
}

// Query returns the default query surface: the entity table without
// soft-deleted rows.
func (c *Config) Query(db *gorm.DB) *gorm.DB {
	return db.Model(c.New()).Where(clause.Eq{
		Column: clause.Column{Table: clause.CurrentTable, Name: "deleted"},
		Value:  false,
	})
}

// Get loads the live entity with id.
func (c *Config) Get(ctx context.Context, db *gorm.DB, id uint64) (any, error) {
	obj := c.New()
	q := c.Query(db.WithContext(ctx))
	for _, rel := range c.ListSelectRelated {
		q = q.Preload(rel)
	}
	if err := q.Where(clause.Eq{Column: clause.PrimaryColumn, Value: id}).Take(obj).Error; err != nil {
		return nil, err
	}
	return obj, nil
}

// ID returns the primary key of obj.
func (c *Config) ID(obj any) uint64 {
	if e, ok := obj.(models.Entity); ok {
		return e.Base().ID
	}
	return 0
}

// Fields returns the entity fields in struct order. Columns always come
// first; many-to-many fields follow when includeRelations is set and
// reverse one-to-many fields when includeReverse is set.
func (c *Config) Fields(includeRelations, includeReverse bool) []*Field {
	out := make([]*Field, 0, len(c.fields))
	for _, f := range c.fields {
		switch {
		case f.ManyToMany && !includeRelations:
			continue
		case f.Reverse && !includeReverse:
			continue
		}
		out = append(out, f)
	}
	return out
}

// EditableFields returns the columns and many-to-many fields a form may
// set, excluding framework columns.
func (c *Config) EditableFields() []*Field {
	var out []*Field
	for _, f := range c.Fields(true, false) {
		if !f.Base {
			out = append(out, f)
		}
	}
	return out
}

// Field returns the field called name.
func (c *Config) Field(name string) (*Field, bool) {
	for _, f := range c.fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// GetListFields returns the list columns: introspected columns merged
// with the declared ListFields overrides.
func (c *Config) GetListFields() *ListFields {
	return c.listFields
}

// Value returns the value of field name on obj, or nil.
func (c *Config) Value(obj any, name string) any {
	rv := reflect.Indirect(reflect.ValueOf(obj))
	if !rv.IsValid() || rv.Type() != c.Type {
		return nil
	}
	f, ok := c.Field(name)
	if !ok {
		return nil
	}
	ctx := context.Background()
	if f.Schema != nil {
		v, _ := f.Schema.ValueOf(ctx, rv)
		return v
	}
	if f.Relation != nil {
		return f.Relation.Field.ReflectValueOf(ctx, rv).Interface()
	}
	return nil
}

// Related returns the loaded association behind a foreign key field, or
// nil when it is not loaded.
func (c *Config) Related(obj any, name string) any {
	f, ok := c.Field(name)
	if !ok || f.Relation == nil || f.ManyToMany || f.Reverse {
		return nil
	}
	rv := reflect.Indirect(reflect.ValueOf(obj))
	if !rv.IsValid() || rv.Type() != c.Type {
		return nil
	}
	v := f.Relation.Field.ReflectValueOf(context.Background(), rv)
	if v.Kind() == reflect.Pointer && v.IsNil() {
		return nil
	}
	if v.Kind() == reflect.Struct {
		if v.CanAddr() {
			v = v.Addr()
		}
		if e, ok := v.Interface().(models.Entity); ok && e.Base().ID == 0 {
			return nil
		}
	}
	return v.Interface()
}

// SetValue assigns v to field name on obj.
func (c *Config) SetValue(obj any, name string, v any) error {
	f, ok := c.Field(name)
	if !ok || f.Schema == nil {
		return fmt.Errorf("%s: unknown field %q", c.Alias(), name)
	}
	rv := reflect.ValueOf(obj)
	if rv.Kind() != reflect.Pointer || rv.Elem().Type() != c.Type {
		return fmt.Errorf("%s: expected *%s, got %T", c.Alias(), c.Type.Name(), obj)
	}
	return f.Schema.Set(context.Background(), rv.Elem(), v)
}

// RenderField renders field name of obj through the list column spec
// when one exists, otherwise through the value renderer.
func (c *Config) RenderField(obj any, name string, opts RenderOptions) string {
	if lf, ok := c.listFields.Get(name); ok && lf.Renderer != nil {
		return lf.Renderer(obj, name, opts)
	}
	return c.renderValue(obj, name, opts)
}

func (c *Config) renderValue(obj any, name string, opts RenderOptions) string {
	f, ok := c.Field(name)
	if !ok {
		return ""
	}
	v := c.Value(obj, name)
	if len(f.Choices) > 0 {
		for _, choice := range f.Choices {
			if fmt.Sprint(choice.Value) == fmt.Sprint(v) {
				return c.renderer.Render(choice.Label, opts)
			}
		}
	}
	if f.Relation != nil && !f.ManyToMany && !f.Reverse {
		if related := c.Related(obj, name); related != nil {
			return c.renderer.Render(related, opts)
		}
	}
	return c.renderer.Render(v, opts)
}

// FormatVerboseName expands the display name template for obj.
func (c *Config) FormatVerboseName(obj any) string {
	return c.expand(c.VerboseName, obj)
}

// FormatSearchTitle expands the search title template for obj.
func (c *Config) FormatSearchTitle(obj any) string {
	if c.SearchTitle == "" {
		return c.FormatVerboseName(obj)
	}
	return c.expand(c.SearchTitle, obj)
}

// FormatSearchDescription expands the search description template.
func (c *Config) FormatSearchDescription(obj any) string {
	return c.expand(c.SearchDescription, obj)
}

func (c *Config) expand(tpl string, obj any) string {
	var sb strings.Builder
	for _, part := range parseTemplate(tpl) {
		if !part.placeholder {
			sb.WriteString(part.text)
			continue
		}
		switch part.text {
		case "app_label":
			sb.WriteString(c.AppLabel)
		case "model_name":
			sb.WriteString(c.ModelName)
		case "id":
			sb.WriteString(strconv.FormatUint(c.ID(obj), 10))
		default:
			sb.WriteString(c.renderValue(obj, part.text, RenderOptions{NoHTML: true}))
		}
	}
	return sb.String()
}

type templatePart struct {
	text        string
	placeholder bool
}

func parseTemplate(tpl string) []templatePart {
	var parts []templatePart
	for tpl != "" {
		start := strings.IndexByte(tpl, '{')
		if start < 0 {
			parts = append(parts, templatePart{text: tpl})
			break
		}
		end := strings.IndexByte(tpl[start:], '}')
		if end < 0 {
			parts = append(parts, templatePart{text: tpl})
			break
		}
		if start > 0 {
			parts = append(parts, templatePart{text: tpl[:start]})
		}
		parts = append(parts, templatePart{text: tpl[start+1 : start+end], placeholder: true})
		tpl = tpl[start+end+1:]
	}
	return parts
}

// URL helpers for the generic views.

// ListURL returns the list page URL.
func (c *Config) ListURL() string {
	return fmt.Sprintf("/model/%s/%s/", c.AppLabel, c.ModelName)
}

// CreateURL returns the create page URL.
func (c *Config) CreateURL() string {
	return c.ListURL() + "create/"
}

// DetailURL returns the detail page URL of obj.
func (c *Config) DetailURL(obj any) string {
	return fmt.Sprintf("%s%d/", c.ListURL(), c.ID(obj))
}

// EditURL returns the edit page URL of obj.
func (c *Config) EditURL(obj any) string {
	return c.DetailURL(obj) + "edit/"
}

// DeleteURL returns the delete URL of obj.
func (c *Config) DeleteURL(obj any) string {
	return c.DetailURL(obj) + "delete/"
}

// Delete soft-deletes obj. The row keeps its id and leaves every default
// query.
func (c *Config) Delete(ctx context.Context, db *gorm.DB, obj any) error {
	e, ok := obj.(models.Entity)
	if !ok {
		return fmt.Errorf("%s: %T is not an entity", c.Alias(), obj)
	}
	e.Base().Deleted = true
	return db.WithContext(ctx).Omit(clause.Associations).Save(obj).Error
}
