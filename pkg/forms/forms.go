// Package forms keeps the create and edit forms of every entity and
// binds, validates and saves them.
package forms

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"trionyx/pkg/registry"
	"trionyx/pkg/utils"
)

var (
	// ErrNotFound is returned for unknown form codes.
	ErrNotFound = errors.New("forms: form not found")
	// ErrInvalid is returned by Save on a form that did not validate.
	ErrInvalid = errors.New("forms: form is not valid")
)

// Reverse is the Inline.ForeignKey of an inline editing a child that
// references the parent.
const Reverse = "instance"

// Widgets.
const (
	WidgetText        = "text"
	WidgetTextarea    = "textarea"
	WidgetNumber      = "number"
	WidgetCheckbox    = "checkbox"
	WidgetDate        = "date"
	WidgetDateTime    = "datetime-local"
	WidgetSelect      = "select"
	WidgetMultiSelect = "multiselect"
	WidgetAjaxSelect  = "ajaxselect"
	WidgetEmail       = "email"
	WidgetPassword    = "password"
)

// FieldOptions customise one field of a Definition.
type FieldOptions struct {
	Label  string
	Help   string
	Widget string
	// Validate is a validator tag, e.g. "email,max=200". It replaces the
	// validate tag of the entity struct field.
	Validate string
	Required *bool
	// Ajax defers the options of a relation field to the ajax choices
	// endpoint.
	Ajax    bool
	Choices []registry.Choice
}

// Inline attaches the form of a related entity to a parent form.
type Inline struct {
	Key   string
	Model any
	// Form is the code of a registered form of Model; the synthesised
	// edit form is used when empty.
	Form string
	// ForeignKey is Reverse for a child pointing at the parent, or the
	// name of a foreign key column on the parent.
	ForeignKey string
}

// Definition is a registered form.
type Definition struct {
	Code        string
	Model       any
	Title       string
	SubmitLabel string
	// Fields lists the edited fields in order; every editable field when
	// empty.
	Fields  []string
	Options map[string]FieldOptions
	Inlines []Inline

	DefaultCreate bool
	DefaultEdit   bool
	Minimal       bool

	// Clean runs after field validation; errors it returns are non field
	// errors.
	Clean func(f *Form) error

	synthesized bool
}

// Registry holds form definitions keyed by entity alias and code.
type Registry struct {
	mu       sync.RWMutex
	models   *registry.Registry
	forms    map[string][]*Definition
	ajax     map[string]ajaxSource
	validate *validator.Validate
	frozen   bool
}

// New returns an empty form registry.
func New(models *registry.Registry) *Registry {
	return &Registry{
		models:   models,
		forms:    make(map[string][]*Definition),
		ajax:     make(map[string]ajaxSource),
		validate: validator.New(),
	}
}

// Validator returns the shared validator.
func (r *Registry) Validator() *validator.Validate { return r.validate }

// Register adds def. Codes are unique per entity.
func (r *Registry) Register(def Definition) error {
	cfg, err := r.models.Raw(def.Model)
	if err != nil {
		return err
	}
	def.Code = strings.ToLower(def.Code)
	if def.Code == "" {
		return &registry.ConfigError{Alias: cfg.Alias(), Msg: "form without code"}
	}
	for _, name := range def.Fields {
		if _, ok := editable(cfg, name); !ok {
			return &registry.ConfigError{Alias: cfg.Alias(), Msg: fmt.Sprintf("form %q: unknown field %q", def.Code, name)}
		}
	}
	for _, inl := range def.Inlines {
		if err := r.checkInline(cfg, inl); err != nil {
			return &registry.ConfigError{Alias: cfg.Alias(), Msg: fmt.Sprintf("form %q: %v", def.Code, err)}
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return registry.ErrFrozen
	}
	for _, d := range r.forms[cfg.Alias()] {
		if d.Code == def.Code {
			return &registry.ConfigError{Alias: cfg.Alias(), Msg: fmt.Sprintf("form %q registered twice", def.Code)}
		}
	}
	r.forms[cfg.Alias()] = append(r.forms[cfg.Alias()], &def)
	return nil
}

func (r *Registry) checkInline(parent *registry.Config, inl Inline) error {
	if inl.Key == "" {
		return errors.New("inline without key")
	}
	child, err := r.models.Raw(inl.Model)
	if err != nil {
		return err
	}
	_, err = resolveLink(parent, child, inl.ForeignKey)
	return err
}

func editable(cfg *registry.Config, name string) (*registry.Field, bool) {
	f, ok := cfg.Field(name)
	if !ok || f.Base || f.Reverse {
		return nil, false
	}
	return f, true
}

// Freeze rejects further registrations and indexes the ajax choice
// sources of every relation field.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	for _, cfg := range r.models.All() {
		for _, f := range cfg.Fields(true, false) {
			if f.Relation == nil {
				continue
			}
			r.ajax[AjaxToken(cfg, f.Name)] = ajaxSource{model: cfg, field: f.Name}
		}
	}
}

// definitions returns the forms of cfg followed by those of the entities
// cfg overrides.
func (r *Registry) definitions(cfg *registry.Config) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]*Definition(nil), r.forms[cfg.Alias()]...)
	for _, alias := range r.models.Replaces(cfg) {
		out = append(out, r.forms[alias]...)
	}
	return out
}

// Get returns form code of model.
func (r *Registry) Get(model any, code string) (*Definition, error) {
	cfg, err := r.models.Get(model)
	if err != nil {
		return nil, err
	}
	code = strings.ToLower(code)
	for _, d := range r.definitions(cfg) {
		if d.Code == code {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, cfg.Alias(), code)
}

// Create returns the create form of model: the config's CreateForm, a
// form flagged DefaultCreate, or a synthesised form of every field.
func (r *Registry) Create(model any) (*Definition, error) {
	return r.pick(model, func(c *registry.Config) string { return c.CreateForm },
		func(d *Definition) bool { return d.DefaultCreate }, false)
}

// Edit returns the edit form of model.
func (r *Registry) Edit(model any) (*Definition, error) {
	return r.pick(model, func(c *registry.Config) string { return c.EditForm },
		func(d *Definition) bool { return d.DefaultEdit }, false)
}

// Minimal returns the minimal create form of model, synthesised from the
// required fields when none is flagged.
func (r *Registry) Minimal(model any) (*Definition, error) {
	return r.pick(model, func(c *registry.Config) string { return c.CreateMinimalForm },
		func(d *Definition) bool { return d.Minimal }, true)
}

func (r *Registry) pick(model any, configured func(*registry.Config) string, flagged func(*Definition) bool, requiredOnly bool) (*Definition, error) {
	cfg, err := r.models.Get(model)
	if err != nil {
		return nil, err
	}
	if code := configured(cfg); code != "" {
		return r.Get(cfg, code)
	}
	for _, d := range r.definitions(cfg) {
		if flagged(d) {
			return d, nil
		}
	}
	return synthesize(cfg, requiredOnly), nil
}

func synthesize(cfg *registry.Config, requiredOnly bool) *Definition {
	def := &Definition{Model: cfg, Code: "default", synthesized: true}
	if requiredOnly {
		def.Code = "minimal"
		for _, f := range cfg.EditableFields() {
			if f.Required {
				def.Fields = append(def.Fields, f.Name)
			}
		}
	}
	return def
}

// AjaxToken is the opaque identifier of the ajax choices of field name
// on cfg. It is stable across processes.
func AjaxToken(cfg *registry.Config, name string) string {
	return utils.HashKey("ajax-choices", cfg.Alias(), name)[:16]
}

// FieldNames returns every field edited by a form of model: registered
// definitions plus the effective create and edit forms.
func (r *Registry) FieldNames(model any) ([]string, error) {
	cfg, err := r.models.Get(model)
	if err != nil {
		return nil, err
	}
	defs := r.definitions(cfg)
	for _, pick := range []func(any) (*Definition, error){r.Create, r.Edit} {
		d, err := pick(cfg)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	seen := make(map[string]bool)
	var out []string
	for _, d := range defs {
		for _, name := range fieldNames(cfg, d) {
			if _, ok := editable(cfg, name); ok && !seen[name] {
				seen[name] = true
				out = append(out, name)
			}
		}
	}
	return out, nil
}
