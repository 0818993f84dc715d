package forms

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"trionyx/pkg/filters"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/render"
	"trionyx/pkg/reqctx"
)

const msgRequired = "This field is required."

// Option is one choice of a select widget.
type Option struct {
	Value    string `json:"id"`
	Label    string `json:"text"`
	Selected bool   `json:"-"`
}

// BoundField is a form field with its current value and errors.
type BoundField struct {
	Name     string
	HTMLName string
	Label    string
	Help     string
	Widget   string
	Required bool
	Value    string
	Values   []string
	Options  []Option
	Errors   []string
	// AjaxToken is set for ajax select widgets.
	AjaxToken string

	field *registry.Field
	opts  FieldOptions
}

// Form is a definition bound to one entity instance.
type Form struct {
	Definition *Definition
	Config     *registry.Config
	Instance   any
	Fields     []*BoundField
	// Errors are non field errors.
	Errors  []string
	Inlines []*InlineForm

	registry *Registry
	db       *gorm.DB
	ctx      context.Context
	prefix   string
	created  bool
	bound    bool
	valid    *bool
	m2m      map[string][]uint64
}

// InlineForm is a child form saved together with its parent.
type InlineForm struct {
	Inline
	Form *Form
	link link
}

// Build binds def to instance, a pointer to an entity of model. A nil
// instance starts a new entity. model may be an override of def.Model.
func (r *Registry) Build(ctx context.Context, db *gorm.DB, model any, def *Definition, instance any) (*Form, error) {
	cfg, err := r.models.Get(model)
	if err != nil {
		return nil, err
	}
	return r.build(ctx, db, cfg, def, instance, "")
}

func (r *Registry) build(ctx context.Context, db *gorm.DB, cfg *registry.Config, def *Definition, instance any, prefix string) (*Form, error) {
	if instance == nil {
		instance = cfg.New()
	}
	f := &Form{
		Definition: def,
		Config:     cfg,
		Instance:   instance,
		registry:   r,
		db:         db,
		ctx:        ctx,
		prefix:     prefix,
		created:    cfg.ID(instance) == 0,
		m2m:        make(map[string][]uint64),
	}

	names := def.Fields
	if len(names) == 0 {
		for _, field := range cfg.EditableFields() {
			names = append(names, field.Name)
		}
	}
	for _, name := range names {
		field, ok := editable(cfg, name)
		if !ok {
			// Delegated definitions may name fields the override lacks.
			continue
		}
		bf, err := f.bindField(field, def.Options[name])
		if err != nil {
			return nil, err
		}
		f.Fields = append(f.Fields, bf)
	}

	for _, inl := range def.Inlines {
		child, err := r.inline(ctx, db, f, inl)
		if err != nil {
			return nil, err
		}
		f.Inlines = append(f.Inlines, child)
	}
	return f, nil
}

func (r *Registry) inline(ctx context.Context, db *gorm.DB, parent *Form, inl Inline) (*InlineForm, error) {
	childCfg, err := r.models.Raw(inl.Model)
	if err != nil {
		return nil, err
	}
	l, err := resolveLink(parent.Config, childCfg, inl.ForeignKey)
	if err != nil {
		return nil, err
	}
	var def *Definition
	if inl.Form != "" {
		if def, err = r.Get(childCfg, inl.Form); err != nil {
			return nil, err
		}
	} else {
		def = synthesize(childCfg, false)
	}
	if l.reverse {
		// The parent owns the foreign key of a reverse child.
		cp := *def
		cp.Fields = without(fieldNames(childCfg, def), l.column)
		def = &cp
	}

	var instance any
	if id := parent.Config.ID(parent.Instance); id != 0 {
		instance, err = l.load(ctx, db, parent, childCfg)
		if err != nil {
			return nil, err
		}
	}
	form, err := r.build(ctx, db, childCfg, def, instance, parent.prefix+inl.Key+"-")
	if err != nil {
		return nil, err
	}
	return &InlineForm{Inline: inl, Form: form, link: l}, nil
}

func fieldNames(cfg *registry.Config, def *Definition) []string {
	if len(def.Fields) > 0 {
		return def.Fields
	}
	var out []string
	for _, f := range cfg.EditableFields() {
		out = append(out, f.Name)
	}
	return out
}

func without(names []string, drop string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != drop {
			out = append(out, n)
		}
	}
	return out
}

func (f *Form) bindField(field *registry.Field, opts FieldOptions) (*BoundField, error) {
	bf := &BoundField{
		Name:     field.Name,
		HTMLName: f.prefix + field.Name,
		Label:    field.Label,
		Help:     opts.Help,
		Widget:   opts.Widget,
		Required: field.Required,
		field:    field,
		opts:     opts,
	}
	if opts.Label != "" {
		bf.Label = opts.Label
	}
	if opts.Required != nil {
		bf.Required = *opts.Required
	}
	if bf.Widget == "" {
		bf.Widget = defaultWidget(field, opts)
	}

	if field.ManyToMany {
		ids, err := f.currentM2M(field)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			bf.Values = append(bf.Values, strconv.FormatUint(id, 10))
		}
	} else {
		bf.Value = formatValue(f.Config.Value(f.Instance, field.Name), bf.Widget)
	}
	if err := f.loadOptions(bf); err != nil {
		return nil, err
	}
	return bf, nil
}

func defaultWidget(field *registry.Field, opts FieldOptions) string {
	switch {
	case field.ManyToMany:
		return WidgetMultiSelect
	case field.Relation != nil && opts.Ajax:
		return WidgetAjaxSelect
	case field.Relation != nil, len(field.Choices) > 0, len(opts.Choices) > 0:
		return WidgetSelect
	}
	switch field.Type {
	case registry.TypeBool:
		return WidgetCheckbox
	case registry.TypeInt, registry.TypeFloat:
		return WidgetNumber
	case registry.TypeDate:
		return WidgetDate
	case registry.TypeDateTime:
		return WidgetDateTime
	}
	if field.Schema != nil && field.Schema.FieldType == reflect.TypeOf(models.Email("")) {
		return WidgetEmail
	}
	return WidgetText
}

func formatValue(v any, widget string) string {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return ""
	}
	switch x := rv.Interface().(type) {
	case time.Time:
		if x.IsZero() {
			return ""
		}
		if widget == WidgetDate {
			return x.Format(time.DateOnly)
		}
		return x.Format("2006-01-02T15:04")
	case datatypes.Date:
		t := time.Time(x)
		if t.IsZero() {
			return ""
		}
		return t.Format(time.DateOnly)
	case bool:
		return strconv.FormatBool(x)
	}
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return strconv.FormatFloat(rv.Float(), 'f', -1, 64)
	}
	return fmt.Sprint(rv.Interface())
}

func (f *Form) currentM2M(field *registry.Field) ([]uint64, error) {
	if f.created || f.db == nil {
		return nil, nil
	}
	var ids []uint64
	join := field.Relation.JoinTable
	var own, other string
	for _, ref := range field.Relation.References {
		if ref.OwnPrimaryKey {
			own = ref.ForeignKey.DBName
		} else {
			other = ref.ForeignKey.DBName
		}
	}
	err := f.db.WithContext(f.ctx).Table(join.Table).
		Where(clause.Eq{Column: clause.Column{Name: own}, Value: f.Config.ID(f.Instance)}).
		Order(other).
		Pluck(other, &ids).Error
	return ids, err
}

func (f *Form) loadOptions(bf *BoundField) error {
	choices := bf.opts.Choices
	if choices == nil {
		choices = bf.field.Choices
	}
	if len(choices) > 0 {
		if !bf.Required {
			bf.Options = append(bf.Options, Option{Label: "---------"})
		}
		for _, c := range choices {
			v := fmt.Sprint(c.Value)
			bf.Options = append(bf.Options, Option{Value: v, Label: c.Label, Selected: v == bf.Value})
		}
		return nil
	}
	if bf.field.Relation == nil {
		return nil
	}

	related, err := f.registry.models.Raw(bf.field.Relation.FieldSchema.ModelType)
	if err != nil {
		return err
	}
	if bf.Widget == WidgetAjaxSelect {
		bf.AjaxToken = AjaxToken(f.Config, bf.Name)
		if bf.Value == "" {
			return nil
		}
		label, err := f.registry.ajaxLabel(f.ctx, f.db, bf.AjaxToken, related, bf.Value)
		if err != nil {
			return err
		}
		bf.Options = []Option{{Value: bf.Value, Label: label, Selected: true}}
		return nil
	}
	if f.db == nil {
		return nil
	}

	var rows []struct {
		ID          uint64
		VerboseName string
	}
	err = related.Query(f.db.WithContext(f.ctx)).
		Select("id", "verbose_name").
		Order("verbose_name").
		Find(&rows).Error
	if err != nil {
		return err
	}
	selected := make(map[string]bool, len(bf.Values)+1)
	selected[bf.Value] = true
	for _, v := range bf.Values {
		selected[v] = true
	}
	if !bf.Required && !bf.field.ManyToMany {
		bf.Options = append(bf.Options, Option{Label: "---------"})
	}
	for _, row := range rows {
		v := strconv.FormatUint(row.ID, 10)
		bf.Options = append(bf.Options, Option{Value: v, Label: row.VerboseName, Selected: selected[v]})
	}
	return nil
}

// Bind loads submitted values into the form and its inlines.
func (f *Form) Bind(values url.Values) {
	f.bound = true
	f.valid = nil
	for _, bf := range f.Fields {
		switch {
		case bf.Widget == WidgetCheckbox:
			bf.Value = strconv.FormatBool(values.Has(bf.HTMLName) && values.Get(bf.HTMLName) != "false")
		case bf.field.ManyToMany:
			bf.Values = values[bf.HTMLName]
		default:
			bf.Value = strings.TrimSpace(values.Get(bf.HTMLName))
		}
		for i := range bf.Options {
			bf.Options[i].Selected = bf.Options[i].Value == bf.Value || contains(bf.Values, bf.Options[i].Value)
		}
	}
	for _, inl := range f.Inlines {
		inl.Form.Bind(values)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// IsValid validates every field, runs Clean and validates the inlines.
// Values of a valid form are applied to Instance.
func (f *Form) IsValid() bool {
	if f.valid != nil {
		return *f.valid
	}
	if !f.bound {
		return false
	}
	cleaned := make(map[string]any, len(f.Fields))
	ok := true
	for _, bf := range f.Fields {
		bf.Errors = nil
		v, err := f.clean(bf)
		if err != nil {
			bf.Errors = append(bf.Errors, err.Error())
			ok = false
			continue
		}
		if bf.field.ManyToMany {
			f.m2m[bf.Name] = v.([]uint64)
			continue
		}
		cleaned[bf.Name] = v
	}
	if ok {
		for name, v := range cleaned {
			if err := f.Config.SetValue(f.Instance, name, v); err != nil {
				f.fieldError(name, err.Error())
				ok = false
			}
		}
	}
	if ok && f.Definition.Clean != nil {
		if err := f.Definition.Clean(f); err != nil {
			f.Errors = append(f.Errors, err.Error())
			ok = false
		}
	}
	for _, inl := range f.Inlines {
		ok = inl.Form.IsValid() && ok
	}
	f.valid = &ok
	return ok
}

// AddError attaches a message to field name, or to the form when name
// is empty.
func (f *Form) AddError(name, msg string) {
	f.fieldError(name, msg)
	invalid := false
	f.valid = &invalid
}

func (f *Form) fieldError(name, msg string) {
	for _, bf := range f.Fields {
		if bf.Name == name {
			bf.Errors = append(bf.Errors, msg)
			return
		}
	}
	f.Errors = append(f.Errors, msg)
}

// ErrorMap returns field errors keyed by field name, non field errors
// under "__all__" and inline errors under "<key>-<field>".
func (f *Form) ErrorMap() map[string][]string {
	out := make(map[string][]string)
	for _, bf := range f.Fields {
		if len(bf.Errors) > 0 {
			out[bf.HTMLName] = bf.Errors
		}
	}
	if len(f.Errors) > 0 {
		out[f.prefix+"__all__"] = f.Errors
	}
	for _, inl := range f.Inlines {
		for k, v := range inl.Form.ErrorMap() {
			out[k] = v
		}
	}
	return out
}

func (f *Form) clean(bf *BoundField) (any, error) {
	if bf.field.ManyToMany {
		ids := make([]uint64, 0, len(bf.Values))
		for _, raw := range bf.Values {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil || !hasOption(bf, raw) {
				return nil, fmt.Errorf("Select a valid choice. %s is not one of the available choices.", raw)
			}
			ids = append(ids, id)
		}
		if bf.Required && len(ids) == 0 {
			return nil, errors.New(msgRequired)
		}
		return ids, nil
	}

	raw := bf.Value
	if bf.Widget == WidgetCheckbox {
		return raw == "true", nil
	}
	if raw == "" {
		if bf.Required {
			return nil, errors.New(msgRequired)
		}
		return emptyValue(bf.field), nil
	}
	if len(bf.Options) > 0 && bf.Widget != WidgetAjaxSelect && !hasOption(bf, raw) {
		return nil, fmt.Errorf("Select a valid choice. %s is not one of the available choices.", raw)
	}

	v, err := filters.Coerce(bf.field, raw)
	if err != nil {
		return nil, fmt.Errorf("Enter a valid value: %v.", err)
	}
	if bf.Widget == WidgetAjaxSelect {
		if err := f.checkExists(bf, raw); err != nil {
			return nil, err
		}
	}

	tag := bf.opts.Validate
	if tag == "" && bf.field.Schema != nil {
		tag = bf.field.Schema.Tag.Get("validate")
	}
	if tag != "" {
		if err := f.registry.validate.Var(v, tag); err != nil {
			return nil, errors.New(validationMessage(err))
		}
	}
	return v, nil
}

func hasOption(bf *BoundField, v string) bool {
	for _, o := range bf.Options {
		if o.Value == v && v != "" {
			return true
		}
	}
	return false
}

func emptyValue(field *registry.Field) any {
	if field.Schema == nil || field.Schema.FieldType.Kind() == reflect.Pointer {
		return nil
	}
	return reflect.Zero(field.Schema.FieldType).Interface()
}

func (f *Form) checkExists(bf *BoundField, raw string) error {
	related, err := f.registry.models.Raw(bf.field.Relation.FieldSchema.ModelType)
	if err != nil {
		return err
	}
	if _, err := f.registry.ajaxLabel(f.ctx, f.db, bf.AjaxToken, related, raw); err != nil {
		return fmt.Errorf("Select a valid choice. %s is not one of the available choices.", raw)
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Enter a valid value."
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "email":
		return "Enter a valid email address."
	case "url", "http_url":
		return "Enter a valid URL."
	case "min", "gte":
		return fmt.Sprintf("Ensure this value is at least %s.", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("Ensure this value is at most %s.", fe.Param())
	case "len":
		return fmt.Sprintf("Ensure this value has length %s.", fe.Param())
	case "oneof":
		return fmt.Sprintf("Value must be one of: %s.", fe.Param())
	}
	return fmt.Sprintf("Enter a valid value (%s).", fe.Tag())
}

// Save persists the instance, its many-to-many fields and every inline
// in one transaction. With commit false the validated values are only
// applied to the instances.
func (f *Form) Save(commit bool) (any, error) {
	if !f.IsValid() {
		return nil, ErrInvalid
	}
	if !commit {
		return f.Instance, nil
	}
	err := f.db.WithContext(f.ctx).Transaction(func(tx *gorm.DB) error {
		return f.save(tx)
	})
	if err != nil {
		return nil, err
	}
	return f.Instance, nil
}

func (f *Form) save(tx *gorm.DB) error {
	if f.created {
		if e, ok := f.Instance.(models.Entity); ok && e.Base().CreatedByID == nil {
			e.Base().CreatedByID = reqctx.UserID(f.ctx)
		}
	}
	if err := tx.Omit(clause.Associations).Save(f.Instance).Error; err != nil {
		return fmt.Errorf("save %s: %w", f.Config.Alias(), err)
	}

	resave := false
	for _, inl := range f.Inlines {
		if inl.link.reverse {
			if err := inl.Form.Config.SetValue(inl.Form.Instance, inl.link.column, f.Config.ID(f.Instance)); err != nil {
				return err
			}
			if err := inl.Form.save(tx); err != nil {
				return fmt.Errorf("inline %s: %w", inl.Key, err)
			}
			continue
		}
		if err := inl.Form.save(tx); err != nil {
			return fmt.Errorf("inline %s: %w", inl.Key, err)
		}
		if err := f.Config.SetValue(f.Instance, inl.link.column, inl.Form.Config.ID(inl.Form.Instance)); err != nil {
			return err
		}
		resave = true
	}
	if resave {
		if err := tx.Omit(clause.Associations).Save(f.Instance).Error; err != nil {
			return fmt.Errorf("save %s: %w", f.Config.Alias(), err)
		}
	}

	for name, ids := range f.m2m {
		field, _ := f.Config.Field(name)
		related, err := f.registry.models.Raw(field.Relation.FieldSchema.ModelType)
		if err != nil {
			return err
		}
		items := related.NewSlice()
		if len(ids) > 0 {
			if err := related.Query(tx).Where("id IN ?", ids).Find(items).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(f.Instance).Association(field.Relation.Name).Replace(reflect.ValueOf(items).Elem().Interface()); err != nil {
			return fmt.Errorf("save %s.%s: %w", f.Config.Alias(), name, err)
		}
	}
	f.created = false
	return nil
}

// Title returns the dialog or page title of the form.
func (f *Form) Title() string {
	if f.Definition.Title != "" {
		return f.Definition.Title
	}
	if f.created {
		return "Create " + strings.ToLower(f.Config.Name)
	}
	return "Edit " + f.Config.FormatVerboseName(f.Instance)
}

// SubmitLabel returns the label of the submit button.
func (f *Form) SubmitLabel() string {
	if f.Definition.SubmitLabel != "" {
		return f.Definition.SubmitLabel
	}
	if f.created {
		return "Create"
	}
	return "Save"
}

// Render renders the fields, inline forms and errors without the
// surrounding <form> tag.
func (f *Form) Render(engine *render.Engine) (template.HTML, error) {
	if engine == nil {
		engine = render.Default()
	}
	inlines := make([]map[string]any, 0, len(f.Inlines))
	for _, inl := range f.Inlines {
		h, err := inl.Form.Render(engine)
		if err != nil {
			return "", err
		}
		inlines = append(inlines, map[string]any{"Title": inl.Form.Config.Name, "Content": h})
	}
	return engine.HTML("form", map[string]any{
		"Errors":  f.Errors,
		"Fields":  f.Fields,
		"Inlines": inlines,
	})
}

// link describes how an inline child relates to its parent.
type link struct {
	reverse bool
	// column is the child column referencing the parent when reverse,
	// otherwise the parent column referencing the child.
	column string
}

func resolveLink(parent, child *registry.Config, fk string) (link, error) {
	if fk == Reverse {
		for _, rel := range append(append([]*schema.Relationship{}, parent.Schema.Relationships.HasOne...), parent.Schema.Relationships.HasMany...) {
			if rel.FieldSchema.ModelType != child.Type {
				continue
			}
			for _, ref := range rel.References {
				if ref.OwnPrimaryKey && ref.ForeignKey != nil {
					return link{reverse: true, column: ref.ForeignKey.DBName}, nil
				}
			}
		}
		return link{}, fmt.Errorf("%s has no reverse relation to %s", parent.Alias(), child.Alias())
	}
	field, ok := parent.Field(fk)
	if !ok || field.Relation == nil || field.ManyToMany || field.Reverse {
		return link{}, fmt.Errorf("%s.%s is not a foreign key", parent.Alias(), fk)
	}
	if field.Relation.FieldSchema.ModelType != child.Type {
		return link{}, fmt.Errorf("%s.%s does not reference %s", parent.Alias(), fk, child.Alias())
	}
	return link{column: fk}, nil
}

func (l link) load(ctx context.Context, db *gorm.DB, parent *Form, child *registry.Config) (any, error) {
	if db == nil {
		return nil, nil
	}
	var id uint64
	if l.reverse {
		obj := child.New()
		err := child.Query(db.WithContext(ctx)).
			Where(clause.Eq{Column: clause.Column{Name: l.column}, Value: parent.Config.ID(parent.Instance)}).
			Order("id").
			Take(obj).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return obj, err
	}
	switch v := reflect.Indirect(reflect.ValueOf(parent.Config.Value(parent.Instance, l.column))); {
	case !v.IsValid():
		return nil, nil
	case v.CanUint():
		id = v.Uint()
	case v.CanInt():
		id = uint64(v.Int())
	}
	if id == 0 {
		return nil, nil
	}
	obj, err := child.Get(ctx, db, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return obj, err
}
