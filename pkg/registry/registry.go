// Package registry catalogues every entity with its Config and answers
// lookups by type or by "app_label.model_name" alias.
package registry

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"trionyx/pkg/models"
	"trionyx/pkg/renderer"
)

var (
	// ErrNotFound is returned for unknown entities and aliases.
	ErrNotFound = errors.New("registry: entity not found")
	// ErrFrozen is returned when registering after startup.
	ErrFrozen = errors.New("registry: frozen")
	// ErrAlreadyLoaded is returned by a second Autoload.
	ErrAlreadyLoaded = errors.New("registry: already loaded")
)

// ConfigError is a misdeclaration detected at startup.
type ConfigError struct {
	Alias string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Alias == "" {
		return "registry: " + e.Msg
	}
	return fmt.Sprintf("registry: %s: %s", e.Alias, e.Msg)
}

func configErrorf(alias, format string, args ...any) error {
	return &ConfigError{Alias: alias, Msg: fmt.Sprintf(format, args...)}
}

// App is an installed application declaring entities.
type App interface {
	Label() string
	Models() []any
}

// Configurer is implemented by apps overlaying per-entity options. Keys
// are Go type names of the app's models.
type Configurer interface {
	ModelConfigs() map[string]func(*Config)
}

// Registry holds one Config per entity.
type Registry struct {
	mu        sync.RWMutex
	renderer  *renderer.Renderer
	namer     schema.Namer
	schemas   sync.Map
	configs   []*Config
	byType    map[reflect.Type]*Config
	byAlias   map[string]*Config
	overrides map[string]string
	loaded    bool
	frozen    bool
}

// New returns an empty registry rendering values through r.
func New(r *renderer.Renderer) *Registry {
	return &Registry{
		renderer:  r,
		namer:     schema.NamingStrategy{},
		byType:    make(map[reflect.Type]*Config),
		byAlias:   make(map[string]*Config),
		overrides: make(map[string]string),
	}
}

// Renderer returns the value renderer.
func (r *Registry) Renderer() *renderer.Renderer { return r.renderer }

// SetOverrides installs the alias override map, e.g.
// {"trionyx.user": "accounts.user"}.
func (r *Registry) SetOverrides(m map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	for from, to := range m {
		r.overrides[strings.ToLower(from)] = strings.ToLower(to)
	}
	return nil
}

// Register adds model under appLabel and applies configure to the
// defaults.
func (r *Registry) Register(appLabel string, model any, configure func(*Config)) (*Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return nil, ErrFrozen
	}
	return r.register(appLabel, model, configure)
}

func (r *Registry) register(appLabel string, model any, configure func(*Config)) (*Config, error) {
	t := indirectType(reflect.TypeOf(model))
	if t.Kind() != reflect.Struct {
		return nil, configErrorf(appLabel, "model %T is not a struct", model)
	}
	if _, ok := reflect.New(t).Interface().(models.Entity); !ok {
		return nil, configErrorf(appLabel, "model %s does not embed models.BaseEntity", t.Name())
	}
	if prev, ok := r.byType[t]; ok {
		return nil, configErrorf(prev.Alias(), "registered twice")
	}

	s, err := schema.Parse(reflect.New(t).Interface(), &r.schemas, r.namer)
	if err != nil {
		return nil, fmt.Errorf("registry: parse %s: %w", t.Name(), err)
	}

	name := Humanize(t.Name())
	c := &Config{
		AppLabel:        strings.ToLower(appLabel),
		ModelName:       strings.ToLower(t.Name()),
		Type:            t,
		Schema:          s,
		VerboseName:     "{model_name}({id})",
		Name:            name,
		NamePlural:      name + "s",
		ListDefaultSort: "-id",
		Labels:          make(map[string]string),
		Choices:         make(map[string][]Choice),
		renderer:        r.renderer,
	}
	if configure != nil {
		configure(c)
	}
	if _, ok := r.byAlias[c.Alias()]; ok {
		return nil, configErrorf(c.Alias(), "alias registered twice")
	}

	c.fields = r.buildFields(c)
	if err := c.buildListFields(); err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}

	r.configs = append(r.configs, c)
	r.byType[t] = c
	r.byAlias[c.Alias()] = c
	return c, nil
}

func (r *Registry) buildFields(c *Config) []*Field {
	var columns, m2m, reverse []*Field
	belongsTo := make(map[string]*schema.Relationship)
	for _, rel := range c.Schema.Relationships.BelongsTo {
		for _, ref := range rel.References {
			if ref.ForeignKey != nil && !ref.OwnPrimaryKey {
				belongsTo[ref.ForeignKey.DBName] = rel
			}
		}
	}

	for _, sf := range c.Schema.Fields {
		if sf.DBName == "" || hidden(sf) {
			continue
		}
		f := &Field{
			Name:   sf.DBName,
			Label:  Humanize(sf.DBName),
			Type:   typeOfSchemaField(sf),
			Base:   baseColumns[sf.DBName],
			Schema: sf,
		}
		f.Required = !f.Base && sf.NotNull && !sf.HasDefaultValue &&
			f.Type != TypeBool && sf.FieldType.Kind() != reflect.Pointer
		if rel, ok := belongsTo[sf.DBName]; ok {
			f.Type = TypeRelation
			f.Relation = rel
		}
		columns = append(columns, f)
	}

	for _, rel := range c.Schema.Relationships.Many2Many {
		if hidden(rel.Field) {
			continue
		}
		m2m = append(m2m, &Field{
			Name:       r.namer.ColumnName("", rel.Name),
			Label:      Humanize(rel.Name),
			Type:       TypeRelation,
			Relation:   rel,
			ManyToMany: true,
		})
	}
	for _, rel := range c.Schema.Relationships.HasMany {
		if hidden(rel.Field) {
			continue
		}
		reverse = append(reverse, &Field{
			Name:     r.namer.ColumnName("", rel.Name),
			Label:    Humanize(rel.Name),
			Type:     TypeRelation,
			Relation: rel,
			Reverse:  true,
		})
	}

	fields := append(append(columns, m2m...), reverse...)
	for _, f := range fields {
		if label, ok := c.Labels[f.Name]; ok {
			f.Label = label
		}
		if choices, ok := c.Choices[f.Name]; ok {
			f.Choices = choices
			f.Type = TypeChoice
		}
	}
	return fields
}

func (c *Config) buildListFields() error {
	lf := newListFields()
	for _, f := range c.fields {
		if !f.Column() {
			continue
		}
		lf.set(f.Name, &ListField{Field: f.Name, Label: f.Label, Type: f.Type, Choices: f.Choices})
	}
	for i, decl := range c.ListFields {
		if decl.Field == "" {
			return configErrorf(c.Alias(), "list field %d has no field", i)
		}
		col := decl
		if cur, ok := lf.Get(decl.Field); ok {
			if col.Label == "" {
				col.Label = cur.Label
			}
			if col.Type == "" {
				col.Type = cur.Type
			}
			if col.Choices == nil {
				col.Choices = cur.Choices
			}
		}
		if col.Label == "" {
			col.Label = Humanize(col.Field)
		}
		if col.Type == "" {
			col.Type = TypeString
		}
		lf.set(col.Field, &col)
	}
	c.listFields = lf
	return nil
}

func (c *Config) validate() error {
	for _, tpl := range []string{c.VerboseName, c.SearchTitle, c.SearchDescription} {
		for _, p := range parseTemplate(tpl) {
			if !p.placeholder {
				continue
			}
			switch p.text {
			case "app_label", "model_name", "id":
				continue
			}
			if _, ok := c.Field(p.text); !ok {
				return configErrorf(c.Alias(), "unknown placeholder {%s}", p.text)
			}
		}
	}
	for _, name := range c.ListDefaultFields {
		if _, ok := c.listFields.Get(name); !ok {
			return configErrorf(c.Alias(), "unknown default list field %q", name)
		}
	}
	if sortKey := strings.TrimPrefix(c.ListDefaultSort, "-"); sortKey != "" {
		if _, ok := c.listFields.Get(sortKey); !ok {
			return configErrorf(c.Alias(), "unknown default sort %q", c.ListDefaultSort)
		}
	}
	for _, sf := range c.SearchFields {
		f, ok := c.Field(sf.Name)
		if !ok || !f.Column() {
			return configErrorf(c.Alias(), "unknown search field %q", sf.Name)
		}
		switch sf.Weight {
		case "", "A", "B", "C", "D":
		default:
			return configErrorf(c.Alias(), "search field %q has invalid weight %q", sf.Name, sf.Weight)
		}
	}
	for _, name := range c.AuditlogIgnoreFields {
		if _, ok := c.Field(name); !ok {
			return configErrorf(c.Alias(), "unknown audit ignore field %q", name)
		}
	}
	return nil
}

// Autoload registers every model of every app, applying the app's
// Configurer overlays, and freezes the registry.
func (r *Registry) Autoload(apps ...App) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return ErrAlreadyLoaded
	}
	r.loaded = true

	for _, app := range apps {
		var overlays map[string]func(*Config)
		if cf, ok := app.(Configurer); ok {
			overlays = cf.ModelConfigs()
		}
		used := make(map[string]bool, len(overlays))
		for _, m := range app.Models() {
			typeName := indirectType(reflect.TypeOf(m)).Name()
			used[typeName] = true
			if _, err := r.register(app.Label(), m, overlays[typeName]); err != nil {
				return err
			}
		}
		unknown := make([]string, 0)
		for name := range overlays {
			if !used[name] {
				unknown = append(unknown, name)
			}
		}
		if len(unknown) > 0 {
			sort.Strings(unknown)
			return configErrorf(app.Label(), "config for unknown models %s", strings.Join(unknown, ", "))
		}
	}

	for from, to := range r.overrides {
		if _, ok := r.byAlias[from]; !ok {
			return configErrorf(from, "override source is not registered")
		}
		if _, ok := r.byAlias[to]; !ok {
			return configErrorf(to, "override target is not registered")
		}
	}
	r.frozen = true
	return nil
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get resolves a model value, pointer, reflect.Type or case-insensitive
// alias to its Config, following the override map.
func (r *Registry) Get(v any) (*Config, error) {
	c, err := r.Raw(v)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if to, ok := r.overrides[c.Alias()]; ok {
		if target := r.byAlias[to]; target != nil {
			return target, nil
		}
	}
	return c, nil
}

// Raw resolves like Get without following the override map.
func (r *Registry) Raw(v any) (*Config, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c *Config
	switch x := v.(type) {
	case nil:
		return nil, ErrNotFound
	case *Config:
		c = x
	case string:
		c = r.byAlias[strings.ToLower(x)]
	case reflect.Type:
		c = r.byType[indirectType(x)]
	default:
		c = r.byType[indirectType(reflect.TypeOf(v))]
	}
	if c == nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, v)
	}
	return c, nil
}

// Lookup resolves app and model names from a URL.
func (r *Registry) Lookup(app, model string) (*Config, error) {
	return r.Get(app + "." + model)
}

// Replaces returns the aliases overridden by c.
func (r *Registry) Replaces(c *Config) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for from, to := range r.overrides {
		if to == c.Alias() {
			out = append(out, from)
		}
	}
	sort.Strings(out)
	return out
}

// All returns the active configs in registration order. Overridden
// entities are omitted.
func (r *Registry) All() []*Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Config, 0, len(r.configs))
	for _, c := range r.configs {
		if _, ok := r.overrides[c.Alias()]; ok {
			continue
		}
		out = append(out, c)
	}
	return out
}

// ForApp returns the active configs of one app.
func (r *Registry) ForApp(label string) []*Config {
	var out []*Config
	for _, c := range r.All() {
		if c.AppLabel == label {
			out = append(out, c)
		}
	}
	return out
}

// Models returns a pointer to a zero value of every registered entity,
// for AutoMigrate.
func (r *Registry) Models() []any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]any, 0, len(r.configs))
	for _, c := range r.configs {
		out = append(out, c.New())
	}
	return out
}

func (r *Registry) configForSchema(s *schema.Schema) *Config {
	if s == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[s.ModelType]
}

// Install registers the gorm callbacks that keep verbose_name current.
func (r *Registry) Install(db *gorm.DB) error {
	if err := db.Callback().Create().After("gorm:create").
		Register("trionyx:verbose_name_create", r.refreshVerboseName); err != nil {
		return err
	}
	return db.Callback().Update().After("gorm:update").
		Register("trionyx:verbose_name_update", r.refreshVerboseName)
}

func (r *Registry) refreshVerboseName(tx *gorm.DB) {
	if tx.Error != nil || tx.Statement.Schema == nil {
		return
	}
	c := r.configForSchema(tx.Statement.Schema)
	if c == nil {
		return
	}
	eachEntity(tx.Statement.ReflectValue, func(e models.Entity, obj any) {
		base := e.Base()
		if base.ID == 0 {
			return
		}
		name := c.FormatVerboseName(obj)
		if name == base.VerboseName {
			return
		}
		base.VerboseName = name
		err := tx.Session(&gorm.Session{NewDB: true}).
			Table(tx.Statement.Table).
			Where("id = ?", base.ID).
			UpdateColumn("verbose_name", name).Error
		if err != nil {
			_ = tx.AddError(fmt.Errorf("registry: update verbose name: %w", err))
		}
	})
}

func eachEntity(rv reflect.Value, fn func(models.Entity, any)) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			eachEntity(reflect.Indirect(rv.Index(i)), fn)
		}
	case reflect.Struct:
		if !rv.CanAddr() {
			return
		}
		obj := rv.Addr().Interface()
		if e, ok := obj.(models.Entity); ok {
			fn(e, obj)
		}
	}
}
