// Package serializers maps entities to and from REST payloads.
package serializers

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trionyx/pkg/filters"
	"trionyx/pkg/forms"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/reqctx"
)

// Fields every serializer exposes read-only.
var baseReadOnly = []string{"id", "created_at", "updated_at", "verbose_name"}

// ValidationError carries the messages of every rejected field, keyed by
// field name. Non field messages use "non_field_errors".
type ValidationError struct {
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+strings.Join(e.Fields[k], " "))
	}
	return "invalid payload: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string][]string)
	}
	e.Fields[field] = append(e.Fields[field], msg)
}

func (e *ValidationError) err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Definition declares the REST shape of an entity.
type Definition struct {
	Model any
	// Fields lists the exposed fields; every field when empty.
	Fields   []string
	ReadOnly []string
}

// Registry holds one serializer per entity and synthesises the rest.
type Registry struct {
	mu     sync.RWMutex
	models *registry.Registry
	forms  *forms.Registry
	defs   map[string]*Definition
	frozen bool
}

// New returns an empty serializer registry.
func New(models *registry.Registry, forms *forms.Registry) *Registry {
	return &Registry{models: models, forms: forms, defs: make(map[string]*Definition)}
}

// Register adds def. One serializer per entity.
func (r *Registry) Register(def Definition) error {
	cfg, err := r.models.Raw(def.Model)
	if err != nil {
		return err
	}
	for _, name := range append(append([]string{}, def.Fields...), def.ReadOnly...) {
		if _, ok := cfg.Field(name); !ok {
			return &registry.ConfigError{Alias: cfg.Alias(), Msg: fmt.Sprintf("serializer: unknown field %q", name)}
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return registry.ErrFrozen
	}
	if _, ok := r.defs[cfg.Alias()]; ok {
		return &registry.ConfigError{Alias: cfg.Alias(), Msg: "serializer registered twice"}
	}
	r.defs[cfg.Alias()] = &def
	return nil
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) definition(cfg *registry.Config) *Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.defs[cfg.Alias()]; ok {
		return d
	}
	for _, alias := range r.models.Replaces(cfg) {
		if d, ok := r.defs[alias]; ok {
			return d
		}
	}
	return nil
}

// Get returns the serializer of model.
func (r *Registry) Get(model any) (*Serializer, error) {
	cfg, err := r.models.Get(model)
	if err != nil {
		return nil, err
	}
	s := &Serializer{Config: cfg, readOnly: make(map[string]bool)}
	if r.forms != nil {
		s.validate = r.forms.Validator()
	}
	for _, name := range baseReadOnly {
		s.readOnly[name] = true
	}

	if def := r.definition(cfg); def != nil {
		for _, name := range def.Fields {
			if f, ok := cfg.Field(name); ok {
				s.Fields = append(s.Fields, f)
			}
		}
		if len(def.Fields) == 0 {
			s.Fields = cfg.Fields(true, true)
		}
		for _, name := range def.ReadOnly {
			s.readOnly[name] = true
		}
	} else {
		s.Fields = cfg.Fields(true, true)
		writable := cfg.APIFields
		if len(writable) == 0 && r.forms != nil {
			if writable, err = r.forms.FieldNames(cfg); err != nil {
				return nil, err
			}
		}
		allowed := make(map[string]bool, len(writable))
		for _, name := range writable {
			allowed[name] = true
		}
		for _, f := range s.Fields {
			if !allowed[f.Name] {
				s.readOnly[f.Name] = true
			}
		}
	}
	for _, f := range s.Fields {
		if f.Base || f.Reverse {
			s.readOnly[f.Name] = true
		}
	}
	return s, nil
}

// Serializer encodes and decodes one entity.
type Serializer struct {
	Config   *registry.Config
	Fields   []*registry.Field
	readOnly map[string]bool
	validate *validator.Validate
}

// ReadOnly reports whether name is ignored on input.
func (s *Serializer) ReadOnly(name string) bool { return s.readOnly[name] }

// ReadOnlyFields returns the read-only exposed fields in field order.
func (s *Serializer) ReadOnlyFields() []string {
	var out []string
	for _, f := range s.Fields {
		if s.readOnly[f.Name] {
			out = append(out, f.Name)
		}
	}
	return out
}

// Writable returns the fields accepted on input.
func (s *Serializer) Writable() []*registry.Field {
	var out []*registry.Field
	for _, f := range s.Fields {
		if !s.readOnly[f.Name] {
			out = append(out, f)
		}
	}
	return out
}

// Encode returns one payload per object. Foreign keys are ids,
// many-to-many and reverse fields are id lists.
func (s *Serializer) Encode(ctx context.Context, db *gorm.DB, objs ...any) ([]map[string]any, error) {
	ids := make([]uint64, len(objs))
	for i, obj := range objs {
		ids[i] = s.Config.ID(obj)
	}
	related := make(map[string]map[uint64][]uint64)
	for _, f := range s.Fields {
		if !f.ManyToMany && !f.Reverse {
			continue
		}
		m, err := relatedIDs(ctx, db, f, ids)
		if err != nil {
			return nil, fmt.Errorf("encode %s.%s: %w", s.Config.Alias(), f.Name, err)
		}
		related[f.Name] = m
	}

	out := make([]map[string]any, len(objs))
	for i, obj := range objs {
		row := make(map[string]any, len(s.Fields))
		for _, f := range s.Fields {
			if m, ok := related[f.Name]; ok {
				list := m[ids[i]]
				if list == nil {
					list = []uint64{}
				}
				row[f.Name] = list
				continue
			}
			row[f.Name] = encodeValue(s.Config.Value(obj, f.Name))
		}
		out[i] = row
	}
	return out, nil
}

func encodeValue(v any) any {
	switch x := v.(type) {
	case datatypes.Date:
		t := time.Time(x)
		if t.IsZero() {
			return nil
		}
		return t.Format(time.DateOnly)
	case *time.Time:
		if x == nil {
			return nil
		}
		return x.UTC().Format(time.RFC3339)
	case time.Time:
		if x.IsZero() {
			return nil
		}
		return x.UTC().Format(time.RFC3339)
	}
	return v
}

func relatedIDs(ctx context.Context, db *gorm.DB, f *registry.Field, ids []uint64) (map[uint64][]uint64, error) {
	out := make(map[uint64][]uint64)
	if db == nil || len(ids) == 0 {
		return out, nil
	}
	var rows []struct {
		Owner uint64
		Other uint64
	}
	rel := f.Relation
	var q *gorm.DB
	if f.ManyToMany {
		var own, other string
		for _, ref := range rel.References {
			if ref.OwnPrimaryKey {
				own = ref.ForeignKey.DBName
			} else {
				other = ref.ForeignKey.DBName
			}
		}
		q = db.WithContext(ctx).Table(rel.JoinTable.Table).
			Select("? AS owner, ? AS other", clause.Column{Name: own}, clause.Column{Name: other}).
			Where(clause.IN{Column: clause.Column{Name: own}, Values: toAny(ids)})
	} else {
		var fk string
		for _, ref := range rel.References {
			if ref.OwnPrimaryKey && ref.ForeignKey != nil {
				fk = ref.ForeignKey.DBName
			}
		}
		q = db.WithContext(ctx).Table(rel.FieldSchema.Table).
			Select("? AS owner, ? AS other", clause.Column{Name: fk}, clause.Column{Name: "id"}).
			Where(clause.IN{Column: clause.Column{Name: fk}, Values: toAny(ids)})
		if _, ok := rel.FieldSchema.FieldsByDBName["deleted"]; ok {
			q = q.Where(clause.Eq{Column: clause.Column{Name: "deleted"}, Value: false})
		}
	}
	if err := q.Order("other").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.Owner] = append(out[row.Owner], row.Other)
	}
	return out, nil
}

func toAny(ids []uint64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// Payload is decoded input ready to be saved.
type Payload struct {
	Instance any
	m2m      map[string][]uint64
}

// Decode applies data onto obj. With partial false every required
// writable field must be present. Read-only and unknown keys are
// ignored.
func (s *Serializer) Decode(obj any, data map[string]any, partial bool) (*Payload, error) {
	verr := &ValidationError{}
	p := &Payload{Instance: obj, m2m: make(map[string][]uint64)}
	values := make(map[string]any)
	for _, f := range s.Writable() {
		raw, present := data[f.Name]
		if !present {
			if !partial && f.Required {
				verr.add(f.Name, "This field is required.")
			}
			continue
		}
		if f.ManyToMany {
			ids, err := toIDs(raw)
			if err != nil {
				verr.add(f.Name, err.Error())
				continue
			}
			p.m2m[f.Name] = ids
			continue
		}
		if raw == nil {
			if f.Required {
				verr.add(f.Name, "This field may not be null.")
				continue
			}
			values[f.Name] = nil
			continue
		}
		val, err := filters.Coerce(f, raw)
		if err != nil {
			verr.add(f.Name, err.Error())
			continue
		}
		if len(f.Choices) > 0 && !validChoice(f.Choices, val) {
			verr.add(f.Name, fmt.Sprintf("%q is not a valid choice.", fmt.Sprint(val)))
			continue
		}
		if tag := f.Schema.Tag.Get("validate"); tag != "" && s.validate != nil {
			if err := s.validate.Var(val, tag); err != nil {
				verr.add(f.Name, fmt.Sprintf("Invalid value (%s).", failedTag(err)))
				continue
			}
		}
		values[f.Name] = val
	}
	if err := verr.err(); err != nil {
		return nil, err
	}
	for _, f := range s.Writable() {
		val, ok := values[f.Name]
		if !ok {
			continue
		}
		if err := s.Config.SetValue(obj, f.Name, val); err != nil {
			verr.add(f.Name, err.Error())
		}
	}
	if err := verr.err(); err != nil {
		return nil, err
	}
	return p, nil
}

func validChoice(choices []registry.Choice, v any) bool {
	for _, c := range choices {
		if fmt.Sprint(c.Value) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

func failedTag(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return verrs[0].Tag()
	}
	return err.Error()
}

func toIDs(raw any) ([]uint64, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, errors.New("Expected a list of ids.")
	}
	out := make([]uint64, 0, len(list))
	for _, item := range list {
		n, ok := item.(float64)
		if !ok || n < 1 || n != float64(uint64(n)) {
			return nil, fmt.Errorf("Invalid pk %v.", item)
		}
		out = append(out, uint64(n))
	}
	return out, nil
}

// Save persists the payload and its many-to-many fields in one
// transaction.
func (s *Serializer) Save(ctx context.Context, db *gorm.DB, p *Payload) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if e, ok := p.Instance.(models.Entity); ok && e.Base().ID == 0 && e.Base().CreatedByID == nil {
			e.Base().CreatedByID = reqctx.UserID(ctx)
		}
		if err := tx.Omit(clause.Associations).Save(p.Instance).Error; err != nil {
			return err
		}
		names := make([]string, 0, len(p.m2m))
		for name := range p.m2m {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ids := p.m2m[name]
			field, _ := s.Config.Field(name)
			items := reflect.New(reflect.SliceOf(field.Relation.FieldSchema.ModelType))
			if len(ids) > 0 {
				err := tx.Where(clause.IN{Column: clause.PrimaryColumn, Values: toAny(ids)}).Find(items.Interface()).Error
				if err != nil {
					return err
				}
			}
			if items.Elem().Len() != len(ids) {
				return &ValidationError{Fields: map[string][]string{name: {"Invalid pk - object does not exist."}}}
			}
			if err := tx.Model(p.Instance).Association(field.Relation.Name).Replace(items.Elem().Interface()); err != nil {
				return err
			}
		}
		return nil
	})
}
