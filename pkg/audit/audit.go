// Package audit records field level changes of entities as AuditLogEntry
// rows, written in the transaction of the change.
package audit

import (
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/reqctx"
	"trionyx/pkg/telemetry"
)

const (
	preImagesKey = "trionyx:audit_pre_images"
	savePoint    = "trionyx_audit"
)

// Engine hooks entity persistence and writes audit entries.
type Engine struct {
	models *registry.Registry
	logger zerolog.Logger
}

// New returns an engine auditing the entities of models.
func New(models *registry.Registry, logger zerolog.Logger) *Engine {
	return &Engine{models: models, logger: logger.With().Str("component", "audit").Logger()}
}

// Install registers the engine callbacks on db.
func (e *Engine) Install(db *gorm.DB) error {
	cb := db.Callback()
	if err := cb.Create().After("gorm:create").Register("trionyx:audit_create", e.afterCreate); err != nil {
		return err
	}
	if err := cb.Update().Before("gorm:update").Register("trionyx:audit_before_update", e.beforeUpdate); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("trionyx:audit_update", e.afterUpdate); err != nil {
		return err
	}
	return cb.Delete().After("gorm:delete").Register("trionyx:audit_delete", e.afterDelete)
}

// Enabled reports whether changes of cfg are audited.
func Enabled(cfg *registry.Config) bool {
	return cfg != nil && !cfg.AuditlogDisable
}

func (e *Engine) config(tx *gorm.DB) *registry.Config {
	if tx.Statement.Schema == nil {
		return nil
	}
	cfg, err := e.models.Raw(tx.Statement.Schema.ModelType)
	if err != nil || !Enabled(cfg) {
		return nil
	}
	return cfg
}

func (e *Engine) afterCreate(tx *gorm.DB) {
	cfg := e.config(tx)
	if cfg == nil || tx.Error != nil {
		return
	}
	eachEntity(tx.Statement.ReflectValue, func(obj any) {
		e.write(tx, cfg, obj, models.ActionAdded, Diff(cfg, nil, obj))
	})
}

func (e *Engine) beforeUpdate(tx *gorm.DB) {
	cfg := e.config(tx)
	if cfg == nil || tx.Error != nil {
		return
	}
	pre := make(map[uint64]any)
	eachEntity(tx.Statement.ReflectValue, func(obj any) {
		id := cfg.ID(obj)
		if id == 0 {
			return
		}
		old, err := e.load(tx, cfg, id)
		if err != nil {
			e.logger.Warn().Err(err).Str("entity", cfg.Alias()).Uint64("id", id).Msg("load pre-image")
			return
		}
		pre[id] = old
	})
	tx.InstanceSet(preImagesKey, pre)
}

func (e *Engine) afterUpdate(tx *gorm.DB) {
	cfg := e.config(tx)
	if cfg == nil || tx.Error != nil {
		return
	}
	v, ok := tx.InstanceGet(preImagesKey)
	if !ok {
		return
	}
	for id, old := range v.(map[uint64]any) {
		cur, err := e.load(tx, cfg, id)
		if err != nil {
			e.logger.Warn().Err(err).Str("entity", cfg.Alias()).Uint64("id", id).Msg("load post-image")
			continue
		}
		if !old.(models.Entity).Base().Deleted && cur.(models.Entity).Base().Deleted {
			e.write(tx, cfg, cur, models.ActionDeleted, Diff(cfg, old, nil))
			continue
		}
		e.write(tx, cfg, cur, models.ActionChanged, Diff(cfg, old, cur))
	}
}

func (e *Engine) afterDelete(tx *gorm.DB) {
	cfg := e.config(tx)
	if cfg == nil || tx.Error != nil {
		return
	}
	eachEntity(tx.Statement.ReflectValue, func(obj any) {
		if cfg.ID(obj) == 0 {
			return
		}
		e.write(tx, cfg, obj, models.ActionDeleted, Diff(cfg, obj, nil))
	})
}

func (e *Engine) load(tx *gorm.DB, cfg *registry.Config, id uint64) (any, error) {
	obj := cfg.New()
	err := tx.Session(&gorm.Session{NewDB: true, SkipHooks: true}).
		Table(tx.Statement.Table).
		Where("id = ?", id).
		Take(obj).Error
	return obj, err
}

// write stores one entry. Failures are logged and never fail the change.
func (e *Engine) write(tx *gorm.DB, cfg *registry.Config, obj any, action string, changes models.Changes) {
	if len(changes) == 0 {
		return
	}
	base := obj.(models.Entity).Base()
	entry := &models.AuditLogEntry{
		ContentType:       cfg.Alias(),
		ObjectID:          base.ID,
		ObjectVerboseName: cfg.FormatVerboseName(obj),
		UserID:            reqctx.UserID(tx.Statement.Context),
		Action:            action,
		Changes:           datatypes.NewJSONType(changes),
	}
	log := e.logger.With().Str("entity", cfg.Alias()).Uint64("id", base.ID).Str("action", action).Logger()

	db := tx.Session(&gorm.Session{NewDB: true, SkipHooks: true})
	// A failed statement aborts a postgres transaction, so the insert runs
	// behind a savepoint when the change is transactional.
	_, inTx := db.Statement.ConnPool.(gorm.TxCommitter)
	if inTx {
		if err := db.SavePoint(savePoint).Error; err != nil {
			log.Error().Err(err).Msg("audit savepoint")
			return
		}
	}
	if err := db.Create(entry).Error; err != nil {
		log.Error().Err(err).Msg("write audit entry")
		if inTx {
			if err := db.RollbackTo(savePoint).Error; err != nil {
				log.Error().Err(err).Msg("roll back audit entry")
			}
		}
		return
	}
	telemetry.AuditEntries.WithLabelValues(action).Inc()
}

// Diff returns the rendered (old, new) values of every audited field
// that differs between old and cur. Either side may be nil.
func Diff(cfg *registry.Config, old, cur any) models.Changes {
	ignore := make(map[string]bool, len(cfg.AuditlogIgnoreFields))
	for _, name := range cfg.AuditlogIgnoreFields {
		ignore[name] = true
	}
	out := make(models.Changes)
	for _, f := range cfg.Fields(false, false) {
		if f.Base || ignore[f.Name] {
			continue
		}
		ov, nv := comparable(cfg, old, f.Name), comparable(cfg, cur, f.Name)
		if reflect.DeepEqual(ov, nv) {
			continue
		}
		out[f.Name] = [2]string{render(cfg, old, f.Name), render(cfg, cur, f.Name)}
	}
	return out
}

func comparable(cfg *registry.Config, obj any, name string) any {
	if obj == nil {
		return nil
	}
	v := reflect.ValueOf(cfg.Value(obj, name))
	for v.IsValid() && v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if !v.IsValid() {
		return nil
	}
	switch t := v.Interface().(type) {
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return t.UTC().Truncate(time.Microsecond)
	case datatypes.Date:
		return time.Time(t).UTC().Format(time.DateOnly)
	}
	if v.IsZero() {
		return nil
	}
	return v.Interface()
}

func render(cfg *registry.Config, obj any, name string) string {
	if obj == nil {
		return ""
	}
	return cfg.RenderField(obj, name, registry.RenderOptions{NoHTML: true})
}

func eachEntity(rv reflect.Value, fn func(obj any)) {
	switch rv.Kind() {
	case reflect.Pointer:
		if !rv.IsNil() {
			eachEntity(rv.Elem(), fn)
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			eachEntity(rv.Index(i), fn)
		}
	case reflect.Struct:
		if !rv.CanAddr() {
			return
		}
		obj := rv.Addr().Interface()
		if _, ok := obj.(models.Entity); ok {
			fn(obj)
		}
	}
}
