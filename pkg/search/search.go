// Package search narrows entity lists by a free text term and powers the
// global search box. A full-text Engine is used when configured; every
// failure falls back to case-insensitive substring matching.
package search

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trionyx/pkg/models"
	"trionyx/pkg/registry"
)

// ErrUnavailable wraps engine failures. Callers fall back to the database.
var ErrUnavailable = errors.New("search: unavailable")

// MaxMatches bounds the ids an engine returns for one list query.
const MaxMatches = 1000

// Document is the indexed form of one entity.
type Document struct {
	ContentType string
	ObjectID    uint64
	Title       string
	Description string
	URL         string
	Global      bool
	// Weighted maps a weight (A-D) to the text indexed with it.
	Weighted map[string]string
}

// Result is one global search hit.
type Result struct {
	ContentType string  `json:"content_type" db:"content_type"`
	ObjectID    uint64  `json:"id" db:"object_id"`
	Title       string  `json:"title" db:"title"`
	Description string  `json:"description" db:"description"`
	URL         string  `json:"url" db:"url"`
	Rank        float64 `json:"-" db:"rank"`
}

// Engine is an external full-text index.
type Engine interface {
	Index(ctx context.Context, docs ...Document) error
	Remove(ctx context.Context, contentType string, id uint64) error
	// Match returns ids of contentType matching term, best first.
	Match(ctx context.Context, contentType, term string, limit int) ([]uint64, error)
	Global(ctx context.Context, term string, limit int) ([]Result, error)
}

// Searcher applies search terms to queries.
type Searcher struct {
	models *registry.Registry
	engine Engine
	logger zerolog.Logger
}

// New returns a searcher. engine may be nil.
func New(models *registry.Registry, engine Engine, logger zerolog.Logger) *Searcher {
	return &Searcher{models: models, engine: engine, logger: logger.With().Str("component", "search").Logger()}
}

// Fields returns the searched fields of cfg: the configured search fields
// or else every text column.
func Fields(cfg *registry.Config) []registry.SearchField {
	if len(cfg.SearchFields) > 0 {
		return cfg.SearchFields
	}
	var out []registry.SearchField
	for _, f := range cfg.Fields(false, false) {
		if f.Column() && f.Type == registry.TypeString && f.Name != "verbose_name" {
			out = append(out, registry.SearchField{Name: f.Name})
		}
	}
	return out
}

// Narrow restricts q to rows of cfg matching term. An empty term returns
// q unchanged.
func (s *Searcher) Narrow(ctx context.Context, q *gorm.DB, cfg *registry.Config, term string) *gorm.DB {
	term = strings.TrimSpace(term)
	if term == "" {
		return q
	}
	if s.engine != nil && !cfg.DisableSearchIndex {
		ids, err := s.engine.Match(ctx, cfg.Alias(), term, MaxMatches)
		if err == nil {
			if len(ids) == 0 {
				return q.Where("1 = 0")
			}
			return q.Where(clause.IN{Column: clause.PrimaryColumn, Values: toAny(ids)})
		}
		s.logger.Warn().Err(err).Str("entity", cfg.Alias()).Msg("search engine failed, using substring match")
	}
	return Substring(q, cfg, term)
}

// Substring matches term case-insensitively against the search fields.
func Substring(q *gorm.DB, cfg *registry.Config, term string) *gorm.DB {
	fields := Fields(cfg)
	if len(fields) == 0 {
		return q.Where("1 = 0")
	}
	pattern := "%" + escapeLike(strings.ToLower(term)) + "%"
	exprs := make([]clause.Expression, 0, len(fields))
	for _, f := range fields {
		exprs = append(exprs, clause.Expr{
			SQL:  "LOWER(?) LIKE ? ESCAPE '\\'",
			Vars: []any{clause.Column{Table: clause.CurrentTable, Name: f.Name}, pattern},
		})
	}
	return q.Where(clause.Or(exprs...))
}

// Global searches every entity that allows global search.
func (s *Searcher) Global(ctx context.Context, db *gorm.DB, term string, limit int) ([]Result, error) {
	term = strings.TrimSpace(term)
	if term == "" {
		return nil, nil
	}
	if s.engine != nil {
		res, err := s.engine.Global(ctx, term, limit)
		if err == nil {
			return res, nil
		}
		s.logger.Warn().Err(err).Msg("global search engine failed, using substring match")
	}

	var out []Result
	for _, cfg := range s.models.All() {
		if cfg.DisableGlobalSearch {
			continue
		}
		list := cfg.NewSlice()
		q := Substring(cfg.Query(db.WithContext(ctx)), cfg, term)
		if err := q.Order("id DESC").Limit(limit).Find(list).Error; err != nil {
			return nil, err
		}
		for _, obj := range cfg.Items(list) {
			out = append(out, Result{
				ContentType: cfg.Alias(),
				ObjectID:    cfg.ID(obj),
				Title:       cfg.FormatSearchTitle(obj),
				Description: cfg.FormatSearchDescription(obj),
				URL:         cfg.DetailURL(obj),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ContentType < out[j].ContentType })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// NewDocument builds the index document of obj.
func NewDocument(cfg *registry.Config, obj any) Document {
	doc := Document{
		ContentType: cfg.Alias(),
		ObjectID:    cfg.ID(obj),
		Title:       cfg.FormatSearchTitle(obj),
		Description: cfg.FormatSearchDescription(obj),
		URL:         cfg.DetailURL(obj),
		Global:      !cfg.DisableGlobalSearch,
		Weighted:    make(map[string]string),
	}
	for _, f := range Fields(cfg) {
		w := f.Weight
		if w == "" {
			w = "D"
		}
		text := cfg.RenderField(obj, f.Name, registry.RenderOptions{NoHTML: true})
		if prev := doc.Weighted[w]; prev != "" {
			text = prev + " " + text
		}
		doc.Weighted[w] = text
	}
	return doc
}

// Install keeps the engine index current with gorm callbacks. Without an
// engine it does nothing.
func (s *Searcher) Install(db *gorm.DB) error {
	if s.engine == nil {
		return nil
	}
	cb := db.Callback()
	if err := cb.Create().After("gorm:create").Register("trionyx:search_create", s.afterSave); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("trionyx:search_update", s.afterSave); err != nil {
		return err
	}
	return cb.Delete().After("gorm:delete").Register("trionyx:search_delete", s.afterDelete)
}

func (s *Searcher) indexed(tx *gorm.DB) *registry.Config {
	if tx.Error != nil || tx.Statement.Schema == nil {
		return nil
	}
	cfg, err := s.models.Raw(tx.Statement.Schema.ModelType)
	if err != nil || cfg.DisableSearchIndex {
		return nil
	}
	return cfg
}

func (s *Searcher) afterSave(tx *gorm.DB) {
	cfg := s.indexed(tx)
	if cfg == nil {
		return
	}
	ctx := tx.Statement.Context
	eachEntity(tx.Statement.ReflectValue, func(obj any) {
		base := obj.(models.Entity).Base()
		if base.ID == 0 {
			return
		}
		var err error
		if base.Deleted {
			err = s.engine.Remove(ctx, cfg.Alias(), base.ID)
		} else {
			err = s.engine.Index(ctx, NewDocument(cfg, obj))
		}
		if err != nil {
			s.logger.Warn().Err(err).Str("entity", cfg.Alias()).Uint64("id", base.ID).Msg("update search index")
		}
	})
}

func (s *Searcher) afterDelete(tx *gorm.DB) {
	cfg := s.indexed(tx)
	if cfg == nil {
		return
	}
	eachEntity(tx.Statement.ReflectValue, func(obj any) {
		id := cfg.ID(obj)
		if id == 0 {
			return
		}
		if err := s.engine.Remove(tx.Statement.Context, cfg.Alias(), id); err != nil {
			s.logger.Warn().Err(err).Str("entity", cfg.Alias()).Uint64("id", id).Msg("remove from search index")
		}
	})
}

// Reindex indexes every live row of cfg in batches and returns the count.
func (s *Searcher) Reindex(ctx context.Context, db *gorm.DB, cfg *registry.Config) (int, error) {
	if s.engine == nil {
		return 0, ErrUnavailable
	}
	if cfg.DisableSearchIndex {
		return 0, nil
	}
	total := 0
	list := cfg.NewSlice()
	err := cfg.Query(db.WithContext(ctx)).FindInBatches(list, 200, func(tx *gorm.DB, _ int) error {
		items := cfg.Items(list)
		docs := make([]Document, 0, len(items))
		for _, obj := range items {
			docs = append(docs, NewDocument(cfg, obj))
		}
		total += len(docs)
		return s.engine.Index(ctx, docs...)
	}).Error
	return total, err
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func toAny(ids []uint64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
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
		if obj, ok := rv.Addr().Interface().(models.Entity); ok {
			fn(obj)
		}
	}
}
