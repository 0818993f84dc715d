package forms

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trionyx/pkg/registry"
	"trionyx/pkg/reqctx"
)

// ErrUnknownToken is returned for ajax tokens not issued by Freeze.
var ErrUnknownToken = errors.New("forms: unknown ajax choices token")

// AjaxPageSize bounds one ajax choices response.
const AjaxPageSize = 25

type ajaxSource struct {
	model *registry.Config
	field string
}

// AjaxSource returns the entity and field behind token, so callers can
// check permissions before serving choices.
func (r *Registry) AjaxSource(token string) (*registry.Config, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.ajax[token]
	if !ok {
		return nil, "", ErrUnknownToken
	}
	return src.model, src.field, nil
}

// AjaxChoices returns up to AjaxPageSize related objects of the field
// behind token whose display name contains q.
func (r *Registry) AjaxChoices(ctx context.Context, db *gorm.DB, token, q string, page int) ([]Option, bool, error) {
	cfg, name, err := r.AjaxSource(token)
	if err != nil {
		return nil, false, err
	}
	field, _ := cfg.Field(name)
	related, err := r.models.Raw(field.Relation.FieldSchema.ModelType)
	if err != nil {
		return nil, false, err
	}
	if page < 1 {
		page = 1
	}

	query := related.Query(db.WithContext(ctx)).Select("id", "verbose_name")
	if q = strings.TrimSpace(q); q != "" {
		query = query.Where(clause.Expr{
			SQL:  "LOWER(verbose_name) LIKE ?",
			Vars: []any{"%" + strings.ToLower(q) + "%"},
		})
	}
	var rows []struct {
		ID          uint64
		VerboseName string
	}
	err = query.Order("verbose_name").Order("id").
		Offset((page - 1) * AjaxPageSize).
		Limit(AjaxPageSize + 1).
		Find(&rows).Error
	if err != nil {
		return nil, false, err
	}
	more := len(rows) > AjaxPageSize
	if more {
		rows = rows[:AjaxPageSize]
	}

	out := make([]Option, 0, len(rows))
	state := reqctx.From(ctx)
	for _, row := range rows {
		id := strconv.FormatUint(row.ID, 10)
		state.Set(labelKey(token, id), row.VerboseName)
		out = append(out, Option{Value: id, Label: row.VerboseName})
	}
	return out, more, nil
}

func labelKey(token, id string) string {
	return "ajax:" + token + ":" + id
}

// ajaxLabel returns the display name of object id of related. Labels are
// remembered in the request state so a form rendered twice in one
// request loads each bound object once.
func (r *Registry) ajaxLabel(ctx context.Context, db *gorm.DB, token string, related *registry.Config, id string) (string, error) {
	state := reqctx.From(ctx)
	if v, ok := state.Get(labelKey(token, id)); ok {
		return v.(string), nil
	}
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return "", fmt.Errorf("forms: invalid id %q", id)
	}
	if db == nil {
		return id, nil
	}
	var labels []string
	err = related.Query(db.WithContext(ctx)).
		Where(clause.Eq{Column: clause.PrimaryColumn, Value: n}).
		Limit(1).
		Pluck("verbose_name", &labels).Error
	if err != nil {
		return "", err
	}
	if len(labels) == 0 {
		return "", gorm.ErrRecordNotFound
	}
	label := labels[0]
	state.Set(labelKey(token, id), label)
	return label, nil
}
