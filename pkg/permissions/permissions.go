// Package permissions resolves whether a user may perform an action on an
// entity or one of its instances.
package permissions

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/reqctx"
)

// Actions.
const (
	View   = "view"
	Add    = "add"
	Change = "change"
	Delete = "delete"
)

// ErrDenied is returned when a permission check fails.
var ErrDenied = errors.New("permission denied")

const stateKey = "permissions"

// Checker answers permission questions against the stored permission
// tables.
type Checker struct {
	db *gorm.DB
}

// New returns a Checker backed by db.
func New(db *gorm.DB) *Checker {
	return &Checker{db: db}
}

// Codenames returns every permission codename granted to user directly
// or through groups. The set is memoised on the request state.
func (c *Checker) Codenames(ctx context.Context, user *models.User) (map[string]bool, error) {
	if user == nil || user.ID == 0 {
		return map[string]bool{}, nil
	}
	state := reqctx.From(ctx)
	if cached, ok := state.Get(stateKey); ok {
		if set, ok := cached.(cachedSet); ok && set.userID == user.ID {
			return set.codes, nil
		}
	}

	var direct, grouped []string
	err := c.db.WithContext(ctx).Table("permissions").
		Joins("JOIN user_permissions ON user_permissions.permission_id = permissions.id").
		Where("user_permissions.user_id = ?", user.ID).
		Pluck("permissions.codename", &direct).Error
	if err != nil {
		return nil, fmt.Errorf("permissions: load user permissions: %w", err)
	}
	err = c.db.WithContext(ctx).Table("permissions").
		Joins("JOIN group_permissions ON group_permissions.permission_id = permissions.id").
		Joins("JOIN user_groups ON user_groups.group_id = group_permissions.group_id").
		Where("user_groups.user_id = ?", user.ID).
		Pluck("permissions.codename", &grouped).Error
	if err != nil {
		return nil, fmt.Errorf("permissions: load group permissions: %w", err)
	}

	codes := make(map[string]bool, len(direct)+len(grouped))
	for _, code := range append(direct, grouped...) {
		codes[code] = true
	}
	state.Set(stateKey, cachedSet{userID: user.ID, codes: codes})
	return codes, nil
}

type cachedSet struct {
	userID uint64
	codes  map[string]bool
}

// Has reports whether user holds codename. Superusers hold everything;
// inactive users hold nothing.
func (c *Checker) Has(ctx context.Context, user *models.User, codename string) bool {
	if user == nil || !user.IsActive {
		return false
	}
	if user.IsSuperuser || codename == "" {
		return true
	}
	codes, err := c.Codenames(ctx, user)
	if err != nil {
		return false
	}
	return codes[codename]
}

// Can reports whether user may perform action on the entity of cfg and,
// when obj is not nil, on that instance. Instance hooks run first and the
// first definitive answer wins; otherwise the permission table decides.
func (c *Checker) Can(ctx context.Context, action string, cfg *registry.Config, obj any, user *models.User) bool {
	if user == nil || !user.IsActive || !cfg.ActionEnabled(action) {
		return false
	}
	if obj != nil {
		for _, hook := range cfg.PermissionHooks {
			if allow, decided := hook(ctx, action, obj, user); decided {
				return allow
			}
		}
	}
	return c.Has(ctx, user, cfg.Permission(action))
}

// CanMass checks a mass action. Instance hooks are not consulted.
func (c *Checker) CanMass(ctx context.Context, action string, cfg *registry.Config, user *models.User) bool {
	return c.Can(ctx, action, cfg, nil, user)
}

// Check is Can returning ErrDenied.
func (c *Checker) Check(ctx context.Context, action string, cfg *registry.Config, obj any, user *models.User) error {
	if !c.Can(ctx, action, cfg, obj, user) {
		return fmt.Errorf("%w: %s", ErrDenied, cfg.Permission(action))
	}
	return nil
}

// MethodAction maps an HTTP method to the action it requires. OPTIONS and
// HEAD require nothing.
func MethodAction(method string) string {
	switch method {
	case http.MethodGet:
		return View
	case http.MethodPost:
		return Add
	case http.MethodPut, http.MethodPatch:
		return Change
	case http.MethodDelete:
		return Delete
	default:
		return ""
	}
}

// Sync creates the default permissions of every registered entity.
func Sync(ctx context.Context, db *gorm.DB, reg *registry.Registry) error {
	var perms []models.Permission
	for _, cfg := range reg.All() {
		for _, verb := range models.DefaultPermissions {
			perms = append(perms, models.Permission{
				Codename: cfg.Permission(verb),
				Name:     fmt.Sprintf("Can %s %s", verb, cfg.Name),
			})
		}
	}
	if len(perms) == 0 {
		return nil
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "codename"}}, DoNothing: true}).
		Create(&perms).Error
}

// Grant gives user the named permissions, creating them when missing.
func Grant(ctx context.Context, db *gorm.DB, user *models.User, codenames ...string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, code := range codenames {
			perm := models.Permission{Codename: code}
			if err := tx.Where(models.Permission{Codename: code}).FirstOrCreate(&perm).Error; err != nil {
				return err
			}
			err := tx.Table("user_permissions").
				Clauses(clause.OnConflict{DoNothing: true}).
				Create(map[string]any{"user_id": user.ID, "permission_id": perm.ID}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
