// Package widgets holds the dashboard widget registry and the per-user
// dashboards built from it.
package widgets

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/utils"
)

// DashboardAttribute is the user attribute holding the dashboard.
const DashboardAttribute = "trionyx_dashboard"

var (
	// ErrUnknownWidget is returned for unregistered widget codes.
	ErrUnknownWidget = errors.New("widgets: unknown widget")
	// ErrNoInstance is returned when a dashboard has no such widget instance.
	ErrNoInstance = errors.New("widgets: no such widget on dashboard")
)

// Choice is one option of a select config field.
type Choice struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ConfigField describes one widget setting shown in the config dialog.
type ConfigField struct {
	Name    string   `json:"name"`
	Label   string   `json:"label"`
	Type    string   `json:"type"`
	Choices []Choice `json:"choices,omitempty"`
}

// FetchFunc returns the data of one widget instance.
type FetchFunc func(ctx context.Context, user *models.User, config map[string]any) (any, error)

// Widget is a registered dashboard widget.
type Widget struct {
	Code         string        `json:"code"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	DefaultWidth int           `json:"default_width"`
	ConfigFields []ConfigField `json:"config_fields"`
	Fetch        FetchFunc     `json:"-"`
}

// Registry keeps widgets by code.
type Registry struct {
	mu      sync.RWMutex
	widgets map[string]*Widget
	frozen  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{widgets: make(map[string]*Widget)}
}

// Register adds w.
func (r *Registry) Register(w Widget) error {
	w.Code = strings.ToLower(w.Code)
	if w.Code == "" {
		return &registry.ConfigError{Alias: "widgets", Msg: "widget without code"}
	}
	if w.Fetch == nil {
		return &registry.ConfigError{Alias: "widgets", Msg: fmt.Sprintf("widget %q has no fetch", w.Code)}
	}
	if w.Name == "" {
		w.Name = registry.Humanize(w.Code)
	}
	if w.DefaultWidth <= 0 {
		w.DefaultWidth = 4
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return registry.ErrFrozen
	}
	if _, ok := r.widgets[w.Code]; ok {
		return &registry.ConfigError{Alias: "widgets", Msg: fmt.Sprintf("widget %q registered twice", w.Code)}
	}
	r.widgets[w.Code] = &w
	return nil
}

// Freeze rejects later registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Get returns the widget registered under code.
func (r *Registry) Get(code string) (*Widget, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.widgets[strings.ToLower(code)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWidget, code)
	}
	return w, nil
}

// All returns every widget ordered by name.
func (r *Registry) All() []*Widget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Widget, 0, len(r.widgets))
	for _, w := range r.widgets {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Instance is one widget placed on a user's dashboard.
type Instance struct {
	ID       string         `json:"id"`
	Code     string         `json:"code"`
	Position int            `json:"position"`
	Size     int            `json:"size"`
	Config   map[string]any `json:"config"`
}

// Dashboards loads and stores user dashboards.
type Dashboards struct {
	db      *gorm.DB
	widgets *Registry
}

// NewDashboards returns a dashboard store.
func NewDashboards(db *gorm.DB, widgets *Registry) *Dashboards {
	return &Dashboards{db: db, widgets: widgets}
}

// Load returns the dashboard of user ordered by position. Instances of
// widgets that no longer exist are dropped.
func (d *Dashboards) Load(ctx context.Context, user *models.User) ([]Instance, error) {
	var stored []Instance
	if _, err := models.GetAttribute(d.db.WithContext(ctx), user.ID, DashboardAttribute, &stored); err != nil {
		return nil, fmt.Errorf("widgets: load dashboard: %w", err)
	}
	out := stored[:0]
	for _, inst := range stored {
		if _, err := d.widgets.Get(inst.Code); err == nil {
			out = append(out, inst)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

// Save replaces the dashboard of user. Instances without an id get one
// and a zero size falls back to the widget default width.
func (d *Dashboards) Save(ctx context.Context, user *models.User, instances []Instance) ([]Instance, error) {
	out := make([]Instance, 0, len(instances))
	for _, inst := range instances {
		w, err := d.widgets.Get(inst.Code)
		if err != nil {
			return nil, err
		}
		inst.Code = w.Code
		if inst.ID == "" {
			inst.ID = utils.RandomString(12)
		}
		if inst.Size <= 0 {
			inst.Size = w.DefaultWidth
		}
		if inst.Config == nil {
			inst.Config = map[string]any{}
		}
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	if err := models.SetAttribute(d.db.WithContext(ctx), user.ID, DashboardAttribute, out); err != nil {
		return nil, fmt.Errorf("widgets: save dashboard: %w", err)
	}
	return out, nil
}

// Data fetches the data of instance id on the dashboard of user.
func (d *Dashboards) Data(ctx context.Context, user *models.User, id string) (any, error) {
	dash, err := d.Load(ctx, user)
	if err != nil {
		return nil, err
	}
	for _, inst := range dash {
		if inst.ID != id {
			continue
		}
		w, err := d.widgets.Get(inst.Code)
		if err != nil {
			return nil, err
		}
		return w.Fetch(ctx, user, inst.Config)
	}
	return nil, fmt.Errorf("%w: %s", ErrNoInstance, id)
}

func configString(config map[string]any, key, def string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return def
}
