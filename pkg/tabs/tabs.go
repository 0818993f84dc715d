// Package tabs keeps the detail page tabs of every entity.
package tabs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"trionyx/pkg/layout"
	"trionyx/pkg/registry"
)

// ErrNotFound is returned for unknown tab codes.
var ErrNotFound = errors.New("tabs: tab not found")

// Producer builds the layout of a tab for obj.
type Producer func(ctx context.Context, obj any) (*layout.Layout, error)

// UpdateFunc mutates an already produced tab layout.
type UpdateFunc func(ctx context.Context, l *layout.Layout, obj any) error

// Tab is one named view over an entity instance.
type Tab struct {
	Code  string
	Name  string
	Order int
	// Display hides the tab for objects it returns false for.
	Display func(obj any) bool
	Layout  Producer
}

// Visible reports whether the tab is shown for obj.
func (t *Tab) Visible(obj any) bool {
	return t.Display == nil || t.Display(obj)
}

// Registry holds tabs keyed by entity alias and tab code.
type Registry struct {
	mu      sync.RWMutex
	models  *registry.Registry
	tabs    map[string][]*Tab
	updates map[string][]UpdateFunc
	frozen  bool
}

// New returns an empty tab registry resolving entities through models.
func New(models *registry.Registry) *Registry {
	return &Registry{
		models:  models,
		tabs:    make(map[string][]*Tab),
		updates: make(map[string][]UpdateFunc),
	}
}

func (r *Registry) alias(model any) (string, error) {
	cfg, err := r.models.Get(model)
	if err != nil {
		return "", err
	}
	return cfg.Alias(), nil
}

func updateKey(alias, code string) string { return alias + "/" + code }

// Register adds tab to model. Registering the same code twice is a
// ConfigError.
func (r *Registry) Register(model any, tab Tab) error {
	alias, err := r.alias(model)
	if err != nil {
		return err
	}
	tab.Code = strings.ToLower(tab.Code)
	if tab.Code == "" {
		return &registry.ConfigError{Alias: alias, Msg: "tab without code"}
	}
	if tab.Layout == nil {
		return &registry.ConfigError{Alias: alias, Msg: fmt.Sprintf("tab %q has no layout", tab.Code)}
	}
	if tab.Name == "" {
		tab.Name = registry.Humanize(tab.Code)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return registry.ErrFrozen
	}
	for _, t := range r.tabs[alias] {
		if t.Code == tab.Code {
			return &registry.ConfigError{Alias: alias, Msg: fmt.Sprintf("tab %q registered twice", tab.Code)}
		}
	}
	r.tabs[alias] = append(r.tabs[alias], &tab)
	return nil
}

// RegisterUpdate appends fn to the callbacks run after the producer of
// tab code on model.
func (r *Registry) RegisterUpdate(model any, code string, fn UpdateFunc) error {
	alias, err := r.alias(model)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return registry.ErrFrozen
	}
	key := updateKey(alias, strings.ToLower(code))
	r.updates[key] = append(r.updates[key], fn)
	return nil
}

// AutoGenerate gives every entity without one a "general" tab listing
// its column fields.
func (r *Registry) AutoGenerate() error {
	for _, cfg := range r.models.All() {
		if _, err := r.Get(cfg, "general"); err == nil {
			continue
		}
		if err := r.Register(cfg, Tab{Code: "general", Layout: generalLayout(cfg)}); err != nil {
			return err
		}
	}
	return nil
}

func generalLayout(cfg *registry.Config) Producer {
	return func(context.Context, any) (*layout.Layout, error) {
		var fields []any
		for _, f := range cfg.Fields(false, false) {
			if f.Name == "verbose_name" {
				continue
			}
			fields = append(fields, f.Name)
		}
		return layout.New(
			layout.NewRow(
				layout.NewColumn(12,
					layout.NewPanel(cfg.Name, layout.NewDescriptionList(fields...)),
				),
			),
		), nil
	}
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Tabs returns the tabs of model visible for obj, ordered by Order then
// registration. A nil obj returns every tab.
func (r *Registry) Tabs(model any, obj any) ([]*Tab, error) {
	alias, err := r.alias(model)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	all := r.tabs[alias]
	r.mu.RUnlock()

	out := make([]*Tab, 0, len(all))
	for _, t := range all {
		if obj == nil || t.Visible(obj) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

// Get returns tab code of model.
func (r *Registry) Get(model any, code string) (*Tab, error) {
	alias, err := r.alias(model)
	if err != nil {
		return nil, err
	}
	code = strings.ToLower(code)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.tabs[alias] {
		if t.Code == code {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s %s", ErrNotFound, alias, code)
}

// Layout produces tab code for obj and applies the registered updates.
func (r *Registry) Layout(ctx context.Context, model any, code string, obj any) (*layout.Layout, error) {
	t, err := r.Get(model, code)
	if err != nil {
		return nil, err
	}
	if !t.Visible(obj) {
		return nil, fmt.Errorf("%w: %s is hidden", ErrNotFound, t.Code)
	}
	l, err := t.Layout(ctx, obj)
	if err != nil {
		return nil, err
	}
	alias, _ := r.alias(model)
	r.mu.RLock()
	updates := r.updates[updateKey(alias, t.Code)]
	r.mu.RUnlock()
	for _, fn := range updates {
		if err := fn(ctx, l, obj); err != nil {
			return nil, fmt.Errorf("tabs: update %s: %w", t.Code, err)
		}
	}
	return l, nil
}

// Render produces tab code and renders it against lctx.
func (r *Registry) Render(ctx context.Context, lctx *layout.Context, model any, code string) (string, error) {
	l, err := r.Layout(ctx, model, code, lctx.Object)
	if err != nil {
		return "", err
	}
	return l.Render(lctx)
}
