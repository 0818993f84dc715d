// Package sidebar keeps the auxiliary panels shown next to detail pages.
package sidebar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"trionyx/pkg/layout"
	"trionyx/pkg/registry"
)

// ErrNotFound is returned when no sidebar is registered for a key.
var ErrNotFound = errors.New("sidebar: not found")

// Action is a labelled link in the sidebar header.
type Action struct {
	Label  string `json:"label"`
	URL    string `json:"url"`
	Dialog bool   `json:"dialog"`
	Class  string `json:"class,omitempty"`
	// Reload refreshes the sidebar after a successful dialog.
	Reload bool `json:"reload"`
}

// Sidebar is what a producer returns.
type Sidebar struct {
	Title        string
	Content      *layout.Layout
	FixedContent *layout.Layout
	Theme        string
	Hover        bool
	Actions      []Action
}

// Rendered is the JSON payload served to the client.
type Rendered struct {
	Title        string   `json:"title"`
	Content      string   `json:"content"`
	FixedContent string   `json:"fixed_content,omitempty"`
	Theme        string   `json:"theme,omitempty"`
	Hover        bool     `json:"hover"`
	Actions      []Action `json:"actions"`
}

// Producer builds the sidebar for obj.
type Producer func(ctx context.Context, obj any) (*Sidebar, error)

// Registry holds producers keyed by entity alias and an optional code.
type Registry struct {
	mu        sync.RWMutex
	models    *registry.Registry
	producers map[string]Producer
	frozen    bool
}

// New returns an empty sidebar registry.
func New(models *registry.Registry) *Registry {
	return &Registry{models: models, producers: make(map[string]Producer)}
}

func (r *Registry) key(model any, code string) (string, error) {
	cfg, err := r.models.Get(model)
	if err != nil {
		return "", err
	}
	return cfg.Alias() + "/" + strings.ToLower(code), nil
}

// Register adds the producer for model and code. An empty code is the
// default sidebar of the entity.
func (r *Registry) Register(model any, code string, fn Producer) error {
	key, err := r.key(model, code)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return registry.ErrFrozen
	}
	if _, ok := r.producers[key]; ok {
		return &registry.ConfigError{Alias: key, Msg: "sidebar registered twice"}
	}
	r.producers[key] = fn
	return nil
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the producer for model and code.
func (r *Registry) Get(model any, code string) (Producer, error) {
	key, err := r.key(model, code)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.producers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return fn, nil
}

// Render produces and renders the sidebar of lctx.Object.
func (r *Registry) Render(ctx context.Context, lctx *layout.Context, model any, code string) (*Rendered, error) {
	fn, err := r.Get(model, code)
	if err != nil {
		return nil, err
	}
	sb, err := fn(ctx, lctx.Object)
	if err != nil {
		return nil, err
	}
	out := &Rendered{
		Title:   sb.Title,
		Theme:   sb.Theme,
		Hover:   sb.Hover,
		Actions: sb.Actions,
	}
	if out.Actions == nil {
		out.Actions = []Action{}
	}
	if sb.Content != nil {
		if out.Content, err = sb.Content.Render(lctx); err != nil {
			return nil, err
		}
	}
	if sb.FixedContent != nil {
		if out.FixedContent, err = sb.FixedContent.Render(lctx); err != nil {
			return nil, err
		}
	}
	return out, nil
}
