// Package site wires every registry of a trionyx installation together and
// runs the single autoload pass that populates and freezes them.
package site

import (
	"fmt"
	"sync"

	"gorm.io/gorm"

	"trionyx/pkg/audit"
	"trionyx/pkg/forms"
	"trionyx/pkg/menu"
	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
	"trionyx/pkg/serializers"
	"trionyx/pkg/sidebar"
	"trionyx/pkg/tabs"
	"trionyx/pkg/tasks"
	"trionyx/pkg/widgets"
)

var (
	// ErrFrozen is returned when registering after Load.
	ErrFrozen = registry.ErrFrozen
	// ErrAlreadyLoaded is returned by a second Load.
	ErrAlreadyLoaded = registry.ErrAlreadyLoaded
)

// App is an installed application.
type App interface {
	registry.App
}

// Registrar is implemented by apps contributing forms, tabs, sidebars,
// menu entries, widgets, serializers or tasks.
type Registrar interface {
	Register(s *Site) error
}

// Options control the generated parts of a site.
type Options struct {
	AutoMenu bool
	AutoTabs bool
}

// Site is the set of registries shared by the web and worker binaries.
type Site struct {
	DB          *gorm.DB
	Models      *registry.Registry
	Forms       *forms.Registry
	Serializers *serializers.Registry
	Tabs        *tabs.Registry
	Sidebars    *sidebar.Registry
	Menu        *menu.Menu
	Widgets     *widgets.Registry
	Tasks       *tasks.Registry

	mu     sync.Mutex
	apps   []App
	loaded bool
}

// New returns an empty site rendering values through r.
func New(db *gorm.DB, r *renderer.Renderer) *Site {
	models := registry.New(r)
	formReg := forms.New(models)
	return &Site{
		DB:          db,
		Models:      models,
		Forms:       formReg,
		Serializers: serializers.New(models, formReg),
		Tabs:        tabs.New(models),
		Sidebars:    sidebar.New(models),
		Menu:        menu.New(),
		Widgets:     widgets.NewRegistry(),
		Tasks:       tasks.NewRegistry(),
	}
}

// Load registers the entities of apps in order, lets every Registrar
// contribute, generates the default menu and tabs, and freezes every
// registry. It runs once.
func (s *Site) Load(opts Options, apps ...App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return ErrAlreadyLoaded
	}
	s.loaded = true
	s.apps = apps

	plain := make([]registry.App, len(apps))
	for i, app := range apps {
		plain[i] = app
	}
	if err := s.Models.Autoload(plain...); err != nil {
		return fmt.Errorf("site: models: %w", err)
	}
	for _, app := range apps {
		r, ok := app.(Registrar)
		if !ok {
			continue
		}
		if err := r.Register(s); err != nil {
			return fmt.Errorf("site: %s: %w", app.Label(), err)
		}
	}
	if opts.AutoTabs {
		if err := s.Tabs.AutoGenerate(); err != nil {
			return fmt.Errorf("site: tabs: %w", err)
		}
	}
	if err := audit.RegisterTabs(s.Tabs, s.Models, s.DB); err != nil {
		return fmt.Errorf("site: history tabs: %w", err)
	}
	if opts.AutoMenu {
		if err := s.Menu.AutoGenerate(s.Models, plain...); err != nil {
			return fmt.Errorf("site: menu: %w", err)
		}
	}

	s.Forms.Freeze()
	s.Serializers.Freeze()
	s.Tabs.Freeze()
	s.Sidebars.Freeze()
	s.Menu.Freeze()
	s.Widgets.Freeze()
	s.Tasks.Freeze()
	return nil
}

// Apps returns the loaded apps in load order.
func (s *Site) Apps() []App {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]App(nil), s.apps...)
}
