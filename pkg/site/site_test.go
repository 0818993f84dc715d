package site_test

import (
	"context"
	"errors"
	"testing"

	"trionyx/pkg/audit"
	"trionyx/pkg/core"
	"trionyx/pkg/db/dbtest"
	"trionyx/pkg/layout"
	"trionyx/pkg/menu"
	"trionyx/pkg/models"
	"trionyx/pkg/renderer"
	"trionyx/pkg/site"
	"trionyx/pkg/tabs"
	"trionyx/pkg/tasks"
	"trionyx/pkg/utils"
)

type Invoice struct {
	models.BaseEntity
	Number string `gorm:"type:text"`
}

type billingApp struct{}

func (billingApp) Label() string { return "billing" }
func (billingApp) Models() []any { return []any{&Invoice{}} }

func emptyLayout(context.Context, any) (*layout.Layout, error) { return layout.New(), nil }

func TestLoad(t *testing.T) {
	db := dbtest.Open(t, &Invoice{})
	s := site.New(db, renderer.New(utils.DefaultLocale))
	if err := s.Load(site.Options{AutoMenu: true, AutoTabs: true}, core.App{}, billingApp{}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if _, err := s.Tasks.Get(tasks.MassUpdateName); err != nil {
		t.Errorf("mass update task missing: %v", err)
	}
	if _, err := s.Widgets.Get("total_summary"); err != nil {
		t.Errorf("total summary widget missing: %v", err)
	}
	for _, code := range []string{"general", audit.HistoryTab} {
		if _, err := s.Tabs.Get(&Invoice{}, code); err != nil {
			t.Errorf("invoice tab %q missing: %v", code, err)
		}
	}

	names := map[string]string{}
	for _, item := range s.Menu.Items() {
		names[item.Path] = item.Name
	}
	if names["/trionyx"] != "Administration" || names["/billing"] != "Billing" {
		t.Errorf("menu groups = %v", names)
	}

	if err := s.Load(site.Options{}); !errors.Is(err, site.ErrAlreadyLoaded) {
		t.Errorf("second Load() error = %v", err)
	}
	late := []struct {
		name string
		err  error
	}{
		{"menu", s.Menu.Add(menu.Item{Path: "late", Name: "Late"})},
		{"tabs", s.Tabs.Register(&Invoice{}, tabs.Tab{Code: "late", Layout: emptyLayout})},
		{"tasks", s.Tasks.Register(tasks.NewMassUpdate(s.Serializers))},
	}
	for _, tt := range late {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, site.ErrFrozen) {
				t.Fatalf("register after load error = %v, want ErrFrozen", tt.err)
			}
		})
	}
}
