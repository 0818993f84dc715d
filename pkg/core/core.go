// Package core is the built-in "trionyx" application: user accounts,
// the framework widgets, the mass update task and the system pages in
// the menu.
package core

import (
	"context"
	"fmt"

	"trionyx/pkg/forms"
	"trionyx/pkg/layout"
	"trionyx/pkg/menu"
	"trionyx/pkg/models"
	"trionyx/pkg/permissions"
	"trionyx/pkg/registry"
	"trionyx/pkg/serializers"
	"trionyx/pkg/sidebar"
	"trionyx/pkg/site"
	"trionyx/pkg/tasks"
	"trionyx/pkg/widgets"
)

// Label is the app label of the built-in app.
const Label = "trionyx"

// System page permissions. Only superusers hold them unless granted.
const (
	PermAuditLog  = "trionyx.view_auditlogentry"
	PermTasks     = "trionyx.view_taskrecord"
	PermLogs      = "trionyx.view_log"
	PermVariables = "trionyx.change_systemvariable"
)

// App is the built-in application.
type App struct{}

func (App) Label() string { return Label }
func (App) Models() []any { return []any{&models.User{}} }
func (App) MenuName() string { return "Administration" }
func (App) MenuIcon() string { return "fa fa-cogs" }
func (App) MenuOrder() int { return 9000 }

// ModelConfigs implements registry.Configurer.
func (App) ModelConfigs() map[string]func(*registry.Config) {
	return map[string]func(*registry.Config){
		"User": func(c *registry.Config) {
			c.VerboseName = "{email}"
			c.SearchTitle = "{first_name} {last_name}"
			c.SearchDescription = "{email}"
			c.SearchFields = []registry.SearchField{
				{Name: "email", Weight: "A"},
				{Name: "first_name", Weight: "B"},
				{Name: "last_name", Weight: "B"},
			}
			c.ListDefaultFields = []string{"id", "email", "first_name", "last_name", "is_active", "last_online"}
			c.MenuIcon = "fa fa-users"
			c.AuditlogIgnoreFields = []string{"last_online"}
			c.APIFields = []string{"id", "email", "first_name", "last_name", "is_active", "is_superuser", "last_online", "locale", "timezone"}
			c.DisableDelete = true
		},
	}
}

// Register implements site.Registrar.
func (App) Register(s *site.Site) error {
	userFields := []string{"email", "first_name", "last_name", "is_active", "is_superuser", "locale", "timezone", "avatar"}
	for _, def := range []forms.Definition{
		{Code: "create", Model: &models.User{}, Fields: userFields, DefaultCreate: true, Options: map[string]forms.FieldOptions{
			"email": {Validate: "required,email"},
		}},
		{Code: "edit", Model: &models.User{}, Fields: userFields, DefaultEdit: true, Options: map[string]forms.FieldOptions{
			"email": {Validate: "required,email"},
		}},
		{Code: "minimal", Model: &models.User{}, Fields: []string{"email", "first_name", "last_name"}, Minimal: true},
	} {
		if err := s.Forms.Register(def); err != nil {
			return err
		}
	}
	err := s.Serializers.Register(serializers.Definition{
		Model:    &models.User{},
		Fields:   []string{"id", "email", "first_name", "last_name", "is_active", "is_superuser", "last_online", "locale", "timezone", "created_at", "updated_at", "verbose_name"},
		ReadOnly: []string{"last_online", "is_superuser"},
	})
	if err != nil {
		return err
	}

	if err := s.Sidebars.Register(&models.User{}, "", userSidebar); err != nil {
		return err
	}
	if err := s.Tasks.Register(tasks.NewMassUpdate(s.Serializers)); err != nil {
		return err
	}

	builtin := &widgets.Builtin{DB: s.DB, Models: s.Models, Permissions: permissions.New(s.DB)}
	if err := builtin.Register(s.Widgets); err != nil {
		return err
	}

	for _, item := range []menu.Item{
		{Path: "dashboard", Name: "Dashboard", URL: "/", Icon: "fa fa-tachometer-alt", Order: 1},
		{Path: "trionyx/auditlog", Name: "Audit log", URL: "/auditlog/", Permission: PermAuditLog, Order: 100},
		{Path: "trionyx/tasks", Name: "Tasks", URL: "/tasks/", Permission: PermTasks, Order: 110, ActiveRegex: "^/tasks/"},
		{Path: "trionyx/logs", Name: "Logs", URL: "/logs/", Permission: PermLogs, Order: 120, ActiveRegex: "^/logs/"},
		{Path: "trionyx/variables", Name: "System variables", URL: "/variables/", Permission: PermVariables, Order: 130},
	} {
		if err := s.Menu.Add(item); err != nil {
			return err
		}
	}
	return nil
}

func userSidebar(_ context.Context, obj any) (*sidebar.Sidebar, error) {
	u := obj.(*models.User)
	return &sidebar.Sidebar{
		Title: u.FullName(),
		Content: layout.New(
			layout.NewDescriptionList("email", "is_active", "is_superuser", "last_online", "created_at"),
		),
		Actions: []sidebar.Action{
			{Label: "Edit", URL: fmt.Sprintf("/model/%s/user/%d/edit/", Label, u.ID), Dialog: true, Reload: true},
		},
	}, nil
}
