package audit

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"trionyx/pkg/layout"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/tabs"
)

// HistoryTab is the code of the tab listing the audit trail of an object.
const HistoryTab = "history"

// Filters accepted by Latest.
const (
	FilterAll    = "all"
	FilterUser   = "user"
	FilterSystem = "system"
)

// Entries returns the audit trail of obj, newest first.
func Entries(ctx context.Context, db *gorm.DB, cfg *registry.Config, obj any) ([]models.AuditLogEntry, error) {
	var out []models.AuditLogEntry
	err := db.WithContext(ctx).
		Preload("User").
		Where("content_type = ? AND object_id = ?", cfg.Alias(), cfg.ID(obj)).
		Order("created_at DESC").Order("id DESC").
		Find(&out).Error
	return out, err
}

// Latest returns the newest limit entries across every entity. filter
// narrows to changes made by users or by the system.
func Latest(ctx context.Context, db *gorm.DB, filter string, limit int) ([]models.AuditLogEntry, error) {
	q := db.WithContext(ctx).Preload("User").Order("created_at DESC").Order("id DESC").Limit(limit)
	switch filter {
	case FilterUser:
		q = q.Where("user_id IS NOT NULL")
	case FilterSystem:
		q = q.Where("user_id IS NULL")
	}
	var out []models.AuditLogEntry
	return out, q.Find(&out).Error
}

// RegisterTabs adds the history tab to every audited entity lacking one.
func RegisterTabs(t *tabs.Registry, reg *registry.Registry, db *gorm.DB) error {
	for _, cfg := range reg.All() {
		if !Enabled(cfg) {
			continue
		}
		if _, err := t.Get(cfg, HistoryTab); err == nil {
			continue
		}
		cfg := cfg
		err := t.Register(cfg, tabs.Tab{
			Code:  HistoryTab,
			Name:  "History",
			Order: 999,
			Layout: func(ctx context.Context, obj any) (*layout.Layout, error) {
				return History(ctx, db, cfg, obj)
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// History builds one panel per audit entry of obj with a field, old
// value and new value table.
func History(ctx context.Context, db *gorm.DB, cfg *registry.Config, obj any) (*layout.Layout, error) {
	entries, err := Entries(ctx, db, cfg, obj)
	if err != nil {
		return nil, fmt.Errorf("audit: load history: %w", err)
	}
	if len(entries) == 0 {
		return layout.New(layout.NewAlert("There is no history", "info")), nil
	}
	col := layout.NewColumn(12)
	for _, entry := range entries {
		col.Components = append(col.Components, layout.NewPanel(Title(cfg, entry), changesTable(cfg, entry)))
	}
	return layout.New(col), nil
}

// Title describes an entry as "<Action> on <date> by <user>".
func Title(cfg *registry.Config, entry models.AuditLogEntry) string {
	by := "System"
	if entry.User != nil {
		by = entry.User.FullName()
	}
	date := cfg.Renderer().Render(entry.CreatedAt, registry.RenderOptions{NoHTML: true})
	return fmt.Sprintf("%s on %s by %s", capitalize(entry.Action), date, by)
}

func changesTable(cfg *registry.Config, entry models.AuditLogEntry) *layout.Table {
	changes := entry.Changes.Data()
	rows := make([]map[string]string, 0, len(changes))
	for _, f := range cfg.Fields(false, false) {
		c, ok := changes[f.Name]
		if !ok {
			continue
		}
		rows = append(rows, map[string]string{"field": f.Label, "old": c[0], "new": c[1]})
	}
	return layout.NewTable(rows,
		layout.Field{Field: "field", Label: "Field", Width: "10%"},
		layout.Field{Field: "old", Label: "Old value", Width: "45%"},
		layout.Field{Field: "new", Label: "New value", Width: "45%"},
	)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
