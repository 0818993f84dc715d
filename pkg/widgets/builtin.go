package widgets

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"gorm.io/gorm"

	"trionyx/pkg/audit"
	"trionyx/pkg/models"
	"trionyx/pkg/permissions"
	"trionyx/pkg/registry"
)

// Summary periods.
const (
	PeriodYear    = "year"
	PeriodMonth   = "month"
	PeriodWeek    = "week"
	PeriodDay     = "day"
	Period365Days = "365days"
	Period30Days  = "30days"
	Period7Days   = "7days"
	PeriodAll     = "all"
)

// Builtin provides the framework widgets.
type Builtin struct {
	DB          *gorm.DB
	Models      *registry.Registry
	Permissions *permissions.Checker
	// Now defaults to time.Now.
	Now func() time.Time
}

// Register adds the total summary, audit log and task widgets to r.
func (b *Builtin) Register(r *Registry) error {
	for _, w := range []Widget{
		{
			Code:         "total_summary",
			Name:         "Total summary",
			Description:  "Count or sum of a model over a period",
			DefaultWidth: 3,
			ConfigFields: []ConfigField{
				{Name: "model", Label: "Model", Type: "text"},
				{Name: "field", Label: "Sum field", Type: "text"},
				{Name: "period", Label: "Period", Type: "select", Choices: periodChoices},
			},
			Fetch: b.totalSummary,
		},
		{
			Code:         "auditlog",
			Name:         "Audit log",
			Description:  "Latest changes",
			DefaultWidth: 6,
			ConfigFields: []ConfigField{
				{Name: "filter", Label: "Show", Type: "select", Choices: []Choice{
					{Value: audit.FilterAll, Label: "All"},
					{Value: audit.FilterUser, Label: "User changes"},
					{Value: audit.FilterSystem, Label: "System changes"},
				}},
			},
			Fetch: b.auditLog,
		},
		{
			Code:         "tasks",
			Name:         "Tasks",
			Description:  "Your latest background tasks",
			DefaultWidth: 6,
			Fetch:        b.userTasks,
		},
	} {
		if err := r.Register(w); err != nil {
			return err
		}
	}
	return nil
}

var periodChoices = []Choice{
	{Value: PeriodAll, Label: "All time"},
	{Value: PeriodYear, Label: "This year"},
	{Value: PeriodMonth, Label: "This month"},
	{Value: PeriodWeek, Label: "This week"},
	{Value: PeriodDay, Label: "Today"},
	{Value: Period365Days, Label: "Last 365 days"},
	{Value: Period30Days, Label: "Last 30 days"},
	{Value: Period7Days, Label: "Last 7 days"},
}

func (b *Builtin) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// PeriodStart returns the first instant of period relative to now, or
// the zero time for all time.
func PeriodStart(period string, now time.Time) (time.Time, error) {
	y, m, d := now.Date()
	loc := now.Location()
	switch period {
	case "", PeriodAll:
		return time.Time{}, nil
	case PeriodYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc), nil
	case PeriodMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc), nil
	case PeriodWeek:
		offset := (int(now.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, loc), nil
	case PeriodDay:
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	case Period365Days:
		return now.AddDate(0, 0, -365), nil
	case Period30Days:
		return now.AddDate(0, 0, -30), nil
	case Period7Days:
		return now.AddDate(0, 0, -7), nil
	}
	return time.Time{}, fmt.Errorf("widgets: unknown period %q", period)
}

// Summary is the value shown by the total summary widget.
type Summary struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
	Text  string  `json:"text"`
}

func (b *Builtin) totalSummary(ctx context.Context, user *models.User, config map[string]any) (any, error) {
	cfg, err := b.Models.Get(configString(config, "model", ""))
	if err != nil {
		return nil, err
	}
	if err := b.Permissions.Check(ctx, permissions.View, cfg, nil, user); err != nil {
		return nil, err
	}
	start, err := PeriodStart(configString(config, "period", PeriodAll), b.now().In(cfg.Renderer().Locale().Location))
	if err != nil {
		return nil, err
	}

	q := cfg.Query(b.DB.WithContext(ctx))
	if !start.IsZero() {
		q = q.Where("created_at >= ?", start.UTC())
	}
	field := configString(config, "field", "")
	if field == "" {
		var n int64
		if err := q.Count(&n).Error; err != nil {
			return nil, err
		}
		return Summary{Label: cfg.NamePlural, Value: float64(n), Text: cfg.Renderer().Render(n, registry.RenderOptions{NoHTML: true})}, nil
	}

	f, ok := cfg.Field(field)
	if !ok || !f.Column() || (f.Type != registry.TypeInt && f.Type != registry.TypeFloat) {
		return nil, fmt.Errorf("widgets: %s has no numeric field %q", cfg.Alias(), field)
	}
	var sum float64
	if err := q.Select(fmt.Sprintf("COALESCE(SUM(%s), 0)", f.Schema.DBName)).Scan(&sum).Error; err != nil {
		return nil, err
	}
	label := fmt.Sprintf("%s %s", cfg.NamePlural, f.Label)
	// Summing keeps the field's value type so prices render as prices.
	text := cfg.Renderer().Render(sumValue(f, sum), registry.RenderOptions{NoHTML: true})
	return Summary{Label: label, Value: sum, Text: text}, nil
}

func sumValue(f *registry.Field, sum float64) any {
	if f.Schema.FieldType == reflect.TypeOf(models.Price(0)) {
		return models.Price(sum)
	}
	if f.Type == registry.TypeInt {
		return int64(sum)
	}
	return sum
}

// AuditItem is one row of the audit log widget.
type AuditItem struct {
	Title      string    `json:"title"`
	Object     string    `json:"object"`
	URL        string    `json:"url"`
	Action     string    `json:"action"`
	CreatedAt  time.Time `json:"created_at"`
	UserName   string    `json:"user"`
	ObjectType string    `json:"object_type"`
}

func (b *Builtin) auditLog(ctx context.Context, user *models.User, config map[string]any) (any, error) {
	entries, err := audit.Latest(ctx, b.DB, configString(config, "filter", audit.FilterAll), 6)
	if err != nil {
		return nil, err
	}
	items := make([]AuditItem, 0, len(entries))
	for _, e := range entries {
		item := AuditItem{
			Object:     e.ObjectVerboseName,
			Action:     e.Action,
			CreatedAt:  e.CreatedAt,
			UserName:   "System",
			ObjectType: e.ContentType,
		}
		if e.User != nil {
			item.UserName = e.User.FullName()
		}
		if cfg, err := b.Models.Get(e.ContentType); err == nil {
			if !b.Permissions.Can(ctx, permissions.View, cfg, nil, user) {
				continue
			}
			item.Title = audit.Title(cfg, e)
			if e.Action != models.ActionDeleted {
				item.URL = fmt.Sprintf("%s%d/", cfg.ListURL(), e.ObjectID)
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// TaskItem is one row of the tasks widget.
type TaskItem struct {
	Description string `json:"description"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Result      string `json:"result"`
}

func (b *Builtin) userTasks(ctx context.Context, user *models.User, _ map[string]any) (any, error) {
	var records []models.TaskRecord
	err := b.DB.WithContext(ctx).
		Where("user_id = ?", user.ID).
		Order("created_at DESC").Order("id DESC").
		Limit(10).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	items := make([]TaskItem, 0, len(records))
	for _, r := range records {
		items = append(items, TaskItem{Description: r.Description, Status: r.Status, Progress: r.Progress, Result: r.Result})
	}
	return items, nil
}
