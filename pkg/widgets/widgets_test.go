package widgets

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"gorm.io/gorm"

	"trionyx/pkg/db/dbtest"
	"trionyx/pkg/models"
	"trionyx/pkg/permissions"
	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
	"trionyx/pkg/utils"
)

type Order struct {
	models.BaseEntity
	Reference string `gorm:"type:text"`
	Total     models.Price
	Lines     int
}

type shopApp struct{}

func (shopApp) Label() string { return "shop" }
func (shopApp) Models() []any { return []any{&Order{}} }

func TestPeriodStart(t *testing.T) {
	// Wednesday.
	now := time.Date(2024, 3, 13, 15, 30, 0, 0, time.UTC)
	tests := []struct {
		period string
		want   time.Time
	}{
		{PeriodAll, time.Time{}},
		{PeriodYear, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{PeriodMonth, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{PeriodWeek, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)},
		{PeriodDay, time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC)},
		{Period7Days, time.Date(2024, 3, 6, 15, 30, 0, 0, time.UTC)},
		{Period30Days, time.Date(2024, 2, 12, 15, 30, 0, 0, time.UTC)},
		{Period365Days, time.Date(2023, 3, 14, 15, 30, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.period, func(t *testing.T) {
			got, err := PeriodStart(tt.period, now)
			if err != nil || !got.Equal(tt.want) {
				t.Fatalf("PeriodStart(%q) = %v, %v, want %v", tt.period, got, err, tt.want)
			}
		})
	}
	if _, err := PeriodStart("fortnight", now); err == nil {
		t.Fatal("unknown period accepted")
	}
}

type fixture struct {
	db      *gorm.DB
	widgets *Registry
	admin   *models.User
	staff   *models.User
}

func setup(t *testing.T) *fixture {
	t.Helper()
	reg := registry.New(renderer.New(utils.DefaultLocale))
	if err := reg.Autoload(shopApp{}); err != nil {
		t.Fatal(err)
	}
	db := dbtest.Open(t, reg.Models()...)

	now := time.Date(2024, 3, 13, 15, 30, 0, 0, time.UTC)
	orders := []struct {
		order   *Order
		created time.Time
	}{
		{&Order{Reference: "A", Total: 10.5, Lines: 1}, now.Add(-time.Hour)},
		{&Order{Reference: "B", Total: 20, Lines: 2}, now.AddDate(0, 0, -2)},
		{&Order{Reference: "C", Total: 100, Lines: 5}, now.AddDate(-1, 0, 0)},
		{&Order{Reference: "D", Total: 999, Lines: 9}, now.Add(-time.Hour)},
	}
	for _, o := range orders {
		if err := db.Create(o.order).Error; err != nil {
			t.Fatal(err)
		}
		db.Model(o.order).UpdateColumn("created_at", o.created)
	}
	db.Model(orders[3].order).UpdateColumn("deleted", true)

	admin := &models.User{Email: "admin@example.com", IsActive: true, IsSuperuser: true}
	staff := &models.User{Email: "staff@example.com", IsActive: true}
	db.Create(admin)
	db.Create(staff)

	widgets := NewRegistry()
	b := &Builtin{DB: db, Models: reg, Permissions: permissions.New(db), Now: func() time.Time { return now }}
	if err := b.Register(widgets); err != nil {
		t.Fatal(err)
	}
	return &fixture{db: db, widgets: widgets, admin: admin, staff: staff}
}

func TestTotalSummary(t *testing.T) {
	f := setup(t)
	w, err := f.widgets.Get("total_summary")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name   string
		config map[string]any
		want   float64
	}{
		{"count all", map[string]any{"model": "shop.order"}, 3},
		{"count week", map[string]any{"model": "shop.order", "period": PeriodWeek}, 2},
		{"count today", map[string]any{"model": "shop.order", "period": PeriodDay}, 1},
		{"sum total", map[string]any{"model": "shop.order", "field": "total"}, 130.5},
		{"sum lines 30 days", map[string]any{"model": "shop.order", "field": "lines", "period": Period30Days}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := w.Fetch(context.Background(), f.admin, tt.config)
			if err != nil {
				t.Fatal(err)
			}
			if s := got.(Summary); s.Value != tt.want {
				t.Fatalf("value = %v, want %v", s.Value, tt.want)
			}
		})
	}

	if _, err := w.Fetch(context.Background(), f.staff, map[string]any{"model": "shop.order"}); !errors.Is(err, permissions.ErrDenied) {
		t.Errorf("staff fetch error = %v, want ErrDenied", err)
	}
	if _, err := w.Fetch(context.Background(), f.admin, map[string]any{"model": "shop.order", "field": "reference"}); err == nil {
		t.Error("summing a text field succeeded")
	}
}

func TestDashboards(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	dash := NewDashboards(f.db, f.widgets)

	empty, err := dash.Load(ctx, f.admin)
	if err != nil || len(empty) != 0 {
		t.Fatalf("Load() = %v, %v", empty, err)
	}

	saved, err := dash.Save(ctx, f.admin, []Instance{
		{Code: "auditlog", Position: 2},
		{Code: "total_summary", Position: 1, Config: map[string]any{"model": "shop.order"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if saved[0].Code != "total_summary" || saved[0].Size != 3 || saved[1].Size != 6 || saved[0].ID == "" {
		t.Fatalf("Save() = %+v", saved)
	}

	loaded, err := dash.Load(ctx, f.admin)
	if err != nil || !reflect.DeepEqual(loaded, saved) {
		t.Fatalf("Load() = %+v, %v, want %+v", loaded, err, saved)
	}
	if other, _ := dash.Load(ctx, f.staff); len(other) != 0 {
		t.Fatalf("dashboard leaked to another user: %+v", other)
	}

	data, err := dash.Data(ctx, f.admin, saved[0].ID)
	if err != nil || data.(Summary).Value != 3 {
		t.Fatalf("Data() = %+v, %v", data, err)
	}
	if _, err := dash.Data(ctx, f.admin, "missing"); !errors.Is(err, ErrNoInstance) {
		t.Errorf("Data(missing) error = %v", err)
	}
	if _, err := dash.Save(ctx, f.admin, []Instance{{Code: "weather"}}); !errors.Is(err, ErrUnknownWidget) {
		t.Errorf("Save(unknown) error = %v", err)
	}
}

func TestRegisterRules(t *testing.T) {
	r := NewRegistry()
	fetch := func(context.Context, *models.User, map[string]any) (any, error) { return nil, nil }
	if err := r.Register(Widget{Code: "Clock", Fetch: fetch}); err != nil {
		t.Fatal(err)
	}
	w, _ := r.Get("clock")
	if w.Name != "Clock" || w.DefaultWidth != 4 {
		t.Fatalf("defaults = %+v", w)
	}
	var cfgErr *registry.ConfigError
	if err := r.Register(Widget{Code: "clock", Fetch: fetch}); !errors.As(err, &cfgErr) {
		t.Errorf("duplicate error = %v", err)
	}
	if err := r.Register(Widget{Code: "nofetch"}); !errors.As(err, &cfgErr) {
		t.Errorf("missing fetch error = %v", err)
	}
	r.Freeze()
	if err := r.Register(Widget{Code: "late", Fetch: fetch}); !errors.Is(err, registry.ErrFrozen) {
		t.Errorf("frozen error = %v", err)
	}
}
