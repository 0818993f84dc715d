package filters

import (
	"errors"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"trionyx/pkg/db/dbtest"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
	"trionyx/pkg/utils"
)

type Product struct {
	models.BaseEntity
	Name     string       `gorm:"type:text;not null"`
	Stock    int          `gorm:"not null;default:0"`
	Price    models.Price `gorm:"not null;default:0"`
	Active   bool         `gorm:"not null;default:false"`
	Supplier *string      `gorm:"type:text"`
}

type shopApp struct{}

func (shopApp) Label() string { return "shop" }
func (shopApp) Models() []any { return []any{&Product{}} }

func TestApply(t *testing.T) {
	reg := registry.New(renderer.New(utils.DefaultLocale))
	if err := reg.Autoload(shopApp{}); err != nil {
		t.Fatal(err)
	}
	cfg, _ := reg.Get("shop.product")
	db := dbtest.Open(t, reg.Models()...)

	acme := "Acme"
	for _, p := range []*Product{
		{Name: "Red chair", Stock: 5, Price: 10.5, Active: true, Supplier: &acme},
		{Name: "Blue chair", Stock: 0, Price: 12, Active: false},
		{Name: "Red_table", Stock: 2, Price: 99, Active: true},
	} {
		if err := db.Create(p).Error; err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name    string
		filters []Filter
		want    []string
	}{
		{"none", nil, []string{"Red chair", "Blue chair", "Red_table"}},
		{"eq", []Filter{{"name", OpEq, "Blue chair"}}, []string{"Blue chair"}},
		{"neq", []Filter{{"name", OpNeq, "Blue chair"}}, []string{"Red chair", "Red_table"}},
		{"gt number from json", []Filter{{"stock", OpGt, float64(1)}}, []string{"Red chair", "Red_table"}},
		{"lte number from string", []Filter{{"price", OpLte, "12"}}, []string{"Red chair", "Blue chair"}},
		{"bool", []Filter{{"active", OpEq, "true"}}, []string{"Red chair", "Red_table"}},
		{"null", []Filter{{"supplier", OpNull, true}}, []string{"Blue chair", "Red_table"}},
		{"not null", []Filter{{"supplier", OpNull, false}}, []string{"Red chair"}},
		{"icontains", []Filter{{"name", OpIContains, "CHAIR"}}, []string{"Red chair", "Blue chair"}},
		{"underscore is literal", []Filter{{"name", OpContains, "_"}}, []string{"Red_table"}},
		{"startswith", []Filter{{"name", OpStartsWith, "Red"}}, []string{"Red chair", "Red_table"}},
		{"endswith", []Filter{{"name", OpEndsWith, "table"}}, []string{"Red_table"}},
		{"in list", []Filter{{"stock", OpIn, []any{float64(0), float64(2)}}}, []string{"Blue chair", "Red_table"}},
		{"in csv", []Filter{{"stock", OpIn, "5, 2"}}, []string{"Red chair", "Red_table"}},
		{"combined", []Filter{{"active", OpEq, true}, {"stock", OpLt, 3}}, []string{"Red_table"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := Apply(cfg.Query(db), cfg, tt.filters)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			var got []string
			if err := q.Order("id").Pluck("name", &got).Error; err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("names = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestApplyValidation(t *testing.T) {
	reg := registry.New(renderer.New(utils.DefaultLocale))
	if err := reg.Autoload(shopApp{}); err != nil {
		t.Fatal(err)
	}
	cfg, _ := reg.Get("shop.product")
	db := dbtest.Open(t, reg.Models()...)

	_, err := Apply(cfg.Query(db), cfg, []Filter{
		{"stock", OpGt, "many"},
		{"nope", OpEq, 1},
		{"name", "~", "x"},
	})
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Apply() error = %v, want ValidationError", err)
	}
	if len(verr.Errors) != 3 {
		t.Fatalf("errors = %v", verr.Errors)
	}
	for i, field := range []string{"stock", "nope", "name"} {
		if !strings.HasPrefix(verr.Errors[i], field+":") {
			t.Errorf("error %d = %q, want field %s", i, verr.Errors[i], field)
		}
	}
}

func TestDecode(t *testing.T) {
	got, err := Decode(`[{"field":"email","operator":"==","value":"info@ex.com"}]`)
	if err != nil {
		t.Fatal(err)
	}
	want := []Filter{{Field: "email", Operator: OpEq, Value: "info@ex.com"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Decode() = %+v", got)
	}
	if got, err := Decode(""); err != nil || got != nil {
		t.Fatalf("Decode(empty) = %v, %v", got, err)
	}
	if _, err := Decode("{"); err == nil {
		t.Fatal("Decode(bad json) succeeded")
	}
}

func TestParseQuery(t *testing.T) {
	values := url.Values{
		"_search":          {"chair"},
		"_page":            {"2"},
		"name":             {"x"},
		"stock__gte":       {"3"},
		"supplier__isnull": {"true"},
		"price__not":       {"1"},
	}
	got, err := ParseQuery(values)
	if err != nil {
		t.Fatal(err)
	}
	want := []Filter{
		{"name", OpEq, "x"},
		{"price", OpNeq, "1"},
		{"stock", OpGte, "3"},
		{"supplier", OpNull, true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseQuery() = %+v, want %+v", got, want)
	}

	_, err = ParseQuery(url.Values{"stock__between": {"1"}, "supplier__isnull": {"maybe"}})
	var verr *ValidationError
	if !errors.As(err, &verr) || len(verr.Errors) != 2 {
		t.Fatalf("ParseQuery() error = %v", err)
	}
}

func TestApplyQueryReportsEveryProblem(t *testing.T) {
	reg := registry.New(renderer.New(utils.DefaultLocale))
	if err := reg.Autoload(shopApp{}); err != nil {
		t.Fatal(err)
	}
	cfg, _ := reg.Get("shop.product")
	db := dbtest.Open(t, reg.Models()...)

	tests := []struct {
		name   string
		values url.Values
		want   []string
	}{
		{
			name:   "operator and field",
			values: url.Values{"stock__between": {"1"}, "nope": {"2"}},
			want:   []string{"stock: unknown operator \"between\"", "nope: unknown field"},
		},
		{
			name:   "field only",
			values: url.Values{"nope": {"2"}, "_search": {"x"}},
			want:   []string{"nope: unknown field"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyQuery(cfg.Query(db), cfg, tt.values)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ApplyQuery() error = %v, want ValidationError", err)
			}
			if !reflect.DeepEqual(verr.Errors, tt.want) {
				t.Fatalf("errors = %q, want %q", verr.Errors, tt.want)
			}
		})
	}

	q, err := ApplyQuery(cfg.Query(db), cfg, url.Values{"name": {"x"}})
	if err != nil || q == nil {
		t.Fatalf("ApplyQuery(valid) = %v, %v", q, err)
	}
}
