package renderer

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"trionyx/pkg/models"
	"trionyx/pkg/utils"
)

func TestRenderDefaults(t *testing.T) {
	r := New(utils.DefaultLocale)

	user := &models.User{}
	user.VerboseName = "Info <ex>"
	var nilUser *models.User

	tests := []struct {
		name  string
		value any
		opts  Options
		want  string
	}{
		{"nil", nil, Options{}, ""},
		{"nil pointer", nilUser, Options{}, ""},
		{"string escaped", "<b>", Options{}, "&lt;b&gt;"},
		{"string plain", "<b>", Options{NoHTML: true}, "<b>"},
		{"int grouped", 1234567, Options{}, "1,234,567"},
		{"uint", uint64(42), Options{}, "42"},
		{"float", 1234.5, Options{}, "1,234.50"},
		{"bool plain true", true, Options{NoHTML: true}, "Yes"},
		{"bool plain false", false, Options{NoHTML: true}, "No"},
		{"bool markup", true, Options{}, `<i class="fa fa-check-circle text-success"></i>`},
		{"list", []string{"a", "b"}, Options{}, "a, b"},
		{"entity", user, Options{}, "Info &lt;ex&gt;"},
		{"entities", []*models.User{user, user}, Options{NoHTML: true}, "Info <ex>, Info <ex>"},
		{"email", models.Email("a@b.c"), Options{}, `<a href="mailto:a@b.c">a@b.c</a>`},
		{"email plain", models.Email("a@b.c"), Options{NoHTML: true}, "a@b.c"},
		{"datetime", time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC), Options{}, "01/02/2024 03:04"},
		{"file plain", models.File("avatars/me.png"), Options{NoHTML: true}, "me.png"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Render(tt.value, tt.opts); got != tt.want {
				t.Fatalf("Render(%v) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestRegisterOverwrites(t *testing.T) {
	r := New(utils.DefaultLocale)
	r.Register(TypeOf[models.Price](), func(*Renderer, any, Options) string { return "first" })
	r.Register(TypeOf[models.Price](), func(*Renderer, any, Options) string { return "second" })

	if got := r.Render(models.Price(10), Options{}); got != "second" {
		t.Fatalf("Render() = %q, want second", got)
	}

	r.RegisterKind(reflect.String, func(_ *Renderer, v any, _ Options) string { return strings.ToUpper(v.(string)) })
	if got := r.Render("abc", Options{}); got != "ABC" {
		t.Fatalf("kind renderer not used: %q", got)
	}
}

func TestFileURLResolver(t *testing.T) {
	r := New(utils.DefaultLocale)
	r.SetFileURL(func(key string) string { return "https://files.example/" + key })

	got := r.Render(models.File("docs/report.pdf"), Options{})
	want := `<a href="https://files.example/docs/report.pdf" target="_blank">report.pdf</a>`
	if got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}
}
