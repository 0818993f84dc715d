package search

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"trionyx/pkg/db/dbtest"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
	"trionyx/pkg/utils"
)

type Article struct {
	models.BaseEntity
	Title string `gorm:"type:text"`
	Body  string `gorm:"type:text"`
	Views int
}

type Secret struct {
	models.BaseEntity
	Code string `gorm:"type:text"`
}

type blogApp struct{}

func (blogApp) Label() string { return "blog" }
func (blogApp) Models() []any { return []any{&Article{}, &Secret{}} }
func (blogApp) ModelConfigs() map[string]func(*registry.Config) {
	return map[string]func(*registry.Config){
		"Article": func(c *registry.Config) {
			c.VerboseName = "{title}"
			c.SearchFields = []registry.SearchField{{Name: "title", Weight: "A"}, {Name: "body"}}
		},
		"Secret": func(c *registry.Config) {
			c.DisableGlobalSearch = true
			c.DisableSearchIndex = true
		},
	}
}

type fakeEngine struct {
	docs    map[uint64]Document
	matches []uint64
	err     error
}

func (f *fakeEngine) Index(_ context.Context, docs ...Document) error {
	if f.err != nil {
		return f.err
	}
	for _, d := range docs {
		f.docs[d.ObjectID] = d
	}
	return nil
}

func (f *fakeEngine) Remove(_ context.Context, _ string, id uint64) error {
	delete(f.docs, id)
	return f.err
}

func (f *fakeEngine) Match(context.Context, string, string, int) ([]uint64, error) {
	return f.matches, f.err
}

func (f *fakeEngine) Global(context.Context, string, int) ([]Result, error) {
	return nil, f.err
}

func setup(t *testing.T, engine Engine) (*Searcher, *registry.Registry, *gorm.DB) {
	t.Helper()
	reg := registry.New(renderer.New(utils.DefaultLocale))
	if err := reg.Autoload(blogApp{}); err != nil {
		t.Fatal(err)
	}
	db := dbtest.Open(t, reg.Models()...)
	if err := reg.Install(db); err != nil {
		t.Fatal(err)
	}
	s := New(reg, engine, zerolog.Nop())
	if err := s.Install(db); err != nil {
		t.Fatal(err)
	}
	for _, a := range []*Article{
		{Title: "Go generics", Body: "type parameters"},
		{Title: "Tabs", Body: "100% GENERIC layouts"},
		{Title: "Cooking", Body: "pasta"},
	} {
		if err := db.Create(a).Error; err != nil {
			t.Fatal(err)
		}
	}
	db.Create(&Secret{Code: "generic"})
	return s, reg, db
}

func titles(t *testing.T, q *gorm.DB) []string {
	t.Helper()
	var out []Article
	if err := q.Order("id").Find(&out).Error; err != nil {
		t.Fatal(err)
	}
	names := []string{}
	for _, a := range out {
		names = append(names, a.Title)
	}
	return names
}

func TestSubstringFallback(t *testing.T) {
	s, reg, db := setup(t, nil)
	cfg, _ := reg.Get(&Article{})

	tests := []struct {
		term string
		want []string
	}{
		{"", []string{"Go generics", "Tabs", "Cooking"}},
		{"GENERIC", []string{"Go generics", "Tabs"}},
		{"100%", []string{"Tabs"}},
		{"0%_", []string{}},
		{"nothing", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.term, func(t *testing.T) {
			got := titles(t, s.Narrow(context.Background(), cfg.Query(db), cfg, tt.term))
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Narrow(%q) = %v, want %v", tt.term, got, tt.want)
			}
		})
	}
}

func TestEngineNarrowing(t *testing.T) {
	engine := &fakeEngine{docs: make(map[uint64]Document)}
	s, reg, db := setup(t, engine)
	cfg, _ := reg.Get(&Article{})

	if len(engine.docs) != 3 {
		t.Fatalf("indexed %d documents, want 3 (secrets are not indexed)", len(engine.docs))
	}
	doc := engine.docs[1]
	want := map[string]string{"A": "Go generics", "D": "type parameters"}
	if !reflect.DeepEqual(doc.Weighted, want) || doc.Title != "Go generics" || doc.URL != "/model/blog/article/1/" {
		t.Fatalf("document = %+v", doc)
	}

	engine.matches = []uint64{3}
	if got := titles(t, s.Narrow(context.Background(), cfg.Query(db), cfg, "anything")); !reflect.DeepEqual(got, []string{"Cooking"}) {
		t.Fatalf("engine narrowing = %v", got)
	}

	engine.err = errors.New("connection refused")
	if got := titles(t, s.Narrow(context.Background(), cfg.Query(db), cfg, "pasta")); !reflect.DeepEqual(got, []string{"Cooking"}) {
		t.Fatalf("fallback narrowing = %v", got)
	}
	engine.err = nil

	var a Article
	db.Take(&a, 2)
	if err := db.Delete(&a).Error; err != nil {
		t.Fatal(err)
	}
	if _, ok := engine.docs[2]; ok {
		t.Fatal("deleted article still indexed")
	}
}

func TestGlobalFallback(t *testing.T) {
	s, _, db := setup(t, nil)

	got, err := s.Global(context.Background(), db, "generic", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("Global() = %+v, want the two articles only", got)
	}
	for _, r := range got {
		if r.ContentType != "blog.article" || !strings.HasPrefix(r.URL, "/model/blog/article/") {
			t.Errorf("result = %+v", r)
		}
	}
}

func TestDocumentSQL(t *testing.T) {
	doc := Document{Weighted: map[string]string{"D": "body", "A": "title"}}
	expr, args := documentSQL("simple", doc, 7)
	want := "setweight(to_tsvector('simple', $7), 'A') || setweight(to_tsvector('simple', $8), 'D')"
	if expr != want || !reflect.DeepEqual(args, []any{"title", "body"}) {
		t.Fatalf("documentSQL() = %q %v", expr, args)
	}
}
