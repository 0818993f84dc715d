package forms

import (
	"context"
	"errors"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"testing"

	"gorm.io/gorm"

	"trionyx/pkg/db/dbtest"
	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
	"trionyx/pkg/reqctx"
	"trionyx/pkg/utils"
)

type Author struct {
	models.BaseEntity
	Name  string       `gorm:"type:text;not null"`
	Email models.Email `gorm:"type:text" validate:"omitempty,email"`
}

type Writer struct {
	models.BaseEntity
	Name  string       `gorm:"type:text;not null"`
	Email models.Email `gorm:"type:text"`
	Bio   string       `gorm:"type:text"`
}

type Tag struct {
	models.BaseEntity
	Name string `gorm:"type:text;not null"`
}

type Address struct {
	models.BaseEntity
	City string `gorm:"type:text;not null"`
}

type Summary struct {
	models.BaseEntity
	BookID uint64 `gorm:"not null;index"`
	Text   string `gorm:"type:text"`
}

type Book struct {
	models.BaseEntity
	Title     string `gorm:"type:text;not null"`
	Pages     int    `gorm:"not null" validate:"min=1"`
	Genre     string `gorm:"type:text;not null;default:'novel'"`
	AuthorID  *uint64
	Author    *Author
	AddressID *uint64
	Address   *Address
	Tags      []Tag    `gorm:"many2many:book_tags"`
	Summary   *Summary `gorm:"foreignKey:BookID"`
}

type shopApp struct{}

func (shopApp) Label() string { return "shop" }
func (shopApp) Models() []any {
	return []any{&Author{}, &Writer{}, &Tag{}, &Address{}, &Summary{}, &Book{}}
}
func (shopApp) ModelConfigs() map[string]func(*registry.Config) {
	return map[string]func(*registry.Config){
		"Author": func(c *registry.Config) { c.VerboseName = "{name}" },
		"Tag":    func(c *registry.Config) { c.VerboseName = "{name}" },
		"Book": func(c *registry.Config) {
			c.Choices["genre"] = []registry.Choice{{Value: "novel", Label: "Novel"}, {Value: "poetry", Label: "Poetry"}}
		},
	}
}

func setup(t *testing.T) (*Registry, *registry.Registry, *gorm.DB) {
	t.Helper()
	reg := registry.New(renderer.New(utils.DefaultLocale))
	if err := reg.SetOverrides(map[string]string{"shop.author": "shop.writer"}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Autoload(shopApp{}); err != nil {
		t.Fatal(err)
	}
	db := dbtest.Open(t, reg.Models()...)
	if err := reg.Install(db); err != nil {
		t.Fatal(err)
	}
	return New(reg), reg, db
}

func fieldNamesOf(f *Form) []string {
	var out []string
	for _, bf := range f.Fields {
		out = append(out, bf.Name)
	}
	return out
}

func TestResolution(t *testing.T) {
	r, _, _ := setup(t)

	create, err := r.Create(&Book{})
	if err != nil {
		t.Fatal(err)
	}
	if create.Code != "default" || create.Fields != nil {
		t.Fatalf("synthesised create = %+v", create)
	}
	minimal, err := r.Minimal(&Book{})
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"title", "pages"}; !reflect.DeepEqual(minimal.Fields, want) {
		t.Fatalf("synthesised minimal fields = %v, want %v", minimal.Fields, want)
	}

	if err := r.Register(Definition{Code: "Quick", Model: &Book{}, Fields: []string{"title"}, Minimal: true}); err != nil {
		t.Fatal(err)
	}
	if d, _ := r.Minimal(&Book{}); d.Code != "quick" {
		t.Fatalf("Minimal() = %q, want quick", d.Code)
	}
	if d, _ := r.Edit(&Book{}); d.Code != "default" {
		t.Fatalf("Edit() = %q, want synthesised", d.Code)
	}

	var cfgErr *registry.ConfigError
	tests := []struct {
		name string
		def  Definition
	}{
		{"duplicate", Definition{Code: "quick", Model: &Book{}}},
		{"unknown field", Definition{Code: "x", Model: &Book{}, Fields: []string{"isbn"}}},
		{"base field", Definition{Code: "y", Model: &Book{}, Fields: []string{"created_at"}}},
		{"bad inline", Definition{Code: "z", Model: &Book{}, Inlines: []Inline{{Key: "tag", Model: &Tag{}, ForeignKey: "title"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.def); !errors.As(err, &cfgErr) {
				t.Fatalf("Register() error = %v, want ConfigError", err)
			}
		})
	}
	if _, err := r.Get(&Book{}, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v", err)
	}
}

func TestOverrideDelegation(t *testing.T) {
	r, _, db := setup(t)
	if err := r.Register(Definition{Code: "profile", Model: "shop.author", Fields: []string{"name", "email"}, DefaultEdit: true}); err != nil {
		t.Fatal(err)
	}
	def, err := r.Edit(&Writer{})
	if err != nil || def.Code != "profile" {
		t.Fatalf("Edit(writer) = %+v, %v", def, err)
	}
	form, err := r.Build(context.Background(), db, &Writer{}, def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := fieldNamesOf(form); !reflect.DeepEqual(got, []string{"name", "email"}) {
		t.Fatalf("fields = %v", got)
	}
	if _, ok := form.Instance.(*Writer); !ok {
		t.Fatalf("instance = %T, want *Writer", form.Instance)
	}
}

func TestValidation(t *testing.T) {
	r, _, db := setup(t)
	def, _ := r.Create(&Book{})
	form, err := r.Build(context.Background(), db, &Book{}, def, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := fieldNamesOf(form), []string{"title", "pages", "genre", "author_id", "address_id", "tags"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("fields = %v, want %v", got, want)
	}

	form.Bind(url.Values{
		"title":     {"  "},
		"pages":     {"0"},
		"genre":     {"drama"},
		"author_id": {"99"},
		"tags":      {"x"},
	})
	if form.IsValid() {
		t.Fatal("IsValid() = true")
	}
	errs := form.ErrorMap()
	want := map[string]string{
		"title":     msgRequired,
		"pages":     "Ensure this value is at least 1.",
		"genre":     "Select a valid choice. drama is not one of the available choices.",
		"author_id": "Select a valid choice. 99 is not one of the available choices.",
		"tags":      "Select a valid choice. x is not one of the available choices.",
	}
	for field, msg := range want {
		if len(errs[field]) != 1 || errs[field][0] != msg {
			t.Errorf("errors[%s] = %v, want %q", field, errs[field], msg)
		}
	}
	if _, err := form.Save(true); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Save() error = %v", err)
	}
}

func TestSaveWithInlines(t *testing.T) {
	r, reg, db := setup(t)
	user := &models.User{Email: "info@ex.com", IsActive: true}
	author := &Author{Name: "Frank"}
	tags := []*Tag{{Name: "scifi"}, {Name: "classic"}}
	for _, v := range []any{user, author, &tags} {
		if err := db.Create(v).Error; err != nil {
			t.Fatal(err)
		}
	}
	ctx := reqctx.WithUser(context.Background(), user)

	def := Definition{
		Code:   "full",
		Model:  &Book{},
		Fields: []string{"title", "pages", "author_id", "tags"},
		Inlines: []Inline{
			{Key: "address", Model: &Address{}, ForeignKey: "address_id"},
			{Key: "summary", Model: &Summary{}, ForeignKey: Reverse},
		},
	}
	if err := r.Register(def); err != nil {
		t.Fatal(err)
	}
	full, _ := r.Get(&Book{}, "full")

	form, err := r.Build(ctx, db, &Book{}, full, nil)
	if err != nil {
		t.Fatal(err)
	}
	values := url.Values{
		"title":        {"Dune"},
		"pages":        {"412"},
		"author_id":    {strconv.FormatUint(author.ID, 10)},
		"tags":         {strconv.FormatUint(tags[0].ID, 10), strconv.FormatUint(tags[1].ID, 10)},
		"address-city": {""},
		"summary-text": {"Spice"},
	}
	form.Bind(values)
	if form.IsValid() {
		t.Fatal("IsValid() = true with an invalid inline")
	}
	if got := form.ErrorMap()["address-city"]; len(got) != 1 {
		t.Fatalf("inline errors = %v", form.ErrorMap())
	}

	form, _ = r.Build(ctx, db, &Book{}, full, nil)
	values.Set("address-city", "Arrakeen")
	form.Bind(values)
	saved, err := form.Save(true)
	if err != nil {
		t.Fatalf("Save() error = %v, errors %v", err, form.ErrorMap())
	}
	book := saved.(*Book)

	var stored Book
	if err := db.Preload("Address").Preload("Summary").Preload("Tags").First(&stored, book.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.Address == nil || stored.Address.City != "Arrakeen" {
		t.Fatalf("address = %+v", stored.Address)
	}
	if stored.Summary == nil || stored.Summary.Text != "Spice" || stored.Summary.BookID != book.ID {
		t.Fatalf("summary = %+v", stored.Summary)
	}
	if len(stored.Tags) != 2 || *stored.AuthorID != author.ID {
		t.Fatalf("book = %+v", stored)
	}
	if stored.CreatedByID == nil || *stored.CreatedByID != user.ID {
		t.Fatalf("created_by_id = %v", stored.CreatedByID)
	}

	cfg, _ := reg.Get(&Book{})
	loaded, err := cfg.Get(ctx, db, book.ID)
	if err != nil {
		t.Fatal(err)
	}
	edit, err := r.Build(ctx, db, &Book{}, full, loaded)
	if err != nil {
		t.Fatal(err)
	}
	if got := edit.Inlines[0].Form.Fields[0].Value; got != "Arrakeen" {
		t.Fatalf("inline address value = %q", got)
	}
	if got := edit.Inlines[1].Form.Fields[0].Value; got != "Spice" {
		t.Fatalf("inline summary value = %q", got)
	}
	if got := len(edit.Fields[3].Values); got != 2 {
		t.Fatalf("bound tags = %d", got)
	}

	html, err := edit.Render(nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`name="address-city"`, `value="Dune"`, `<option value="` + strconv.FormatUint(author.ID, 10) + `" selected>Frank</option>`} {
		if !strings.Contains(string(html), want) {
			t.Errorf("Render() missing %s", want)
		}
	}
}

func TestAjaxChoices(t *testing.T) {
	r, reg, db := setup(t)
	for _, name := range []string{"Ann", "Bob", "Annabel"} {
		if err := db.Create(&Author{Name: name}).Error; err != nil {
			t.Fatal(err)
		}
	}
	book := &Book{Title: "X", Pages: 1}
	var ann Author
	db.Where("name = ?", "Ann").First(&ann)
	book.AuthorID = &ann.ID
	db.Create(book)

	err := r.Register(Definition{Code: "ajax", Model: &Book{}, Fields: []string{"author_id"}, Options: map[string]FieldOptions{"author_id": {Ajax: true}}})
	if err != nil {
		t.Fatal(err)
	}
	r.Freeze()

	ctx := reqctx.WithUser(context.Background(), nil)
	def, _ := r.Get(&Book{}, "ajax")
	form, err := r.Build(ctx, db, &Book{}, def, book)
	if err != nil {
		t.Fatal(err)
	}
	bf := form.Fields[0]
	cfg, _ := reg.Get(&Book{})
	if bf.Widget != WidgetAjaxSelect || bf.AjaxToken != AjaxToken(cfg, "author_id") {
		t.Fatalf("field = %+v", bf)
	}
	if want := []Option{{Value: strconv.FormatUint(ann.ID, 10), Label: "Ann", Selected: true}}; !reflect.DeepEqual(bf.Options, want) {
		t.Fatalf("options = %+v, want %+v", bf.Options, want)
	}
	if _, ok := reqctx.From(ctx).Get(labelKey(bf.AjaxToken, bf.Value)); !ok {
		t.Fatal("bound label not remembered in request state")
	}

	got, more, err := r.AjaxChoices(ctx, db, bf.AjaxToken, "ann", 1)
	if err != nil {
		t.Fatal(err)
	}
	var labels []string
	for _, o := range got {
		labels = append(labels, o.Label)
	}
	if more || !reflect.DeepEqual(labels, []string{"Ann", "Annabel"}) {
		t.Fatalf("AjaxChoices() = %v, %v", labels, more)
	}
	if _, _, err := r.AjaxChoices(ctx, db, "nope", "", 1); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("AjaxChoices() error = %v", err)
	}

	form.Bind(url.Values{"author_id": {"12345"}})
	if form.IsValid() {
		t.Fatal("IsValid() accepted an unknown ajax id")
	}
}
