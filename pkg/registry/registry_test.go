package registry

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"trionyx/pkg/db/dbtest"
	"trionyx/pkg/models"
	"trionyx/pkg/renderer"
	"trionyx/pkg/utils"
)

type Tag struct {
	models.BaseEntity
	Name string `gorm:"type:text;not null"`
}

type Post struct {
	models.BaseEntity
	Title    string       `gorm:"type:text;not null"`
	Status   string       `gorm:"type:text;not null;default:'draft'"`
	Price    models.Price `gorm:"not null;default:0"`
	AuthorID *uint64      `gorm:"index"`
	Author   *models.User `gorm:"foreignKey:AuthorID"`
	Tags     []Tag        `gorm:"many2many:post_tags"`
	Comments []Comment    `gorm:"foreignKey:PostID"`
	Secret   string       `gorm:"type:text" json:"-"`
}

type Comment struct {
	models.BaseEntity
	PostID uint64 `gorm:"not null;index"`
	Body   string `gorm:"type:text"`
}

type blogApp struct {
	configs map[string]func(*Config)
}

func (blogApp) Label() string { return "blog" }
func (blogApp) Models() []any { return []any{&Tag{}, &Post{}, &Comment{}} }
func (a blogApp) ModelConfigs() map[string]func(*Config) { return a.configs }

type coreApp struct{}

func (coreApp) Label() string { return "trionyx" }
func (coreApp) Models() []any { return []any{&models.User{}} }

func newRegistry() *Registry {
	return New(renderer.New(utils.DefaultLocale))
}

func TestFieldOrdering(t *testing.T) {
	r := newRegistry()
	c, err := r.Register("blog", &Post{}, nil)
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	names := func(fields []*Field) []string {
		var out []string
		for _, f := range fields {
			out = append(out, f.Name)
		}
		return out
	}

	columns := []string{"id", "created_at", "updated_at", "created_by_id", "verbose_name", "title", "status", "price", "author_id"}
	tests := []struct {
		name             string
		relations, rever bool
		want             []string
	}{
		{"columns", false, false, columns},
		{"with m2m", true, false, append(append([]string{}, columns...), "tags")},
		{"with reverse", true, true, append(append([]string{}, columns...), "tags", "comments")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := names(c.Fields(tt.relations, tt.rever)); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Fields() = %v, want %v", got, tt.want)
			}
		})
	}

	title, _ := c.Field("title")
	if !title.Required || title.Type != TypeString {
		t.Fatalf("title = %+v", title)
	}
	status, _ := c.Field("status")
	if status.Required {
		t.Fatal("field with default must not be required")
	}
	author, _ := c.Field("author_id")
	if author.Type != TypeRelation || author.Relation == nil {
		t.Fatalf("author_id = %+v", author)
	}
	if _, ok := c.Field("secret"); ok {
		t.Fatal(`json:"-" field exposed`)
	}
}

func TestListFieldsMerge(t *testing.T) {
	r := newRegistry()
	c, err := r.Register("blog", &Post{}, func(c *Config) {
		c.ListFields = []ListField{
			{Field: "title", Label: "Headline"},
			{Field: "summary", Renderer: func(obj any, _ string, _ RenderOptions) string {
				return obj.(*Post).Title + "!"
			}},
		}
	})
	if err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	lf := c.GetListFields()
	title, _ := lf.Get("title")
	if title.Label != "Headline" || title.Type != TypeString {
		t.Fatalf("title column = %+v", title)
	}
	summary, ok := lf.Get("summary")
	if !ok || summary.Type != TypeString || summary.Label != "Summary" {
		t.Fatalf("summary column = %+v", summary)
	}
	keys := lf.Keys()
	if keys[len(keys)-1] != "summary" {
		t.Fatalf("virtual column not appended: %v", keys)
	}

	post := &Post{Title: "Hello"}
	if got := c.RenderField(post, "summary", RenderOptions{}); got != "Hello!" {
		t.Fatalf("RenderField() = %q", got)
	}
}

func TestConfigErrors(t *testing.T) {
	tests := []struct {
		name      string
		configure func(*Config)
	}{
		{"list field without field", func(c *Config) { c.ListFields = []ListField{{Label: "x"}} }},
		{"unknown placeholder", func(c *Config) { c.VerboseName = "{nope}" }},
		{"unknown default field", func(c *Config) { c.ListDefaultFields = []string{"nope"} }},
		{"unknown sort", func(c *Config) { c.ListDefaultSort = "-nope" }},
		{"unknown search field", func(c *Config) { c.SearchFields = []SearchField{{Name: "nope"}} }},
		{"bad weight", func(c *Config) { c.SearchFields = []SearchField{{Name: "title", Weight: "Z"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newRegistry().Register("blog", &Post{}, tt.configure)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("Register() error = %v, want ConfigError", err)
			}
		})
	}
}

func TestAutoloadAndGet(t *testing.T) {
	r := newRegistry()
	if err := r.Autoload(coreApp{}, blogApp{configs: map[string]func(*Config){
		"Post": func(c *Config) { c.VerboseName = "{title}" },
	}}); err != nil {
		t.Fatalf("Autoload() error = %v", err)
	}

	lookups := []any{&Post{}, Post{}, reflect.TypeOf(Post{}), "blog.post", "BLOG.Post"}
	for _, v := range lookups {
		c, err := r.Get(v)
		if err != nil || c.Alias() != "blog.post" {
			t.Fatalf("Get(%v) = %v, %v", v, c, err)
		}
	}
	if c, _ := r.Get("blog.post"); c.VerboseName != "{title}" {
		t.Fatalf("overlay not applied: %q", c.VerboseName)
	}
	if _, err := r.Get("blog.nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(unknown) error = %v", err)
	}
	if _, err := r.Register("blog", &struct{ models.BaseEntity }{}, nil); !errors.Is(err, ErrFrozen) {
		t.Fatalf("Register() after autoload error = %v", err)
	}
	if err := r.Autoload(); !errors.Is(err, ErrAlreadyLoaded) {
		t.Fatalf("second Autoload() error = %v", err)
	}
}

func TestAutoloadUnknownConfig(t *testing.T) {
	err := newRegistry().Autoload(blogApp{configs: map[string]func(*Config){
		"Missing": func(*Config) {},
	}})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Autoload() error = %v, want ConfigError", err)
	}
}

type Account struct {
	models.BaseEntity
	Email string `gorm:"type:text"`
}

type accountsApp struct{}

func (accountsApp) Label() string { return "accounts" }
func (accountsApp) Models() []any { return []any{&Account{}} }

func TestOverrides(t *testing.T) {
	r := newRegistry()
	if err := r.SetOverrides(map[string]string{"trionyx.User": "accounts.account"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Autoload(coreApp{}, accountsApp{}); err != nil {
		t.Fatalf("Autoload() error = %v", err)
	}

	for _, v := range []any{"trionyx.user", &models.User{}} {
		c, err := r.Get(v)
		if err != nil || c.Alias() != "accounts.account" {
			t.Fatalf("Get(%v) = %v, %v", v, c, err)
		}
	}
	account, _ := r.Get("accounts.account")
	if got := r.Replaces(account); !reflect.DeepEqual(got, []string{"trionyx.user"}) {
		t.Fatalf("Replaces() = %v", got)
	}
	for _, c := range r.All() {
		if c.Alias() == "trionyx.user" {
			t.Fatal("overridden entity listed in All()")
		}
	}
}

func TestVerboseNameCallbacks(t *testing.T) {
	r := newRegistry()
	if err := r.Autoload(coreApp{}, blogApp{configs: map[string]func(*Config){
		"Post": func(c *Config) { c.VerboseName = "{title} [{status}]" },
	}}); err != nil {
		t.Fatal(err)
	}
	database := dbtest.Open(t, r.Models()...)
	if err := r.Install(database); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	ctx := context.Background()

	post := &Post{Title: "First", Status: "draft"}
	if err := database.WithContext(ctx).Create(post).Error; err != nil {
		t.Fatal(err)
	}
	if post.VerboseName != "First [draft]" {
		t.Fatalf("VerboseName after create = %q", post.VerboseName)
	}

	post.Title = "Second"
	if err := database.WithContext(ctx).Save(post).Error; err != nil {
		t.Fatal(err)
	}

	var stored Post
	if err := database.First(&stored, post.ID).Error; err != nil {
		t.Fatal(err)
	}
	if stored.VerboseName != "Second [draft]" {
		t.Fatalf("stored VerboseName = %q", stored.VerboseName)
	}

	tag := &Tag{Name: "go"}
	database.Create(tag)
	if tag.VerboseName != "tag(1)" {
		t.Fatalf("default VerboseName = %q", tag.VerboseName)
	}
}

func TestQueryExcludesDeleted(t *testing.T) {
	r := newRegistry()
	if err := r.Autoload(coreApp{}, blogApp{}); err != nil {
		t.Fatal(err)
	}
	database := dbtest.Open(t, r.Models()...)
	c, _ := r.Get("blog.tag")

	database.Create(&Tag{Name: "live"})
	gone := &Tag{Name: "gone"}
	database.Create(gone)
	database.Model(gone).Update("deleted", true)

	var count int64
	if err := c.Query(database).Count(&count).Error; err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Fatalf("Query().Count() = %d, want 1", count)
	}
	if _, err := c.Get(context.Background(), database, gone.ID); err == nil {
		t.Fatal("Get() returned a deleted row")
	}
}

func TestHumanize(t *testing.T) {
	tests := map[string]string{
		"first_name":    "First name",
		"FirstName":     "First name",
		"ID":            "Id",
		"AuditLogEntry": "Audit log entry",
		"":              "",
	}
	for in, want := range tests {
		if got := Humanize(in); got != want {
			t.Errorf("Humanize(%q) = %q, want %q", in, got, want)
		}
	}
}
