package menu

import (
	"reflect"
	"testing"

	"trionyx/pkg/models"
	"trionyx/pkg/registry"
	"trionyx/pkg/renderer"
	"trionyx/pkg/utils"
)

func names(items []*Item) []string {
	var out []string
	for _, i := range items {
		out = append(out, i.Name)
	}
	return out
}

func TestOrder(t *testing.T) {
	m := New()
	for _, item := range []Item{
		{Path: "/first", Name: "first", Order: 10},
		{Path: "/third", Name: "third"},
		{Path: "/second", Name: "second", Order: 20},
	} {
		if err := m.Add(item); err != nil {
			t.Fatal(err)
		}
	}
	if got, want := names(m.Items()), []string{"first", "second", "third"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Items() = %v, want %v", got, want)
	}
}

func TestMerge(t *testing.T) {
	m := New()
	if err := m.Add(Item{Path: "/test", Name: "A", Icon: "fa fa-a", URL: "/a/", Permission: "x.view_a"}); err != nil {
		t.Fatal(err)
	}
	if err := m.Add(Item{Path: "test", Name: "B", Order: 10}); err != nil {
		t.Fatal(err)
	}
	items := m.Items()
	if len(items) != 1 {
		t.Fatalf("Items() = %d items", len(items))
	}
	want := Item{Path: "/test", Name: "B", Icon: "fa fa-a", URL: "/a/", Order: 10, Permission: "x.view_a", Depth: 1}
	if !reflect.DeepEqual(*items[0], want) {
		t.Fatalf("merged = %+v, want %+v", *items[0], want)
	}

	if err := m.Add(Item{Path: "/test", Icon: "fa fa-b"}); err != nil {
		t.Fatal(err)
	}
	if got := m.Items()[0]; got.Name != "B" || got.Icon != "fa fa-b" {
		t.Fatalf("merge without name = %q %q, want B fa fa-b", got.Name, got.Icon)
	}
}

func TestSubPaths(t *testing.T) {
	m := New()
	_ = m.Add(Item{Path: "/test/sub", Name: "sub"})
	_ = m.Add(Item{Path: "/test/sub2", Name: "sub2"})

	items := m.Items()
	if len(items) != 1 || items[0].Name != "Test" || items[0].Path != "/test" {
		t.Fatalf("parent = %+v", items)
	}
	children := items[0].Children
	if got := names(children); !reflect.DeepEqual(got, []string{"sub", "sub2"}) {
		t.Fatalf("children = %v", got)
	}
	if children[0].Path != "/test/sub" || children[0].Depth != 2 {
		t.Fatalf("child = %+v", children[0])
	}
}

func TestIsActive(t *testing.T) {
	m := New()
	_ = m.Add(Item{Path: "/dashboard", Name: "Dashboard", URL: "/"})
	_ = m.Add(Item{Path: "/blog/post", Name: "Posts", URL: "/model/blog/post/"})
	_ = m.Add(Item{Path: "/reports", Name: "Reports", ActiveRegex: `^/report/\d+/`})
	items := m.Items()

	tests := []struct {
		name string
		item *Item
		path string
		want bool
	}{
		{"root exact", items[0], "/", true},
		{"root is not a prefix", items[0], "/model/blog/post/", false},
		{"url prefix", items[1].Children[0], "/model/blog/post/3/", true},
		{"active child", items[1], "/model/blog/post/", true},
		{"regex", items[2], "/report/12/", true},
		{"no match", items[2], "/model/", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item.IsActive(tt.path); got != tt.want {
				t.Fatalf("IsActive(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}

	if err := m.Add(Item{Path: "/bad", Name: "Bad", ActiveRegex: "("}); err == nil {
		t.Fatal("Add() accepted an invalid regex")
	}
}

func TestForUser(t *testing.T) {
	m := New()
	_ = m.Add(Item{Path: "/blog/post", Name: "Posts", Permission: "blog.view_post"})
	_ = m.Add(Item{Path: "/blog/tag", Name: "Tags", Permission: "blog.view_tag"})
	_ = m.Add(Item{Path: "/shop/order", Name: "Orders", Permission: "shop.view_order"})
	_ = m.Add(Item{Path: "/help", Name: "Help"})

	allowed := func(p string) bool { return p == "blog.view_tag" }
	items := m.ForUser(allowed)
	if got := names(items); !reflect.DeepEqual(got, []string{"Blog", "Help"}) {
		t.Fatalf("ForUser() = %v", got)
	}
	if got := names(items[0].Children); !reflect.DeepEqual(got, []string{"Tags"}) {
		t.Fatalf("ForUser() children = %v", got)
	}
	if got := len(m.Items()[0].Children); got != 2 {
		t.Fatalf("filtering mutated the tree: %d children", got)
	}
}

type Post struct {
	models.BaseEntity
	Title string
}

type Tag struct {
	models.BaseEntity
	Name string
}

type Setting struct {
	models.BaseEntity
	Key string
}

type Secret struct {
	models.BaseEntity
	Value string
}

type blogApp struct{}

func (blogApp) Label() string { return "blog" }
func (blogApp) Models() []any { return []any{&Post{}, &Tag{}, &Setting{}, &Secret{}} }
func (blogApp) MenuName() string { return "Weblog" }
func (blogApp) MenuIcon() string { return "fa fa-pencil" }
func (blogApp) MenuOrder() int { return 0 }
func (blogApp) ModelConfigs() map[string]func(*registry.Config) {
	return map[string]func(*registry.Config){
		"Tag":     func(c *registry.Config) { c.MenuName = "Labels"; c.MenuOrder = 5 },
		"Setting": func(c *registry.Config) { c.MenuRoot = true; c.MenuIcon = "fa fa-cog" },
		"Secret":  func(c *registry.Config) { c.MenuExclude = true },
	}
}

func TestAutoGenerate(t *testing.T) {
	reg := registry.New(renderer.New(utils.DefaultLocale))
	if err := reg.Autoload(blogApp{}); err != nil {
		t.Fatal(err)
	}
	m := New()
	if err := m.AutoGenerate(reg, blogApp{}); err != nil {
		t.Fatal(err)
	}

	items := m.Items()
	if got := names(items); !reflect.DeepEqual(got, []string{"Settings", "Weblog"}) {
		t.Fatalf("top level = %v", got)
	}
	setting, blog := items[0], items[1]
	if setting.Order != 10 || setting.Icon != "fa fa-cog" || setting.URL != "/model/blog/setting/" {
		t.Fatalf("root entity = %+v", setting)
	}
	if blog.Order != 20 || blog.Icon != "fa fa-pencil" || blog.Path != "/blog" {
		t.Fatalf("app group = %+v", blog)
	}
	if got := names(blog.Children); !reflect.DeepEqual(got, []string{"Labels", "Posts"}) {
		t.Fatalf("app children = %v", got)
	}
	if p := blog.Children[1].Permission; p != "blog.view_post" {
		t.Fatalf("permission = %q", p)
	}
}
