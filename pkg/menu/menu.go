// Package menu builds the navigation tree of the back office.
package menu

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"trionyx/pkg/registry"
)

// DefaultOrder sorts items registered without an order last.
const DefaultOrder = 999

// Item is one node of the menu tree.
type Item struct {
	Path       string  `json:"path"`
	Name       string  `json:"name"`
	Icon       string  `json:"icon,omitempty"`
	URL        string  `json:"url,omitempty"`
	Order      int     `json:"order"`
	Permission string  `json:"-"`
	Depth      int     `json:"depth"`
	Children   []*Item `json:"children,omitempty"`

	// ActiveRegex marks the item active for matching request paths.
	ActiveRegex string `json:"-"`
	active      *regexp.Regexp
}

func (i *Item) code() string {
	return i.Path[strings.LastIndexByte(i.Path, '/')+1:]
}

func (i *Item) sortOrder() int {
	if i.Order == 0 {
		return DefaultOrder
	}
	return i.Order
}

func (i *Item) child(code string) *Item {
	for _, c := range i.Children {
		if c.code() == code {
			return c
		}
	}
	return nil
}

func (i *Item) addChild(c *Item) {
	c.Depth = i.Depth + 1
	i.Children = append(i.Children, c)
	i.sortChildren()
}

func (i *Item) sortChildren() {
	sort.SliceStable(i.Children, func(a, b int) bool {
		return i.Children[a].sortOrder() < i.Children[b].sortOrder()
	})
}

// merge overlays the supplied attributes of other.
func (i *Item) merge(other *Item) {
	if other.Name != "" {
		i.Name = other.Name
	}
	if other.Icon != "" {
		i.Icon = other.Icon
	}
	if other.URL != "" {
		i.URL = other.URL
	}
	if other.Order != 0 {
		i.Order = other.Order
	}
	if other.Permission != "" {
		i.Permission = other.Permission
	}
	if other.active != nil {
		i.ActiveRegex, i.active = other.ActiveRegex, other.active
	}
}

// IsActive reports whether the item or one of its children matches the
// request path.
func (i *Item) IsActive(path string) bool {
	if i.URL == "/" {
		return path == "/"
	}
	if i.URL != "" && strings.HasPrefix(path, i.URL) {
		return true
	}
	if i.active != nil && i.active.MatchString(path) {
		return true
	}
	for _, c := range i.Children {
		if c.IsActive(path) {
			return true
		}
	}
	return false
}

// Menu is the root of the tree.
type Menu struct {
	mu     sync.RWMutex
	root   Item
	frozen bool
}

// New returns an empty menu.
func New() *Menu {
	return &Menu{root: Item{Path: "", Name: "ROOT"}}
}

func normalize(path string) string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Add inserts item at item.Path, creating missing parents named after
// their capitalised path segment. An existing item at the path is
// merged with the supplied attributes.
func (m *Menu) Add(item Item) error {
	item.Path = normalize(item.Path)
	if item.Path == "/" {
		return fmt.Errorf("menu: empty path for %q", item.Name)
	}
	if item.ActiveRegex != "" {
		re, err := regexp.Compile(item.ActiveRegex)
		if err != nil {
			return fmt.Errorf("menu: %s: %w", item.Path, err)
		}
		item.active = re
	}
	item.Children = nil

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frozen {
		return registry.ErrFrozen
	}

	segments := strings.Split(strings.TrimPrefix(item.Path, "/"), "/")
	parent := &m.root
	current := ""
	for _, seg := range segments[:len(segments)-1] {
		current += "/" + seg
		next := parent.child(seg)
		if next == nil {
			next = &Item{Path: current, Name: capitalize(seg)}
			parent.addChild(next)
		}
		parent = next
	}

	if existing := parent.child(segments[len(segments)-1]); existing != nil {
		existing.merge(&item)
		parent.sortChildren()
		return nil
	}
	parent.addChild(&item)
	return nil
}

// Freeze rejects further additions.
func (m *Menu) Freeze() {
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Items returns the whole tree.
func (m *Menu) Items() []*Item {
	return m.ForUser(nil)
}

// ForUser returns a filtered copy of the tree. Items whose permission
// allowed rejects are dropped, as are parents left without children.
// A nil allowed keeps everything.
func (m *Menu) ForUser(allowed func(permission string) bool) []*Item {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filter(m.root.Children, allowed)
}

func filter(items []*Item, allowed func(string) bool) []*Item {
	out := make([]*Item, 0, len(items))
	for _, item := range items {
		if item.Permission != "" && allowed != nil && !allowed(item.Permission) {
			continue
		}
		cp := *item
		if len(item.Children) > 0 {
			cp.Children = filter(item.Children, allowed)
			if len(cp.Children) == 0 {
				continue
			}
		}
		out = append(out, &cp)
	}
	return out
}

// App is implemented by applications customising their menu group.
type App interface {
	registry.App
	MenuName() string
	MenuIcon() string
	MenuOrder() int
}

// AutoGenerate adds a list entry for every entity of apps, grouped per
// app label. Entities with MenuRoot set are placed at the top level.
func (m *Menu) AutoGenerate(models *registry.Registry, apps ...registry.App) error {
	order := 0
	for _, app := range apps {
		label := strings.ToLower(app.Label())
		modelOrder := 0
		for _, cfg := range models.ForApp(label) {
			if cfg.MenuExclude {
				continue
			}
			item := Item{
				Path:       label + "/" + cfg.ModelName,
				Name:       cfg.MenuName,
				URL:        cfg.ListURL(),
				Permission: cfg.Permission("view"),
			}
			if item.Name == "" {
				item.Name = capitalize(cfg.NamePlural)
			}
			if cfg.MenuRoot {
				order += 10
				item.Path = cfg.ModelName
				item.Order = order
				item.Icon = cfg.MenuIcon
			} else {
				modelOrder += 10
				item.Order = modelOrder
			}
			if cfg.MenuOrder != 0 {
				item.Order = cfg.MenuOrder
			}
			if err := m.Add(item); err != nil {
				return err
			}
		}
		if modelOrder == 0 {
			continue
		}

		order += 10
		group := Item{Path: label, Name: capitalize(label), Order: order}
		if ma, ok := app.(App); ok {
			if name := ma.MenuName(); name != "" {
				group.Name = name
			}
			group.Icon = ma.MenuIcon()
			if o := ma.MenuOrder(); o != 0 {
				group.Order = o
			}
		}
		if err := m.Add(group); err != nil {
			return err
		}
	}
	return nil
}
