// Package layout builds component trees for detail pages, tabs, dialogs
// and dashboards. Components are addressed either by a dotted path of
// component codes, e.g. "row.column6[1].panel", or by their id.
package layout

import (
	"errors"
	"fmt"
	"html/template"
	"strconv"
	"strings"

	"trionyx/pkg/registry"
	"trionyx/pkg/render"
	"trionyx/pkg/renderer"
)

var (
	// ErrLayout is returned when a locator does not resolve.
	ErrLayout = errors.New("layout: component not found")
	// ErrArgument is returned when a mutation has no locator or both.
	ErrArgument = errors.New("layout: exactly one of path or id is required")
)

// Position controls where Add inserts a component.
type Position int

const (
	// Append adds as the last child of the target.
	Append Position = iota
	// Prepend adds as the first child of the target.
	Prepend
	// Before adds as the sibling preceding the target.
	Before
	// After adds as the sibling following the target.
	After
)

// Locator addresses a component by path or by id.
type Locator struct {
	Path string
	ID   string
}

// Path returns a path locator.
func Path(p string) Locator { return Locator{Path: p} }

// ID returns an id locator.
func ID(id string) Locator { return Locator{ID: id} }

func (l Locator) validate() error {
	if (l.Path == "") == (l.ID == "") {
		return ErrArgument
	}
	return nil
}

func (l Locator) String() string {
	if l.ID != "" {
		return "#" + l.ID
	}
	return l.Path
}

// Context is what components render against.
type Context struct {
	// Object is the entity the layout describes, if any.
	Object   any
	Registry *registry.Registry
	Renderer *renderer.Renderer
	Engine   *render.Engine
	Options  renderer.Options
}

func (c *Context) engine() *render.Engine {
	if c.Engine == nil {
		return render.Default()
	}
	return c.Engine
}

func (c *Context) renderer() *renderer.Renderer {
	if c.Renderer != nil {
		return c.Renderer
	}
	if c.Registry != nil {
		return c.Registry.Renderer()
	}
	return nil
}

// Component is a node of a layout tree.
type Component interface {
	// Code is the lowercased component name used in paths.
	Code() string
	Base() *Node
	Render(ctx *Context) (template.HTML, error)
}

// Node carries the id and children every component has.
type Node struct {
	ID         string
	Components []Component
}

// Base returns the node itself.
func (n *Node) Base() *Node { return n }

// Children renders every child in order.
func (n *Node) Children(ctx *Context) (template.HTML, error) {
	var sb strings.Builder
	for _, c := range n.Components {
		h, err := c.Render(ctx)
		if err != nil {
			return "", fmt.Errorf("%s: %w", c.Code(), err)
		}
		sb.WriteString(string(h))
	}
	return template.HTML(sb.String()), nil
}

// Layout is the root of a component tree.
type Layout struct {
	Node
}

// New returns a layout with the given top level components.
func New(components ...Component) *Layout {
	return &Layout{Node: Node{Components: components}}
}

// Render renders the whole tree.
func (l *Layout) Render(ctx *Context) (string, error) {
	if ctx == nil {
		ctx = &Context{}
	}
	h, err := l.Children(ctx)
	return string(h), err
}

// Find returns the component at loc and its parent. The parent is nil for
// top level components.
func (l *Layout) Find(loc Locator) (Component, Component, error) {
	if err := loc.validate(); err != nil {
		return nil, nil, err
	}
	parent, idx, err := l.locate(loc)
	if err != nil {
		return nil, nil, err
	}
	var parentComp Component
	if parent != &l.Node {
		parentComp = l.owner(parent)
	}
	return parent.Components[idx], parentComp, nil
}

// Add inserts c relative to the component at loc.
func (l *Layout) Add(c Component, loc Locator, pos Position) error {
	if err := loc.validate(); err != nil {
		return err
	}
	parent, idx, err := l.locate(loc)
	if err != nil {
		return err
	}
	switch pos {
	case Append:
		target := parent.Components[idx].Base()
		target.Components = append(target.Components, c)
	case Prepend:
		target := parent.Components[idx].Base()
		target.Components = append([]Component{c}, target.Components...)
	case Before:
		parent.Components = insert(parent.Components, idx, c)
	case After:
		parent.Components = insert(parent.Components, idx+1, c)
	default:
		return fmt.Errorf("%w: unknown position %d", ErrArgument, pos)
	}
	return nil
}

// Delete removes the component at loc with its subtree.
func (l *Layout) Delete(loc Locator) error {
	if err := loc.validate(); err != nil {
		return err
	}
	parent, idx, err := l.locate(loc)
	if err != nil {
		return err
	}
	parent.Components = append(parent.Components[:idx:idx], parent.Components[idx+1:]...)
	return nil
}

// Update calls fn with the component at loc.
func (l *Layout) Update(loc Locator, fn func(Component) error) error {
	c, _, err := l.Find(loc)
	if err != nil {
		return err
	}
	return fn(c)
}

func insert(s []Component, i int, c Component) []Component {
	s = append(s, nil)
	copy(s[i+1:], s[i:])
	s[i] = c
	return s
}

// locate returns the node holding the target and the target's index.
func (l *Layout) locate(loc Locator) (*Node, int, error) {
	if loc.ID != "" {
		if parent, idx, ok := findID(&l.Node, loc.ID); ok {
			return parent, idx, nil
		}
		return nil, 0, fmt.Errorf("%w: %s", ErrLayout, loc)
	}

	parent := &l.Node
	segments := strings.Split(strings.ToLower(loc.Path), ".")
	for i, seg := range segments {
		code, n, err := parseSegment(seg)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s: %v", ErrLayout, loc, err)
		}
		idx := nthWithCode(parent.Components, code, n)
		if idx < 0 {
			return nil, 0, fmt.Errorf("%w: %s", ErrLayout, loc)
		}
		if i == len(segments)-1 {
			return parent, idx, nil
		}
		parent = parent.Components[idx].Base()
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrLayout, loc)
}

func parseSegment(seg string) (string, int, error) {
	open := strings.IndexByte(seg, '[')
	if open < 0 {
		if seg == "" {
			return "", 0, errors.New("empty segment")
		}
		return seg, 0, nil
	}
	if !strings.HasSuffix(seg, "]") || open == 0 {
		return "", 0, fmt.Errorf("malformed segment %q", seg)
	}
	n, err := strconv.Atoi(seg[open+1 : len(seg)-1])
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("malformed index in %q", seg)
	}
	return seg[:open], n, nil
}

func nthWithCode(components []Component, code string, n int) int {
	for i, c := range components {
		if c.Code() != code {
			continue
		}
		if n == 0 {
			return i
		}
		n--
	}
	return -1
}

func findID(parent *Node, id string) (*Node, int, bool) {
	for i, c := range parent.Components {
		if c.Base().ID == id {
			return parent, i, true
		}
		if p, idx, ok := findID(c.Base(), id); ok {
			return p, idx, true
		}
	}
	return nil, 0, false
}

// owner returns the component whose node is n.
func (l *Layout) owner(n *Node) Component {
	var walk func(*Node) Component
	walk = func(parent *Node) Component {
		for _, c := range parent.Components {
			if c.Base() == n {
				return c
			}
			if found := walk(c.Base()); found != nil {
				return found
			}
		}
		return nil
	}
	return walk(&l.Node)
}
