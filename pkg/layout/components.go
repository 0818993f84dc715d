package layout

import (
	"fmt"
	"html/template"
	"strconv"
)

type wrapperData struct {
	ID       string
	Class    string
	Children template.HTML
}

func renderWrapper(ctx *Context, n *Node, class string) (template.HTML, error) {
	children, err := n.Children(ctx)
	if err != nil {
		return "", err
	}
	return ctx.engine().HTML("component_wrapper", wrapperData{ID: n.ID, Class: class, Children: children})
}

// Container is a fluid grid container.
type Container struct{ Node }

// NewContainer returns a container holding components.
func NewContainer(components ...Component) *Container {
	return &Container{Node{Components: components}}
}

func (*Container) Code() string { return "container" }

func (c *Container) Render(ctx *Context) (template.HTML, error) {
	return renderWrapper(ctx, &c.Node, "container-fluid")
}

// Row is a grid row.
type Row struct{ Node }

// NewRow returns a row holding components.
func NewRow(components ...Component) *Row {
	return &Row{Node{Components: components}}
}

func (*Row) Code() string { return "row" }

func (r *Row) Render(ctx *Context) (template.HTML, error) {
	return renderWrapper(ctx, &r.Node, "row")
}

// Column is a grid column spanning Width of 12 units.
type Column struct {
	Node
	Width int
	// Size is the breakpoint, "md" when empty.
	Size string
}

// NewColumn returns a column of width 1..12.
func NewColumn(width int, components ...Component) *Column {
	if width < 1 {
		width = 1
	}
	if width > 12 {
		width = 12
	}
	return &Column{Node: Node{Components: components}, Width: width}
}

// Code is "column" followed by the width, e.g. "column6".
func (c *Column) Code() string { return "column" + strconv.Itoa(c.Width) }

func (c *Column) Render(ctx *Context) (template.HTML, error) {
	size := c.Size
	if size == "" {
		size = "md"
	}
	return renderWrapper(ctx, &c.Node, fmt.Sprintf("col-%s-%d", size, c.Width))
}

// Panel is a titled box.
type Panel struct {
	Node
	Title string
	// Contextual is one of default, primary, success, info, warning, danger.
	Contextual string
	Collapse   bool
	Collapsed  bool
	Footer     []Component
}

// NewPanel returns a collapsible panel.
func NewPanel(title string, components ...Component) *Panel {
	return &Panel{Node: Node{Components: components}, Title: title, Collapse: true}
}

func (*Panel) Code() string { return "panel" }

func (p *Panel) Render(ctx *Context) (template.HTML, error) {
	children, err := p.Children(ctx)
	if err != nil {
		return "", err
	}
	footer, err := (&Node{Components: p.Footer}).Children(ctx)
	if err != nil {
		return "", err
	}
	contextual := p.Contextual
	if contextual == "" {
		contextual = "default"
	}
	return ctx.engine().HTML("component_panel", map[string]any{
		"ID":         p.ID,
		"Title":      p.Title,
		"Contextual": contextual,
		"Collapse":   p.Collapse,
		"Collapsed":  p.Collapsed,
		"Children":   children,
		"Footer":     footer,
	})
}

// DescriptionList renders label/value pairs of the context object.
type DescriptionList struct {
	Node
	Fields     []Field
	Horizontal bool
	Empty      string
}

// NewDescriptionList returns a horizontal description list of fields.
func NewDescriptionList(fields ...any) *DescriptionList {
	return &DescriptionList{Fields: Fields(fields...), Horizontal: true, Empty: "There is no data"}
}

func (*DescriptionList) Code() string { return "descriptionlist" }

func (d *DescriptionList) Render(ctx *Context) (template.HTML, error) {
	items := renderFields(ctx, d.Fields, ctx.Object)
	return ctx.engine().HTML("component_description_list", map[string]any{
		"ID":         d.ID,
		"Horizontal": d.Horizontal,
		"Items":      items,
		"Empty":      d.Empty,
	})
}

// TableDescription renders label/value pairs as a two column table.
type TableDescription struct {
	Node
	Fields []Field
}

// NewTableDescription returns a table description of fields.
func NewTableDescription(fields ...any) *TableDescription {
	return &TableDescription{Fields: Fields(fields...)}
}

func (*TableDescription) Code() string { return "tabledescription" }

func (d *TableDescription) Render(ctx *Context) (template.HTML, error) {
	items := renderFields(ctx, d.Fields, ctx.Object)
	for i := range items {
		if items[i].Width == "" {
			items[i].Width = "150px"
		}
	}
	return ctx.engine().HTML("component_table_description", map[string]any{
		"ID":    d.ID,
		"Items": items,
	})
}

// Table renders a list of objects, one row each.
type Table struct {
	Node
	// Objects is a slice of objects, or the name of a relation field on
	// the context object.
	Objects any
	Fields  []Field
	Empty   string
}

// NewTable returns a table of objects showing fields.
func NewTable(objects any, fields ...any) *Table {
	return &Table{Objects: objects, Fields: Fields(fields...), Empty: "There is no data"}
}

func (*Table) Code() string { return "table" }

func (t *Table) Render(ctx *Context) (template.HTML, error) {
	objects := resolveObjects(ctx, t.Objects)
	headers := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		headers[i] = labelFor(ctx, f, firstOr(objects, ctx.Object))
	}
	rows := make([][]template.HTML, 0, len(objects))
	for _, obj := range objects {
		cells := make([]template.HTML, len(t.Fields))
		for i, item := range renderFields(ctx, t.Fields, obj) {
			cells[i] = item.Value
		}
		rows = append(rows, cells)
	}
	return ctx.engine().HTML("component_table", map[string]any{
		"ID":      t.ID,
		"Headers": headers,
		"Rows":    rows,
		"Empty":   t.Empty,
	})
}

// List renders an unordered or ordered list of values.
type List struct {
	Node
	Items   []any
	Ordered bool
}

// NewList returns an unordered list.
func NewList(items ...any) *List { return &List{Items: items} }

// NewOrderedList returns an ordered list.
func NewOrderedList(items ...any) *List { return &List{Items: items, Ordered: true} }

func (l *List) Code() string {
	if l.Ordered {
		return "orderedlist"
	}
	return "unorderedlist"
}

func (l *List) Render(ctx *Context) (template.HTML, error) {
	items := make([]template.HTML, 0, len(l.Items)+len(l.Components))
	for _, v := range l.Items {
		items = append(items, renderValue(ctx, v))
	}
	for _, c := range l.Components {
		h, err := c.Render(ctx)
		if err != nil {
			return "", err
		}
		items = append(items, h)
	}
	return ctx.engine().HTML("component_list", map[string]any{
		"ID":      l.ID,
		"Ordered": l.Ordered,
		"Items":   items,
	})
}

// Img is an image tag.
type Img struct {
	Node
	Src   string
	Alt   string
	Width string
}

// NewImg returns a full width image.
func NewImg(src string) *Img { return &Img{Src: src, Width: "100%"} }

func (*Img) Code() string { return "img" }

func (i *Img) Render(ctx *Context) (template.HTML, error) {
	return ctx.engine().HTML("component_img", i)
}

// Thumbnail is a captioned image.
type Thumbnail struct {
	Node
	Src     string
	Caption string
	URL     string
}

// NewThumbnail returns a thumbnail.
func NewThumbnail(src, caption string) *Thumbnail { return &Thumbnail{Src: src, Caption: caption} }

func (*Thumbnail) Code() string { return "thumbnail" }

func (t *Thumbnail) Render(ctx *Context) (template.HTML, error) {
	return ctx.engine().HTML("component_thumbnail", t)
}

// Input is a form input outside a form.
type Input struct {
	Node
	Name        string
	Type        string
	Label       string
	Value       string
	Placeholder string
}

// NewInput returns a text input.
func NewInput(name, label string) *Input { return &Input{Name: name, Label: label, Type: "text"} }

func (*Input) Code() string { return "input" }

func (i *Input) Render(ctx *Context) (template.HTML, error) {
	return ctx.engine().HTML("component_input", i)
}

// Button is a link styled as a button. Dialog buttons open URL in the
// dialog controller.
type Button struct {
	Node
	Label  string
	URL    string
	Class  string
	Icon   string
	Dialog bool
	// Reload refreshes the sidebar or page after a successful dialog.
	Reload bool
}

// NewButton returns a default button.
func NewButton(label, url string) *Button {
	return &Button{Label: label, URL: url, Class: "btn btn-default"}
}

func (*Button) Code() string { return "button" }

func (b *Button) Render(ctx *Context) (template.HTML, error) {
	return ctx.engine().HTML("component_button", b)
}

// Badge is a small coloured label.
type Badge struct {
	Node
	Label string
	Color string
}

// NewBadge returns a badge.
func NewBadge(label, color string) *Badge { return &Badge{Label: label, Color: color} }

func (*Badge) Code() string { return "badge" }

func (b *Badge) Render(ctx *Context) (template.HTML, error) {
	return ctx.engine().HTML("component_badge", b)
}

// Alert is a contextual message box.
type Alert struct {
	Node
	Message     string
	Level       string
	Dismissible bool
}

// NewAlert returns an alert of level info, success, warning or danger.
func NewAlert(message, level string) *Alert { return &Alert{Message: message, Level: level} }

func (*Alert) Code() string { return "alert" }

func (a *Alert) Render(ctx *Context) (template.HTML, error) {
	return ctx.engine().HTML("component_alert", a)
}

// ProgressBar shows a percentage.
type ProgressBar struct {
	Node
	Value int
	Label string
	Color string
}

// NewProgressBar returns a progress bar clamped to [0,100].
func NewProgressBar(value int) *ProgressBar {
	return &ProgressBar{Value: min(max(value, 0), 100), Color: "primary"}
}

func (*ProgressBar) Code() string { return "progressbar" }

func (p *ProgressBar) Render(ctx *Context) (template.HTML, error) {
	return ctx.engine().HTML("component_progress", p)
}

// HTML is trusted raw markup.
type HTML struct {
	Node
	Content template.HTML
}

// NewHTML wraps trusted markup.
func NewHTML(content template.HTML) *HTML { return &HTML{Content: content} }

func (*HTML) Code() string { return "html" }

func (h *HTML) Render(*Context) (template.HTML, error) { return h.Content, nil }
