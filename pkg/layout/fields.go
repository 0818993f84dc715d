package layout

import (
	"fmt"
	"html"
	"html/template"
	"reflect"
	"strings"

	"trionyx/pkg/registry"
)

// Field is one value shown by a description list or table.
type Field struct {
	Field string
	Label string
	// Value is rendered instead of looking Field up on the object.
	Value any
	// Format is a fmt verb string applied to the rendered value.
	Format string
	// Renderer returns trusted markup for value.
	Renderer func(value any, obj any) string
	Width    string
	Options  map[string]string
}

// ParseField parses "name" or "name=option:value;flag" into a Field.
// Known options are label, width and format.
func ParseField(s string) Field {
	name, opts, _ := strings.Cut(s, "=")
	f := Field{Field: strings.TrimSpace(name)}
	for _, part := range strings.Split(opts, ";") {
		key, value, found := strings.Cut(part, ":")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		value = strings.TrimSpace(value)
		if !found {
			value = "true"
		}
		switch key {
		case "label":
			f.Label = value
		case "width":
			f.Width = value
		case "format":
			f.Format = value
		default:
			if f.Options == nil {
				f.Options = make(map[string]string)
			}
			f.Options[key] = value
		}
	}
	return f
}

// Fields normalises strings, Field and *Field values into Fields.
func Fields(items ...any) []Field {
	out := make([]Field, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, ParseField(v))
		case Field:
			out = append(out, v)
		case *Field:
			out = append(out, *v)
		default:
			out = append(out, Field{Value: v})
		}
	}
	return out
}

type renderedField struct {
	Label string
	Value template.HTML
	Width string
}

func renderFields(ctx *Context, fields []Field, obj any) []renderedField {
	out := make([]renderedField, 0, len(fields))
	for i, f := range fields {
		out = append(out, renderedField{
			Label: labelFor(ctx, f, obj),
			Value: renderField(ctx, f, obj, i),
			Width: f.Width,
		})
	}
	return out
}

func configFor(ctx *Context, obj any) *registry.Config {
	if ctx.Registry == nil || obj == nil {
		return nil
	}
	cfg, err := ctx.Registry.Get(obj)
	if err != nil || reflect.Indirect(reflect.ValueOf(obj)).Type() != cfg.Type {
		return nil
	}
	return cfg
}

func labelFor(ctx *Context, f Field, obj any) string {
	if f.Label != "" || f.Field == "" {
		return f.Label
	}
	if cfg := configFor(ctx, obj); cfg != nil {
		if field, ok := cfg.Field(f.Field); ok {
			return field.Label
		}
		if lf, ok := cfg.GetListFields().Get(f.Field); ok {
			return lf.Label
		}
	}
	return registry.Humanize(f.Field)
}

func renderField(ctx *Context, f Field, obj any, index int) template.HTML {
	var out string
	switch {
	case f.Value != nil:
		out = renderWith(ctx, f, f.Value, obj)
	case f.Field == "":
		return ""
	default:
		if cfg := configFor(ctx, obj); cfg != nil {
			if _, ok := cfg.Field(f.Field); ok || hasListField(cfg, f.Field) {
				if f.Renderer != nil {
					out = f.Renderer(cfg.Value(obj, f.Field), obj)
				} else {
					out = cfg.RenderField(obj, f.Field, ctx.Options)
				}
				break
			}
		}
		v, ok := lookup(obj, f.Field, index)
		if !ok {
			return ""
		}
		out = renderWith(ctx, f, v, obj)
	}
	if f.Format != "" {
		out = fmt.Sprintf(f.Format, out)
	}
	return template.HTML(out)
}

func hasListField(cfg *registry.Config, name string) bool {
	_, ok := cfg.GetListFields().Get(name)
	return ok
}

func renderWith(ctx *Context, f Field, v any, obj any) string {
	if f.Renderer != nil {
		return f.Renderer(v, obj)
	}
	return string(renderValue(ctx, v))
}

func renderValue(ctx *Context, v any) template.HTML {
	if r := ctx.renderer(); r != nil {
		return template.HTML(r.Render(v, ctx.Options))
	}
	if v == nil {
		return ""
	}
	return template.HTML(html.EscapeString(fmt.Sprint(v)))
}

// lookup reads name from maps, slices (by index) and structs (by Go or
// snake_case field name).
func lookup(obj any, name string, index int) (any, bool) {
	rv := reflect.ValueOf(obj)
	for rv.Kind() == reflect.Pointer || rv.Kind() == reflect.Interface {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		v := rv.MapIndex(reflect.ValueOf(name).Convert(rv.Type().Key()))
		if !v.IsValid() {
			return nil, false
		}
		return v.Interface(), true
	case reflect.Slice, reflect.Array:
		if index < rv.Len() {
			return rv.Index(index).Interface(), true
		}
	case reflect.Struct:
		want := strings.ReplaceAll(strings.ToLower(name), "_", "")
		v := rv.FieldByNameFunc(func(n string) bool { return strings.ToLower(n) == want })
		if v.IsValid() && v.CanInterface() {
			return v.Interface(), true
		}
	}
	return nil, false
}

func resolveObjects(ctx *Context, objects any) []any {
	if name, ok := objects.(string); ok {
		var v any
		if cfg := configFor(ctx, ctx.Object); cfg != nil {
			v = cfg.Value(ctx.Object, name)
		}
		if v == nil {
			v, _ = lookup(ctx.Object, name, 0)
		}
		objects = v
	}
	rv := reflect.ValueOf(objects)
	if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Elem().Kind() == reflect.Slice {
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil
	}
	out := make([]any, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item := rv.Index(i)
		if item.Kind() == reflect.Struct && item.CanAddr() {
			item = item.Addr()
		}
		out = append(out, item.Interface())
	}
	return out
}

func firstOr(objects []any, fallback any) any {
	if len(objects) > 0 {
		return objects[0]
	}
	return fallback
}
