// Package renderer turns field values into display strings. Renderers are
// looked up by exact Go type first, then by reflect.Kind.
package renderer

import (
	"fmt"
	"html"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"

	"trionyx/pkg/models"
	"trionyx/pkg/utils"
)

// Options tune a single render call.
type Options struct {
	// NoHTML requests plain text, used by exports and audit diffs.
	NoHTML bool
	// Locale overrides the renderer default when set.
	Locale *utils.Locale
}

// Func renders one value.
type Func func(r *Renderer, value any, opts Options) string

// Renderer is the value renderer registry.
type Renderer struct {
	mu      sync.RWMutex
	types   map[reflect.Type]Func
	kinds   map[reflect.Kind]Func
	locale  utils.Locale
	fileURL func(key string) string
}

// TypeOf returns the reflect.Type of T, for use with Register.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// New returns a Renderer with the default renderers registered.
func New(locale utils.Locale) *Renderer {
	r := &Renderer{
		types:  make(map[reflect.Type]Func),
		kinds:  make(map[reflect.Kind]Func),
		locale: locale,
	}

	r.Register(TypeOf[time.Time](), renderDateTime)
	r.Register(TypeOf[datatypes.Date](), renderDate)
	r.Register(TypeOf[models.Price](), renderPrice)
	r.Register(TypeOf[models.Email](), renderEmail)
	r.Register(TypeOf[models.URL](), renderURL)
	r.Register(TypeOf[models.File](), renderFile)
	r.Register(TypeOf[datatypes.JSON](), renderJSON)

	r.RegisterKind(reflect.Bool, renderBool)
	for _, k := range []reflect.Kind{reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64} {
		r.RegisterKind(k, renderInt)
	}
	r.RegisterKind(reflect.Float32, renderFloat)
	r.RegisterKind(reflect.Float64, renderFloat)
	r.RegisterKind(reflect.Slice, renderList)
	r.RegisterKind(reflect.Array, renderList)

	return r
}

// Register sets the renderer for t, replacing any previous one.
func (r *Renderer) Register(t reflect.Type, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[t] = fn
}

// RegisterKind sets the fallback renderer for every type of kind k.
func (r *Renderer) RegisterKind(k reflect.Kind, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[k] = fn
}

// SetFileURL installs the resolver used to link File values.
func (r *Renderer) SetFileURL(fn func(key string) string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fileURL = fn
}

// Locale returns the default locale.
func (r *Renderer) Locale() utils.Locale { return r.locale }

func (r *Renderer) localeFor(opts Options) utils.Locale {
	if opts.Locale != nil {
		return *opts.Locale
	}
	return r.locale
}

func (r *Renderer) lookup(t reflect.Type) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if fn, ok := r.types[t]; ok {
		return fn, true
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	fn, ok := r.kinds[t.Kind()]
	return fn, ok
}

// Render renders value. Nil values and nil pointers render empty.
func (r *Renderer) Render(value any, opts Options) string {
	if value == nil {
		return ""
	}
	rv := reflect.ValueOf(value)
	if fn, ok := r.lookupExact(rv.Type()); ok {
		return fn(r, value, opts)
	}
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return ""
		}
		if s, ok := value.(fmt.Stringer); ok && rv.Elem().Kind() == reflect.Struct {
			return escape(s.String(), opts)
		}
		return r.Render(rv.Elem().Interface(), opts)
	}
	if s, ok := value.(fmt.Stringer); ok {
		return escape(s.String(), opts)
	}
	if fn, ok := r.lookup(rv.Type()); ok {
		return fn(r, value, opts)
	}
	if rv.Kind() == reflect.Struct && !rv.CanAddr() {
		ptr := reflect.New(rv.Type())
		ptr.Elem().Set(rv)
		if s, ok := ptr.Interface().(fmt.Stringer); ok {
			return escape(s.String(), opts)
		}
	}
	return escape(fmt.Sprint(value), opts)
}

func (r *Renderer) lookupExact(t reflect.Type) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.types[t]
	return fn, ok
}

func escape(s string, opts Options) string {
	if opts.NoHTML {
		return s
	}
	return html.EscapeString(s)
}

func renderDateTime(r *Renderer, v any, opts Options) string {
	return r.localeFor(opts).FormatDateTime(v.(time.Time))
}

func renderDate(r *Renderer, v any, opts Options) string {
	return r.localeFor(opts).FormatDate(time.Time(v.(datatypes.Date)))
}

func renderPrice(r *Renderer, v any, opts Options) string {
	return r.localeFor(opts).FormatPrice(float64(v.(models.Price)))
}

func renderInt(r *Renderer, v any, opts Options) string {
	rv := reflect.ValueOf(v)
	if rv.CanInt() {
		return r.localeFor(opts).FormatNumber(rv.Int(), 0)
	}
	return r.localeFor(opts).FormatNumber(rv.Uint(), 0)
}

func renderFloat(r *Renderer, v any, opts Options) string {
	return r.localeFor(opts).FormatNumber(reflect.ValueOf(v).Float(), 2)
}

func renderBool(_ *Renderer, v any, opts Options) string {
	b := reflect.ValueOf(v).Bool()
	switch {
	case opts.NoHTML && b:
		return "Yes"
	case opts.NoHTML:
		return "No"
	case b:
		return `<i class="fa fa-check-circle text-success"></i>`
	default:
		return `<i class="fa fa-times-circle text-danger"></i>`
	}
}

func renderList(r *Renderer, v any, opts Options) string {
	rv := reflect.ValueOf(v)
	items := make([]string, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		item := rv.Index(i)
		if item.Kind() == reflect.Struct && item.CanAddr() {
			item = item.Addr()
		}
		if s := r.Render(item.Interface(), opts); s != "" {
			items = append(items, s)
		}
	}
	return strings.Join(items, ", ")
}

func renderEmail(_ *Renderer, v any, opts Options) string {
	s := string(v.(models.Email))
	if opts.NoHTML || s == "" {
		return s
	}
	e := html.EscapeString(s)
	return fmt.Sprintf(`<a href="mailto:%s">%s</a>`, e, e)
}

func renderURL(_ *Renderer, v any, opts Options) string {
	s := string(v.(models.URL))
	if opts.NoHTML || s == "" {
		return s
	}
	e := html.EscapeString(s)
	return fmt.Sprintf(`<a href="%s" target="_blank">%s</a>`, e, e)
}

func renderFile(r *Renderer, v any, opts Options) string {
	key := string(v.(models.File))
	if key == "" {
		return ""
	}
	name := path.Base(key)
	if opts.NoHTML {
		return name
	}
	r.mu.RLock()
	resolve := r.fileURL
	r.mu.RUnlock()
	href := "/media/" + key
	if resolve != nil {
		href = resolve(key)
	}
	return fmt.Sprintf(`<a href="%s" target="_blank">%s</a>`, html.EscapeString(href), html.EscapeString(name))
}

func renderJSON(_ *Renderer, v any, opts Options) string {
	return escape(string(v.(datatypes.JSON)), opts)
}
